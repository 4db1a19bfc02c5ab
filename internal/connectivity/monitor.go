// Package connectivity observes the host environment's online/offline
// signal and notifies subscribers of transitions.
package connectivity

import (
	"sync"
	"time"

	"github.com/kwliu/sitesync/backend/internal/logging"
)

// DefaultSettleDelay is how long the monitor waits after a reconnect before
// notifying subscribers, to avoid thrashing on flapping connectivity.
const DefaultSettleDelay = 5 * time.Second

// Event is one connectivity transition, delivered after the settle delay
// for offline-to-online transitions.
type Event struct {
	Online bool
	At     time.Time
}

// Monitor tracks online state. It performs no retries of its own; it only
// notifies subscribers (the scheduler) of transitions.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	settleDelay time.Duration
	subscribers []chan Event
	settleTimer *time.Timer
	closed      bool
}

// NewMonitor creates a Monitor with the given initial state. A zero
// settleDelay falls back to DefaultSettleDelay.
func NewMonitor(initiallyOnline bool, settleDelay time.Duration) *Monitor {
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	return &Monitor{
		online:      initiallyOnline,
		settleDelay: settleDelay,
	}
}

// IsOnline returns the current online state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel receiving transition events. The channel is
// buffered; a slow subscriber drops events rather than blocking the monitor.
func (m *Monitor) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, 4)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// SetOnline records a host connectivity signal. Going offline notifies
// immediately; coming back online notifies only after the state has stayed
// online for the settle delay.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.online == online {
		return
	}
	m.online = online

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})

	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}

	if !online {
		m.broadcast(Event{Online: false, At: time.Now().UTC()})
		return
	}

	m.settleTimer = time.AfterFunc(m.settleDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Only notify if we are still online after settling.
		if m.closed || !m.online {
			return
		}
		m.settleTimer = nil
		m.broadcast(Event{Online: true, At: time.Now().UTC()})
	})
}

// Close stops the monitor and closes all subscriber channels.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	if m.settleTimer != nil {
		m.settleTimer.Stop()
		m.settleTimer = nil
	}
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}

// broadcast delivers an event to all subscribers without blocking.
// Callers hold m.mu.
func (m *Monitor) broadcast(ev Event) {
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
