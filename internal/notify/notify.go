// Package notify delivers sync lifecycle events to interested observers.
// The core emits events through the Sink contract; the WebSocket hub is one
// sink, test recorders are another.
package notify

import (
	"sync"

	"github.com/kwliu/sitesync/backend/internal/models"
)

// Event types emitted by the sync core.
const (
	EventSyncStarted         = "sync.started"
	EventSyncCompleted       = "sync.completed"
	EventSyncFailed          = "sync.failed"
	EventConflictResolved    = "sync.conflict_resolved"
	EventQueueChanged        = "queue.changed"
	EventConnectivityChanged = "connectivity.changed"
	EventUploadProgress      = "upload.progress"
)

// DrainSummary is the per-drain result emitted on sync.completed.
type DrainSummary struct {
	Succeeded    int   `json:"succeeded"`
	Failed       int   `json:"failed"`
	Conflicts    int   `json:"conflicts"`
	StillPending int   `json:"still_pending"`
	DurationMS   int64 `json:"duration_ms"`
}

// Sink receives sync lifecycle events.
type Sink interface {
	Emit(eventType string, data map[string]interface{})
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(string, map[string]interface{}) {}

// MemorySink records events for assertions in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one captured event.
type RecordedEvent struct {
	Type string
	Data map[string]interface{}
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit implements Sink.
func (s *MemorySink) Emit(eventType string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, RecordedEvent{Type: eventType, Data: data})
}

// Events returns a copy of everything recorded so far.
func (s *MemorySink) Events() []RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns recorded events of one type.
func (s *MemorySink) ByType(eventType string) []RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecordedEvent
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// QueueViewData converts queue projections into event data.
func QueueViewData(views []models.QueueItemView) map[string]interface{} {
	items := make([]interface{}, 0, len(views))
	for _, v := range views {
		items = append(items, map[string]interface{}{
			"id":              string(v.ID),
			"kind":            string(v.Kind),
			"data_type":       string(v.DataType),
			"status":          string(v.Status),
			"timestamp":       v.Timestamp,
			"needs_attention": v.NeedsAttention,
		})
	}
	return map[string]interface{}{"items": items, "count": len(views)}
}
