// Package scheduler decides when the operation queue drains and routes each
// execution outcome back into queue state. Drains are single-flight: no two
// run concurrently no matter how many triggers fire.
package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kwliu/sitesync/backend/internal/cache"
	"github.com/kwliu/sitesync/backend/internal/conflict"
	"github.com/kwliu/sitesync/backend/internal/connectivity"
	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/executor"
	"github.com/kwliu/sitesync/backend/internal/kv"
	"github.com/kwliu/sitesync/backend/internal/logging"
	"github.com/kwliu/sitesync/backend/internal/models"
	"github.com/kwliu/sitesync/backend/internal/notify"
	"github.com/kwliu/sitesync/backend/internal/queue"
	"github.com/kwliu/sitesync/backend/internal/remote"
)

const (
	// DefaultRetryInterval is the fixed timer between drains while
	// operations remain pending.
	DefaultRetryInterval = 10 * time.Second

	// DefaultStartupDelay holds back the first drain after process start so
	// the rest of the application finishes initializing.
	DefaultStartupDelay = 3 * time.Second

	conflictLogKeyPrefix = "conflict/log/"
)

// Config holds scheduler timing knobs.
type Config struct {
	RetryInterval time.Duration
	StartupDelay  time.Duration
}

// DefaultConfig returns the default scheduler timing.
func DefaultConfig() *Config {
	return &Config{
		RetryInterval: DefaultRetryInterval,
		StartupDelay:  DefaultStartupDelay,
	}
}

// Scheduler owns the drain loop. Triggers are: process start while online,
// an offline-to-online transition, the fixed retry timer, and an explicit
// sync request.
type Scheduler struct {
	queue    *queue.Queue
	exec     *executor.Executor
	resolver *conflict.Resolver
	cache    *cache.Cache
	monitor  *connectivity.Monitor
	records  remote.RecordStore
	sink     notify.Sink
	store    kv.Store
	config   *Config
	clock    func() time.Time

	mu         sync.Mutex
	syncing    bool
	retryTimer *time.Timer
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Scheduler. nil config uses DefaultConfig; nil sink discards
// events; nil clock uses time.Now.
func New(q *queue.Queue, exec *executor.Executor, resolver *conflict.Resolver, c *cache.Cache, monitor *connectivity.Monitor, records remote.RecordStore, store kv.Store, sink notify.Sink, config *Config, clock func() time.Time) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		queue:    q,
		exec:     exec,
		resolver: resolver,
		cache:    c,
		monitor:  monitor,
		records:  records,
		sink:     sink,
		store:    store,
		config:   config,
		clock:    clock,
		done:     make(chan struct{}),
	}
}

// Start launches the trigger loop: a delayed first drain when the process
// starts online, and a drain on every offline-to-online transition.
func (s *Scheduler) Start(ctx context.Context) {
	events := s.monitor.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.sink.Emit(notify.EventConnectivityChanged, map[string]interface{}{
					"online": ev.Online,
				})
				if ev.Online {
					s.trigger(ctx, "connectivity_restored")
				}
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if s.monitor.IsOnline() {
		timer := time.AfterFunc(s.config.StartupDelay, func() {
			s.trigger(ctx, "startup")
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-s.done:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
			}
		}()
	}
}

// Close stops timers and waits for background triggers to finish. A drain
// in flight completes its current operation first.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
}

// SyncNow drains the queue immediately. Returns ErrSyncInFlight when a
// drain is already running, and ErrRemoteOffline when there is no
// connectivity to drain into.
func (s *Scheduler) SyncNow(ctx context.Context) (*notify.DrainSummary, error) {
	if !s.monitor.IsOnline() {
		return nil, apperrors.New(apperrors.ErrRemoteOffline, "cannot sync while offline")
	}
	return s.drainSingleFlight(ctx, "manual")
}

// SyncOne drains exactly one operation by id, honoring the same
// single-flight guard as a full drain.
func (s *Scheduler) SyncOne(ctx context.Context, id models.UUID) error {
	if !s.monitor.IsOnline() {
		return apperrors.New(apperrors.ErrRemoteOffline, "cannot sync while offline")
	}

	if !s.acquire() {
		return apperrors.New(apperrors.ErrSyncInFlight, "a sync is already running")
	}
	defer s.release()

	op, err := s.queue.Get(id)
	if err != nil {
		return err
	}
	if op.Status == models.StatusFailed {
		if err := s.queue.Retry(id); err != nil {
			return err
		}
		op.Status = models.StatusPending
	}
	if op.Status != models.StatusPending {
		return apperrors.New(apperrors.ErrBadTransition, "operation is not pending")
	}

	summary := &notify.DrainSummary{}
	s.executeOne(ctx, op, summary)
	s.emitQueueChanged()
	return nil
}

// trigger runs a background drain, swallowing the in-flight error: a
// concurrent trigger is not a failure, the running drain covers it.
func (s *Scheduler) trigger(ctx context.Context, reason string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.drainSingleFlight(ctx, reason); err != nil &&
			!apperrors.Is(err, apperrors.ErrSyncInFlight) {
			logging.Warn("Drain trigger failed", map[string]interface{}{
				"reason": reason, "error": err.Error(),
			})
		}
	}()
}

func (s *Scheduler) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return false
	}
	s.syncing = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.syncing = false
	s.mu.Unlock()
}

func (s *Scheduler) drainSingleFlight(ctx context.Context, reason string) (*notify.DrainSummary, error) {
	if !s.acquire() {
		return nil, apperrors.New(apperrors.ErrSyncInFlight, "a sync is already running")
	}
	defer s.release()
	return s.drain(ctx, reason)
}

// drain executes every pending operation in order: asset operations first,
// then record mutations by enqueue time. Going offline mid-drain stops the
// pass; untouched operations simply stay pending.
func (s *Scheduler) drain(ctx context.Context, reason string) (*notify.DrainSummary, error) {
	started := s.clock()

	pending, err := s.queue.ListPending()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &notify.DrainSummary{}, nil
	}

	sort.SliceStable(pending, func(i, j int) bool {
		ii, ij := pending[i].Kind.IsImageOp(), pending[j].Kind.IsImageOp()
		if ii != ij {
			return ii
		}
		if pending[i].EnqueuedAt != pending[j].EnqueuedAt {
			return pending[i].EnqueuedAt < pending[j].EnqueuedAt
		}
		return pending[i].Seq < pending[j].Seq
	})

	logging.Info("Draining sync queue", map[string]interface{}{
		"reason": reason, "pending": len(pending),
	})
	s.sink.Emit(notify.EventSyncStarted, map[string]interface{}{
		"reason": reason, "pending": len(pending),
	})

	summary := &notify.DrainSummary{}
	for _, op := range pending {
		if !s.monitor.IsOnline() {
			logging.Warn("Connectivity lost mid-drain, stopping", map[string]interface{}{
				"remaining": len(pending) - summary.Succeeded - summary.Failed - summary.Conflicts,
			})
			break
		}
		if ctx.Err() != nil {
			break
		}
		s.executeOne(ctx, op, summary)
	}

	stillPending, err := s.queue.ListPending()
	if err != nil {
		return nil, err
	}
	summary.StillPending = len(stillPending)
	summary.DurationMS = s.clock().Sub(started).Milliseconds()

	s.sink.Emit(notify.EventSyncCompleted, map[string]interface{}{
		"succeeded":     summary.Succeeded,
		"failed":        summary.Failed,
		"conflicts":     summary.Conflicts,
		"still_pending": summary.StillPending,
		"duration_ms":   summary.DurationMS,
	})
	s.emitQueueChanged()
	s.scheduleRetry(ctx, summary.StillPending)

	logging.Info("Drain finished", map[string]interface{}{
		"succeeded":     summary.Succeeded,
		"failed":        summary.Failed,
		"conflicts":     summary.Conflicts,
		"still_pending": summary.StillPending,
	})
	return summary, nil
}

// executeOne runs one operation through the executor and routes its outcome
// into queue state and the summary.
func (s *Scheduler) executeOne(ctx context.Context, op *models.Operation, summary *notify.DrainSummary) {
	if err := s.queue.MarkSyncing(op.ID); err != nil {
		logging.Error("Failed to mark operation syncing", err,
			map[string]interface{}{"op_id": string(op.ID)})
		return
	}

	outcome := s.exec.Execute(ctx, op)

	switch outcome.Kind {
	case executor.OutcomeSuccess:
		s.routeSuccess(op, outcome, summary)

	case executor.OutcomeConflict:
		s.routeConflict(ctx, op, outcome.Conflict, summary)

	case executor.OutcomeFailure:
		s.routeFailure(op, outcome.Err, summary)
	}
}

func (s *Scheduler) routeSuccess(op *models.Operation, outcome *executor.Outcome, summary *notify.DrainSummary) {
	if err := s.queue.Complete(op.ID, outcome.Result); err != nil {
		logging.Error("Failed to complete operation", err,
			map[string]interface{}{"op_id": string(op.ID)})
		return
	}
	summary.Succeeded++

	// A create that got a durable key promotes its temp-keyed cache entry,
	// purging the duplicate local copy.
	tempKey, _ := outcome.Result["temp_key"].(string)
	durableKey, _ := outcome.Result["key"].(string)
	if tempKey != "" && durableKey != "" && tempKey != durableKey {
		if err := s.cache.Promote(op.DataType, tempKey, durableKey); err != nil {
			logging.Error("Failed to promote cached record", err, map[string]interface{}{
				"data_type": string(op.DataType), "temp_key": tempKey, "key": durableKey,
			})
		}
	}
}

// routeConflict resolves a detected conflict with last-writer-wins. The
// operation always completes: conflict is an outcome, not a failure, and it
// never consumes a retry.
func (s *Scheduler) routeConflict(ctx context.Context, op *models.Operation, c *conflict.Conflict, summary *notify.DrainSummary) {
	if err := s.queue.MarkConflict(op.ID); err != nil {
		logging.Error("Failed to mark operation conflicted", err,
			map[string]interface{}{"op_id": string(op.ID)})
		return
	}

	res := s.resolver.Resolve(c)
	s.persistConflictLog(res.Log)

	if res.Winner == conflict.WinnerLocal {
		// The local version is newer; push it over the remote copy.
		if err := s.records.Update(ctx, c.DataType, c.RecordKey, res.WinningRecord); err != nil {
			if apperrors.IsTransient(err) {
				s.queue.RequeueTransient(op.ID, err.Error())
				summary.Failed++
				return
			}
			s.queue.FailPermanent(op.ID, err.Error())
			summary.Failed++
			return
		}
	}

	// The surviving version becomes the local truth either way.
	if err := s.cache.Put(c.DataType, c.RecordKey, res.WinningRecord); err != nil {
		logging.Error("Failed to cache resolved record", err, map[string]interface{}{
			"data_type": string(c.DataType), "key": c.RecordKey,
		})
	}

	if err := s.queue.Complete(op.ID, map[string]interface{}{
		"conflict": true,
		"winner":   string(res.Winner),
	}); err != nil {
		logging.Error("Failed to complete conflicted operation", err,
			map[string]interface{}{"op_id": string(op.ID)})
		return
	}

	summary.Conflicts++
	s.sink.Emit(notify.EventConflictResolved, map[string]interface{}{
		"data_type":        string(c.DataType),
		"record_key":       c.RecordKey,
		"winner":           string(res.Winner),
		"local_timestamp":  c.LocalTimestamp,
		"remote_timestamp": c.RemoteTimestamp,
	})
}

func (s *Scheduler) routeFailure(op *models.Operation, err error, summary *notify.DrainSummary) {
	summary.Failed++

	if apperrors.IsTransient(err) {
		if rqErr := s.queue.RequeueTransient(op.ID, err.Error()); rqErr != nil {
			logging.Error("Failed to requeue operation", rqErr,
				map[string]interface{}{"op_id": string(op.ID)})
		}
		return
	}

	if fpErr := s.queue.FailPermanent(op.ID, err.Error()); fpErr != nil {
		logging.Error("Failed to park operation", fpErr,
			map[string]interface{}{"op_id": string(op.ID)})
	}
	s.sink.Emit(notify.EventSyncFailed, map[string]interface{}{
		"op_id": string(op.ID),
		"error": err.Error(),
	})
}

// scheduleRetry arms the fixed retry timer when operations remain pending.
func (s *Scheduler) scheduleRetry(ctx context.Context, stillPending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || stillPending == 0 {
		return
	}

	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(s.config.RetryInterval, func() {
		if s.monitor.IsOnline() {
			s.trigger(ctx, "retry_timer")
		}
	})
}

func (s *Scheduler) emitQueueChanged() {
	views, err := s.queue.Views()
	if err != nil {
		logging.Error("Failed to project queue", err, nil)
		return
	}
	s.sink.Emit(notify.EventQueueChanged, notify.QueueViewData(views))
}

// persistConflictLog keeps an audit trail of every resolution.
func (s *Scheduler) persistConflictLog(log *models.ConflictLog) {
	if s.store == nil || log == nil {
		return
	}
	raw, err := json.Marshal(log)
	if err != nil {
		return
	}
	if err := s.store.Set(conflictLogKeyPrefix+string(log.ID), raw); err != nil {
		logging.Error("Failed to persist conflict log", err,
			map[string]interface{}{"conflict_id": string(log.ID)})
	}
}

// ConflictLogs returns every persisted conflict resolution, newest last.
func (s *Scheduler) ConflictLogs() ([]*models.ConflictLog, error) {
	keys, err := s.store.Keys(conflictLogKeyPrefix)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to list conflict logs", err)
	}

	logs := make([]*models.ConflictLog, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := s.store.Get(key)
		if err != nil || !ok {
			continue
		}
		var log models.ConflictLog
		if err := json.Unmarshal(raw, &log); err != nil {
			continue
		}
		logs = append(logs, &log)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].DetectedAt < logs[j].DetectedAt })
	return logs, nil
}
