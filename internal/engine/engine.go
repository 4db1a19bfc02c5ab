// Package engine assembles the sync core: durable queue, record cache,
// connectivity monitor, upload pipeline, executor, and scheduler, wired over
// one shared persistence layer. The engine is the single entry point the
// HTTP surface talks to.
package engine

import (
	"context"
	"path/filepath"
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
	"github.com/kwliu/sitesync/backend/internal/scheduler"
	"github.com/kwliu/sitesync/backend/internal/upload"
)

// Config holds everything needed to assemble an Engine against real remote
// stores.
type Config struct {
	DataDir         string
	InitiallyOnline bool
	SettleDelay     time.Duration

	Record    *remote.RecordClientConfig
	Blob      *remote.BlobClientConfig
	Upload    *upload.Config
	Scheduler *scheduler.Config
}

// Engine is the assembled sync core.
type Engine struct {
	store    kv.Store
	closer   func() error
	queue    *queue.Queue
	cache    *cache.Cache
	monitor  *connectivity.Monitor
	pipeline *upload.Pipeline
	sched    *scheduler.Scheduler
	sink     notify.Sink

	mu       sync.Mutex
	lastSync *time.Time
	clock    func() time.Time
}

// New assembles an Engine with SQLite persistence and HTTP remote clients.
func New(config *Config, sink notify.Sink) (*Engine, error) {
	store, err := kv.OpenSQLite(config.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to open sync database", err)
	}

	records := remote.NewRecordClient(config.Record)
	blob := remote.NewBlobClient(config.Blob)

	e, err := NewWithStores(config, store, records, blob, sink, nil)
	if err != nil {
		store.Close()
		return nil, err
	}
	e.closer = store.Close
	return e, nil
}

// NewWithStores assembles an Engine over injected collaborators. Tests use
// this with in-memory stores and fakes.
func NewWithStores(config *Config, store kv.Store, records remote.RecordStore, blob remote.BlobStore, sink notify.Sink, clock func() time.Time) (*Engine, error) {
	if sink == nil {
		sink = notify.NopSink{}
	}
	if clock == nil {
		clock = time.Now
	}

	q, err := queue.New(store, clock)
	if err != nil {
		return nil, err
	}

	c := cache.New(store)
	monitor := connectivity.NewMonitor(config.InitiallyOnline, config.SettleDelay)

	local := upload.NewLocalStore(filepath.Join(config.DataDir, "assets"))
	pipeline := upload.New(local, blob, records, store, c, config.Upload, clock)

	exec := executor.New(records, pipeline)
	resolver := conflict.NewResolver(clock)

	e := &Engine{
		store:    store,
		queue:    q,
		cache:    c,
		monitor:  monitor,
		pipeline: pipeline,
		sink:     sink,
		clock:    clock,
	}

	// The engine observes its own drain completions to track last sync time.
	e.sched = scheduler.New(q, exec, resolver, c, monitor, records, store, &observingSink{engine: e}, config.Scheduler, clock)
	return e, nil
}

// Start launches the scheduler's trigger loop.
func (e *Engine) Start(ctx context.Context) {
	e.sched.Start(ctx)
	logging.Info("Sync engine started", map[string]interface{}{
		"online": e.monitor.IsOnline(),
	})
}

// Close shuts down the scheduler, the monitor, and persistence.
func (e *Engine) Close() error {
	e.sched.Close()
	e.monitor.Close()
	if e.closer != nil {
		return e.closer()
	}
	return nil
}

// Enqueue appends a mutation to the durable queue. Record mutations are
// also written through to the local cache so reads see them immediately,
// before any sync runs.
func (e *Engine) Enqueue(kind models.OperationKind, dataType models.DataType, recordKey string, payload map[string]interface{}) (*models.Operation, error) {
	op, err := e.queue.Enqueue(kind, dataType, recordKey, payload)
	if err != nil {
		return nil, err
	}

	switch kind {
	case models.OpCreate, models.OpUpdate:
		if err := e.cache.Put(dataType, recordKey, payload); err != nil {
			logging.Error("Failed to write through to cache", err, map[string]interface{}{
				"data_type": string(dataType), "key": recordKey,
			})
		}
	case models.OpDelete:
		if err := e.cache.Delete(dataType, recordKey); err != nil {
			logging.Error("Failed to delete cached record", err, map[string]interface{}{
				"data_type": string(dataType), "key": recordKey,
			})
		}
	}

	e.emitQueueChanged()
	return op, nil
}

// StageAsset stores asset bytes locally and enqueues the standalone upload
// operation that will move them remote. The returned handle is immediately
// usable in record payloads.
func (e *Engine) StageAsset(data []byte, fileName string) (string, *models.Operation, error) {
	handle, err := e.pipeline.Stage(data)
	if err != nil {
		return "", nil, err
	}

	op, err := e.queue.Enqueue(models.OpUploadImage, models.TypeImage, handle, map[string]interface{}{
		"handle":    handle,
		"file_name": fileName,
	})
	if err != nil {
		return "", nil, err
	}

	e.emitQueueChanged()
	return handle, op, nil
}

// ResolveAsset maps a local handle to its durable locator once uploaded.
func (e *Engine) ResolveAsset(handle string) (string, bool, error) {
	return e.pipeline.Resolve(handle)
}

// SyncNow drains the queue immediately.
func (e *Engine) SyncNow(ctx context.Context) (*notify.DrainSummary, error) {
	return e.sched.SyncNow(ctx)
}

// SyncOne drains a single operation by id.
func (e *Engine) SyncOne(ctx context.Context, id models.UUID) error {
	return e.sched.SyncOne(ctx, id)
}

// RetryOperation returns a parked operation to pending for the next drain.
func (e *Engine) RetryOperation(id models.UUID) error {
	if err := e.queue.Retry(id); err != nil {
		return err
	}
	e.emitQueueChanged()
	return nil
}

// Compact removes completed operations from the queue.
func (e *Engine) Compact() (int, error) {
	removed, err := e.queue.RemoveCompleted()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.emitQueueChanged()
	}
	return removed, nil
}

// QueueViews returns the notification projection of the queue.
func (e *Engine) QueueViews() ([]models.QueueItemView, error) {
	return e.queue.Views()
}

// Operation returns one queued operation by id.
func (e *Engine) Operation(id models.UUID) (*models.Operation, error) {
	return e.queue.Get(id)
}

// ConflictLogs returns the persisted conflict resolution trail.
func (e *Engine) ConflictLogs() ([]*models.ConflictLog, error) {
	return e.sched.ConflictLogs()
}

// CachedRecord returns the local copy of a record.
func (e *Engine) CachedRecord(dataType models.DataType, key string) (map[string]interface{}, bool, error) {
	return e.cache.Get(dataType, key)
}

// CachedRecords returns all local copies of one data type.
func (e *Engine) CachedRecords(dataType models.DataType) (map[string]map[string]interface{}, error) {
	return e.cache.ListByType(dataType)
}

// SetOnline records a host connectivity signal.
func (e *Engine) SetOnline(online bool) {
	e.monitor.SetOnline(online)
}

// IsOnline returns the current connectivity state.
func (e *Engine) IsOnline() bool {
	return e.monitor.IsOnline()
}

// Status summarizes the engine for the status endpoint.
func (e *Engine) Status() (map[string]interface{}, error) {
	stats, err := e.queue.Stats()
	if err != nil {
		return nil, err
	}

	status := map[string]interface{}{
		"online":  e.monitor.IsOnline(),
		"pending": stats[models.StatusPending],
		"syncing": stats[models.StatusSyncing],
		"failed":  stats[models.StatusFailed],
	}

	e.mu.Lock()
	if e.lastSync != nil {
		status["last_sync"] = e.lastSync.UTC().UnixMilli()
	}
	e.mu.Unlock()

	return status, nil
}

func (e *Engine) emitQueueChanged() {
	views, err := e.queue.Views()
	if err != nil {
		return
	}
	e.sink.Emit(notify.EventQueueChanged, notify.QueueViewData(views))
}

// observingSink forwards every event to the configured sink and lets the
// engine record drain completions.
type observingSink struct {
	engine *Engine
}

func (s *observingSink) Emit(eventType string, data map[string]interface{}) {
	if eventType == notify.EventSyncCompleted {
		now := s.engine.clock().UTC()
		s.engine.mu.Lock()
		s.engine.lastSync = &now
		s.engine.mu.Unlock()
	}
	s.engine.sink.Emit(eventType, data)
}
