package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kwliu/sitesync/backend/internal/cache"
	"github.com/kwliu/sitesync/backend/internal/conflict"
	"github.com/kwliu/sitesync/backend/internal/connectivity"
	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/executor"
	"github.com/kwliu/sitesync/backend/internal/kv"
	"github.com/kwliu/sitesync/backend/internal/models"
	"github.com/kwliu/sitesync/backend/internal/notify"
	"github.com/kwliu/sitesync/backend/internal/queue"
	"github.com/kwliu/sitesync/backend/internal/remote"
)

// callLog records cross-collaborator call order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

// loggingRecords wraps the fake record store to trace call order.
type loggingRecords struct {
	*remote.FakeRecordStore
	log   *callLog
	block chan struct{} // when set, Insert waits on it
}

func (r *loggingRecords) Insert(ctx context.Context, table models.DataType, record remote.Record) (remote.Record, error) {
	if r.block != nil {
		<-r.block
	}
	r.log.add("record:insert")
	return r.FakeRecordStore.Insert(ctx, table, record)
}

// stubPipeline satisfies executor.AssetPipeline and traces uploads.
type stubPipeline struct {
	log       *callLog
	uploadErr error
}

func (p *stubPipeline) Resolve(handle string) (string, bool, error) { return "", false, nil }

func (p *stubPipeline) Upload(ctx context.Context, handle, fileName string) (string, error) {
	if p.uploadErr != nil {
		return "", p.uploadErr
	}
	p.log.add("upload:" + handle)
	return "https://blobs.test/" + fileName, nil
}

func (p *stubPipeline) Delete(ctx context.Context, ref string) (bool, error) {
	p.log.add("delete:" + ref)
	return true, nil
}

type harness struct {
	scheduler *Scheduler
	queue     *queue.Queue
	records   *loggingRecords
	pipeline  *stubPipeline
	cache     *cache.Cache
	monitor   *connectivity.Monitor
	sink      *notify.MemorySink
	log       *callLog
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()

	store := kv.NewMemoryStore()
	q, err := queue.New(store, nil)
	if err != nil {
		t.Fatalf("queue.New failed: %v", err)
	}

	log := &callLog{}
	records := &loggingRecords{FakeRecordStore: remote.NewFakeRecordStore(), log: log}
	pipeline := &stubPipeline{log: log}
	c := cache.New(store)
	monitor := connectivity.NewMonitor(online, time.Millisecond)
	sink := notify.NewMemorySink()

	exec := executor.New(records, pipeline)
	resolver := conflict.NewResolver(nil)

	config := &Config{RetryInterval: 25 * time.Millisecond, StartupDelay: time.Millisecond}
	s := New(q, exec, resolver, c, monitor, records, store, sink, config, nil)
	t.Cleanup(func() {
		s.Close()
		monitor.Close()
	})

	return &harness{
		scheduler: s, queue: q, records: records, pipeline: pipeline,
		cache: c, monitor: monitor, sink: sink, log: log,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not reached before timeout")
}

func TestSyncNowDrainsQueue(t *testing.T) {
	h := newHarness(t, true)

	h.queue.Enqueue(models.OpCreate, models.TypeEmployee, "tmp-1", map[string]interface{}{
		"id": "tmp-1", "name": "worker",
	})

	summary, err := h.scheduler.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if summary.Succeeded != 1 || summary.StillPending != 0 {
		t.Errorf("Unexpected summary: %+v", summary)
	}

	stats, _ := h.queue.Stats()
	if stats[models.StatusCompleted] != 1 {
		t.Errorf("Expected 1 completed operation, got %v", stats)
	}
}

func TestSyncNowWhileOfflineFails(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.scheduler.SyncNow(context.Background())
	if !apperrors.Is(err, apperrors.ErrRemoteOffline) {
		t.Errorf("Expected ErrRemoteOffline, got %v", err)
	}
}

func TestDrainOrdersImageOpsFirst(t *testing.T) {
	h := newHarness(t, true)

	// Record mutation enqueued before the asset upload; the drain still
	// runs the upload first.
	h.queue.Enqueue(models.OpCreate, models.TypeWorkRecord, "tmp-1", map[string]interface{}{
		"id": "tmp-1", "note": "pour foundation",
	})
	h.queue.Enqueue(models.OpUploadImage, models.TypeImage, "local://fp1", map[string]interface{}{
		"handle": "local://fp1", "file_name": "pour.jpg",
	})

	if _, err := h.scheduler.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	calls := h.log.list()
	if len(calls) != 2 || calls[0] != "upload:local://fp1" || calls[1] != "record:insert" {
		t.Errorf("Expected upload before record insert, got %v", calls)
	}
}

func TestSingleFlight(t *testing.T) {
	h := newHarness(t, true)
	h.records.block = make(chan struct{})

	h.queue.Enqueue(models.OpCreate, models.TypeProject, "tmp-1", map[string]interface{}{"id": "tmp-1"})

	errs := make(chan error, 1)
	go func() {
		_, err := h.scheduler.SyncNow(context.Background())
		errs <- err
	}()

	// Wait until the first drain is inside the blocking insert.
	waitFor(t, time.Second, func() bool {
		stats, _ := h.queue.Stats()
		return stats[models.StatusSyncing] == 1
	})

	if _, err := h.scheduler.SyncNow(context.Background()); !apperrors.Is(err, apperrors.ErrSyncInFlight) {
		t.Errorf("Expected ErrSyncInFlight for the concurrent drain, got %v", err)
	}

	close(h.records.block)
	if err := <-errs; err != nil {
		t.Fatalf("First drain failed: %v", err)
	}
}

func TestTransientFailureRequeuesAndRetryTimerFires(t *testing.T) {
	h := newHarness(t, true)

	h.records.FailTimes = 1 // first insert fails transiently, second succeeds
	h.queue.Enqueue(models.OpCreate, models.TypeEmployee, "tmp-1", map[string]interface{}{"id": "tmp-1"})

	summary, err := h.scheduler.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if summary.Failed != 1 || summary.StillPending != 1 {
		t.Errorf("Expected transient failure to leave op pending, got %+v", summary)
	}

	op, _ := h.queue.List()
	if op[0].RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", op[0].RetryCount)
	}

	// The armed retry timer drains again without any external trigger.
	waitFor(t, 2*time.Second, func() bool {
		stats, _ := h.queue.Stats()
		return stats[models.StatusCompleted] == 1
	})
}

func TestPermanentFailureParksOperation(t *testing.T) {
	h := newHarness(t, true)

	h.records.FailTimes = 1
	h.records.FailErr = apperrors.New(apperrors.ErrRemoteRejected, "validation failed")
	h.queue.Enqueue(models.OpCreate, models.TypeEmployee, "tmp-1", map[string]interface{}{"id": "tmp-1"})

	summary, err := h.scheduler.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if summary.Failed != 1 || summary.StillPending != 0 {
		t.Errorf("Unexpected summary: %+v", summary)
	}

	stats, _ := h.queue.Stats()
	if stats[models.StatusFailed] != 1 {
		t.Errorf("Expected operation parked as failed, got %v", stats)
	}

	if events := h.sink.ByType(notify.EventSyncFailed); len(events) != 1 {
		t.Errorf("Expected one sync.failed event, got %d", len(events))
	}
}

func TestConflictResolvedRemoteWins(t *testing.T) {
	h := newHarness(t, true)

	h.records.Seed(models.TypeAttendance, "a1", remote.Record{
		"hours": float64(10), "updated_at": float64(9000),
	})
	h.queue.Enqueue(models.OpUpdate, models.TypeAttendance, "a1", map[string]interface{}{
		"hours": float64(8), "updated_at": float64(2000),
	})

	summary, err := h.scheduler.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if summary.Conflicts != 1 || summary.StillPending != 0 {
		t.Errorf("Unexpected summary: %+v", summary)
	}

	// The operation completed; conflicts never consume retries or park ops.
	stats, _ := h.queue.Stats()
	if stats[models.StatusCompleted] != 1 {
		t.Errorf("Expected conflicted op completed, got %v", stats)
	}

	// The remote version overwrote the local cache.
	cached, ok, _ := h.cache.Get(models.TypeAttendance, "a1")
	if !ok || cached["hours"] != float64(10) {
		t.Errorf("Expected remote version cached, got %v (ok=%v)", cached, ok)
	}

	// The remote record was not touched by the stale update.
	stored, _ := h.records.Get(models.TypeAttendance, "a1")
	if stored["hours"] != float64(10) {
		t.Errorf("Expected remote record untouched, got %v", stored)
	}

	logs, err := h.scheduler.ConflictLogs()
	if err != nil || len(logs) != 1 {
		t.Fatalf("Expected one conflict log, got %d (err=%v)", len(logs), err)
	}
	if logs[0].Resolution != "remote_wins" {
		t.Errorf("Expected remote_wins, got %q", logs[0].Resolution)
	}

	if events := h.sink.ByType(notify.EventConflictResolved); len(events) != 1 {
		t.Errorf("Expected one conflict event, got %d", len(events))
	}
}

func TestLocalNewerUpdateAppliesWithoutConflict(t *testing.T) {
	h := newHarness(t, true)

	h.records.Seed(models.TypeAttendance, "a1", remote.Record{
		"hours": float64(10), "updated_at": float64(3000),
	})
	// Local change is newer than the remote copy, so no conflict is
	// detected and the update applies directly.
	h.queue.Enqueue(models.OpUpdate, models.TypeAttendance, "a1", map[string]interface{}{
		"hours": float64(8), "updated_at": float64(5000),
	})

	summary, err := h.scheduler.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if summary.Succeeded != 1 || summary.Conflicts != 0 {
		t.Errorf("Expected a plain successful update, got %+v", summary)
	}

	stored, _ := h.records.Get(models.TypeAttendance, "a1")
	if stored["hours"] != float64(8) {
		t.Errorf("Expected local update applied, got %v", stored)
	}
}

func TestOnlineTransitionTriggersDrain(t *testing.T) {
	h := newHarness(t, false)

	h.queue.Enqueue(models.OpCreate, models.TypeProject, "tmp-1", map[string]interface{}{"id": "tmp-1"})

	ctx := context.Background()
	h.scheduler.Start(ctx)

	h.monitor.SetOnline(true)

	waitFor(t, 2*time.Second, func() bool {
		stats, _ := h.queue.Stats()
		return stats[models.StatusCompleted] == 1
	})
}

func TestSyncOneDrainsSingleOperation(t *testing.T) {
	h := newHarness(t, true)

	first, _ := h.queue.Enqueue(models.OpCreate, models.TypeEmployee, "tmp-1", map[string]interface{}{"id": "tmp-1"})
	h.queue.Enqueue(models.OpCreate, models.TypeEmployee, "tmp-2", map[string]interface{}{"id": "tmp-2"})

	if err := h.scheduler.SyncOne(context.Background(), first.ID); err != nil {
		t.Fatalf("SyncOne failed: %v", err)
	}

	stats, _ := h.queue.Stats()
	if stats[models.StatusCompleted] != 1 || stats[models.StatusPending] != 1 {
		t.Errorf("Expected exactly one drained operation, got %v", stats)
	}
}

func TestSyncOneRetriesParkedOperation(t *testing.T) {
	h := newHarness(t, true)

	h.records.FailTimes = 1
	h.records.FailErr = apperrors.New(apperrors.ErrRemoteRejected, "rejected")
	op, _ := h.queue.Enqueue(models.OpCreate, models.TypeEmployee, "tmp-1", map[string]interface{}{"id": "tmp-1"})

	h.scheduler.SyncNow(context.Background())
	stats, _ := h.queue.Stats()
	if stats[models.StatusFailed] != 1 {
		t.Fatalf("Expected parked operation, got %v", stats)
	}

	if err := h.scheduler.SyncOne(context.Background(), op.ID); err != nil {
		t.Fatalf("SyncOne failed: %v", err)
	}
	stats, _ = h.queue.Stats()
	if stats[models.StatusCompleted] != 1 {
		t.Errorf("Expected manual retry to complete the operation, got %v", stats)
	}
}

func TestDrainEmitsLifecycleEvents(t *testing.T) {
	h := newHarness(t, true)

	h.queue.Enqueue(models.OpCreate, models.TypeProject, "tmp-1", map[string]interface{}{"id": "tmp-1"})
	h.scheduler.SyncNow(context.Background())

	if events := h.sink.ByType(notify.EventSyncStarted); len(events) != 1 {
		t.Errorf("Expected one sync.started, got %d", len(events))
	}
	completed := h.sink.ByType(notify.EventSyncCompleted)
	if len(completed) != 1 {
		t.Fatalf("Expected one sync.completed, got %d", len(completed))
	}
	if completed[0].Data["succeeded"] != 1 {
		t.Errorf("Unexpected completion data: %v", completed[0].Data)
	}
	if events := h.sink.ByType(notify.EventQueueChanged); len(events) == 0 {
		t.Error("Expected queue.changed events")
	}
}
