// Package queue provides the durable operation queue for offline mutations.
// Every mutation is persisted before the call returns, so a process restart
// recovers the exact pre-crash queue state.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/kv"
	"github.com/kwliu/sitesync/backend/internal/logging"
	"github.com/kwliu/sitesync/backend/internal/models"
	"github.com/kwliu/sitesync/backend/internal/uuid"
)

const (
	opKeyPrefix = "queue/op/"
	seqKey      = "queue/seq"
)

// Queue is the durable, ordered list of pending mutations. Appends may run
// concurrently with a drain; all writes go through a single mutex so no two
// mutations interleave partial state.
type Queue struct {
	store kv.Store
	clock func() time.Time

	mu      sync.Mutex
	nextSeq int64
}

// New creates a Queue over the given store. The persisted sequence counter
// is recovered so ordering survives restarts.
func New(store kv.Store, clock func() time.Time) (*Queue, error) {
	if clock == nil {
		clock = time.Now
	}
	q := &Queue{store: store, clock: clock}

	raw, ok, err := store.Get(seqKey)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to recover queue sequence", err)
	}
	if ok && len(raw) == 8 {
		q.nextSeq = int64(binary.BigEndian.Uint64(raw))
	}

	// A crash between persisting an operation and bumping the counter
	// leaves the counter one behind. The operations themselves are the
	// source of truth, so advance past the highest persisted Seq.
	ops, err := q.load()
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.Seq >= q.nextSeq {
			q.nextSeq = op.Seq + 1
		}
	}
	return q, nil
}

// Enqueue appends a new pending operation and returns it. The operation is
// fully persisted before Enqueue returns.
func (q *Queue) Enqueue(kind models.OperationKind, dataType models.DataType, recordKey string, payload map[string]interface{}) (*models.Operation, error) {
	if !kind.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation kind %q", kind))
	}
	if !dataType.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown data type %q", dataType))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock().UTC().UnixMilli()
	op := &models.Operation{
		ID:         models.UUID(uuid.New()),
		Seq:        q.nextSeq,
		Kind:       kind,
		DataType:   dataType,
		RecordKey:  recordKey,
		Payload:    payload,
		EnqueuedAt: now,
		Status:     models.StatusPending,
		RetryCount: 0,
		MaxRetries: models.DefaultMaxRetries,
		UpdatedAt:  now,
	}

	// Persist the operation first: losing a counter bump is harmless,
	// losing an enqueued operation is not.
	if err := q.put(op); err != nil {
		return nil, err
	}

	q.nextSeq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(q.nextSeq))
	if err := q.store.Set(seqKey, buf[:]); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to persist queue sequence", err)
	}

	logging.Info("Enqueued operation", map[string]interface{}{
		"op_id":     string(op.ID),
		"kind":      string(op.Kind),
		"data_type": string(op.DataType),
		"seq":       op.Seq,
	})

	return op.Clone(), nil
}

// Get returns a copy of one operation by id.
func (q *Queue) Get(id models.UUID) (*models.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.get(id)
}

// ListPending returns all pending operations in enqueue order. Operations
// whose last failure was transient come back here as pending, so exhausted
// network failures keep resurfacing.
func (q *Queue) ListPending() ([]*models.Operation, error) {
	return q.listByStatus(models.StatusPending)
}

// List returns every operation in the queue, in enqueue order.
func (q *Queue) List() ([]*models.Operation, error) {
	return q.listByStatus("")
}

// MarkSyncing transitions an operation from pending to syncing.
func (q *Queue) MarkSyncing(id models.UUID) error {
	return q.transition(id, models.StatusSyncing, nil, "")
}

// Complete transitions an operation to completed, attaching the last
// attempt's outcome (e.g. an assigned remote key or locator).
func (q *Queue) Complete(id models.UUID, result map[string]interface{}) error {
	return q.transition(id, models.StatusCompleted, result, "")
}

// MarkConflict transitions an operation to conflict. Conflict handling does
// not consume a retry.
func (q *Queue) MarkConflict(id models.UUID) error {
	return q.transition(id, models.StatusConflict, nil, "")
}

// RequeueTransient records a transient failure: retry count increments and
// the operation returns to pending for the next drain cycle.
func (q *Queue) RequeueTransient(id models.UUID, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(id)
	if err != nil {
		return err
	}
	if !op.Status.CanTransition(models.StatusPending) {
		return apperrors.New(apperrors.ErrBadTransition,
			fmt.Sprintf("cannot requeue operation in status %q", op.Status))
	}

	op.RetryCount++
	op.Status = models.StatusPending
	op.LastError = errMsg
	op.UpdatedAt = q.clock().UTC().UnixMilli()

	if op.NeedsAttention() {
		logging.Warn("Operation exceeded retry budget, keeping pending", map[string]interface{}{
			"op_id":       string(op.ID),
			"retry_count": op.RetryCount,
			"max_retries": op.MaxRetries,
		})
	}

	return q.put(op)
}

// FailPermanent records a permanent failure: retry count increments and the
// operation is parked as failed. It stays inspectable and re-editable; it is
// not deleted and not silently retried.
func (q *Queue) FailPermanent(id models.UUID, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(id)
	if err != nil {
		return err
	}
	if !op.Status.CanTransition(models.StatusFailed) {
		return apperrors.New(apperrors.ErrBadTransition,
			fmt.Sprintf("cannot fail operation in status %q", op.Status))
	}

	op.RetryCount++
	op.Status = models.StatusFailed
	op.LastError = errMsg
	op.UpdatedAt = q.clock().UTC().UnixMilli()

	logging.ErrorWithCode("Operation failed permanently", string(apperrors.ErrSyncFailed), nil,
		map[string]interface{}{"op_id": string(op.ID), "error": errMsg})

	return q.put(op)
}

// Retry returns a failed operation to pending without touching its retry
// count, for an explicit manual retry after remediation.
func (q *Queue) Retry(id models.UUID) error {
	return q.transition(id, models.StatusPending, nil, "")
}

// RemoveCompleted drops all completed operations and returns how many were
// removed. This is the only removal path; the queue is otherwise append-only.
func (q *Queue) RemoveCompleted() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, op := range ops {
		if op.Status != models.StatusCompleted {
			continue
		}
		if err := q.store.Delete(opKeyPrefix + string(op.ID)); err != nil {
			return removed, apperrors.Wrap(apperrors.ErrPersistence, "failed to remove completed operation", err)
		}
		removed++
	}

	if removed > 0 {
		logging.Debug("Compacted queue", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}

// Size returns the number of operations currently in the queue.
func (q *Queue) Size() (int, error) {
	keys, err := q.store.Keys(opKeyPrefix)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPersistence, "failed to list queue keys", err)
	}
	return len(keys), nil
}

// Stats returns per-status counts.
func (q *Queue) Stats() (map[models.OpStatus]int, error) {
	ops, err := q.List()
	if err != nil {
		return nil, err
	}
	stats := make(map[models.OpStatus]int)
	for _, op := range ops {
		stats[op.Status]++
	}
	return stats, nil
}

// Views returns the notification projection of every queue entry, in
// enqueue order.
func (q *Queue) Views() ([]models.QueueItemView, error) {
	ops, err := q.List()
	if err != nil {
		return nil, err
	}
	views := make([]models.QueueItemView, 0, len(ops))
	for _, op := range ops {
		views = append(views, op.View())
	}
	return views, nil
}

// transition applies a validated status change and persists it.
func (q *Queue) transition(id models.UUID, to models.OpStatus, result map[string]interface{}, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(id)
	if err != nil {
		return err
	}
	if !op.Status.CanTransition(to) {
		return apperrors.New(apperrors.ErrBadTransition,
			fmt.Sprintf("illegal transition %q -> %q for operation %s", op.Status, to, id))
	}

	op.Status = to
	if result != nil {
		op.Result = result
	}
	if errMsg != "" {
		op.LastError = errMsg
	}
	op.UpdatedAt = q.clock().UTC().UnixMilli()

	return q.put(op)
}

// get loads one operation. Callers hold q.mu.
func (q *Queue) get(id models.UUID) (*models.Operation, error) {
	raw, ok, err := q.store.Get(opKeyPrefix + string(id))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to read operation", err)
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrQueueItemNotFound,
			fmt.Sprintf("operation %s not found", id))
	}

	var op models.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueCorrupt, "failed to decode operation", err)
	}
	return &op, nil
}

// put persists one operation as a single atomic write. Callers hold q.mu.
func (q *Queue) put(op *models.Operation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode operation", err)
	}
	if err := q.store.Set(opKeyPrefix+string(op.ID), raw); err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "failed to persist operation", err)
	}
	return nil
}

// load reads every operation, sorted by sequence. Callers hold q.mu.
func (q *Queue) load() ([]*models.Operation, error) {
	keys, err := q.store.Keys(opKeyPrefix)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to list queue keys", err)
	}

	ops := make([]*models.Operation, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := q.store.Get(key)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrPersistence, "failed to read operation", err)
		}
		if !ok {
			continue // removed concurrently
		}
		var op models.Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueCorrupt, "failed to decode operation", err)
		}
		ops = append(ops, &op)
	}

	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
	return ops, nil
}

func (q *Queue) listByStatus(status models.OpStatus) ([]*models.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load()
	if err != nil {
		return nil, err
	}

	out := make([]*models.Operation, 0, len(ops))
	for _, op := range ops {
		if status != "" && op.Status != status {
			continue
		}
		out = append(out, op.Clone())
	}
	return out, nil
}
