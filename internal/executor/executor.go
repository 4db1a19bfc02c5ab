// Package executor applies one queued operation against the remote stores.
// Dispatch is table-driven over the closed operation-kind set; the executor
// itself holds no retry or scheduling logic, it only classifies the outcome
// of a single attempt.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kwliu/sitesync/backend/internal/conflict"
	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/logging"
	"github.com/kwliu/sitesync/backend/internal/models"
	"github.com/kwliu/sitesync/backend/internal/remote"
)

// TempKeyPrefix marks client-generated record keys that have not been
// assigned a durable key by the remote store yet.
const TempKeyPrefix = "tmp-"

// OutcomeKind classifies the result of one execution attempt.
type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeConflict OutcomeKind = "conflict"
	OutcomeFailure  OutcomeKind = "failure"
)

// Outcome is the result of executing one operation. Exactly one of Result,
// Conflict, or Err is meaningful, selected by Kind.
type Outcome struct {
	Kind     OutcomeKind
	Result   map[string]interface{}
	Conflict *conflict.Conflict
	Err      error
}

// Success builds a success outcome carrying attempt results such as the
// assigned durable key or minted locator.
func Success(result map[string]interface{}) *Outcome {
	return &Outcome{Kind: OutcomeSuccess, Result: result}
}

// Conflicted builds a conflict outcome for the resolver.
func Conflicted(c *conflict.Conflict) *Outcome {
	return &Outcome{Kind: OutcomeConflict, Conflict: c}
}

// Failure builds a failure outcome. The caller classifies transience via
// the error itself.
func Failure(err error) *Outcome {
	return &Outcome{Kind: OutcomeFailure, Err: err}
}

// AssetPipeline is the slice of the upload pipeline the executor needs.
type AssetPipeline interface {
	Resolve(handle string) (string, bool, error)
	Upload(ctx context.Context, handle, fileName string) (string, error)
	Delete(ctx context.Context, ref string) (bool, error)
}

type handler func(ctx context.Context, op *models.Operation) *Outcome

// Executor dispatches queued operations to the remote stores.
type Executor struct {
	records  remote.RecordStore
	pipeline AssetPipeline
	handlers map[models.OperationKind]handler
}

// New creates an Executor over the remote record store and asset pipeline.
func New(records remote.RecordStore, pipeline AssetPipeline) *Executor {
	e := &Executor{records: records, pipeline: pipeline}
	e.handlers = map[models.OperationKind]handler{
		models.OpCreate:      e.execCreate,
		models.OpUpdate:      e.execUpdate,
		models.OpDelete:      e.execDelete,
		models.OpUploadImage: e.execUploadImage,
		models.OpDeleteImage: e.execDeleteImage,
	}
	return e
}

// Execute runs one attempt of one operation. The operation's queue status
// is the caller's concern; Execute only reports what happened.
func (e *Executor) Execute(ctx context.Context, op *models.Operation) *Outcome {
	h, ok := e.handlers[op.Kind]
	if !ok {
		return Failure(apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("no handler for operation kind %q", op.Kind)))
	}

	logging.Debug("Executing operation", map[string]interface{}{
		"op_id":     string(op.ID),
		"kind":      string(op.Kind),
		"data_type": string(op.DataType),
		"key":       op.RecordKey,
	})

	return h(ctx, op)
}

// execCreate inserts a new record. Client-generated temp keys are stripped
// so the remote store assigns the durable key; re-running a crashed create
// upserts instead of duplicating.
func (e *Executor) execCreate(ctx context.Context, op *models.Operation) *Outcome {
	record, err := e.resolvedPayload(op)
	if err != nil {
		return Failure(err)
	}

	tempKey := ""
	if key, _ := record[remote.KeyField].(string); strings.HasPrefix(key, TempKeyPrefix) {
		tempKey = key
		delete(record, remote.KeyField)
	} else if strings.HasPrefix(op.RecordKey, TempKeyPrefix) {
		tempKey = op.RecordKey
	}

	stored, err := e.records.Insert(ctx, op.DataType, record)
	if err != nil {
		return Failure(err)
	}

	result := map[string]interface{}{}
	if key, _ := stored[remote.KeyField].(string); key != "" {
		result["key"] = key
	}
	if tempKey != "" {
		result["temp_key"] = tempKey
	}
	return Success(result)
}

// execUpdate patches an existing record, detecting a conflict first: if the
// remote copy's last-modified timestamp is strictly newer than the queued
// change's, the update is not applied and the conflict goes to the resolver.
func (e *Executor) execUpdate(ctx context.Context, op *models.Operation) *Outcome {
	record, err := e.resolvedPayload(op)
	if err != nil {
		return Failure(err)
	}

	matches, err := e.records.Select(ctx, op.DataType, remote.Filter{remote.KeyField: op.RecordKey})
	if err != nil {
		return Failure(err)
	}

	if len(matches) > 0 {
		theirs := matches[0]
		remoteTS := recordTimestamp(theirs)
		localTS := op.LocalTimestamp()
		if conflict.Detect(localTS, remoteTS) {
			return Conflicted(&conflict.Conflict{
				DataType:        op.DataType,
				RecordKey:       op.RecordKey,
				LocalRecord:     record,
				RemoteRecord:    theirs,
				LocalTimestamp:  localTS,
				RemoteTimestamp: remoteTS,
			})
		}
	}

	if err := e.records.Update(ctx, op.DataType, op.RecordKey, record); err != nil {
		return Failure(err)
	}
	return Success(map[string]interface{}{"key": op.RecordKey})
}

// execDelete removes a record. Deleting an already-deleted record succeeds.
func (e *Executor) execDelete(ctx context.Context, op *models.Operation) *Outcome {
	if err := e.records.Delete(ctx, op.DataType, op.RecordKey); err != nil {
		return Failure(err)
	}
	return Success(map[string]interface{}{"key": op.RecordKey})
}

// execUploadImage moves a staged asset remote and reports its locator.
func (e *Executor) execUploadImage(ctx context.Context, op *models.Operation) *Outcome {
	handle, _ := op.Payload["handle"].(string)
	if handle == "" {
		handle = op.RecordKey
	}
	fileName, _ := op.Payload["file_name"].(string)

	locator, err := e.pipeline.Upload(ctx, handle, fileName)
	if err != nil {
		return Failure(err)
	}
	return Success(map[string]interface{}{"locator": locator, "handle": handle})
}

// execDeleteImage clears an asset reference, removing the remote blob only
// when nothing references it anymore.
func (e *Executor) execDeleteImage(ctx context.Context, op *models.Operation) *Outcome {
	ref, _ := op.Payload["ref"].(string)
	if ref == "" {
		ref = op.RecordKey
	}

	removed, err := e.pipeline.Delete(ctx, ref)
	if err != nil {
		return Failure(err)
	}
	return Success(map[string]interface{}{"ref": ref, "removed_remote": removed})
}

// resolvedPayload copies the payload with any local asset handles in
// image_ids swapped for their durable locators. Unresolved handles pass
// through unchanged; the standalone upload operation will rewrite the
// record once the asset lands.
func (e *Executor) resolvedPayload(op *models.Operation) (map[string]interface{}, error) {
	record := make(map[string]interface{}, len(op.Payload))
	for k, v := range op.Payload {
		record[k] = v
	}

	refs := models.AssetRefs(record)
	if len(refs) == 0 {
		return record, nil
	}

	changed := false
	for i, ref := range refs {
		if !models.IsLocalHandle(ref) {
			continue
		}
		locator, ok, err := e.pipeline.Resolve(ref)
		if err != nil {
			return nil, err
		}
		if ok {
			refs[i] = locator
			changed = true
		}
	}
	if changed {
		models.SetAssetRefs(record, refs)
	}
	return record, nil
}

// recordTimestamp extracts the last-modified timestamp from a remote record.
// Missing or malformed timestamps count as zero, which can never win a
// conflict detection.
func recordTimestamp(record remote.Record) int64 {
	switch v := record[remote.UpdatedAtField].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts.UnixMilli()
		}
	}
	return 0
}
