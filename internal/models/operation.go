// Package models provides data model definitions for the SiteSync core.
package models

import (
	"encoding/json"
	"time"
)

// UUID is a string-typed UUID used as a primary key.
type UUID string

// OperationKind identifies what a queued operation does.
// The set is closed: executor dispatch is table-driven over these values.
type OperationKind string

const (
	OpCreate      OperationKind = "create"
	OpUpdate      OperationKind = "update"
	OpDelete      OperationKind = "delete"
	OpUploadImage OperationKind = "upload_image"
	OpDeleteImage OperationKind = "delete_image"
)

// Valid reports whether the kind is a member of the closed set.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpUploadImage, OpDeleteImage:
		return true
	}
	return false
}

// IsImageOp reports whether the kind is an asset operation. Asset uploads
// are ordered ahead of all record mutations within one drain pass because
// record payloads often need the resolved asset locator.
func (k OperationKind) IsImageOp() bool {
	return k == OpUploadImage || k == OpDeleteImage
}

// DataType identifies which domain table an operation targets.
type DataType string

const (
	TypeEmployee        DataType = "employee"
	TypeProject         DataType = "project"
	TypeAttendance      DataType = "attendance"
	TypeSettlement      DataType = "settlement"
	TypeProjectExpense  DataType = "project_expense"
	TypeProjectIncome   DataType = "project_income"
	TypeWorkRecord      DataType = "work_record"
	TypeConstructionLog DataType = "construction_log"
	TypeImage           DataType = "image"
	TypeAudit           DataType = "audit"
)

// DataTypes lists every member of the closed set, in table order.
var DataTypes = []DataType{
	TypeEmployee, TypeProject, TypeAttendance, TypeSettlement,
	TypeProjectExpense, TypeProjectIncome, TypeWorkRecord,
	TypeConstructionLog, TypeImage, TypeAudit,
}

// Valid reports whether the data type is a member of the closed set.
func (d DataType) Valid() bool {
	for _, t := range DataTypes {
		if d == t {
			return true
		}
	}
	return false
}

// OpStatus represents the lifecycle state of a queued operation.
type OpStatus string

const (
	StatusPending   OpStatus = "pending"
	StatusSyncing   OpStatus = "syncing"
	StatusCompleted OpStatus = "completed"
	StatusConflict  OpStatus = "conflict"
	StatusFailed    OpStatus = "failed"
)

// CanTransition reports whether a status transition is legal.
// Lifecycle: pending -> syncing -> {completed, conflict, failed},
// with failed -> pending allowed for retry.
func (s OpStatus) CanTransition(to OpStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusSyncing
	case StatusSyncing:
		return to == StatusCompleted || to == StatusConflict ||
			to == StatusFailed || to == StatusPending
	case StatusFailed:
		return to == StatusPending || to == StatusSyncing
	case StatusConflict:
		return to == StatusCompleted || to == StatusPending
	}
	return false
}

// DefaultMaxRetries bounds retry bookkeeping for one operation. Exhausting
// it does not abandon a transient failure; the operation stays pending and
// is flagged for attention instead.
const DefaultMaxRetries = 3

// Operation is one durable, queued description of a pending mutation.
type Operation struct {
	ID         UUID                   `db:"id" json:"id"`
	Seq        int64                  `db:"seq" json:"seq"`
	Kind       OperationKind          `db:"kind" json:"kind"`
	DataType   DataType               `db:"data_type" json:"data_type"`
	RecordKey  string                 `db:"record_key" json:"record_key"`
	Payload    map[string]interface{} `db:"payload" json:"payload"`
	EnqueuedAt int64                  `db:"enqueued_at" json:"enqueued_at"` // Unix millis, UTC
	Status     OpStatus               `db:"status" json:"status"`
	RetryCount int                    `db:"retry_count" json:"retry_count"`
	MaxRetries int                    `db:"max_retries" json:"max_retries"`
	Result     map[string]interface{} `db:"result" json:"result,omitempty"`
	LastError  string                 `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt  int64                  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "sync_operations"
}

// EnqueuedTime returns EnqueuedAt as time.Time.
func (o *Operation) EnqueuedTime() time.Time {
	return time.UnixMilli(o.EnqueuedAt)
}

// NeedsAttention reports whether the operation has burned through its retry
// budget. Such operations are still retried while the failure looks
// transient, but the status projection surfaces them for remediation.
func (o *Operation) NeedsAttention() bool {
	return o.RetryCount >= o.MaxRetries
}

// LocalTimestamp returns the timestamp used for conflict comparison: the
// payload's updated_at when present, otherwise the enqueue time.
func (o *Operation) LocalTimestamp() int64 {
	if o.Payload != nil {
		if v, ok := o.Payload["updated_at"]; ok {
			switch ts := v.(type) {
			case int64:
				return ts
			case float64:
				return int64(ts)
			case json.Number:
				if n, err := ts.Int64(); err == nil {
					return n
				}
			}
		}
	}
	return o.EnqueuedAt
}

// Clone returns a deep-enough copy: payload and result maps are copied one
// level so callers cannot mutate queue state through a returned operation.
func (o *Operation) Clone() *Operation {
	dup := *o
	if o.Payload != nil {
		dup.Payload = make(map[string]interface{}, len(o.Payload))
		for k, v := range o.Payload {
			dup.Payload[k] = v
		}
	}
	if o.Result != nil {
		dup.Result = make(map[string]interface{}, len(o.Result))
		for k, v := range o.Result {
			dup.Result[k] = v
		}
	}
	return &dup
}

// QueueItemView is the human-readable projection of one queue entry handed
// to the notification sink. Rendering is the sink's responsibility.
type QueueItemView struct {
	ID             UUID          `json:"id"`
	Kind           OperationKind `json:"kind"`
	DataType       DataType      `json:"data_type"`
	Status         OpStatus      `json:"status"`
	Timestamp      int64         `json:"timestamp"`
	NeedsAttention bool          `json:"needs_attention,omitempty"`
}

// View returns the notification projection of the operation.
func (o *Operation) View() QueueItemView {
	return QueueItemView{
		ID:             o.ID,
		Kind:           o.Kind,
		DataType:       o.DataType,
		Status:         o.Status,
		Timestamp:      o.EnqueuedAt,
		NeedsAttention: o.NeedsAttention(),
	}
}
