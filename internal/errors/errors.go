// Package errors provides error code definitions shared across the sync core.
package errors

import "fmt"

// ErrorCode represents a unique application error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Persistence errors
	ErrPersistence ErrorCode = "PERSISTENCE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"

	// Queue errors
	ErrQueueItemNotFound ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrQueueCorrupt      ErrorCode = "QUEUE_CORRUPT"
	ErrBadTransition     ErrorCode = "BAD_STATUS_TRANSITION"

	// Sync errors
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncInFlight   ErrorCode = "SYNC_IN_FLIGHT"
	ErrRemoteOffline  ErrorCode = "REMOTE_OFFLINE"
	ErrRemoteTimeout  ErrorCode = "REMOTE_TIMEOUT"
	ErrRemoteRejected ErrorCode = "REMOTE_REJECTED"

	// Upload errors
	ErrUploadFailed    ErrorCode = "UPLOAD_FAILED"
	ErrUploadExhausted ErrorCode = "UPLOAD_EXHAUSTED"
	ErrAssetNotFound   ErrorCode = "ASSET_NOT_FOUND"
	ErrAssetReferenced ErrorCode = "ASSET_STILL_REFERENCED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code      ErrorCode
	Message   string
	Err       error
	Retryable bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Transient creates a new AppError flagged as retryable. Retryable failures
// keep their operation pending and are picked up again on the next drain.
func Transient(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: true,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// IsTransient reports whether an error represents a transient transport
// failure. Unknown error types count as transient so that a plain network
// error never permanently fails an operation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr.Retryable
	}
	return true
}
