// Package errors provides error code definitions for the SyncBridge engine.
package errors

import "fmt"

// ErrorCode classifies engine errors for retry and surfacing decisions.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Device errors
	ErrDeviceNotFound ErrorCode = "DEVICE_NOT_FOUND"

	// Queue and processing errors
	ErrQueueItemNotFound    ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrTransient            ErrorCode = "TRANSIENT_ERROR"
	ErrConcurrencyViolation ErrorCode = "CONCURRENCY_VIOLATION"

	// Conflict errors
	ErrConflict          ErrorCode = "SYNC_CONFLICT"
	ErrConflictNotFound  ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictResolved  ErrorCode = "CONFLICT_ALREADY_RESOLVED"
	ErrInvalidResolution ErrorCode = "INVALID_RESOLUTION"
)

// AppError represents an engine error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
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

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the error code of err, or ErrInternal if it carries none.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrInternal
}

// Retryable reports whether an error should count as transient and be
// retried up to the max-attempts limit. Validation and not-found errors
// are never retried. Concurrency violations are returned to pending
// without counting an attempt, so they are excluded here as well.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrValidation, ErrInvalid, ErrNotFound, ErrConcurrencyViolation, ErrConflict:
		return false
	default:
		return true
	}
}
