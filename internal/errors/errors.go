// Package errors provides error codes and wrapping for the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode is a stable machine-readable error classification. Codes cross
// the HTTP boundary to the UI shell, so they never change meaning.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Persistence errors. Queue persistence failures are fatal to the
	// originating user action: the caller must roll back the store write.
	ErrDatabase     ErrorCode = "DATABASE_ERROR"
	ErrMigration    ErrorCode = "MIGRATION_FAILED"
	ErrQueueAppend  ErrorCode = "QUEUE_APPEND_FAILED"
	ErrStateStorage ErrorCode = "SYNC_STATE_STORAGE_LOST"

	// Sync errors
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrOffline        ErrorCode = "OFFLINE"
	ErrTransport      ErrorCode = "TRANSPORT_FAILED"
	ErrRemoteRejected ErrorCode = "REMOTE_REJECTED"
	ErrPushFailed     ErrorCode = "PUSH_FAILED"
	ErrPullFailed     ErrorCode = "PULL_FAILED"

	// Audit and remediation errors
	ErrAuditFailed    ErrorCode = "AUDIT_FAILED"
	ErrRefreshBlocked ErrorCode = "REFRESH_BLOCKED"
)

// AppError carries an error code alongside a human-readable message and an
// optional wrapped cause.
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
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an AppError wrapping an underlying cause.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf returns the error code of err if it is (or wraps) an AppError,
// or ErrInternal for any other non-nil error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return ErrInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
