package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies learner errors for retry and escalation decisions.
type ErrorCode string

// Transient errors: retried with bounded backoff, then escalated.
const (
	ErrUnavailable ErrorCode = "UNAVAILABLE"
	ErrTimeout     ErrorCode = "TIMEOUT"
	ErrConnection  ErrorCode = "CONNECTION"
)

// Validation errors: never retried, surfaced immediately.
const (
	ErrInvalidBatch    ErrorCode = "INVALID_BATCH"
	ErrShapeMismatch   ErrorCode = "SHAPE_MISMATCH"
	ErrMissingMetadata ErrorCode = "MISSING_METADATA"
	ErrInvalidConfig   ErrorCode = "INVALID_CONFIG"
)

// Resource and publication errors.
const (
	ErrCheckpointWrite ErrorCode = "CHECKPOINT_WRITE"
	ErrPublishFailed   ErrorCode = "PUBLISH_FAILED"
	ErrUnknownBackend  ErrorCode = "UNKNOWN_BACKEND"
	ErrInternal        ErrorCode = "INTERNAL"
)

// Error is a structured error carrying a code, a human-readable message,
// a retryable flag, and an optional wrapped cause.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether err is a transient error that may be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code from err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
