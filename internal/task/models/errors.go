package models

import (
	"errors"
	"fmt"
)

// Kind classifies task-domain failures independent of transport. The HTTP
// layer maps kinds to status codes; kinds are stable identifiers and part
// of the API surface.
type Kind string

const (
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not-found"
	KindNotRunning      Kind = "not-running"
	KindRateLimited     Kind = "rate-limited"
	KindBadRequest      Kind = "bad-request"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindAgentFailed     Kind = "agent-failed"
	KindCancelled       Kind = "cancelled"
	KindInternal        Kind = "internal"
)

// TaskError carries a stable kind alongside the human-readable message.
// It implements error and Unwrap for use with errors.Is / errors.As.
type TaskError struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error returns a human-readable representation of the error.
func (e *TaskError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// NewError builds a TaskError with the given kind and formatted message.
func NewError(kind Kind, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a TaskError that preserves the underlying cause.
func WrapError(kind Kind, cause error, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain. Errors that carry no kind
// classify as internal.
func KindOf(err error) Kind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}
