// Package errkind defines the closed set of error kinds used across the
// daemon, and a wrapping error type that carries a kind through error chains.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The set is closed; handlers switch on it to decide
// propagation behavior.
type Kind string

const (
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	InvalidInput        Kind = "invalid_input"
	PermissionDenied    Kind = "permission_denied"
	UpstreamUnavailable Kind = "upstream_unavailable"
	Timeout             Kind = "timeout"
	StorageError        Kind = "storage_error"
	WorkflowLoadError   Kind = "workflow_load_error"
	EvaluationError     Kind = "evaluation_error"
	ActionError         Kind = "action_error"
	Cancelled           Kind = "cancelled"
)

// Error is an error with a kind and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. Returns nil when err
// is nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or an empty Kind when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
