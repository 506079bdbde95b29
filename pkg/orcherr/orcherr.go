// Package orcherr defines the closed set of error kinds the orchestration
// engine distinguishes and surfaces. Commands locally recover
// only Kind == Conflict (retried internally); every other kind propagates
// to the caller, and background loops log it and move to the next item.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds the core distinguishes.
type Kind string

const (
	InvalidArgument   Kind = "InvalidArgument"
	InvalidTransition Kind = "InvalidTransition"
	NotFound          Kind = "NotFound"
	Conflict          Kind = "Conflict"
	CapacityExhausted Kind = "CapacityExhausted"
	PortAllocationFailed Kind = "PortAllocationFailed"
	ExternalTransient Kind = "ExternalTransient"
	ExternalPermanent Kind = "ExternalPermanent"
	Unauthorized      Kind = "Unauthorized"
	Forbidden         Kind = "Forbidden"
	Timeout           Kind = "Timeout"
	QueueOverflow     Kind = "QueueOverflow"
)

// Error is a tagged-kind error value. Wrap with %w so callers can still
// errors.Is/errors.As through it.
type Error struct {
	Kind    Kind
	Message string
	Attempt int // set by retrying callers (ExternalTransient)
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying cause as its Unwrap target.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a command loop should retry err internally
// (only Conflict is locally recovered).
func Retryable(err error) bool {
	return Is(err, Conflict)
}

// Transient reports whether an external call error should be retried by
// the instantiation pipeline's backoff.
func Transient(err error) bool {
	return Is(err, ExternalTransient) || Is(err, Timeout)
}
