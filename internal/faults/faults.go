package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide between backing off,
// retrying later, or giving up.
type Kind string

const (
	// KindCircuitOpen means the database surface is fail-fast; back off.
	KindCircuitOpen Kind = "circuit_breaker_open"
	// KindPostgresConnection means connectivity or pool exhaustion; retry later.
	KindPostgresConnection Kind = "postgres_connection"
	// KindUnsupportedQueue means adapter selection failed; fatal at construction.
	KindUnsupportedQueue Kind = "unsupported_queue"
	// KindReconciliation wraps an error escaped from a reconciliation cycle.
	KindReconciliation Kind = "reconciliation"
	// KindValidation means the payload or job name failed submission checks.
	KindValidation Kind = "validation"
)

// Error is the structured failure type surfaced at package boundaries.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error without an underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Cause
	}
	return false
}

// KindOf extracts the kind from err, or "" when err is not an Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
