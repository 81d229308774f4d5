// Package errs defines the error taxonomy shared by the engine and the
// gateway. Every error surfaced to a caller carries a stable Kind and a
// human-readable message; internals never leak.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	NotFound          Kind = "NotFound"
	ValidationError   Kind = "ValidationError"
	Conflict          Kind = "Conflict"
	SourceUnreachable Kind = "SourceUnreachable"
	StreamUnavailable Kind = "StreamUnavailable"
	NegotiationFailed Kind = "NegotiationFailed"
	DiskExhausted     Kind = "DiskExhausted"
	StoreUnavailable  Kind = "StoreUnavailable"
	Internal          Kind = "Internal"
	Degraded          Kind = "Degraded"
)

// Error is the structured error type used across package boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match two *Error values by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// E builds a new taxonomy error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error. A nil err yields
// nil so call sites can wrap unconditionally.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Unknown errors
// are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
