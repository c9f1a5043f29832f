// Package sessionerr defines the typed error kinds surfaced by the session
// core (spec §7), in the same spirit as github.com/containerd/errdefs:
// a small closed set of Kind values, constructors, and Is-style predicates
// that callers use instead of string-matching error messages.
package sessionerr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error classifications the core returns.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindUnauthorized       Kind = "unauthorized"
	KindSessionTerminal    Kind = "session_terminal"
	KindSandboxUnavailable Kind = "sandbox_unavailable"
	KindIngressConflict    Kind = "ingress_conflict"
	KindInternal           Kind = "internal"
)

// Error wraps a cause with a Kind and, for internal errors, a trace id that
// is safe to surface to the caller while the cause itself stays server-side.
type Error struct {
	Kind    Kind
	Message string
	TraceID string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// BadRequest reports a malformed payload, a missing required field, or an
// invalid enum value.
func BadRequest(format string, args ...any) *Error {
	return newErr(KindBadRequest, nil, format, args...)
}

// Unauthorized reports a missing or invalid operator secret or subscriber
// token.
func Unauthorized(format string, args ...any) *Error {
	return newErr(KindUnauthorized, nil, format, args...)
}

// SessionTerminal reports a mutation attempted on an archived session.
func SessionTerminal(format string, args ...any) *Error {
	return newErr(KindSessionTerminal, nil, format, args...)
}

// SandboxUnavailable reports that the controller exhausted retries starting
// or contacting the sandbox.
func SandboxUnavailable(cause error, format string, args ...any) *Error {
	return newErr(KindSandboxUnavailable, cause, format, args...)
}

// IngressConflict reports a duplicate event. Callers drop it silently for
// idempotent types and surface it for others.
func IngressConflict(format string, args ...any) *Error {
	return newErr(KindIngressConflict, nil, format, args...)
}

// Internal wraps an unexpected failure with a trace id; the message
// returned to the caller must stay opaque while cause is logged server-side.
func Internal(traceID string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", TraceID: traceID, cause: cause}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

func IsBadRequest(err error) bool         { return Is(err, KindBadRequest) }
func IsUnauthorized(err error) bool       { return Is(err, KindUnauthorized) }
func IsSessionTerminal(err error) bool    { return Is(err, KindSessionTerminal) }
func IsSandboxUnavailable(err error) bool { return Is(err, KindSandboxUnavailable) }
func IsIngressConflict(err error) bool    { return Is(err, KindIngressConflict) }
func IsInternal(err error) bool           { return Is(err, KindInternal) }

// KindOf extracts the Kind from err, returning KindInternal for errors that
// were not constructed through this package.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
