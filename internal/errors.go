package gateway

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the internal error taxonomy. Every component boundary returns
// typed errors; the HTTP boundary translates kinds into wire-protocol-specific
// error shapes.
type ErrorKind string

const (
	KindClassificationFallback ErrorKind = "classificationFallback"
	KindNoHealthyUpstream      ErrorKind = "noHealthyUpstream"
	KindSwitchFailed           ErrorKind = "switchFailed"
	KindRateLimited            ErrorKind = "rateLimited"
	KindServerError            ErrorKind = "serverError"
	KindAuthError              ErrorKind = "authError"
	KindClientError            ErrorKind = "clientError"
	KindProtocolViolation      ErrorKind = "protocolViolation"
	KindToolLoopExhausted      ErrorKind = "toolLoopExhausted"
	KindRequestCanceled        ErrorKind = "requestCanceled"
)

// Retryable reports whether the retry controller may re-enter the router
// with a different key after an error of this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited || k == KindServerError
}

// Error is a typed gateway error carrying the taxonomy kind, the upstream
// HTTP status (when one was observed), and an optional retry hint.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int           // upstream HTTP status, 0 when not applicable
	RetryAfter time.Duration // Retry-After hint from a 429, 0 when absent
	cause      error
}

// Error returns "kind: message".
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// E constructs a gateway error of the given kind.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a gateway error of the given kind wrapping cause.
func Wrap(kind ErrorKind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// KindOf extracts the error kind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// Sentinel errors for conditions that carry no extra state.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
)
