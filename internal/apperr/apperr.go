// Package apperr defines the error taxonomy shared by the server pipeline,
// the HTTP/WebSocket handlers and the client outbox.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindPermission        Kind = "permission"
	KindNotFound          Kind = "not_found"
	KindRateLimited       Kind = "rate_limited"
	KindEditWindowExpired Kind = "edit_window_expired"
	KindLimitExceeded     Kind = "limit_exceeded"
	KindConflict          Kind = "conflict"
	KindTransport         Kind = "transport"
	KindInternal          Kind = "internal"
)

// Sentinels for errors.Is comparisons against a kind.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrPermission        = &Error{Kind: KindPermission}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrEditWindowExpired = &Error{Kind: KindEditWindowExpired}
	ErrLimitExceeded     = &Error{Kind: KindLimitExceeded}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrInternal          = &Error{Kind: KindInternal}
)

// Error carries a kind, a stable machine code and a human message.
// RetryAfter is set for rate limiting and quota errors.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	ResetAt    time.Time
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so errors.Is(err, ErrRateLimited)
// works for every rate limit error regardless of code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newf(KindValidation, code, format, args...)
}

func Permission(code, format string, args ...any) *Error {
	return newf(KindPermission, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return newf(KindNotFound, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return newf(KindConflict, code, format, args...)
}

func EditWindowExpired(deadline time.Time) *Error {
	return &Error{
		Kind:    KindEditWindowExpired,
		Code:    "edit_window_expired",
		Message: "edit window closed at " + deadline.UTC().Format(time.RFC3339),
		ResetAt: deadline,
	}
}

func RateLimited(retryAfter time.Duration, resetAt time.Time) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Code:       "rate_limited",
		Message:    "too many messages, slow down",
		RetryAfter: retryAfter,
		ResetAt:    resetAt,
	}
}

func LimitExceeded(code, format string, args ...any) *Error {
	return newf(KindLimitExceeded, code, format, args...)
}

// Transport wraps a connection-level failure; the outbox always retries these.
func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Code: "transport", Message: "transport failure", Err: err}
}

// Internal wraps an unexpected failure (storage, encoding).
func Internal(code string, err error) *Error {
	return &Error{Kind: KindInternal, Code: code, Message: "internal error", Err: err}
}

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Retryable reports whether a client should retry the operation that produced err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindInternal, KindRateLimited:
		return true
	}
	return false
}
