package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for retry decisions and client mapping.
type Kind string

const (
	KindBadRequest       Kind = "bad_request"
	KindUnauthenticated  Kind = "unauthenticated"
	KindPermissionDenied Kind = "permission_denied"
	KindThrottled        Kind = "throttled"
	KindToolUnavailable  Kind = "tool_unavailable"
	KindUpstreamError    Kind = "upstream_error"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
	KindConflict         Kind = "conflict"
	KindInternal         Kind = "internal"
)

// Error is the gateway error type. Kind drives the HTTP status for unary
// responses and the retry classification for upstream calls.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // only meaningful for Throttled / ToolUnavailable
	Transient  bool
	HalfOpen   bool // ToolUnavailable with a half-open hint: a trial may be worth it
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// E constructs a permanent error of the given kind.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Transient constructs a retryable error of the given kind.
func Transient(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Transient: true, Cause: cause}
}

// Wrap attaches a kind to an underlying error, preserving transience for
// context cancellation and deadline expiry.
func Wrap(kind Kind, msg string, cause error) *Error {
	switch {
	case errors.Is(cause, context.Canceled):
		return &Error{Kind: KindCancelled, Message: msg, Cause: cause}
	case errors.Is(cause, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: msg, Transient: true, Cause: cause}
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the Kind from any error, defaulting to Internal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// IsTransient reports whether the error may be retried. Cancellation is
// never transient: a cancelled call must not retry.
func IsTransient(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		if ge.Kind == KindCancelled {
			return false
		}
		return ge.Transient || (ge.Kind == KindToolUnavailable && ge.HalfOpen)
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// MessageOf extracts the client-safe message. Internal errors never leak
// their cause.
func MessageOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	return "internal error"
}

// RetryAfterOf extracts the retry hint, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}

// HTTPStatus maps an error kind to the unary HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindToolUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConflict:
		return http.StatusConflict
	case KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
