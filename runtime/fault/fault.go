// Package fault defines the error taxonomy shared by every Infrasafe service.
// Components convert low-level failures into a Fault at their boundary; the
// HTTP layer maps Kind to a status code. Faults preserve error chains and
// support errors.Is/As.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure for propagation and HTTP mapping.
type Kind string

const (
	// KindValidation marks malformed input, schema mismatches and illegal
	// state transitions. Never retried.
	KindValidation Kind = "validation"
	// KindUnauthorized marks missing or invalid credentials.
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden marks authenticated callers lacking permission.
	KindForbidden Kind = "forbidden"
	// KindNotFound marks absent resources.
	KindNotFound Kind = "not_found"
	// KindRateLimited marks limiter rejections; carries a retry-after.
	KindRateLimited Kind = "rate_limited"
	// KindLocked marks credential lockout; carries the unlock time.
	KindLocked Kind = "locked"
	// KindConflict marks unique-key collisions; callers retry locally with a
	// fresh allocation up to a bounded count.
	KindConflict Kind = "conflict"
	// KindUnavailable marks substrate, store or peer outage. Limiter checks
	// fail open on it, trust checks fail closed, breaker-protected paths
	// surface it as the open error.
	KindUnavailable Kind = "unavailable"
	// KindTimeout marks deadline expiry; breakers count it as an expected
	// failure.
	KindTimeout Kind = "timeout"
	// KindInternal marks unexpected failures. Logged with context, surfaced
	// as a generic 500, never mutates state.
	KindInternal Kind = "internal"
)

type (
	// Fault is the taxonomy error. Message is safe for callers: it must never
	// reveal account existence, credential proximity or which field failed.
	Fault struct {
		Kind    Kind
		Message string
		// RetryAfter is set for KindRateLimited.
		RetryAfter time.Duration
		// LockedUntil is set for KindLocked.
		LockedUntil time.Time
		cause       error
	}
)

// New constructs a Fault of the given kind.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Wrap constructs a Fault of the given kind wrapping cause, with a
// formatted caller-safe message.
func Wrap(kind Kind, cause error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Errorf constructs a Fault with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	if f.cause != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.cause)
	}
	return f.Message
}

// Unwrap returns the wrapped cause.
func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.cause
}

// Is matches faults by kind so sentinel comparisons like
// errors.Is(err, fault.New(fault.KindConflict, "")) work across wrapping.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == f.Kind && (other.Message == "" || other.Message == f.Message)
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal
// for unclassified errors and mapping context errors to KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether the error chain contains a Fault of kind k.
func IsKind(err error, k Kind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == k
}

// RateLimited constructs the limiter rejection fault.
func RateLimited(retryAfter time.Duration) *Fault {
	return &Fault{
		Kind:       KindRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// Locked constructs the credential lockout fault.
func Locked(until time.Time) *Fault {
	return &Fault{
		Kind:        KindLocked,
		Message:     "account temporarily locked",
		LockedUntil: until,
	}
}

// HTTPStatus maps an error chain to a status code. Malformed-body 400s are
// produced by the HTTP layer before taxonomy conversion; KindValidation covers
// semantic violations and maps to 422. Lockouts surface as 403 with the unlock
// time in the response body.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindLocked:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable, KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
