// Package cronerr defines the error taxonomy from the core's error handling
// design: a small set of named kinds, not types, so callers can branch on
// cronerr.Kind rather than maintaining parallel sentinel error values.
//
// Error preserves message and causal context the way a wrapped error does,
// while remaining serializable for the {error, code} envelope the HTTP
// surface returns to callers.
package cronerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the taxonomy's named buckets.
type Kind string

const (
	KindAuth                Kind = "auth"
	KindNotFound            Kind = "not_found"
	KindValidation          Kind = "validation"
	KindPolicyDenied        Kind = "policy_denied"
	KindRateLimit           Kind = "rate_limit"
	KindCircuitOpen         Kind = "circuit_open"
	KindKillSwitchActive    Kind = "kill_switch_active"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindExternal            Kind = "external"
	KindTimeout             Kind = "timeout"
	KindIntegrity           Kind = "integrity"
	KindInternal            Kind = "internal"
)

// Error is a structured failure carrying a Kind, message, and optional
// cause. It implements errors.Is/As via Unwrap so callers can still match
// against wrapped sentinel errors from lower layers.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that wraps an underlying
// error. If message is empty, the cause's message is reused.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

// Unwrap returns the wrapped cause, enabling errors.Is/As traversal.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind. This lets
// callers write errors.Is(err, cronerr.New(cronerr.KindNotFound, "")) style
// checks, though KindOf is the more idiomatic accessor.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, returning
// KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Code maps a Kind to the stable HTTP-surface error code string from the
// §6 error envelope contract.
func Code(kind Kind) string {
	switch kind {
	case KindAuth:
		return "AUTH_REQUIRED"
	case KindNotFound:
		return "JOB_NOT_FOUND"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindPolicyDenied:
		return "POLICY_DENIED"
	case KindRateLimit:
		return "RATE_LIMITED"
	case KindCircuitOpen:
		return "CIRCUIT_OPEN"
	case KindKillSwitchActive:
		return "KILL_SWITCH_ACTIVE"
	case KindConcurrencyConflict:
		return "CONCURRENCY_CONFLICT"
	case KindExternal:
		return "EXTERNAL_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindIntegrity:
		return "INTEGRITY_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
