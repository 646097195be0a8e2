// Package errors defines the closed set of error kinds used across the
// control plane. Every failure that crosses a component boundary is an
// *Error so callers can branch on kind instead of string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error. The set is closed; new kinds require a
// corresponding status mapping and retry classification below.
type Kind string

const (
	KindSignatureMissing  Kind = "signature_missing"
	KindSignatureInvalid  Kind = "signature_invalid"
	KindMalformed         Kind = "malformed"
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindRateLimited       Kind = "rate_limited"
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindValidation        Kind = "validation"
	KindBackupFailed      Kind = "backup_failed"
	KindApplyFailed       Kind = "apply_failed"
	KindHealthCheckFailed Kind = "health_check_failed"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindRollbackFailed    Kind = "rollback_failed"
	KindInternal          Kind = "internal"
)

// Error is the standard error value for the control plane.
type Error struct {
	Kind      Kind
	Component string
	Stage     string
	Message   string
	Cause     error
	Retriable bool
	Fields    map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on kind so sentinel comparisons work across wrap layers.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return errors.Is(e.Cause, target)
}

// With attaches a context field and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithStage records the deployment stage the error surfaced in.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, component, message string) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Message:   message,
		Retriable: defaultRetriable(kind),
	}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, component, format string, args ...any) *Error {
	return New(kind, component, fmt.Sprintf(format, args...))
}

// Wrap wraps err under the given kind, preserving it as the cause.
// A nil err yields nil.
func Wrap(err error, kind Kind, component, message string) *Error {
	if err == nil {
		return nil
	}
	wrapped := New(kind, component, message)
	wrapped.Cause = err
	if inner, ok := err.(*Error); ok {
		wrapped.Retriable = inner.Retriable
		wrapped.Stage = inner.Stage
	}
	return wrapped
}

// Wrapf wraps err with a formatted message.
func Wrapf(err error, kind Kind, component, format string, args ...any) *Error {
	return Wrap(err, kind, component, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// IsRetriable reports whether the error may be re-attempted under a
// stage retry policy.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MarkRetriable overrides the retry classification on an *Error.
func MarkRetriable(err error, retriable bool) error {
	var e *Error
	if errors.As(err, &e) {
		e.Retriable = retriable
	}
	return err
}

// HTTPStatus maps an error kind to its stable API status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindSignatureMissing, KindSignatureInvalid, KindUnauthorized:
		return http.StatusUnauthorized
	case KindMalformed, KindValidation:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func defaultRetriable(kind Kind) bool {
	switch kind {
	case KindHealthCheckFailed:
		return true
	default:
		return false
	}
}
