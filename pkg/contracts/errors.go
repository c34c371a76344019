package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind is the sealed taxonomy every component boundary translates
// low-level failures into. HTTP status mapping lives in pkg/api.
type ErrorKind string

const (
	KindValidationFailed       ErrorKind = "validation_failed"
	KindIdempotencyKeyRequired ErrorKind = "idempotency_key_required"
	KindIdempotencyConflict    ErrorKind = "idempotency_conflict"
	KindNotFound               ErrorKind = "not_found"
	KindConflict               ErrorKind = "conflict"
	KindTenantViolation        ErrorKind = "tenant_violation"
	KindToleranceUnresolvable  ErrorKind = "tolerance_unresolvable"
	KindIngestionFatal         ErrorKind = "ingestion_fatal"
	KindTransient              ErrorKind = "transient"
	KindInternal               ErrorKind = "internal"
)

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is the typed error crossing component boundaries.
type Error struct {
	Kind   ErrorKind
	Detail string
	Fields []FieldError
	cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a typed error.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// NewErrorf builds a typed error with a formatted detail.
func NewErrorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError attaches a typed kind to an underlying cause.
func WrapError(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// WithFields attaches field-level details (validation_failed).
func (e *Error) WithFields(fields ...FieldError) *Error {
	e.Fields = append(e.Fields, fields...)
	return e
}

// KindOf extracts the taxonomy kind from any error; unrecognized errors
// are internal.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retriable reports whether the error may be retried with backoff.
func Retriable(err error) bool {
	return IsKind(err, KindTransient)
}
