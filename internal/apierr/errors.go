package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind classifies an error for HTTP mapping.
type Kind int

const (
	KindBadRequest Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindGone
	KindUnprocessable
	KindTooManyRequests
	KindUnavailable
	KindInternal
)

// HTTPStatus maps a kind to its response code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the one error type crossing component boundaries. Type is a stable
// machine-readable code (e.g. "NoSuchTableException"); Stack accumulates
// context lines that are logged but never sent in 5xx bodies.
type Error struct {
	Kind    Kind
	Type    string
	Message string
	ErrorID uuid.UUID
	Stack   []string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithContext appends a context line to the internal stack.
func (e *Error) WithContext(format string, args ...interface{}) *Error {
	e.Stack = append(e.Stack, fmt.Sprintf(format, args...))
	return e
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	if err != nil {
		e.Stack = append(e.Stack, err.Error())
	}
	return e
}

func newError(kind Kind, typ, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Type:    typ,
		Message: fmt.Sprintf(format, args...),
		ErrorID: uuid.New(),
	}
}

func BadRequest(typ, format string, args ...interface{}) *Error {
	return newError(KindBadRequest, typ, format, args...)
}

func Unauthorized(format string, args ...interface{}) *Error {
	return newError(KindUnauthorized, "NotAuthorizedException", format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newError(KindForbidden, "ForbiddenException", format, args...)
}

func NotFound(typ, format string, args ...interface{}) *Error {
	return newError(KindNotFound, typ, format, args...)
}

func Conflict(typ, format string, args ...interface{}) *Error {
	return newError(KindConflict, typ, format, args...)
}

func Gone(format string, args ...interface{}) *Error {
	return newError(KindGone, "TabularGoneException", format, args...)
}

func Unprocessable(typ, format string, args ...interface{}) *Error {
	return newError(KindUnprocessable, typ, format, args...)
}

func Unavailable(format string, args ...interface{}) *Error {
	return newError(KindUnavailable, "ServiceUnavailableException", format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return newError(KindInternal, "InternalServerError", format, args...)
}

// From converts an arbitrary error to *Error, wrapping unknown errors as
// internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal("unexpected error").WithCause(err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}
