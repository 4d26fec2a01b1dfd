// Package apierr defines the error taxonomy shared by every HTTP handler
// and background worker in the harness, adapted from the original
// eval_platform api/errors.py response helper.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the purposes of HTTP status mapping and
// client-facing messaging.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal_error"
)

// HTTPStatus returns the status code associated with a Kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error type carried through the call stack and
// rendered at the API boundary.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and a message to an underlying cause, preserving it
// for errors.Is/As and %w-style unwrapping.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Retryable marks an error as safe for a caller to retry (e.g. a
// transient control-plane timeout) without implying the harness retries
// it automatically.
func Retryable(err *Error) *Error {
	err.Retryable = true
	return err
}

// InvalidInput, Unauthorized, NotFound, Conflict, ServiceUnavailable and
// Internal are convenience constructors mirroring the taxonomy's Kinds.
func InvalidInput(format string, args ...any) *Error {
	return New(KindInvalidInput, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, format, args...)
}

// NotFound returns a not-found error. Handlers that must avoid leaking
// whether a private resource exists should return this Kind instead of
// Unauthorized when access is denied for privacy reasons.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func ServiceUnavailable(format string, args ...any) *Error {
	return New(KindServiceUnavailable, format, args...)
}

func Internal(format string, args ...any) *Error {
	return New(KindInternal, format, args...)
}

// As extracts an *Error from err, if one is present anywhere in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to KindInternal when err is
// not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Response is the JSON body returned to API clients on failure.
type Response struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ToResponse renders err as the (status, body) pair an HTTP handler
// should write. Private-resource-vs-not-found collapsing is the caller's
// responsibility: construct the *Error as KindNotFound at the call site
// rather than relying on this function to reclassify KindUnauthorized.
func ToResponse(err error) (int, Response) {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError, Response{
			Error:   string(KindInternal),
			Message: "internal error",
		}
	}
	return e.Kind.HTTPStatus(), Response{Error: string(e.Kind), Message: e.Message}
}
