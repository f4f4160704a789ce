// Package apperrors defines the error kinds surfaced by the prediction pipeline
// and their mapping onto HTTP status codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindInvalidInput         Kind = "INVALID_INPUT"
	KindServiceUnavailable   Kind = "SERVICE_UNAVAILABLE"
	KindInternal             Kind = "INTERNAL"
	KindPersistence          Kind = "PERSISTENCE"
	KindNotFound             Kind = "NOT_FOUND"
	KindConsentRequired      Kind = "CONSENT_REQUIRED"
	KindInvalidFeedbackValue Kind = "INVALID_FEEDBACK_VALUE"
	KindUnauthorized         Kind = "UNAUTHORIZED"
)

// Error is an application error carrying its kind and the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

// Unwrap implements the unwrap interface
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
	}
	return false
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// InvalidInput reports a user error in the submitted image.
func InvalidInput(op, message string, err error) *Error {
	return newError(KindInvalidInput, op, message, err)
}

// ServiceUnavailable reports that the model is not loaded.
func ServiceUnavailable(op, message string, err error) *Error {
	return newError(KindServiceUnavailable, op, message, err)
}

// Internal reports an unexpected failure during prediction.
func Internal(op, message string, err error) *Error {
	return newError(KindInternal, op, message, err)
}

// Persistence reports a store read or write failure.
func Persistence(op, message string, err error) *Error {
	return newError(KindPersistence, op, message, err)
}

// NotFound reports a missing prediction record.
func NotFound(op, message string) *Error {
	return newError(KindNotFound, op, message, nil)
}

// ConsentRequired reports a feedback update on a record stored without consent.
func ConsentRequired(op, message string) *Error {
	return newError(KindConsentRequired, op, message, nil)
}

// InvalidFeedbackValue reports a feedback payload outside the accepted domain.
func InvalidFeedbackValue(op, message string) *Error {
	return newError(KindInvalidFeedbackValue, op, message, nil)
}

// Unauthorized reports a missing or wrong bearer token.
func Unauthorized(op, message string) *Error {
	return newError(KindUnauthorized, op, message, nil)
}

// KindOf returns the kind of the outermost *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps a kind to the status code returned by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindInvalidFeedbackValue:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConsentRequired:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
