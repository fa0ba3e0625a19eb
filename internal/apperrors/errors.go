// Package apperrors defines the domain error taxonomy shared by the engines
// and the transport layer.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of a domain error.
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindAuthorization    Kind = "AUTHORIZATION_ERROR"
	KindAuthentication   Kind = "AUTHENTICATION_ERROR"
	KindInvalidState     Kind = "INVALID_STATE"
	KindSelfReference    Kind = "SELF_REFERENCE"
	KindDuplicateRequest Kind = "DUPLICATE_REQUEST"
	KindAlreadyConnected Kind = "ALREADY_CONNECTED"
	KindNotConnected     Kind = "NOT_CONNECTED"
	KindValidation       Kind = "VALIDATION_ERROR"
	KindInternal         Kind = "INTERNAL_ERROR"
)

// Error is a typed domain error. Two errors match under errors.Is when their
// kinds are equal, so callers compare against the sentinels below.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrAuthorization    = &Error{Kind: KindAuthorization}
	ErrAuthentication   = &Error{Kind: KindAuthentication}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrSelfReference    = &Error{Kind: KindSelfReference}
	ErrDuplicateRequest = &Error{Kind: KindDuplicateRequest}
	ErrAlreadyConnected = &Error{Kind: KindAlreadyConnected}
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrInternal         = &Error{Kind: KindInternal}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// NotFound reports a missing entity, e.g. NotFound("connection request").
func NotFound(entity string) *Error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

func Authorization(message string) *Error {
	return &Error{Kind: KindAuthorization, Message: message}
}

func Authentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

func InvalidState(message string) *Error {
	return &Error{Kind: KindInvalidState, Message: message}
}

func SelfReference(message string) *Error {
	return &Error{Kind: KindSelfReference, Message: message}
}

func DuplicateRequest() *Error {
	return &Error{Kind: KindDuplicateRequest, Message: "a pending connection request already exists between these users"}
}

func AlreadyConnected() *Error {
	return &Error{Kind: KindAlreadyConnected, Message: "users are already connected"}
}

func NotConnected() *Error {
	return &Error{Kind: KindNotConnected, Message: "messaging requires an active connection"}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func Internal(cause error) *Error {
	return (&Error{Kind: KindInternal, Message: "internal error"}).WithCause(cause)
}

// KindOf returns the kind of the first domain error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the transport layer answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization, KindNotConnected:
		return http.StatusForbidden
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindInvalidState, KindDuplicateRequest, KindAlreadyConnected:
		return http.StatusConflict
	case KindSelfReference, KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to show to clients. Internal errors never
// leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal server error"
}
