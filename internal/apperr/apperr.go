package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindAuthorization    Kind = "authorization"
	KindUnauthenticated  Kind = "unauthenticated"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindNotSubscribed    Kind = "not_subscribed"
	KindNotFound         Kind = "not_found"
	KindValidation       Kind = "validation"
	KindConflict         Kind = "conflict"
	KindPersistence      Kind = "persistence"
	KindSignatureInvalid Kind = "signature_invalid"
)

// Error is a classified application error. Message is safe to show to callers;
// Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, apperr.ErrQuotaExceeded).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrAuthorization    = &Error{Kind: KindAuthorization}
	ErrUnauthenticated  = &Error{Kind: KindUnauthenticated}
	ErrQuotaExceeded    = &Error{Kind: KindQuotaExceeded}
	ErrNotSubscribed    = &Error{Kind: KindNotSubscribed}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrPersistence      = &Error{Kind: KindPersistence}
	ErrSignatureInvalid = &Error{Kind: KindSignatureInvalid}
)

func Authorization(msg string) *Error   { return &Error{Kind: KindAuthorization, Message: msg} }
func Unauthenticated(msg string) *Error { return &Error{Kind: KindUnauthenticated, Message: msg} }
func QuotaExceeded(msg string) *Error   { return &Error{Kind: KindQuotaExceeded, Message: msg} }
func NotSubscribed(msg string) *Error   { return &Error{Kind: KindNotSubscribed, Message: msg} }
func NotFound(msg string) *Error        { return &Error{Kind: KindNotFound, Message: msg} }
func Validation(msg string) *Error      { return &Error{Kind: KindValidation, Message: msg} }
func Conflict(msg string) *Error        { return &Error{Kind: KindConflict, Message: msg} }

func SignatureInvalid(msg string) *Error {
	return &Error{Kind: KindSignatureInvalid, Message: msg}
}

func Persistence(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: msg, Err: err}
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Status maps an error to the HTTP status the API responds with.
// Unclassified errors are internal.
func Status(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindAuthorization:
		return http.StatusForbidden
	case KindUnauthenticated, KindSignatureInvalid:
		return http.StatusUnauthorized
	case KindQuotaExceeded, KindNotSubscribed:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the caller-visible message. Persistence and unclassified
// errors collapse to a generic text.
func PublicMessage(err error) string {
	e, ok := As(err)
	if !ok || e.Kind == KindPersistence {
		return "internal error"
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}
