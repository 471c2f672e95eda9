// Package apierrors provides the error taxonomy shared by services and the
// HTTP layer, and the single place errors are turned into responses.
package apierrors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Kind classifies an error for the client.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Status returns the HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a kind, a message safe to show the caller and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a caller input error.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// NotFound returns an error for a missing or foreign resource.
func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// Unauthorized returns a credential error.
func Unauthorized(msg string) *Error {
	if msg == "" {
		msg = "Authentication required"
	}
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// Internal wraps a backend failure. msg is logged, never shown.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: cause}
}

// KindOf resolves the kind of any error; unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

const genericMessage = "Internal server error"

// Response is the JSON error body.
type Response struct {
	Error string `json:"error"`
}

// Write writes err as a JSON error response. Internal errors are logged with
// their cause and reported to the client with a generic message.
func Write(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	kind := KindOf(err)
	msg := genericMessage
	var e *Error
	if kind != KindInternal && errors.As(err, &e) {
		msg = e.Message
	} else if log != nil {
		log.WithError(err).Error("Request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(kind.Status())
	_ = json.NewEncoder(w).Encode(Response{Error: msg})
}
