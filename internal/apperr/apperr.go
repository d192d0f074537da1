// Package apperr defines the error kinds surfaced to real-time clients.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how it is reported to the originating connection.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorizationDenied
	KindValidation
	KindNotFound
	KindPersistence
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindAuthorizationDenied:
		return "AUTHORIZATION_DENIED"
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindPersistence:
		return "PERSISTENCE"
	case KindProtocol:
		return "PROTOCOL"
	default:
		return "UNKNOWN"
	}
}

// genericMessage is what clients see for failures whose detail must stay server-side.
const genericMessage = "internal error"

// Error carries a kind, a client-safe message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Denied reports an authorization failure.
func Denied(message string) *Error {
	return &Error{Kind: KindAuthorizationDenied, Message: message}
}

// Invalid reports a malformed request or payload.
func Invalid(message string, err error) *Error {
	return &Error{Kind: KindValidation, Message: message, Err: err}
}

// NotFound reports a missing session, character or other referenced record.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Persistence wraps a failed persistence call.
func Persistence(message string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: message, Err: err}
}

// Protocol reports an undecodable inbound frame.
func Protocol(message string, err error) *Error {
	return &Error{Kind: KindProtocol, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// PublicMessage returns the text that may be sent to a client for err.
// Persistence and unclassified failures collapse to a generic message.
func PublicMessage(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return genericMessage
	}
	switch appErr.Kind {
	case KindPersistence, KindUnknown:
		return genericMessage
	default:
		return appErr.Message
	}
}
