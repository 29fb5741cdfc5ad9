package coordination

import (
	"errors"
	"fmt"
)

// ErrorKind tags an Error for cross-service transport.
type ErrorKind string

// Error kinds.
const (
	KindConfiguration ErrorKind = "configuration"
	KindConnection    ErrorKind = "connection"
	KindDuplicate     ErrorKind = "duplicate_publish"
	KindPublish       ErrorKind = "publish"
	KindAcknowledge   ErrorKind = "acknowledge"
	KindPresence      ErrorKind = "presence"
	KindCoordination  ErrorKind = "coordination"
	KindSwarm         ErrorKind = "swarm"
)

// Error is the substrate's error type. Every error carries a kind tag, a
// message, and a structured details map.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by kind, so callers can test
// errors.Is(err, &Error{Kind: KindDuplicate}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates an Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates an Error wrapping a cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches a detail entry and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsDuplicate reports whether err is a duplicate-publish error.
func IsDuplicate(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindDuplicate
}
