// Package errors defines the coded application errors shared by every Haven
// component. Each error carries a Code that survives wrapping, so transport
// layers can map failures without knowing which component produced them.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Standard error codes for the application.
const (
	CodeUnknown      = "UNKNOWN"
	CodeValidation   = "VALIDATION"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeUpstream     = "UPSTREAM"
	CodeDatabase     = "DATABASE"
	CodeConfig       = "CONFIG"
	CodeCanceled     = "CANCELED"
	CodeTimeout      = "TIMEOUT"
)

// ApplicationError is the interface that all our custom errors implement.
type ApplicationError interface {
	error
	Code() string
	Unwrap() error
}

// Error represents a coded application error.
type Error struct {
	code    string
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}

	return e.message
}

func (e *Error) Code() string {
	return e.code
}

func (e *Error) Message() string {
	return e.message
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the code of the first ApplicationError in err's chain,
// or CodeUnknown if there is none.
func Code(err error) string {
	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}

	return CodeUnknown
}

// Message returns the message of the first coded error in err's chain without
// the wrapped cause, falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.message
	}

	return err.Error()
}

func newError(code, message string, cause error) error {
	return &Error{code: code, message: message, err: cause}
}

func NewValidationError(message string, cause error) error {
	return newError(CodeValidation, message, cause)
}

func NewUnauthorizedError(message string) error {
	return newError(CodeUnauthorized, message, nil)
}

func NewNotFoundError(message string, cause error) error {
	return newError(CodeNotFound, message, cause)
}

func NewConflictError(message string, cause error) error {
	return newError(CodeConflict, message, cause)
}

func NewUpstreamError(message string, cause error) error {
	return newError(CodeUpstream, message, cause)
}

func NewDatabaseError(message string, cause error) error {
	return newError(CodeDatabase, message, cause)
}

func NewConfigError(message string, cause error) error {
	return newError(CodeConfig, message, cause)
}

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", ErrX) to add context;
// errors.Is and Code keep working through the wrap.
var (
	ErrEmptyMessage      = NewValidationError("message body is empty", nil)
	ErrMessageTooLong    = NewValidationError("message body exceeds maximum length", nil)
	ErrInvalidIdentifier = NewValidationError("malformed identifier", nil)
	ErrInvalidUsername   = NewValidationError("username must be 3-20 letters, digits or underscores", nil)

	ErrNotAParticipant = NewUnauthorizedError("sender is not a participant of the conversation")
	ErrUnauthorized    = NewUnauthorizedError("requester does not own every target message")

	ErrConversationNotFound = NewNotFoundError("conversation not found", nil)
	ErrMessageNotFound      = NewNotFoundError("message not found", nil)
	ErrProfileNotFound      = NewNotFoundError("profile not found", nil)
	ErrProfileUnavailable   = NewNotFoundError("participant profile unavailable", nil)

	ErrUsernameTaken = NewConflictError("username already taken", nil)

	ErrResponderUnavailable = NewUpstreamError("responder unavailable", nil)
	ErrResponderTimeout     = NewUpstreamError("responder timed out", nil)
)

// IsRetryable reports whether err is a store failure that an idempotent read
// may retry. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return Code(err) == CodeDatabase
}
