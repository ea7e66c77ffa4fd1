package wire

import (
	"errors"
	"fmt"
)

// ErrorTypeClient marks an error as safe to show to the client.
const ErrorTypeClient = "Meteor.Error"

// Error is a client-visible error carried in result and nosub messages.
//
// Code is usually a number (HTTP-like status) but may be a string.
type Error struct {
	Code      any    `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Details   string `json:"details,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

// NewError creates a client-visible error.
func NewError(code any, reason string) *Error {
	return &Error{
		Code:      code,
		Reason:    reason,
		Message:   formatMessage(code, reason),
		ErrorType: ErrorTypeClient,
	}
}

// WithDetails returns a copy of e with details set.
func (e *Error) WithDetails(details string) *Error {
	c := *e
	c.Details = details
	return &c
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return formatMessage(e.Code, e.Reason)
}

func formatMessage(code any, reason string) string {
	if reason == "" {
		return fmt.Sprintf("[%v]", code)
	}
	return fmt.Sprintf("%s [%v]", reason, code)
}

// ErrInternal is reported to clients in place of errors that are not safe to show.
var ErrInternal = NewError(500, "Internal server error")

// SubNotFound is the nosub error for an unknown publication.
func SubNotFound(name string) *Error {
	return NewError(404, fmt.Sprintf("Subscription '%s' not found", name))
}

// MethodNotFound is the result error for an unknown method.
func MethodNotFound(name string) *Error {
	return NewError(404, fmt.Sprintf("Method '%s' not found", name))
}

// IsClientError reports whether err is (or wraps) an *Error.
func IsClientError(err error) bool {
	_, ok := AsError(err)
	return ok
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
