package backend

import (
	"errors"
	"fmt"
)

// Code is the class of a backend failure.
type Code int

const (
	CodeFailed Code = iota
	// CodeNotAuthorized is a refusal that cannot be overturned by asking.
	CodeNotAuthorized
	// CodeNotAuthorizedCanObtain is a refusal the user may overturn by
	// authenticating against Action.
	CodeNotAuthorizedCanObtain
	// CodeNotAuthorizedDismissed means the user dismissed the policy prompt.
	CodeNotAuthorizedDismissed
	CodeInhibited
	CodeAlreadyMounted
	CodeCancelled
	CodeNotSupported
)

// Error is returned by Device and Drive calls.
type Error struct {
	Code Code
	// Action is the policy action id the daemon checked, if any.
	Action  string
	Message string
}

func (e *Error) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s (action %s)", e.Message, e.Action)
	}
	return e.Message
}

// Is matches another *Error by Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the Code of err, or CodeFailed.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeFailed
}

// RetryableAuthorization returns the policy action to request when err is a
// not-authorized refusal the user may overturn.
func RetryableAuthorization(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeNotAuthorizedCanObtain && e.Action != "" {
		return e.Action, true
	}
	return "", false
}
