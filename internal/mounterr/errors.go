// Package mounterr classifies the failures of a mount request.
//
// Every terminal state of a mount request resolves with either nil or an
// *Error. Silent kinds carry no information the user needs to act on and
// callers rendering errors should suppress them.
package mounterr

import (
	"errors"
	"fmt"
)

// Kind is the classification of a mount request failure.
type Kind int

const (
	// Failed is an unclassified failure.
	Failed Kind = iota
	// AlreadyPending means another mount request is active on the volume.
	AlreadyPending
	// Inhibited means privileged operations are currently disabled.
	Inhibited
	// Cancelled means the caller cancelled the request.
	Cancelled
	// Aborted means the user dismissed the passphrase prompt.
	Aborted
	// NotAuthorized means the policy service refused the operation.
	NotAuthorized
	// UnlockFailed means the encrypted device could not be unlocked.
	UnlockFailed
	// MountFailed means the backend could not mount the filesystem.
	MountFailed
	// CleartextDeviceMissing means an unlock reported success but the
	// cleartext device cannot be found.
	CleartextDeviceMissing
	// NotSupported means the operation is not available for the volume.
	NotSupported
)

var kindNames = map[Kind]string{
	Failed:                 "failed",
	AlreadyPending:         "already-pending",
	Inhibited:              "inhibited",
	Cancelled:              "cancelled",
	Aborted:                "aborted",
	NotAuthorized:          "not-authorized",
	UnlockFailed:           "unlock-failed",
	MountFailed:            "mount-failed",
	CleartextDeviceMissing: "cleartext-device-missing",
	NotSupported:           "not-supported",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Silent reports whether errors of this kind must not be shown to the user.
func (k Kind) Silent() bool {
	switch k {
	case Inhibited, Cancelled, Aborted:
		return true
	}
	return false
}

// Error is a classified mount request failure.
type Error struct {
	Kind Kind
	// Op is the phase that failed, e.g. "unlock" or "mount".
	Op  string
	Msg string
	Err error
}

// New returns a classified error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap returns a classified error wrapping cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so errors.Is(err, mounterr.New(k, "", ""))
// and the package sentinels work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Sentinels for errors.Is.
var (
	ErrAlreadyPending         = &Error{Kind: AlreadyPending}
	ErrInhibited              = &Error{Kind: Inhibited}
	ErrCancelled              = &Error{Kind: Cancelled}
	ErrAborted                = &Error{Kind: Aborted}
	ErrNotAuthorized          = &Error{Kind: NotAuthorized}
	ErrUnlockFailed           = &Error{Kind: UnlockFailed}
	ErrMountFailed            = &Error{Kind: MountFailed}
	ErrCleartextDeviceMissing = &Error{Kind: CleartextDeviceMissing}
	ErrNotSupported           = &Error{Kind: NotSupported}
)

// KindOf returns the classification of err, or Failed if err is not an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Failed
}

// IsSilent reports whether err must be suppressed from user-facing error
// surfaces.
func IsSilent(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Silent()
	}
	return false
}
