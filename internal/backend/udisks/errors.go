package udisks

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/nace/volmon/internal/backend"
)

const (
	errPrefix                 = "org.freedesktop.UDisks2.Error."
	errNotAuthorized          = errPrefix + "NotAuthorized"
	errNotAuthorizedCanObtain = errPrefix + "NotAuthorizedCanObtain"
	errNotAuthorizedDismissed = errPrefix + "NotAuthorizedDismissed"
	errAlreadyMounted         = errPrefix + "AlreadyMounted"
	errCancelled              = errPrefix + "Cancelled"
	errNotSupported           = errPrefix + "NotSupported"

	errServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"
)

var errorCodes = map[string]backend.Code{
	errNotAuthorized:          backend.CodeNotAuthorized,
	errNotAuthorizedCanObtain: backend.CodeNotAuthorizedCanObtain,
	errNotAuthorizedDismissed: backend.CodeNotAuthorizedDismissed,
	errAlreadyMounted:         backend.CodeAlreadyMounted,
	errCancelled:              backend.CodeCancelled,
	errNotSupported:           backend.CodeNotSupported,
	// the daemon is gone or being restarted
	errServiceUnknown: backend.CodeInhibited,
	errNameHasNoOwner: backend.CodeInhibited,
}

// convertError maps a D-Bus error from a call guarded by the policy action
// to a *backend.Error.
func convertError(err error, action string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &backend.Error{Code: backend.CodeCancelled, Message: err.Error()}
	}

	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return &backend.Error{Code: backend.CodeFailed, Message: err.Error()}
	}

	msg := dbusErr.Name
	if len(dbusErr.Body) > 0 {
		if s, ok := dbusErr.Body[0].(string); ok && s != "" {
			msg = s
		}
	}
	code, ok := errorCodes[dbusErr.Name]
	if !ok {
		code = backend.CodeFailed
	}
	e := &backend.Error{Code: code, Message: msg}
	if code == backend.CodeNotAuthorizedCanObtain || code == backend.CodeNotAuthorized {
		e.Action = action
	}
	return e
}
