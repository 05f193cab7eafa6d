// Package authz asks the system policy service whether a privileged storage
// operation may proceed.
package authz

import (
	"context"
	"errors"
)

// Well-known UDisks2 policy actions.
const (
	ActionUnlock      = "org.freedesktop.udisks2.encrypted-unlock"
	ActionMount       = "org.freedesktop.udisks2.filesystem-mount"
	ActionMountSystem = "org.freedesktop.udisks2.filesystem-mount-system"
	ActionEject       = "org.freedesktop.udisks2.eject-media"
)

// Decision is the answer to a non-interactive check.
type Decision int

const (
	Denied Decision = iota
	Allowed
	// Challenge means the action is allowed once the user authenticates.
	Challenge
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Challenge:
		return "challenge"
	}
	return "denied"
}

var (
	// ErrDenied is returned by Request when authorization was refused.
	ErrDenied = errors.New("not authorized")
	// ErrInhibited is returned when the policy service is unavailable.
	ErrInhibited = errors.New("authorization service is inhibited")
	// ErrDismissed is returned when the user dismissed the authentication
	// dialog.
	ErrDismissed = errors.New("authentication dialog was dismissed")
)

// Gate checks and obtains authorization for policy actions.
type Gate interface {
	// Check evaluates action without interacting with the user.
	Check(ctx context.Context, action string) (Decision, error)
	// Request obtains authorization, prompting the user out of band if
	// needed. It returns nil when granted.
	Request(ctx context.Context, action string) error
	// Inhibited reports whether privileged operations are currently
	// disabled.
	Inhibited(ctx context.Context) bool
}

// Obtain makes sure action is authorized: an Allowed check passes, a
// Challenge is escalated to Request, anything else is ErrDenied.
func Obtain(ctx context.Context, gate Gate, action string) error {
	decision, err := gate.Check(ctx, action)
	if err != nil {
		return err
	}
	switch decision {
	case Allowed:
		return nil
	case Challenge:
		return gate.Request(ctx, action)
	}
	return ErrDenied
}
