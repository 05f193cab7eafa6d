package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"
)

const (
	polkitName      = "org.freedesktop.PolicyKit1"
	polkitPath      = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	polkitInterface = "org.freedesktop.PolicyKit1.Authority"

	polkitFlagAllowUserInteraction = uint32(1)

	polkitErrorCancelled = "org.freedesktop.PolicyKit1.Error.Cancelled"
)

// polkitSubject is the (sa{sv}) subject struct.
type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// Polkit is a Gate backed by the PolicyKit authority on the system bus.
type Polkit struct {
	conn   *dbus.Conn
	logger hclog.Logger
	seq    atomic.Uint64
}

// NewPolkit uses conn, which must be a system bus connection.
func NewPolkit(conn *dbus.Conn, logger hclog.Logger) *Polkit {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Polkit{conn: conn, logger: logger.Named("polkit")}
}

func (p *Polkit) subject() polkitSubject {
	return polkitSubject{
		Kind: "system-bus-name",
		Details: map[string]dbus.Variant{
			"name": dbus.MakeVariant(p.conn.Names()[0]),
		},
	}
}

func (p *Polkit) authority() dbus.BusObject {
	return p.conn.Object(polkitName, polkitPath)
}

// check calls CheckAuthorization and cancels it on the daemon side when ctx
// ends first.
func (p *Polkit) check(ctx context.Context, action string, flags uint32) (authorized, challenge bool, err error) {
	cancelID := fmt.Sprintf("volmon-%d", p.seq.Add(1))

	var result struct {
		IsAuthorized bool
		IsChallenge  bool
		Details      map[string]string
	}

	call := p.authority().Go(polkitInterface+".CheckAuthorization", 0, make(chan *dbus.Call, 1),
		p.subject(), action, map[string]string{}, flags, cancelID)

	select {
	case <-call.Done:
	case <-ctx.Done():
		if cerr := p.authority().Call(polkitInterface+".CancelCheckAuthorization", 0, cancelID).Err; cerr != nil {
			p.logger.Debug("failed to cancel authorization check", "action", action, "error", cerr)
		}
		return false, false, ctx.Err()
	}

	if call.Err != nil {
		var dbusErr dbus.Error
		if errors.As(call.Err, &dbusErr) {
			switch {
			case dbusErr.Name == polkitErrorCancelled:
				return false, false, ErrDismissed
			case isServiceUnavailable(dbusErr.Name):
				return false, false, ErrInhibited
			}
		}
		return false, false, fmt.Errorf("failed to check authorization for %s: %w", action, call.Err)
	}
	if err := call.Store(&result); err != nil {
		return false, false, fmt.Errorf("failed to decode authorization result: %w", err)
	}
	return result.IsAuthorized, result.IsChallenge, nil
}

func isServiceUnavailable(name string) bool {
	return name == "org.freedesktop.DBus.Error.ServiceUnknown" ||
		name == "org.freedesktop.DBus.Error.NameHasNoOwner" ||
		strings.HasSuffix(name, ".Error.NoReply")
}

// Check evaluates action without user interaction.
func (p *Polkit) Check(ctx context.Context, action string) (Decision, error) {
	authorized, challenge, err := p.check(ctx, action, 0)
	if err != nil {
		return Denied, err
	}
	switch {
	case authorized:
		return Allowed, nil
	case challenge:
		return Challenge, nil
	}
	return Denied, nil
}

// Request runs the check with user interaction allowed; the polkit agent of
// the session draws the authentication dialog.
func (p *Polkit) Request(ctx context.Context, action string) error {
	p.logger.Debug("requesting authorization", "action", action)
	authorized, _, err := p.check(ctx, action, polkitFlagAllowUserInteraction)
	if err != nil {
		return err
	}
	if !authorized {
		return ErrDenied
	}
	return nil
}

// Inhibited reports whether the polkit authority is missing from the bus.
func (p *Polkit) Inhibited(ctx context.Context) bool {
	var hasOwner bool
	err := p.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, polkitName).Store(&hasOwner)
	if err != nil {
		p.logger.Debug("failed to query polkit owner", "error", err)
		// D-Bus activation may still start it
		return false
	}
	if hasOwner {
		return false
	}
	var activatable []string
	if err := p.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListActivatableNames", 0).Store(&activatable); err != nil {
		return true
	}
	for _, name := range activatable {
		if name == polkitName {
			return false
		}
	}
	return true
}
