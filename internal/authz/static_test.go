package authz

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	g := &Static{
		Default: Denied,
		Decisions: map[string]Decision{
			ActionMount:  Allowed,
			ActionUnlock: Challenge,
		},
	}

	d, err := g.Check(ctx, ActionMount)
	must.NoError(t, err)
	must.Eq(t, Allowed, d)

	must.NoError(t, g.Request(ctx, ActionUnlock))
	must.ErrorIs(t, g.Request(ctx, ActionEject), ErrDenied)

	g.Grant = ErrDismissed
	must.ErrorIs(t, g.Request(ctx, ActionUnlock), ErrDismissed)

	g.IsInhibited = true
	must.True(t, g.Inhibited(ctx))
	must.ErrorIs(t, g.Request(ctx, ActionMount), ErrInhibited)

	must.Eq(t, []string{ActionUnlock, ActionEject, ActionUnlock, ActionMount}, g.Requests())
	must.Eq(t, []string{ActionMount}, g.Checks())
}

func TestStatic_RequestHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	must.ErrorIs(t, AllowAll().Request(ctx, ActionMount), context.Canceled)
}

func TestDecision_String(t *testing.T) {
	must.Eq(t, "challenge", Challenge.String())
	must.Eq(t, "denied", Decision(42).String())
}

func TestObtain(t *testing.T) {
	ctx := context.Background()
	g := &Static{
		Default: Denied,
		Decisions: map[string]Decision{
			ActionMount:  Allowed,
			ActionUnlock: Challenge,
		},
	}

	must.NoError(t, Obtain(ctx, g, ActionMount))
	must.SliceEmpty(t, g.Requests())

	must.NoError(t, Obtain(ctx, g, ActionUnlock))
	must.Eq(t, []string{ActionUnlock}, g.Requests())

	must.ErrorIs(t, Obtain(ctx, g, ActionEject), ErrDenied)

	g.IsInhibited = true
	must.ErrorIs(t, Obtain(ctx, g, ActionMount), ErrInhibited)
}
