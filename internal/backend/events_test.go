package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shoenig/test/must"
)

func TestHub_Routing(t *testing.T) {
	var h Hub
	var got []string

	a := h.Subscribe("/a", func(ev Event) { got = append(got, "a:"+ev.Kind.String()) })
	h.SubscribeAll(func(ev Event) { got = append(got, "all:"+ev.ObjectPath) })

	h.Emit(Event{Kind: EventChanged, ObjectPath: "/a"})
	h.Emit(Event{Kind: EventRemoved, ObjectPath: "/b"})
	must.SliceContainsAll(t, []string{"a:changed", "all:/a", "all:/b"}, got)
	must.Len(t, 3, got)

	a.Unsubscribe()
	a.Unsubscribe()
	must.Eq(t, 0, h.Len("/a"))
	must.Eq(t, 1, h.Len(""))
}

func TestHub_UnsubscribeDuringEmit(t *testing.T) {
	var h Hub
	calls := 0
	var second Subscription
	h.Subscribe("/a", func(Event) {
		calls++
		second.Unsubscribe()
	})
	second = h.Subscribe("/a", func(Event) {
		calls++
	})

	h.Emit(Event{Kind: EventChanged, ObjectPath: "/a"})
	// either order: the second subscriber runs at most once and is then gone
	must.LessEq(t, 2, calls)
	must.Eq(t, 1, h.Len("/a"))
}

func TestRetryableAuthorization(t *testing.T) {
	err := fmt.Errorf("mount: %w", &Error{
		Code:    CodeNotAuthorizedCanObtain,
		Action:  "org.freedesktop.udisks2.filesystem-mount",
		Message: "not authorized",
	})
	action, ok := RetryableAuthorization(err)
	must.True(t, ok)
	must.Eq(t, "org.freedesktop.udisks2.filesystem-mount", action)

	_, ok = RetryableAuthorization(Errorf(CodeNotAuthorized, "no"))
	must.False(t, ok)
	_, ok = RetryableAuthorization(errors.New("plain"))
	must.False(t, ok)

	must.Eq(t, CodeNotAuthorizedCanObtain, CodeOf(err))
	must.ErrorIs(t, err, &Error{Code: CodeNotAuthorizedCanObtain})
}
