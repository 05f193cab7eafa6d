package volume

import (
	"strings"
	"time"

	"github.com/nace/volmon/internal/backend"
)

const (
	// automountGrace is how long after media insertion a volume may still
	// appear and be automounted. Later volumes come from repartitioning.
	automountGrace = 5 * time.Second

	audioDiscScheme = "cdda://"
	audioDiscIcon   = "media-optical-audio"
)

// Refresh recomputes the observable attributes from the backend and
// notifies listeners and the owner once if anything changed.
func (v *Volume) Refresh() bool {
	v.mu.Lock()
	if v.removed {
		v.mu.Unlock()
		return false
	}
	changed := v.recomputeLocked()
	state := v.state
	owner := v.owner
	var listeners []func(State)
	if changed {
		listeners = make([]func(State), 0, len(v.listeners))
		for _, fn := range v.listeners {
			listeners = append(listeners, fn)
		}
	}
	v.mu.Unlock()

	if !changed {
		return false
	}
	v.logger.Trace("volume changed", "name", state.Name, "device_file", state.DeviceFile,
		"can_mount", state.CanMount, "should_automount", state.ShouldAutomount)
	for _, fn := range listeners {
		fn(state)
	}
	if owner != nil {
		owner(v)
	}
	return true
}

// recomputeLocked is the only place observable fields are written. It
// must be called with v.mu held.
func (v *Volume) recomputeLocked() bool {
	dev, ok := v.pool.Device(v.devicePath)
	if !ok {
		return false
	}
	old := v.state

	cleartext := v.resolveCleartext(dev)
	v.setCleartextLocked(cleartext)

	var next State
	if cleartext != nil {
		next = State{
			Name:       cleartext.Name(),
			Icon:       cleartext.Icon(),
			DeviceFile: cleartext.DeviceFile(),
			CanMount:   true,
			// never automount a volume the user just unlocked
			ShouldAutomount: false,
		}
	} else {
		next = State{
			Name:            dev.Name(),
			Icon:            dev.Icon(),
			DeviceFile:      dev.DeviceFile(),
			CanMount:        true,
			ShouldAutomount: v.appearedInGrace(),
		}
		if strings.HasPrefix(v.activationRoot, audioDiscScheme) {
			next.Name = v.printer.Sprintf(msgAudioDisc)
			next.Icon = audioDiscIcon
		}
	}

	v.state = next
	return next != old
}

// resolveCleartext returns the unlocked cleartext device of dev, or nil.
func (v *Volume) resolveCleartext(dev backend.Device) backend.Device {
	if !dev.IsEncrypted() {
		return nil
	}
	path := dev.CleartextObjectPath()
	if path == "" || path == "/" {
		return nil
	}
	cleartext, ok := v.pool.Device(path)
	if !ok {
		return nil
	}
	return cleartext
}

// setCleartextLocked moves the cleartext subscription to dev. The old
// subscription is released before the new one is taken.
func (v *Volume) setCleartextLocked(dev backend.Device) {
	path := ""
	if dev != nil {
		path = dev.ObjectPath()
	}
	if path == v.cleartextPath {
		return
	}
	if v.cleartextSub != nil {
		v.cleartextSub.Unsubscribe()
		v.cleartextSub = nil
	}
	v.cleartextPath = path
	if path != "" {
		v.cleartextSub = v.pool.Subscribe(path, v.onCleartextEvent)
		v.logger.Debug("tracking cleartext device", "cleartext", path)
	}
}

func (v *Volume) appearedInGrace() bool {
	if v.drive == nil {
		return true
	}
	inserted := v.drive.LastMediaInsertion()
	if inserted.IsZero() {
		return true
	}
	return v.appearedAt.Sub(inserted) <= automountGrace
}
