// Package volume exposes a block device as a mountable volume and runs the
// unlock and mount sequence for it.
package volume

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/text/message"

	"github.com/nace/volmon/internal/backend"
	"github.com/nace/volmon/internal/mounterr"
	"github.com/nace/volmon/internal/unlock"
)

// Identifier kinds understood by Identifier.
const (
	KindUnixDevice = "unix-device"
	KindLabel      = "label"
	KindUUID       = "uuid"
)

// Unlocker opens encrypted devices. *unlock.Engine implements it.
type Unlocker interface {
	Unlock(ctx context.Context, req unlock.Request) (string, error)
}

// Mounter mounts filesystems. *mounter.Engine implements it.
type Mounter interface {
	Mount(ctx context.Context, dev backend.Device, interactive bool) (string, error)
}

// State holds the observable attributes of a volume.
type State struct {
	Name            string
	Icon            string
	DeviceFile      string
	CanMount        bool
	ShouldAutomount bool
}

// Options configure a Volume.
type Options struct {
	Logger   hclog.Logger
	Pool     backend.Pool
	Unlocker Unlocker
	Mounter  Mounter

	// ActivationRoot is the locator the volume is activated through, e.g.
	// cdda://sr0/ for audio discs. Empty for regular volumes.
	ActivationRoot string

	// OnChanged is called once per observable change. The monitor owning
	// the volume registers here; it is dropped by Detach and Remove.
	OnChanged func(*Volume)

	// Clock defaults to time.Now.
	Clock func() time.Time

	// Printer localizes display strings. Defaults to the printer for the
	// process locale.
	Printer *message.Printer
}

// Volume is a mountable block device, possibly encrypted.
type Volume struct {
	logger         hclog.Logger
	pool           backend.Pool
	unlocker       Unlocker
	mounter        Mounter
	devicePath     string
	drive          backend.Drive
	activationRoot string
	clock          func() time.Time
	printer        *message.Printer

	// appearedAt is when the volume was first seen
	appearedAt time.Time

	mu            sync.Mutex
	state         State
	cleartextPath string
	cleartextSub  backend.Subscription
	deviceSub     backend.Subscription
	pending       *request
	removed       bool
	owner         func(*Volume)
	listeners     map[uint64]func(State)
	nextListener  uint64
}

// New creates the volume for the device at devicePath and subscribes to
// its events. The device must be known to opts.Pool.
func New(devicePath string, opts Options) (*Volume, error) {
	dev, ok := opts.Pool.Device(devicePath)
	if !ok {
		return nil, mounterr.New(mounterr.Failed, "", "no such device: "+devicePath)
	}

	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	printer := opts.Printer
	if printer == nil {
		printer = DefaultPrinter()
	}

	v := &Volume{
		logger:         logger.Named("volume").With("device", dev.DeviceFile()),
		pool:           opts.Pool,
		unlocker:       opts.Unlocker,
		mounter:        opts.Mounter,
		devicePath:     devicePath,
		activationRoot: opts.ActivationRoot,
		clock:          clock,
		printer:        printer,
		appearedAt:     clock(),
		owner:          opts.OnChanged,
		listeners:      make(map[uint64]func(State)),
	}
	if drivePath := dev.DriveObjectPath(); drivePath != "" {
		if drive, ok := opts.Pool.Drive(drivePath); ok {
			v.drive = drive
		}
	}

	v.mu.Lock()
	v.deviceSub = opts.Pool.Subscribe(devicePath, v.onDeviceEvent)
	v.recomputeLocked()
	v.mu.Unlock()

	return v, nil
}

// ObjectPath returns the backend object path of the volume's own device.
func (v *Volume) ObjectPath() string { return v.devicePath }

// Drive returns the drive the volume lives on, or nil.
func (v *Volume) Drive() backend.Drive { return v.drive }

// ActivationRoot returns the activation locator, or "".
func (v *Volume) ActivationRoot() string { return v.activationRoot }

// State returns a snapshot of the observable attributes.
func (v *Volume) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Volume) Name() string { return v.State().Name }

func (v *Volume) Icon() string { return v.State().Icon }

func (v *Volume) CanMount() bool { return v.State().CanMount }

func (v *Volume) ShouldAutomount() bool { return v.State().ShouldAutomount }

// CleartextObjectPath returns the object path of the unlocked cleartext
// device, or "" while the volume is locked or not encrypted.
func (v *Volume) CleartextObjectPath() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cleartextPath
}

// Pending reports whether a mount request is active.
func (v *Volume) Pending() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pending != nil
}

// UUID returns the filesystem or container UUID of the volume's own
// device.
func (v *Volume) UUID() string {
	if dev, ok := v.device(); ok {
		return dev.UUID()
	}
	return ""
}

// SecretKey is the keyring key for the volume.
func (v *Volume) SecretKey() string {
	dev, ok := v.device()
	if !ok {
		return ""
	}
	if uuid := dev.UUID(); uuid != "" {
		return uuid
	}
	return dev.DeviceFile()
}

func (v *Volume) device() (backend.Device, bool) {
	return v.pool.Device(v.devicePath)
}

// withCleartext returns the cleartext device when unlocked, else the
// volume's own device.
func (v *Volume) withCleartext() (backend.Device, bool) {
	if path := v.CleartextObjectPath(); path != "" {
		if dev, ok := v.pool.Device(path); ok {
			return dev, true
		}
	}
	return v.device()
}

// Identifier returns the identifier of the given kind.
func (v *Volume) Identifier(kind string) (string, bool) {
	switch kind {
	case KindUnixDevice:
		if file := v.State().DeviceFile; file != "" {
			return file, true
		}
		return "", false
	case KindLabel, KindUUID:
		dev, ok := v.device()
		if !ok {
			return "", false
		}
		id := dev.Label()
		if kind == KindUUID {
			id = dev.UUID()
		}
		return id, id != ""
	}
	return "", false
}

// EnumerateIdentifiers lists the identifier kinds the volume has values for.
func (v *Volume) EnumerateIdentifiers() []string {
	kinds := []string{KindUnixDevice}
	dev, ok := v.device()
	if !ok {
		return kinds
	}
	if dev.Label() != "" {
		kinds = append(kinds, KindLabel)
	}
	if dev.UUID() != "" {
		kinds = append(kinds, KindUUID)
	}
	return kinds
}

// HasDeviceFile reports whether file is the device file the volume mounts,
// the cleartext device's when unlocked.
func (v *Volume) HasDeviceFile(file string) bool {
	dev, ok := v.withCleartext()
	return ok && dev.DeviceFile() == file
}

// HasUUID is like HasDeviceFile for UUIDs.
func (v *Volume) HasUUID(uuid string) bool {
	dev, ok := v.withCleartext()
	return ok && dev.UUID() == uuid
}

// HasMountPath reports whether the volume is mounted at path.
func (v *Volume) HasMountPath(path string) bool {
	dev, ok := v.withCleartext()
	return ok && dev.MountPath() == path
}

// MountPath returns where the volume is mounted, or "".
func (v *Volume) MountPath() string {
	if dev, ok := v.withCleartext(); ok {
		return dev.MountPath()
	}
	return ""
}

// Encrypted reports whether the volume's own device holds a LUKS container.
func (v *Volume) Encrypted() bool {
	dev, ok := v.device()
	return ok && dev.IsEncrypted()
}

// CanEject reports whether the volume's drive can eject its media.
func (v *Volume) CanEject() bool {
	return v.drive != nil && v.drive.CanEject()
}

// Eject ejects the media through the owning drive.
func (v *Volume) Eject(ctx context.Context) error {
	if v.drive == nil {
		return mounterr.New(mounterr.NotSupported, "eject", "operation not supported by backend")
	}
	if err := v.drive.Eject(ctx); err != nil {
		return mounterr.FromBackend("eject", mounterr.Failed, err)
	}
	v.logger.Info("ejected media", "drive", v.drive.Name())
	return nil
}

// Subscribe registers fn for observable changes. The returned func
// unregisters it.
func (v *Volume) Subscribe(fn func(State)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.removed {
		return func() {}
	}
	v.nextListener++
	id := v.nextListener
	v.listeners[id] = fn
	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

// Detach drops the OnChanged callback.
func (v *Volume) Detach() {
	v.mu.Lock()
	v.owner = nil
	v.mu.Unlock()
}

// Remove tears the volume down: any pending mount request is cancelled and
// every backend subscription is released. It is safe to call more than
// once.
func (v *Volume) Remove() {
	v.mu.Lock()
	if v.removed {
		v.mu.Unlock()
		return
	}
	v.removed = true
	r := v.pending
	subs := []backend.Subscription{v.deviceSub, v.cleartextSub}
	v.deviceSub, v.cleartextSub = nil, nil
	v.cleartextPath = ""
	v.owner = nil
	v.listeners = make(map[uint64]func(State))
	v.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	if r != nil {
		v.logger.Debug("volume removed, cancelling pending mount")
		r.cancel()
	}
}

// Removed reports whether Remove was called.
func (v *Volume) Removed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.removed
}

func (v *Volume) onDeviceEvent(ev backend.Event) {
	switch ev.Kind {
	case backend.EventChanged, backend.EventJobChanged:
		v.Refresh()
	case backend.EventRemoved:
		v.Remove()
	}
}

func (v *Volume) onCleartextEvent(ev backend.Event) {
	switch ev.Kind {
	case backend.EventChanged, backend.EventJobChanged, backend.EventRemoved:
		v.Refresh()
	}
}
