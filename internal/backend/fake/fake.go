// Package fake provides an in-memory backend for tests and dry runs.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nace/volmon/internal/backend"
)

var (
	_ backend.Pool   = (*Pool)(nil)
	_ backend.Device = (*Device)(nil)
	_ backend.Drive  = (*Drive)(nil)
)

// Pool is an in-memory backend.Pool. The zero value is not usable; call
// NewPool.
type Pool struct {
	backend.Hub

	mu      sync.Mutex
	devices map[string]*Device
	drives  map[string]*Drive
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{
		devices: make(map[string]*Device),
		drives:  make(map[string]*Drive),
	}
}

// AddDevice registers d and emits EventAdded.
func (p *Pool) AddDevice(d *Device) *Device {
	d.pool = p
	p.mu.Lock()
	p.devices[d.Path] = d
	p.mu.Unlock()
	p.Emit(backend.Event{Kind: backend.EventAdded, ObjectPath: d.Path})
	return d
}

// RemoveDevice forgets the device and emits EventRemoved.
func (p *Pool) RemoveDevice(path string) {
	p.mu.Lock()
	delete(p.devices, path)
	p.mu.Unlock()
	p.Emit(backend.Event{Kind: backend.EventRemoved, ObjectPath: path})
}

// AddDrive registers d.
func (p *Pool) AddDrive(d *Drive) *Drive {
	p.mu.Lock()
	p.drives[d.Path] = d
	p.mu.Unlock()
	return d
}

func (p *Pool) Device(objectPath string) (backend.Device, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.devices[objectPath]
	if !ok {
		return nil, false
	}
	return d, true
}

func (p *Pool) Drive(objectPath string) (backend.Drive, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drives[objectPath]
	if !ok {
		return nil, false
	}
	return d, true
}

func (p *Pool) Devices() []backend.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	paths := make([]string, 0, len(p.devices))
	for path := range p.devices {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	out := make([]backend.Device, 0, len(paths))
	for _, path := range paths {
		out = append(out, p.devices[path])
	}
	return out
}

func (p *Pool) Close() error { return nil }

// Changed emits EventChanged for path.
func (p *Pool) Changed(path string) {
	p.Emit(backend.Event{Kind: backend.EventChanged, ObjectPath: path})
}

// Device is a scriptable backend.Device. Exported fields may be set before
// the device is added to a pool; afterwards use Update.
type Device struct {
	Path      string
	File      string
	DispName  string
	DispIcon  string
	IDLabel   string
	IDUUID    string
	Encrypted bool
	Cleartext string
	Backing   string
	Mounted   bool
	MountedAt string
	Blank     bool
	PartNum   int
	DrivePath string

	// Passphrase is the secret Unlock accepts. On success the device
	// creates a cleartext device at CleartextTarget.
	Passphrase      string
	CleartextTarget *Device

	// UnlockErrs and MountErrs are returned by successive calls before
	// the normal behaviour applies.
	UnlockErrs []error
	MountErrs  []error

	// UnlockGate and MountGate, when non-nil, block the call until they
	// are closed or ctx is done.
	UnlockGate chan struct{}
	MountGate  chan struct{}

	pool *Pool

	mu           sync.Mutex
	unlockCalls  int
	mountCalls   int
	lastOpts     []backend.CallOptions
	lastSecret   string
	unlockSecret [][]byte
}

// Update mutates the device under its lock and emits EventChanged.
func (d *Device) Update(fn func(d *Device)) {
	d.mu.Lock()
	fn(d)
	d.mu.Unlock()
	if d.pool != nil {
		d.pool.Changed(d.Path)
	}
}

func (d *Device) read(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

func (d *Device) ObjectPath() string { return d.Path }

func (d *Device) DeviceFile() (s string) { d.read(func() { s = d.File }); return }

// Name returns DispName, falling back to the label and then the device
// file the way real backends derive display names.
func (d *Device) Name() (s string) {
	d.read(func() {
		switch {
		case d.DispName != "":
			s = d.DispName
		case d.IDLabel != "":
			s = d.IDLabel
		default:
			s = d.File
		}
	})
	return
}

func (d *Device) Icon() (s string) { d.read(func() { s = d.DispIcon }); return }

func (d *Device) Label() (s string) { d.read(func() { s = d.IDLabel }); return }

func (d *Device) UUID() (s string) { d.read(func() { s = d.IDUUID }); return }

func (d *Device) IsEncrypted() (b bool) { d.read(func() { b = d.Encrypted }); return }

func (d *Device) CleartextObjectPath() (s string) { d.read(func() { s = d.Cleartext }); return }

func (d *Device) CryptoBackingObjectPath() (s string) { d.read(func() { s = d.Backing }); return }

func (d *Device) IsMounted() (b bool) { d.read(func() { b = d.Mounted }); return }

func (d *Device) MountPath() (s string) { d.read(func() { s = d.MountedAt }); return }

func (d *Device) IsBlankOptical() (b bool) { d.read(func() { b = d.Blank }); return }

func (d *Device) IsPartition() (b bool) { d.read(func() { b = d.PartNum > 0 }); return }

func (d *Device) PartitionNumber() (n int) { d.read(func() { n = d.PartNum }); return }

func (d *Device) DriveObjectPath() (s string) { d.read(func() { s = d.DrivePath }); return }

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock checks secret against Passphrase.
func (d *Device) Unlock(ctx context.Context, secret []byte, opts backend.CallOptions) (string, error) {
	d.mu.Lock()
	d.unlockCalls++
	d.lastOpts = append(d.lastOpts, opts)
	// keep the caller's slice to check it gets scrubbed
	d.unlockSecret = append(d.unlockSecret, secret)
	d.lastSecret = string(secret)
	gate := d.UnlockGate
	var scripted error
	if len(d.UnlockErrs) > 0 {
		scripted, d.UnlockErrs = d.UnlockErrs[0], d.UnlockErrs[1:]
	}
	d.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return "", backend.Errorf(backend.CodeCancelled, "unlock cancelled: %v", err)
	}
	if scripted != nil {
		return "", scripted
	}

	d.mu.Lock()
	ok := d.Encrypted && string(secret) == d.Passphrase
	target := d.CleartextTarget
	d.mu.Unlock()
	if !ok {
		return "", backend.Errorf(backend.CodeFailed, "Error unlocking %s: Failed to activate device: Operation not permitted", d.File)
	}
	if target == nil {
		return "", backend.Errorf(backend.CodeFailed, "no cleartext target configured for %s", d.Path)
	}

	if d.pool != nil {
		if _, exists := d.pool.Device(target.Path); !exists {
			target.mu.Lock()
			target.Backing = d.Path
			target.mu.Unlock()
			d.pool.AddDevice(target)
		}
	}
	d.Update(func(d *Device) { d.Cleartext = target.Path })
	return target.Path, nil
}

// Mount marks the device mounted at /media/<label or uuid>.
func (d *Device) Mount(ctx context.Context, opts backend.CallOptions) (string, error) {
	d.mu.Lock()
	d.mountCalls++
	d.lastOpts = append(d.lastOpts, opts)
	gate := d.MountGate
	var scripted error
	if len(d.MountErrs) > 0 {
		scripted, d.MountErrs = d.MountErrs[0], d.MountErrs[1:]
	}
	d.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return "", backend.Errorf(backend.CodeCancelled, "mount cancelled: %v", err)
	}
	if scripted != nil {
		return "", scripted
	}

	name := d.Label()
	if name == "" {
		name = d.UUID()
	}
	path := fmt.Sprintf("/media/%s", name)
	d.Update(func(d *Device) {
		d.Mounted = true
		d.MountedAt = path
	})
	return path, nil
}

// UnlockCalls returns how many times Unlock ran.
func (d *Device) UnlockCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unlockCalls
}

// MountCalls returns how many times Mount ran.
func (d *Device) MountCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mountCalls
}

// CallOptions returns the options of every Unlock and Mount call in order.
func (d *Device) CallOptions() []backend.CallOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]backend.CallOptions(nil), d.lastOpts...)
}

// UnlockSecrets returns the slices passed to Unlock. After the caller
// scrubs its secret these hold only zero bytes.
func (d *Device) UnlockSecrets() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.unlockSecret...)
}

// LastSecret returns a copy of the secret passed to the latest Unlock.
func (d *Device) LastSecret() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSecret
}

// Drive is a scriptable backend.Drive.
type Drive struct {
	Path       string
	DispName   string
	Ejectable  bool
	InsertedAt time.Time
	Audio      bool
	EjectErr   error

	mu         sync.Mutex
	ejectCalls int
}

func (d *Drive) ObjectPath() string { return d.Path }

func (d *Drive) Name() string { return d.DispName }

func (d *Drive) CanEject() bool { return d.Ejectable }

func (d *Drive) Eject(ctx context.Context) error {
	d.mu.Lock()
	d.ejectCalls++
	d.mu.Unlock()
	return d.EjectErr
}

func (d *Drive) LastMediaInsertion() time.Time { return d.InsertedAt }

func (d *Drive) IsAudioDisc() bool { return d.Audio }

// EjectCalls returns how many times Eject ran.
func (d *Drive) EjectCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ejectCalls
}
