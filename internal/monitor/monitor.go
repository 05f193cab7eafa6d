// Package monitor keeps one Volume per mountable block device of a backend
// pool and relays their changes.
package monitor

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/text/message"

	"github.com/nace/volmon/internal/backend"
	"github.com/nace/volmon/internal/volume"
)

// EventKind is the kind of a monitor event.
type EventKind int

const (
	VolumeAdded EventKind = iota
	VolumeChanged
	VolumeRemoved
)

func (k EventKind) String() string {
	switch k {
	case VolumeAdded:
		return "added"
	case VolumeChanged:
		return "changed"
	case VolumeRemoved:
		return "removed"
	}
	return "unknown"
}

// Event reports a change to the volume set.
type Event struct {
	Kind   EventKind
	Volume *volume.Volume
}

// Options configure a Monitor.
type Options struct {
	Logger   hclog.Logger
	Unlocker volume.Unlocker
	Mounter  volume.Mounter
	Clock    func() time.Time
	Printer  *message.Printer
}

// Monitor owns the volumes of a pool.
type Monitor struct {
	logger hclog.Logger
	pool   backend.Pool
	opts   Options

	mu        sync.Mutex
	volumes   map[string]*volume.Volume
	listeners map[uint64]func(Event)
	nextID    uint64
	sub       backend.Subscription
	closed    bool
}

// New creates a monitor and adds a volume for every device already in
// pool.
func New(pool backend.Pool, opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	opts.Logger = logger

	m := &Monitor{
		logger:    logger.Named("monitor"),
		pool:      pool,
		opts:      opts,
		volumes:   make(map[string]*volume.Volume),
		listeners: make(map[uint64]func(Event)),
	}

	m.mu.Lock()
	m.sub = pool.SubscribeAll(m.onEvent)
	m.mu.Unlock()

	for _, dev := range pool.Devices() {
		m.add(dev.ObjectPath())
	}
	return m
}

// Subscribe registers fn for volume events. The returned func unregisters
// it.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Volumes returns the current volumes ordered by object path.
func (m *Monitor) Volumes() []*volume.Volume {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.volumes))
	for path := range m.volumes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	out := make([]*volume.Volume, 0, len(paths))
	for _, path := range paths {
		out = append(out, m.volumes[path])
	}
	return out
}

// Lookup finds a volume by object path, device file, UUID or label. Device
// files and UUIDs of unlocked cleartext devices match their encrypted
// volume.
func (m *Monitor) Lookup(id string) (*volume.Volume, bool) {
	if id == "" {
		return nil, false
	}
	vols := m.Volumes()
	for _, v := range vols {
		if v.ObjectPath() == id || v.HasDeviceFile(id) || v.HasUUID(id) {
			return v, true
		}
		if dev, ok := m.pool.Device(v.ObjectPath()); ok && (dev.DeviceFile() == id || dev.UUID() == id) {
			return v, true
		}
	}
	for _, v := range vols {
		if label, ok := v.Identifier(volume.KindLabel); ok && label == id {
			return v, true
		}
	}
	return nil, false
}

// LookupMountPath finds the volume mounted at path.
func (m *Monitor) LookupMountPath(path string) (*volume.Volume, bool) {
	for _, v := range m.Volumes() {
		if v.HasMountPath(path) {
			return v, true
		}
	}
	return nil, false
}

// Close removes every volume, cancelling their pending mounts, and stops
// listening to the pool. The pool itself stays open.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sub := m.sub
	vols := m.volumes
	m.volumes = make(map[string]*volume.Volume)
	m.listeners = make(map[uint64]func(Event))
	m.mu.Unlock()

	sub.Unsubscribe()
	for _, v := range vols {
		v.Remove()
	}
}

func (m *Monitor) onEvent(ev backend.Event) {
	switch ev.Kind {
	case backend.EventAdded:
		m.add(ev.ObjectPath)
	case backend.EventRemoved:
		m.remove(ev.ObjectPath)
	}
}

// wanted reports whether dev gets a volume of its own. Cleartext devices
// are presented through their encrypted volume.
func (m *Monitor) wanted(dev backend.Device) bool {
	return dev.CryptoBackingObjectPath() == ""
}

func (m *Monitor) add(path string) {
	dev, ok := m.pool.Device(path)
	if !ok || !m.wanted(dev) {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, exists := m.volumes[path]; exists {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	v, err := volume.New(path, volume.Options{
		Logger:         m.opts.Logger,
		Pool:           m.pool,
		Unlocker:       m.opts.Unlocker,
		Mounter:        m.opts.Mounter,
		ActivationRoot: m.activationRoot(dev),
		OnChanged:      m.onVolumeChanged,
		Clock:          m.opts.Clock,
		Printer:        m.opts.Printer,
	})
	if err != nil {
		// raced with removal
		m.logger.Debug("device vanished before its volume was created", "path", path, "error", err)
		return
	}

	m.mu.Lock()
	if _, exists := m.volumes[path]; exists || m.closed {
		m.mu.Unlock()
		v.Remove()
		return
	}
	m.volumes[path] = v
	n := len(m.volumes)
	m.mu.Unlock()

	metrics.SetGauge([]string{"volmon", "volumes"}, float32(n))
	m.logger.Debug("volume added", "path", path, "name", v.Name())
	m.emit(Event{Kind: VolumeAdded, Volume: v})
}

func (m *Monitor) remove(path string) {
	m.mu.Lock()
	v, ok := m.volumes[path]
	if ok {
		delete(m.volumes, path)
	}
	n := len(m.volumes)
	m.mu.Unlock()
	if !ok {
		return
	}

	v.Remove()
	metrics.SetGauge([]string{"volmon", "volumes"}, float32(n))
	m.logger.Debug("volume removed", "path", path)
	m.emit(Event{Kind: VolumeRemoved, Volume: v})
}

func (m *Monitor) onVolumeChanged(v *volume.Volume) {
	m.mu.Lock()
	current, ok := m.volumes[v.ObjectPath()]
	m.mu.Unlock()
	if !ok || current != v {
		return
	}
	m.emit(Event{Kind: VolumeChanged, Volume: v})
}

func (m *Monitor) emit(ev Event) {
	m.mu.Lock()
	listeners := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// activationRoot returns cdda://<dev>/ for audio discs.
func (m *Monitor) activationRoot(dev backend.Device) string {
	drivePath := dev.DriveObjectPath()
	if drivePath == "" {
		return ""
	}
	drive, ok := m.pool.Drive(drivePath)
	if !ok || !drive.IsAudioDisc() {
		return ""
	}
	return "cdda://" + filepath.Base(dev.DeviceFile()) + "/"
}
