// Package udisks implements backend.Pool on top of the UDisks2 daemon on
// the system bus.
package udisks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/nace/volmon/internal/backend"
)

const (
	busName  = "org.freedesktop.UDisks2"
	rootPath = dbus.ObjectPath("/org/freedesktop/UDisks2")

	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
	ifaceProperties    = "org.freedesktop.DBus.Properties"

	ifaceBlock      = "org.freedesktop.UDisks2.Block"
	ifaceDrive      = "org.freedesktop.UDisks2.Drive"
	ifaceEncrypted  = "org.freedesktop.UDisks2.Encrypted"
	ifaceFilesystem = "org.freedesktop.UDisks2.Filesystem"
	ifacePartition  = "org.freedesktop.UDisks2.Partition"
	ifaceJob        = "org.freedesktop.UDisks2.Job"

	// objectWait bounds how long a call waits for the daemon's signals to
	// catch up with its reply.
	objectWait = 5 * time.Second
)

// object is the property snapshot of one exported object, keyed by
// interface then property name.
type object map[string]map[string]dbus.Variant

func (o object) has(iface string) bool {
	_, ok := o[iface]
	return ok
}

func (o object) get(iface, name string) (dbus.Variant, bool) {
	props, ok := o[iface]
	if !ok {
		return dbus.Variant{}, false
	}
	v, ok := props[name]
	return v, ok
}

var (
	_ backend.Pool   = (*Pool)(nil)
	_ backend.Device = (*Device)(nil)
	_ backend.Drive  = (*Drive)(nil)
)

// Pool mirrors the UDisks2 object tree.
type Pool struct {
	backend.Hub

	conn   *dbus.Conn
	logger hclog.Logger

	mu      sync.RWMutex
	objects map[dbus.ObjectPath]object
	// updated is closed and replaced after every applied signal
	updated chan struct{}

	signals   chan *dbus.Signal
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newPool(logger hclog.Logger) *Pool {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Pool{
		logger:  logger.Named("udisks"),
		objects: make(map[dbus.ObjectPath]object),
		updated: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func matchRules() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(busName),
			dbus.WithMatchObjectPath(rootPath),
			dbus.WithMatchInterface(ifaceObjectManager),
		},
		{
			dbus.WithMatchSender(busName),
			dbus.WithMatchPathNamespace(rootPath),
			dbus.WithMatchInterface(ifaceProperties),
			dbus.WithMatchMember("PropertiesChanged"),
		},
	}
}

// Open loads the UDisks2 object tree over conn, which must be a system bus
// connection, and follows its changes until Close. The connection stays
// owned by the caller.
func Open(ctx context.Context, conn *dbus.Conn, logger hclog.Logger) (*Pool, error) {
	p := newPool(logger)
	p.conn = conn
	p.signals = make(chan *dbus.Signal, 64)

	for _, rule := range matchRules() {
		if err := conn.AddMatchSignalContext(ctx, rule...); err != nil {
			return nil, fmt.Errorf("failed to subscribe to udisks signals: %w", err)
		}
	}
	// subscribe before loading so no change falls between the two
	conn.Signal(p.signals)

	managed := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	err := conn.Object(busName, rootPath).
		CallWithContext(ctx, ifaceObjectManager+".GetManagedObjects", 0).
		Store(&managed)
	if err != nil {
		p.detach()
		return nil, fmt.Errorf("failed to load udisks objects: %w", convertError(err, ""))
	}
	p.load(managed)
	p.logger.Debug("loaded udisks objects", "count", len(managed))

	p.wg.Add(1)
	go p.loop()
	return p, nil
}

func (p *Pool) load(managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, ifaces := range managed {
		p.objects[path] = object(ifaces)
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case sig, ok := <-p.signals:
			if !ok {
				return
			}
			p.handleSignal(sig)
		case <-p.done:
			return
		}
	}
}

// handleSignal applies one signal to the snapshot and emits the resulting
// events once the snapshot is consistent.
func (p *Pool) handleSignal(sig *dbus.Signal) {
	var events []backend.Event

	p.mu.Lock()
	switch sig.Name {
	case ifaceObjectManager + ".InterfacesAdded":
		events = p.interfacesAdded(sig.Body)
	case ifaceObjectManager + ".InterfacesRemoved":
		events = p.interfacesRemoved(sig.Body)
	case ifaceProperties + ".PropertiesChanged":
		events = p.propertiesChanged(sig.Path, sig.Body)
	}
	close(p.updated)
	p.updated = make(chan struct{})
	p.mu.Unlock()

	for _, ev := range events {
		p.Emit(ev)
	}
}

func (p *Pool) interfacesAdded(body []any) []backend.Event {
	if len(body) < 2 {
		return nil
	}
	path, ok1 := body[0].(dbus.ObjectPath)
	ifaces, ok2 := body[1].(map[string]map[string]dbus.Variant)
	if !ok1 || !ok2 {
		p.logger.Warn("malformed InterfacesAdded signal")
		return nil
	}

	obj, existed := p.objects[path]
	if !existed {
		obj = make(object)
		p.objects[path] = obj
	}
	for iface, props := range ifaces {
		obj[iface] = props
	}

	if obj.has(ifaceJob) {
		return jobEvents(obj)
	}
	if existed {
		return []backend.Event{{Kind: backend.EventChanged, ObjectPath: string(path)}}
	}
	return []backend.Event{{Kind: backend.EventAdded, ObjectPath: string(path)}}
}

func (p *Pool) interfacesRemoved(body []any) []backend.Event {
	if len(body) < 2 {
		return nil
	}
	path, ok1 := body[0].(dbus.ObjectPath)
	ifaces, ok2 := body[1].([]string)
	if !ok1 || !ok2 {
		p.logger.Warn("malformed InterfacesRemoved signal")
		return nil
	}

	obj, ok := p.objects[path]
	if !ok {
		return nil
	}
	var events []backend.Event
	if obj.has(ifaceJob) {
		events = jobEvents(obj)
	}
	for _, iface := range ifaces {
		delete(obj, iface)
	}
	if len(obj) == 0 {
		delete(p.objects, path)
		if events == nil {
			events = append(events, backend.Event{Kind: backend.EventRemoved, ObjectPath: string(path)})
		}
		return events
	}
	return append(events, backend.Event{Kind: backend.EventChanged, ObjectPath: string(path)})
}

func (p *Pool) propertiesChanged(path dbus.ObjectPath, body []any) []backend.Event {
	if len(body) < 2 {
		return nil
	}
	iface, ok1 := body[0].(string)
	changed, ok2 := body[1].(map[string]dbus.Variant)
	if !ok1 || !ok2 {
		p.logger.Warn("malformed PropertiesChanged signal", "path", path)
		return nil
	}
	obj, ok := p.objects[path]
	if !ok {
		return nil
	}
	props, ok := obj[iface]
	if !ok {
		props = make(map[string]dbus.Variant)
		obj[iface] = props
	}
	for name, v := range changed {
		props[name] = v
	}
	if len(body) > 2 {
		if invalidated, ok := body[2].([]string); ok {
			for _, name := range invalidated {
				delete(props, name)
			}
		}
	}

	if iface == ifaceJob {
		return jobEvents(obj)
	}
	return []backend.Event{{Kind: backend.EventChanged, ObjectPath: string(path)}}
}

// jobEvents reports a job change on every object the job acts on.
func jobEvents(job object) []backend.Event {
	v, ok := job.get(ifaceJob, "Objects")
	if !ok {
		return nil
	}
	paths, _ := v.Value().([]dbus.ObjectPath)
	events := make([]backend.Event, 0, len(paths))
	for _, path := range paths {
		events = append(events, backend.Event{Kind: backend.EventJobChanged, ObjectPath: string(path)})
	}
	return events
}

func (p *Pool) snapshot(path dbus.ObjectPath) (object, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	obj, ok := p.objects[path]
	return obj, ok
}

// waitFor blocks until cond holds on the snapshot, ctx is done, or
// objectWait elapsed.
func (p *Pool) waitFor(ctx context.Context, cond func(objects map[dbus.ObjectPath]object) bool) bool {
	timer := time.NewTimer(objectWait)
	defer timer.Stop()
	for {
		p.mu.RLock()
		ok := cond(p.objects)
		updated := p.updated
		p.mu.RUnlock()
		if ok {
			return true
		}
		select {
		case <-updated:
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		}
	}
}

func (p *Pool) Device(objectPath string) (backend.Device, bool) {
	obj, ok := p.snapshot(dbus.ObjectPath(objectPath))
	if !ok || !obj.has(ifaceBlock) {
		return nil, false
	}
	return &Device{pool: p, path: dbus.ObjectPath(objectPath)}, true
}

func (p *Pool) Drive(objectPath string) (backend.Drive, bool) {
	obj, ok := p.snapshot(dbus.ObjectPath(objectPath))
	if !ok || !obj.has(ifaceDrive) {
		return nil, false
	}
	return &Drive{pool: p, path: dbus.ObjectPath(objectPath)}, true
}

// Devices returns the block devices that carry a filesystem or an
// encrypted container, plus optical media, in object path order.
func (p *Pool) Devices() []backend.Device {
	p.mu.RLock()
	var paths []string
	for path, obj := range p.objects {
		if p.presentable(obj) {
			paths = append(paths, string(path))
		}
	}
	p.mu.RUnlock()

	sort.Strings(paths)
	out := make([]backend.Device, 0, len(paths))
	for _, path := range paths {
		out = append(out, &Device{pool: p, path: dbus.ObjectPath(path)})
	}
	return out
}

// presentable must be called with p.mu held.
func (p *Pool) presentable(obj object) bool {
	if !obj.has(ifaceBlock) || boolProp(obj, ifaceBlock, "HintIgnore") {
		return false
	}
	switch stringProp(obj, ifaceBlock, "IdUsage") {
	case "filesystem", "crypto":
		return true
	}
	drive, ok := p.objects[pathProp(obj, ifaceBlock, "Drive")]
	return ok && boolProp(drive, ifaceDrive, "Optical") && boolProp(drive, ifaceDrive, "MediaAvailable")
}

// Close stops following the daemon. It is safe to call more than once.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.closeErr = p.detach()
		p.wg.Wait()
	})
	return p.closeErr
}

func (p *Pool) detach() error {
	if p.conn == nil {
		return nil
	}
	p.conn.RemoveSignal(p.signals)
	var result *multierror.Error
	for _, rule := range matchRules() {
		if err := p.conn.RemoveMatchSignal(rule...); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to remove match rule: %w", err))
		}
	}
	return result.ErrorOrNil()
}
