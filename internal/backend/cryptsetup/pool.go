// Package cryptsetup implements backend.Pool with lsblk, cryptsetup and
// mount(8). It needs root and has no policy service; it exists for hosts
// without UDisks2.
package cryptsetup

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/moby/sys/mountinfo"
	"github.com/spf13/afero"

	"github.com/nace/volmon/internal/backend"
	"github.com/nace/volmon/internal/system"
)

const (
	blockPrefix = "/block/"
	drivePrefix = "/drive/"

	defaultMountRoot = "/media"
	defaultUdevDir   = "/run/udev/data"
)

// notMountable are lsblk FSTYPE values that never carry a filesystem.
var notMountable = map[string]bool{
	"swap":              true,
	"LVM2_member":       true,
	"linux_raid_member": true,
	"zfs_member":        true,
	"bcache":            true,
}

// Runner runs external commands. *system.Executor implements it.
type Runner interface {
	RunOutput(ctx context.Context, name string, args ...string) (string, error)
	RunInput(ctx context.Context, stdin io.Reader, name string, args ...string) (string, error)
}

// Options configure a Pool. Zero values select the real system.
type Options struct {
	Logger hclog.Logger
	Runner Runner
	// Fs is used for the udev database and mount point directories.
	Fs     afero.Fs
	Mounts func() ([]*mountinfo.Info, error)
	Clock  func() time.Time
	IsRoot func() bool

	MountRoot   string
	UdevDataDir string
}

// blockInfo is the snapshot of one block device. It is compared by value
// to detect changes.
type blockInfo struct {
	path      string
	kname     string
	file      string
	typ       string
	fstype    string
	label     string
	uuid      string
	majMin    string
	removable bool
	size      uint64
	partNum   int
	drive     string
	cleartext string
	backing   string
	mountPath string
	media     bool
	blank     bool
}

type driveInfo struct {
	path       string
	file       string
	name       string
	ejectable  bool
	insertedAt time.Time
	audio      bool
}

var (
	_ Runner         = (*system.Executor)(nil)
	_ backend.Pool   = (*Pool)(nil)
	_ backend.Device = (*Device)(nil)
	_ backend.Drive  = (*Drive)(nil)
)

// Pool is a polled view of the block devices of the host.
type Pool struct {
	backend.Hub

	logger    hclog.Logger
	runner    Runner
	fs        afero.Fs
	mounts    func() ([]*mountinfo.Info, error)
	clock     func() time.Time
	isRoot    func() bool
	mountRoot string
	udevDir   string

	// refreshMu serializes Refresh
	refreshMu sync.Mutex
	// firstSeen holds when media was first seen per drive; guarded by
	// refreshMu
	firstSeen map[string]time.Time

	mu     sync.RWMutex
	blocks map[string]blockInfo
	drives map[string]driveInfo
}

// NewPool returns an empty pool; call Refresh to load it.
func NewPool(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	p := &Pool{
		logger:    logger.Named("cryptsetup"),
		runner:    opts.Runner,
		fs:        opts.Fs,
		mounts:    opts.Mounts,
		clock:     opts.Clock,
		isRoot:    opts.IsRoot,
		mountRoot: opts.MountRoot,
		udevDir:   opts.UdevDataDir,
		firstSeen: make(map[string]time.Time),
		blocks:    make(map[string]blockInfo),
		drives:    make(map[string]driveInfo),
	}
	if p.runner == nil {
		p.runner = system.NewExecutor(logger)
	}
	if p.fs == nil {
		p.fs = afero.NewOsFs()
	}
	if p.mounts == nil {
		p.mounts = func() ([]*mountinfo.Info, error) { return mountinfo.GetMounts(nil) }
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.isRoot == nil {
		p.isRoot = system.IsRoot
	}
	if p.mountRoot == "" {
		p.mountRoot = defaultMountRoot
	}
	if p.udevDir == "" {
		p.udevDir = defaultUdevDir
	}
	return p
}

// Refresh reloads the device tree and emits an event per added, changed
// or removed device.
func (p *Pool) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	out, err := p.runner.RunOutput(ctx, "lsblk", "--json", "--bytes", "--output", lsblkColumns)
	if err != nil {
		return fmt.Errorf("failed to list block devices: %w", err)
	}
	nodes, err := parseLsblk([]byte(out))
	if err != nil {
		return err
	}

	mountPoints := make(map[string]string)
	if infos, err := p.mounts(); err != nil {
		p.logger.Debug("failed to read mount table", "error", err)
	} else {
		for _, info := range infos {
			key := fmt.Sprintf("%d:%d", info.Major, info.Minor)
			if _, seen := mountPoints[key]; !seen {
				mountPoints[key] = info.Mountpoint
			}
		}
	}

	s := &scan{
		pool:        p,
		mountPoints: mountPoints,
		blocks:      make(map[string]*blockInfo),
		drives:      make(map[string]driveInfo),
	}
	for i := range nodes {
		s.walk(&nodes[i], "", nil)
	}

	blocks := make(map[string]blockInfo, len(s.blocks))
	for path, b := range s.blocks {
		blocks[path] = *b
	}

	p.mu.Lock()
	events := diff(p.blocks, blocks)
	p.blocks = blocks
	p.drives = s.drives
	p.mu.Unlock()

	for _, ev := range events {
		p.Emit(ev)
	}
	return nil
}

// Watch refreshes every interval until ctx is done.
func (p *Pool) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("refresh failed", "error", err)
			}
		}
	}
}

// diff orders events so that added devices are announced before the
// changes that reference them.
func diff(old, next map[string]blockInfo) []backend.Event {
	var added, changed, removed []string
	for path, b := range next {
		prev, ok := old[path]
		switch {
		case !ok:
			added = append(added, path)
		case prev != b:
			changed = append(changed, path)
		}
	}
	for path := range old {
		if _, ok := next[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(added)
	sort.Strings(changed)
	sort.Strings(removed)

	events := make([]backend.Event, 0, len(added)+len(changed)+len(removed))
	for _, path := range added {
		events = append(events, backend.Event{Kind: backend.EventAdded, ObjectPath: path})
	}
	for _, path := range changed {
		events = append(events, backend.Event{Kind: backend.EventChanged, ObjectPath: path})
	}
	for _, path := range removed {
		events = append(events, backend.Event{Kind: backend.EventRemoved, ObjectPath: path})
	}
	return events
}

// scan is the state of one Refresh pass.
type scan struct {
	pool        *Pool
	mountPoints map[string]string
	blocks      map[string]*blockInfo
	drives      map[string]driveInfo
}

func (s *scan) walk(n *lsblkDevice, drivePath string, parent *blockInfo) {
	p := s.pool
	kname := n.KName
	if kname == "" {
		kname = n.Name
	}
	file := n.Path
	if file == "" {
		file = "/dev/" + kname
	}
	majMin := strings.TrimSpace(n.MajMin)

	b := &blockInfo{
		path:      blockPrefix + kname,
		kname:     kname,
		file:      file,
		typ:       n.Type,
		fstype:    n.FSType,
		label:     n.Label,
		uuid:      n.UUID,
		majMin:    majMin,
		removable: bool(n.RM) || bool(n.Hotplug),
		size:      uint64(n.Size),
		mountPath: s.mountPoints[majMin],
	}
	if n.Type == "part" {
		b.partNum = partitionNumber(kname)
	}

	switch n.Type {
	case "disk", "rom":
		d := driveInfo{
			path:      drivePrefix + kname,
			file:      file,
			name:      strings.TrimSpace(strings.TrimSpace(n.Vendor) + " " + strings.TrimSpace(n.Model)),
			ejectable: b.removable || n.Type == "rom",
		}
		media := b.size > 0
		if n.Type == "rom" {
			props := p.udevProperties(majMin)
			media = props["ID_CDROM_MEDIA"] == "1"
			b.blank = props["ID_CDROM_MEDIA_STATE"] == "blank"
			d.audio = atoi(props["ID_CDROM_MEDIA_TRACK_COUNT_AUDIO"]) > 0 &&
				atoi(props["ID_CDROM_MEDIA_TRACK_COUNT_DATA"]) == 0
		}
		b.media = media
		if media {
			if _, ok := p.firstSeen[kname]; !ok {
				p.firstSeen[kname] = p.clock()
			}
			d.insertedAt = p.firstSeen[kname]
		} else {
			delete(p.firstSeen, kname)
		}
		if d.name == "" {
			d.name = kname
		}
		s.drives[d.path] = d
		drivePath = d.path
	}
	b.drive = drivePath

	if parent != nil && n.Type == "crypt" && parent.fstype == "crypto_LUKS" {
		b.backing = parent.path
		parent.cleartext = b.path
	}
	s.blocks[b.path] = b

	for i := range n.Children {
		s.walk(&n.Children[i], drivePath, b)
	}
}

func atoi(s string) int {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func (p *Pool) block(path string) (blockInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.blocks[path]
	return b, ok
}

func (p *Pool) drive(path string) (driveInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.drives[path]
	return d, ok
}

func (p *Pool) Device(objectPath string) (backend.Device, bool) {
	if _, ok := p.block(objectPath); !ok {
		return nil, false
	}
	return &Device{pool: p, path: objectPath}, true
}

func (p *Pool) Drive(objectPath string) (backend.Drive, bool) {
	if _, ok := p.drive(objectPath); !ok {
		return nil, false
	}
	return &Drive{pool: p, path: objectPath}, true
}

// Devices returns block devices with a filesystem or LUKS header, plus
// optical media, ordered by object path.
func (p *Pool) Devices() []backend.Device {
	p.mu.RLock()
	var paths []string
	for path, b := range p.blocks {
		if presentable(b) {
			paths = append(paths, path)
		}
	}
	p.mu.RUnlock()

	sort.Strings(paths)
	out := make([]backend.Device, 0, len(paths))
	for _, path := range paths {
		out = append(out, &Device{pool: p, path: path})
	}
	return out
}

func presentable(b blockInfo) bool {
	if b.typ == "rom" {
		return b.media
	}
	return b.fstype != "" && !notMountable[b.fstype]
}

// Close is a no-op; polling stops with the context given to Watch.
func (p *Pool) Close() error { return nil }
