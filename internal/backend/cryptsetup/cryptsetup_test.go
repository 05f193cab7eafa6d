package cryptsetup

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moby/sys/mountinfo"
	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"
	"github.com/spf13/afero"
	"go.uber.org/goleak"

	"github.com/nace/volmon/internal/backend"
)

const (
	luksUUID = "0b9c6a2e-3f61-4d1b-9a6e-6e1d2f0c7d11"
	luksName = "luks-" + luksUUID
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const lsblkLocked = `{
  "blockdevices": [
    {"name":"sda","kname":"sda","path":"/dev/sda","type":"disk","fstype":null,"label":null,"uuid":null,"maj:min":"8:0","rm":false,"hotplug":false,"size":512110190592,"model":"Samsung SSD 860","vendor":"ATA     ",
     "children": [
       {"name":"sda1","kname":"sda1","path":"/dev/sda1","type":"part","fstype":"ext4","label":null,"uuid":"5e0f","maj:min":"8:1","rm":false,"hotplug":false,"size":500000000000,"model":null,"vendor":null},
       {"name":"sda2","kname":"sda2","path":"/dev/sda2","type":"part","fstype":"swap","label":null,"uuid":"77aa","maj:min":"8:2","rm":false,"hotplug":false,"size":8000000000,"model":null,"vendor":null}
     ]},
    {"name":"sdb","kname":"sdb","path":"/dev/sdb","type":"disk","fstype":null,"label":null,"uuid":null,"maj:min":"8:16","rm":"1","hotplug":"1","size":"32000000000","model":"Cruzer","vendor":"SanDisk",
     "children": [
       {"name":"sdb1","kname":"sdb1","path":"/dev/sdb1","type":"part","fstype":"crypto_LUKS","label":null,"uuid":"` + luksUUID + `","maj:min":"8:17","rm":"1","hotplug":"1","size":"16000000000","model":null,"vendor":null},
       {"name":"sdb2","kname":"sdb2","path":"/dev/sdb2","type":"part","fstype":"vfat","label":"PHOTOS","uuid":"A1B2-C3D4","maj:min":"8:18","rm":"1","hotplug":"1","size":"16000000000","model":null,"vendor":null}
     ]},
    {"name":"sr0","kname":"sr0","path":"/dev/sr0","type":"rom","fstype":null,"label":null,"uuid":null,"maj:min":"11:0","rm":true,"hotplug":false,"size":0,"model":"DVDRAM GH24NSD1","vendor":"HL-DT-ST"}
  ]
}`

// lsblkUnlocked is lsblkLocked with the mapping of sdb1 open.
var lsblkUnlocked = strings.Replace(lsblkLocked,
	`"size":"16000000000","model":null,"vendor":null},`,
	`"size":"16000000000","model":null,"vendor":null,
        "children": [
          {"name":"`+luksName+`","kname":"dm-0","path":"/dev/mapper/`+luksName+`","type":"crypt","fstype":"ext4","label":"Vault","uuid":"c0ffee","maj:min":"253:0","rm":false,"hotplug":false,"size":15998000000,"model":null,"vendor":null}
        ]},`, 1)

// exitStatus mimics *system.ExitError.
type exitStatus struct {
	code   int
	stderr string
}

func (e *exitStatus) Error() string {
	return fmt.Sprintf("exit status %d\nStderr: %s", e.code, e.stderr)
}

func (e *exitStatus) ExitCode() int { return e.code }

type call struct {
	name  string
	args  []string
	stdin string
}

// fakeRunner answers lsblk from a settable document and hands every other
// command to handle.
type fakeRunner struct {
	mu     sync.Mutex
	lsblk  string
	mounts []*mountinfo.Info
	calls  []call
	handle func(c call) (string, error)
}

func (r *fakeRunner) run(c call) (string, error) {
	r.mu.Lock()
	if c.name == "lsblk" {
		defer r.mu.Unlock()
		return r.lsblk, nil
	}
	r.calls = append(r.calls, c)
	handle := r.handle
	r.mu.Unlock()
	if handle == nil {
		return "", nil
	}
	return handle(c)
}

func (r *fakeRunner) RunOutput(_ context.Context, name string, args ...string) (string, error) {
	return r.run(call{name: name, args: args})
}

func (r *fakeRunner) RunInput(_ context.Context, stdin io.Reader, name string, args ...string) (string, error) {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	return r.run(call{name: name, args: args, stdin: string(data)})
}

func (r *fakeRunner) setLsblk(doc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lsblk = doc
}

func (r *fakeRunner) addMount(major, minor int, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mounts = append(r.mounts, &mountinfo.Info{Major: major, Minor: minor, Mountpoint: path})
}

func (r *fakeRunner) readMounts() ([]*mountinfo.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*mountinfo.Info(nil), r.mounts...), nil
}

func (r *fakeRunner) commands() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type harness struct {
	pool   *Pool
	runner *fakeRunner
	fs     afero.Fs
	now    time.Time
	root   bool
	events []backend.Event
	mu     sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		runner: &fakeRunner{lsblk: lsblkLocked},
		fs:     afero.NewMemMapFs(),
		now:    epoch,
		root:   true,
	}
	h.runner.addMount(8, 1, "/")
	h.pool = NewPool(Options{
		Runner: h.runner,
		Fs:     h.fs,
		Mounts: h.runner.readMounts,
		Clock:  func() time.Time { return h.now },
		IsRoot: func() bool { return h.root },
	})
	h.pool.SubscribeAll(func(ev backend.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	return h
}

func (h *harness) refresh(t *testing.T) {
	t.Helper()
	must.NoError(t, h.pool.Refresh(context.Background()))
}

func (h *harness) takeEvents() []backend.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.events
	h.events = nil
	return out
}

func (h *harness) device(t *testing.T, path string) backend.Device {
	t.Helper()
	dev, ok := h.pool.Device(path)
	must.True(t, ok, must.Sprintf("no device %s", path))
	return dev
}

func devicePaths(devs []backend.Device) []string {
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.ObjectPath())
	}
	return out
}

func TestPool_Refresh(t *testing.T) {
	h := newHarness(t)
	h.refresh(t)

	must.Eq(t, []string{"/block/sda1", "/block/sdb1", "/block/sdb2"}, devicePaths(h.pool.Devices()))

	events := h.takeEvents()
	must.Len(t, 7, events)
	for _, ev := range events {
		must.Eq(t, backend.EventAdded, ev.Kind)
	}

	// nothing changed
	h.refresh(t)
	must.SliceEmpty(t, h.takeEvents())

	_, ok := h.pool.Device("/block/nope")
	must.False(t, ok)
}

func TestDevice_Attributes(t *testing.T) {
	h := newHarness(t)
	h.refresh(t)

	sdb1 := h.device(t, "/block/sdb1")
	must.True(t, sdb1.IsEncrypted())
	must.True(t, sdb1.IsPartition())
	must.Eq(t, 1, sdb1.PartitionNumber())
	must.Eq(t, "16 GB Encrypted", sdb1.Name())
	must.Eq(t, "drive-removable-media", sdb1.Icon())
	must.Eq(t, "/drive/sdb", sdb1.DriveObjectPath())
	must.Eq(t, luksUUID, sdb1.UUID())
	must.Eq(t, "", sdb1.CleartextObjectPath())
	must.False(t, sdb1.IsMounted())

	sdb2 := h.device(t, "/block/sdb2")
	must.Eq(t, "PHOTOS", sdb2.Name())
	must.Eq(t, "PHOTOS", sdb2.Label())
	must.Eq(t, 2, sdb2.PartitionNumber())

	sda1 := h.device(t, "/block/sda1")
	must.True(t, sda1.IsMounted())
	must.Eq(t, "/", sda1.MountPath())
	must.Eq(t, "drive-harddisk", sda1.Icon())
	must.Eq(t, "500 GB Volume", sda1.Name())
}

func TestDrive(t *testing.T) {
	h := newHarness(t)
	h.refresh(t)

	drive, ok := h.pool.Drive("/drive/sdb")
	must.True(t, ok)
	must.Eq(t, "SanDisk Cruzer", drive.Name())
	must.True(t, drive.CanEject())
	must.Eq(t, epoch, drive.LastMediaInsertion())
	must.False(t, drive.IsAudioDisc())

	// insertion time is sticky while the media stays
	h.now = epoch.Add(time.Minute)
	h.refresh(t)
	must.Eq(t, epoch, drive.LastMediaInsertion())

	internal, ok := h.pool.Drive("/drive/sda")
	must.True(t, ok)
	must.Eq(t, "ATA Samsung SSD 860", internal.Name())
	must.False(t, internal.CanEject())
}

func TestDrive_Optical(t *testing.T) {
	h := newHarness(t)
	udev := "/run/udev/data/b11:0"

	h.refresh(t)
	must.Eq(t, []string{"/block/sda1", "/block/sdb1", "/block/sdb2"}, devicePaths(h.pool.Devices()))

	must.NoError(t, afero.WriteFile(h.fs, udev, []byte(
		"S:disk/by-id/ata-HL-DT-ST_DVDRAM\nE:ID_CDROM=1\nE:ID_CDROM_MEDIA=1\nE:ID_CDROM_MEDIA_STATE=blank\n"), 0644))
	h.now = epoch.Add(time.Hour)
	h.refresh(t)

	sr0 := h.device(t, "/block/sr0")
	must.True(t, sr0.IsBlankOptical())
	must.Eq(t, "Blank Disc", sr0.Name())
	must.Eq(t, "media-optical", sr0.Icon())
	must.Eq(t, []string{"/block/sda1", "/block/sdb1", "/block/sdb2", "/block/sr0"}, devicePaths(h.pool.Devices()))

	drive, ok := h.pool.Drive("/drive/sr0")
	must.True(t, ok)
	must.Eq(t, epoch.Add(time.Hour), drive.LastMediaInsertion())

	must.NoError(t, afero.WriteFile(h.fs, udev, []byte(
		"E:ID_CDROM_MEDIA=1\nE:ID_CDROM_MEDIA_TRACK_COUNT_AUDIO=12\nE:ID_CDROM_MEDIA_TRACK_COUNT_DATA=0\n"), 0644))
	h.refresh(t)
	must.True(t, drive.IsAudioDisc())
	must.False(t, sr0.IsBlankOptical())
}

func TestDevice_Unlock(t *testing.T) {
	h := newHarness(t)
	h.refresh(t)
	h.takeEvents()

	h.runner.handle = func(c call) (string, error) {
		if c.name != "cryptsetup" {
			return "", fmt.Errorf("unexpected %s", c.name)
		}
		h.runner.setLsblk(lsblkUnlocked)
		return "", nil
	}

	sdb1 := h.device(t, "/block/sdb1")
	cleartext, err := sdb1.Unlock(context.Background(), []byte("hunter2"), backend.CallOptions{})
	must.NoError(t, err)
	must.Eq(t, "/block/dm-0", cleartext)

	cmds := h.runner.commands()
	must.Len(t, 1, cmds)
	must.Eq(t, []string{"open", "--type", "luks", "--key-file=-", "/dev/sdb1", luksName}, cmds[0].args)
	must.Eq(t, "hunter2", cmds[0].stdin)

	must.Eq(t, "/block/dm-0", sdb1.CleartextObjectPath())
	dm := h.device(t, "/block/dm-0")
	must.Eq(t, "/block/sdb1", dm.CryptoBackingObjectPath())
	must.Eq(t, "/dev/mapper/"+luksName, dm.DeviceFile())
	must.Eq(t, "Vault", dm.Name())
	must.Eq(t, "/drive/sdb", dm.DriveObjectPath())

	must.Eq(t, []backend.Event{
		{Kind: backend.EventAdded, ObjectPath: "/block/dm-0"},
		{Kind: backend.EventChanged, ObjectPath: "/block/sdb1"},
	}, h.takeEvents())

	_, err = sdb1.Unlock(context.Background(), []byte("hunter2"), backend.CallOptions{})
	must.ErrorContains(t, err, "already unlocked")
}

func TestDevice_UnlockErrors(t *testing.T) {
	h := newHarness(t)
	h.refresh(t)
	sdb1 := h.device(t, "/block/sdb1")
	ctx := context.Background()

	h.runner.handle = func(call) (string, error) {
		return "", &exitStatus{code: 2, stderr: "No key available with this passphrase."}
	}
	_, err := sdb1.Unlock(ctx, []byte("wrong"), backend.CallOptions{})
	must.Eq(t, backend.CodeFailed, backend.CodeOf(err))
	must.ErrorContains(t, err, "wrong passphrase")

	// the mapping never showed up
	h.runner.handle = nil
	_, err = sdb1.Unlock(ctx, []byte("hunter2"), backend.CallOptions{})
	must.ErrorContains(t, err, "did not appear")

	_, err = h.device(t, "/block/sdb2").Unlock(ctx, []byte("x"), backend.CallOptions{})
	must.ErrorContains(t, err, "not a LUKS device")

	h.root = false
	_, err = sdb1.Unlock(ctx, []byte("hunter2"), backend.CallOptions{})
	must.Eq(t, backend.CodeNotAuthorized, backend.CodeOf(err))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	h.root = true
	h.runner.handle = func(call) (string, error) { return "", context.Canceled }
	_, err = sdb1.Unlock(cancelled, []byte("hunter2"), backend.CallOptions{})
	must.Eq(t, backend.CodeCancelled, backend.CodeOf(err))
}

func TestDevice_Mount(t *testing.T) {
	h := newHarness(t)
	h.refresh(t)

	h.runner.handle = func(c call) (string, error) {
		h.runner.addMount(8, 18, c.args[1])
		return "", nil
	}
	sdb2 := h.device(t, "/block/sdb2")
	path, err := sdb2.Mount(context.Background(), backend.CallOptions{})
	must.NoError(t, err)
	must.Eq(t, "/media/PHOTOS", path)
	must.Eq(t, []string{"/dev/sdb2", "/media/PHOTOS"}, h.runner.commands()[0].args)

	exists, err := afero.DirExists(h.fs, "/media/PHOTOS")
	must.NoError(t, err)
	must.True(t, exists)
	must.True(t, sdb2.IsMounted())
	must.Eq(t, "/media/PHOTOS", sdb2.MountPath())

	_, err = sdb2.Mount(context.Background(), backend.CallOptions{})
	must.Eq(t, backend.CodeAlreadyMounted, backend.CodeOf(err))
}

func TestDevice_MountErrors(t *testing.T) {
	h := newHarness(t)
	h.refresh(t)
	sdb2 := h.device(t, "/block/sdb2")
	ctx := context.Background()

	// a non-empty directory is skipped
	must.NoError(t, afero.WriteFile(h.fs, "/media/PHOTOS/stale.txt", []byte("x"), 0644))

	h.runner.handle = func(call) (string, error) {
		return "", &exitStatus{code: 32, stderr: "mount: /media/PHOTOS1: wrong fs type"}
	}
	_, err := sdb2.Mount(ctx, backend.CallOptions{})
	must.Eq(t, backend.CodeFailed, backend.CodeOf(err))
	must.Eq(t, []string{"/dev/sdb2", "/media/PHOTOS1"}, h.runner.commands()[0].args)

	exists, err := afero.DirExists(h.fs, "/media/PHOTOS1")
	must.NoError(t, err)
	must.False(t, exists)

	h.runner.handle = func(call) (string, error) {
		return "", &exitStatus{code: 32, stderr: "mount: /media/PHOTOS1: /dev/sdb2 already mounted on /mnt."}
	}
	_, err = sdb2.Mount(ctx, backend.CallOptions{})
	must.Eq(t, backend.CodeAlreadyMounted, backend.CodeOf(err))

	h.root = false
	_, err = sdb2.Mount(ctx, backend.CallOptions{})
	must.Eq(t, backend.CodeNotAuthorized, backend.CodeOf(err))
}

func TestDrive_Eject(t *testing.T) {
	h := newHarness(t)
	h.refresh(t)

	drive, ok := h.pool.Drive("/drive/sdb")
	must.True(t, ok)
	must.NoError(t, drive.Eject(context.Background()))

	cmds := h.runner.commands()
	must.Len(t, 1, cmds)
	must.Eq(t, "eject", cmds[0].name)
	must.Eq(t, []string{"/dev/sdb"}, cmds[0].args)

	internal, _ := h.pool.Drive("/drive/sda")
	err := internal.Eject(context.Background())
	must.Eq(t, backend.CodeNotSupported, backend.CodeOf(err))
}

func TestPool_RemovedDevice(t *testing.T) {
	h := newHarness(t)
	h.refresh(t)
	h.takeEvents()

	sdb2 := h.device(t, "/block/sdb2")
	h.runner.setLsblk(`{"blockdevices":[]}`)
	h.refresh(t)

	events := h.takeEvents()
	must.Len(t, 7, events)
	for _, ev := range events {
		must.Eq(t, backend.EventRemoved, ev.Kind)
	}
	must.SliceEmpty(t, h.pool.Devices())

	_, err := sdb2.Mount(context.Background(), backend.CallOptions{})
	must.ErrorContains(t, err, "gone")
}

func TestPool_Loops(t *testing.T) {
	h := newHarness(t)
	h.runner.handle = func(c call) (string, error) {
		switch {
		case c.name == "losetup" && c.args[0] == "-l":
			return `{"loopdevices":[{"name":"/dev/loop0","back-file":"/srv/vault.img"},{"name":"/dev/loop1","back-file":""}]}`, nil
		case c.name == "losetup" && c.args[0] == "-f":
			return "/dev/loop2\n", nil
		}
		return "", nil
	}
	ctx := context.Background()

	loops, err := h.pool.Loops(ctx)
	must.NoError(t, err)
	must.Eq(t, map[string]string{"/dev/loop0": "/srv/vault.img"}, loops)

	dev, err := h.pool.AttachImage(ctx, "/srv/vault.img")
	must.NoError(t, err)
	must.Eq(t, "/dev/loop0", dev)

	dev, err = h.pool.AttachImage(ctx, "/srv/other.img")
	must.NoError(t, err)
	must.Eq(t, "/dev/loop2", dev)

	must.NoError(t, h.pool.DetachImage(ctx, "/dev/loop2"))
	cmds := h.runner.commands()
	must.Eq(t, []string{"-d", "/dev/loop2"}, cmds[len(cmds)-1].args)
}

func TestParseLsblk(t *testing.T) {
	devs, err := parseLsblk([]byte(lsblkLocked))
	must.NoError(t, err)
	must.Len(t, 3, devs)
	must.True(t, bool(devs[1].RM))
	must.Eq(t, flexSize(32000000000), devs[1].Size)
	must.Len(t, 2, devs[1].Children)

	_, err = parseLsblk([]byte(`{"blockdevices":[{"rm":"maybe"}]}`))
	must.Error(t, err)
}

func TestNaming(t *testing.T) {
	must.Eq(t, luksName, mapperName(luksUUID, "/dev/sdb1"))
	must.Eq(t, "luks-sdb1", mapperName("", "/dev/sdb1"))
	must.Eq(t, "luks-vault_img", mapperName("", "/srv/vault.img"))

	must.Eq(t, "PHOTOS", mountDirName("PHOTOS", "A1B2", "sdb2"))
	must.Eq(t, "a_b", mountDirName("a/b", "", "sdb2"))
	must.Eq(t, "A1B2", mountDirName("", "A1B2", "sdb2"))
	must.Eq(t, "sdb2", mountDirName("..", "", "sdb2"))

	must.Eq(t, 1, partitionNumber("sdb1"))
	must.Eq(t, 2, partitionNumber("nvme0n1p2"))
	must.Eq(t, 0, partitionNumber("sda"))
}

func TestPool_Watch(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pool.Watch(ctx, 5*time.Millisecond)
	}()

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return len(h.pool.Devices()) == 3 }),
		wait.Timeout(2*time.Second),
		wait.Gap(5*time.Millisecond),
	))
	cancel()
	<-done
}
