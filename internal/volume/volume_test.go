package volume

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"
	"go.uber.org/goleak"

	"github.com/nace/volmon/internal/authz"
	"github.com/nace/volmon/internal/backend/fake"
	"github.com/nace/volmon/internal/mounter"
	"github.com/nace/volmon/internal/mounterr"
	"github.com/nace/volmon/internal/prompt"
	"github.com/nace/volmon/internal/secret"
	"github.com/nace/volmon/internal/unlock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	luksPath      = "/block/sdb1"
	cleartextPath = "/block/dm_0"
	passphrase    = "open sesame"
)

var epoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type harness struct {
	pool      *fake.Pool
	dev       *fake.Device
	cleartext *fake.Device
	drive     *fake.Drive
	gate      *authz.Static
	store     *secret.BoltStore
	unlocker  *unlock.Engine
	vol       *Volume

	mu      sync.Mutex
	changes int
}

type option func(h *harness, opts *Options)

func withActivationRoot(root string) option {
	return func(_ *harness, opts *Options) { opts.ActivationRoot = root }
}

// insertedAgo places the media insertion d before the volume appears.
func insertedAgo(d time.Duration) option {
	return func(h *harness, _ *Options) { h.drive.InsertedAt = epoch.Add(-d) }
}

func newHarness(t *testing.T, dev *fake.Device, options ...option) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := secret.OpenBoltStore(filepath.Join(dir, "keyring.db"), filepath.Join(dir, "keyring.key"), true)
	must.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		pool:  fake.NewPool(),
		drive: &fake.Drive{Path: "/drive/sdb", DispName: "SanDisk Cruzer", Ejectable: true, InsertedAt: epoch},
		gate:  authz.AllowAll(),
		store: store,
	}
	h.unlocker = unlock.NewEngine(nil, secret.NewKeyring(nil, nil, store), h.gate)
	t.Cleanup(h.unlocker.Wait)

	h.pool.AddDrive(h.drive)
	dev.DrivePath = h.drive.Path
	h.dev = h.pool.AddDevice(dev)
	h.cleartext = dev.CleartextTarget

	opts := Options{
		Pool:      h.pool,
		Unlocker:  h.unlocker,
		Mounter:   mounter.NewEngine(nil, h.gate),
		Clock:     func() time.Time { return epoch },
		Printer:   NewPrinter("C"),
		OnChanged: func(*Volume) { h.mu.Lock(); h.changes++; h.mu.Unlock() },
	}
	for _, o := range options {
		o(h, &opts)
	}

	h.vol, err = New(dev.Path, opts)
	must.NoError(t, err)
	t.Cleanup(h.vol.Remove)
	return h
}

func (h *harness) ownerChanges() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changes
}

func plainDevice() *fake.Device {
	return &fake.Device{
		Path:     "/block/sdc1",
		File:     "/dev/sdc1",
		DispIcon: "drive-removable-media",
		IDLabel:  "PHOTOS",
		IDUUID:   "2F3A-11C0",
		PartNum:  1,
	}
}

func encryptedDevice() *fake.Device {
	return &fake.Device{
		Path:       luksPath,
		File:       "/dev/sdb1",
		DispName:   "Encrypted Data",
		DispIcon:   "drive-removable-media",
		IDUUID:     "0b9c6a2e-3f61-4d1b-9a6e-6e1d2f0c7d11",
		Encrypted:  true,
		PartNum:    1,
		Passphrase: passphrase,
		CleartextTarget: &fake.Device{
			Path:     cleartextPath,
			File:     "/dev/dm-0",
			DispIcon: "drive-harddisk",
			IDLabel:  "vault",
			IDUUID:   "5d6f3a1c-8a9e-4b7e-a0c2-13e2f4d5b6a7",
		},
	}
}

func waitIdle(t *testing.T, op *prompt.Operation) {
	t.Helper()
	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return !op.Pending() }),
		wait.Timeout(2*time.Second),
		wait.Gap(5*time.Millisecond),
	))
}

func TestVolume_InitialState(t *testing.T) {
	h := newHarness(t, plainDevice())

	must.Eq(t, State{
		Name:            "PHOTOS",
		Icon:            "drive-removable-media",
		DeviceFile:      "/dev/sdc1",
		CanMount:        true,
		ShouldAutomount: true,
	}, h.vol.State())
	must.Eq(t, 0, h.ownerChanges())
}

func TestVolume_RefreshDetectsChanges(t *testing.T) {
	h := newHarness(t, plainDevice())

	var mu sync.Mutex
	var seen []State
	unsubscribe := h.vol.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsubscribe()

	must.False(t, h.vol.Refresh())
	must.False(t, h.vol.Refresh())
	must.Eq(t, 0, h.ownerChanges())

	// the changed event from the backend refreshes the volume
	h.dev.Update(func(d *fake.Device) { d.IDLabel = "HOLIDAY" })
	must.False(t, h.vol.Refresh())

	mu.Lock()
	defer mu.Unlock()
	must.Len(t, 1, seen)
	must.Eq(t, "HOLIDAY", seen[0].Name)
	must.Eq(t, 1, h.ownerChanges())
}

func TestVolume_ShouldAutomount(t *testing.T) {
	cases := []struct {
		name  string
		after time.Duration
		want  bool
	}{
		{name: "2s after insertion", after: 2 * time.Second, want: true},
		{name: "at grace boundary", after: 5 * time.Second, want: true},
		{name: "10s after insertion", after: 10 * time.Second, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, plainDevice(), insertedAgo(tc.after))
			must.Eq(t, tc.want, h.vol.ShouldAutomount())
		})
	}
}

func TestVolume_AudioDisc(t *testing.T) {
	dev := &fake.Device{Path: "/block/sr0", File: "/dev/sr0", DispName: "CD-ROM", DispIcon: "media-optical"}
	h := newHarness(t, dev, withActivationRoot("cdda://sr0/"))

	must.Eq(t, "Audio Disc", h.vol.Name())
	must.Eq(t, "media-optical-audio", h.vol.Icon())
	must.Eq(t, "cdda://sr0/", h.vol.ActivationRoot())
}

func TestVolume_Identifiers(t *testing.T) {
	h := newHarness(t, plainDevice())

	must.Eq(t, []string{KindUnixDevice, KindLabel, KindUUID}, h.vol.EnumerateIdentifiers())

	id, ok := h.vol.Identifier(KindUnixDevice)
	must.True(t, ok)
	must.Eq(t, "/dev/sdc1", id)
	id, ok = h.vol.Identifier(KindUUID)
	must.True(t, ok)
	must.Eq(t, "2F3A-11C0", id)
	_, ok = h.vol.Identifier("nfs-mount")
	must.False(t, ok)

	h.dev.Update(func(d *fake.Device) { d.IDLabel = "" })
	must.Eq(t, []string{KindUnixDevice, KindUUID}, h.vol.EnumerateIdentifiers())
	_, ok = h.vol.Identifier(KindLabel)
	must.False(t, ok)
}

func TestVolume_Eject(t *testing.T) {
	h := newHarness(t, plainDevice())
	must.True(t, h.vol.CanEject())
	must.NoError(t, h.vol.Eject(context.Background()))
	must.Eq(t, 1, h.drive.EjectCalls())

	pool := fake.NewPool()
	pool.AddDevice(&fake.Device{Path: "/block/loop0", File: "/dev/loop0"})
	vol, err := New("/block/loop0", Options{Pool: pool})
	must.NoError(t, err)
	defer vol.Remove()

	must.False(t, vol.CanEject())
	must.ErrorIs(t, vol.Eject(context.Background()), mounterr.ErrNotSupported)
}

func TestMount_PlainDevice(t *testing.T) {
	h := newHarness(t, plainDevice())

	must.NoError(t, h.vol.Mount(context.Background(), MountNone, nil))
	must.True(t, h.dev.IsMounted())
	must.True(t, h.vol.HasMountPath("/media/PHOTOS"))
	must.Eq(t, "/media/PHOTOS", h.vol.MountPath())
	must.False(t, h.vol.Encrypted())
	must.False(t, h.vol.Pending())
}

func TestMount_NothingToDo(t *testing.T) {
	cases := []struct {
		name   string
		modify func(d *fake.Device)
	}{
		{name: "already mounted", modify: func(d *fake.Device) { d.Mounted, d.MountedAt = true, "/media/PHOTOS" }},
		{name: "blank optical", modify: func(d *fake.Device) { d.Blank = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dev := plainDevice()
			tc.modify(dev)
			h := newHarness(t, dev)

			op := prompt.NewOperation(prompt.Answer(passphrase, secret.SaveNever))
			must.NoError(t, h.vol.Mount(context.Background(), MountNone, op))
			must.Eq(t, 0, h.dev.MountCalls())
			must.Eq(t, 0, h.dev.UnlockCalls())
			must.Eq(t, 0, op.Asks())
		})
	}
}

func TestMount_SingleFlight(t *testing.T) {
	h := newHarness(t, encryptedDevice())

	started := make(chan string, 1)
	op := prompt.NewOperation(prompt.Hold(started))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := h.vol.MountAsync(ctx, MountNone, op)
	<-started
	must.Eq(t, PhaseUnlocking, first.Phase())

	second := h.vol.MountAsync(context.Background(), MountNone, nil)
	err := second.Wait()
	must.ErrorIs(t, err, mounterr.ErrAlreadyPending)
	must.False(t, mounterr.IsSilent(err))

	// the first request is untouched
	must.Eq(t, PhaseUnlocking, first.Phase())
	must.True(t, h.vol.Pending())
	must.True(t, op.Pending())

	cancel()
	must.ErrorIs(t, first.Wait(), mounterr.ErrCancelled)
	waitIdle(t, op)
}

func TestMount_CancelWhilePrompting(t *testing.T) {
	h := newHarness(t, encryptedDevice())

	started := make(chan string, 1)
	op := prompt.NewOperation(prompt.Hold(started))
	ctx, cancel := context.WithCancel(context.Background())

	p := h.vol.MountAsync(ctx, MountNone, op)
	<-started
	cancel()

	err := p.Wait()
	must.ErrorIs(t, err, mounterr.ErrCancelled)
	must.True(t, mounterr.IsSilent(err))
	must.Eq(t, PhaseResolved, p.Phase())
	must.False(t, h.vol.Pending())
	must.Positive(t, op.Aborts())
	waitIdle(t, op)

	must.Eq(t, 0, h.dev.UnlockCalls())
	must.Eq(t, 1, h.pool.Len(luksPath))
	must.Eq(t, 0, h.pool.Len(cleartextPath))

	// the slot is free again
	op2 := prompt.NewOperation(prompt.Answer(passphrase, secret.SaveNever))
	must.NoError(t, h.vol.Mount(context.Background(), MountNone, op2))
}

func TestMount_RemoveCancels(t *testing.T) {
	h := newHarness(t, encryptedDevice())

	started := make(chan string, 1)
	op := prompt.NewOperation(prompt.Hold(started))
	p := h.vol.MountAsync(context.Background(), MountNone, op)
	<-started

	h.pool.RemoveDevice(luksPath)

	must.ErrorIs(t, p.Wait(), mounterr.ErrCancelled)
	must.True(t, h.vol.Removed())
	must.Eq(t, 0, h.pool.Len(""))
	waitIdle(t, op)

	err := h.vol.Mount(context.Background(), MountNone, nil)
	must.ErrorIs(t, err, &mounterr.Error{Kind: mounterr.Failed})
}

func TestMount_EncryptedPermanentSave(t *testing.T) {
	h := newHarness(t, encryptedDevice())

	op := prompt.NewOperation(prompt.Answer(passphrase, secret.SavePermanent))
	must.NoError(t, h.vol.Mount(context.Background(), MountNone, op))

	must.Eq(t, 1, op.Asks())
	must.Eq(t, 1, h.dev.UnlockCalls())
	must.Eq(t, 1, h.cleartext.MountCalls())
	must.True(t, h.cleartext.IsMounted())

	h.unlocker.Wait()
	stored, err := h.store.Get(context.Background(), h.dev.IDUUID)
	must.NoError(t, err)
	must.Eq(t, passphrase, string(stored.Bytes()))
	stored.Scrub()

	must.Eq(t, cleartextPath, h.vol.CleartextObjectPath())
	must.Eq(t, State{
		Name:            "vault",
		Icon:            "drive-harddisk",
		DeviceFile:      "/dev/dm-0",
		CanMount:        true,
		ShouldAutomount: false,
	}, h.vol.State())
	must.True(t, h.vol.HasDeviceFile("/dev/dm-0"))
	must.True(t, h.vol.HasUUID(h.cleartext.IDUUID))
	must.True(t, h.vol.Encrypted())
	must.Eq(t, h.cleartext.MountPath(), h.vol.MountPath())
	must.Eq(t, 1, h.pool.Len(cleartextPath))
}

func TestMount_UnlockPromptMessage(t *testing.T) {
	h := newHarness(t, encryptedDevice())

	started := make(chan string, 1)
	op := prompt.NewOperation(prompt.Hold(started))
	ctx, cancel := context.WithCancel(context.Background())
	p := h.vol.MountAsync(ctx, MountNone, op)

	msg := <-started
	must.StrContains(t, msg, "Enter a password to unlock the volume")
	must.StrContains(t, msg, `"SanDisk Cruzer"`)
	must.StrContains(t, msg, "partition 1")

	cancel()
	must.ErrorIs(t, p.Wait(), mounterr.ErrCancelled)
	waitIdle(t, op)
}

func TestMount_CachedSecretFallsThrough(t *testing.T) {
	h := newHarness(t, encryptedDevice())
	must.NoError(t, h.store.Put(context.Background(), h.dev.IDUUID, secret.New([]byte("stale"), secret.SavePermanent)))

	op := prompt.NewOperation(prompt.Answer(passphrase, secret.SaveNever))
	must.NoError(t, h.vol.Mount(context.Background(), MountNone, op))
	must.Eq(t, 1, op.Asks())
	must.Eq(t, 2, h.dev.UnlockCalls())
	must.Eq(t, passphrase, h.dev.LastSecret())
}

func TestMount_CachedSecretNoPrompt(t *testing.T) {
	h := newHarness(t, encryptedDevice())
	must.NoError(t, h.store.Put(context.Background(), h.dev.IDUUID, secret.New([]byte(passphrase), secret.SavePermanent)))

	must.NoError(t, h.vol.Mount(context.Background(), MountNone, nil))
	must.Eq(t, 1, h.dev.UnlockCalls())
	must.True(t, h.cleartext.IsMounted())
}

func TestMount_PromptAborted(t *testing.T) {
	h := newHarness(t, encryptedDevice())

	op := prompt.NewOperation(prompt.Dismiss(prompt.Aborted))
	err := h.vol.Mount(context.Background(), MountNone, op)
	must.ErrorIs(t, err, mounterr.ErrAborted)
	must.True(t, mounterr.IsSilent(err))
	must.Eq(t, 0, h.dev.UnlockCalls())
	must.False(t, h.vol.Pending())
}

func TestMount_UnlockInhibited(t *testing.T) {
	h := newHarness(t, encryptedDevice())
	h.gate.IsInhibited = true

	op := prompt.NewOperation(prompt.Answer(passphrase, secret.SaveNever))
	err := h.vol.Mount(context.Background(), MountNone, op)
	must.ErrorIs(t, err, &mounterr.Error{Kind: mounterr.Inhibited, Op: "unlock"})
	must.True(t, mounterr.IsSilent(err))
	must.Eq(t, 0, op.Asks())
}

func TestMount_CleartextDeviceMissing(t *testing.T) {
	dev := encryptedDevice()
	dev.Cleartext = "/block/dm_9"
	h := newHarness(t, dev)

	err := h.vol.Mount(context.Background(), MountNone, nil)
	must.ErrorIs(t, err, mounterr.ErrCleartextDeviceMissing)
	must.Eq(t, 0, h.dev.UnlockCalls())
}

func TestVolume_CleartextRemoved(t *testing.T) {
	h := newHarness(t, encryptedDevice())
	op := prompt.NewOperation(prompt.Answer(passphrase, secret.SaveNever))
	must.NoError(t, h.vol.Mount(context.Background(), MountNone, op))
	must.Eq(t, 1, h.pool.Len(cleartextPath))
	before := h.ownerChanges()

	// locking the device drops the mapping
	h.dev.Update(func(d *fake.Device) { d.Cleartext = "" })
	h.pool.RemoveDevice(cleartextPath)

	must.Eq(t, "", h.vol.CleartextObjectPath())
	must.Eq(t, 0, h.pool.Len(cleartextPath))
	must.Eq(t, "Encrypted Data", h.vol.Name())
	must.Eq(t, "/dev/sdb1", h.vol.State().DeviceFile)
	must.Eq(t, before+1, h.ownerChanges())
}

func TestPrinter_Locale(t *testing.T) {
	must.Eq(t, "Audio-CD", NewPrinter("de_DE.UTF-8").Sprintf(msgAudioDisc))
	must.Eq(t, "CD audio", NewPrinter("fr_FR").Sprintf(msgAudioDisc))
	must.Eq(t, "Audio Disc", NewPrinter("C").Sprintf(msgAudioDisc))
	must.Eq(t, "Audio Disc", NewPrinter("").Sprintf(msgAudioDisc))
}
