package cryptsetup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/nace/volmon/internal/backend"
)

// cryptsetup open exit code for a wrong passphrase.
const exitWrongPassphrase = 2

// mount(8) exit code for a mount failure; the stderr tells whether the
// target was already mounted.
const exitMountFailure = 32

// Device is a live handle on one block device of the last refresh.
type Device struct {
	pool *Pool
	path string
}

func (d *Device) info() blockInfo {
	b, _ := d.pool.block(d.path)
	return b
}

func (d *Device) ObjectPath() string { return d.path }

// DeviceFile is the path lsblk reports; dm-crypt mappings appear as
// /dev/mapper/<name>.
func (d *Device) DeviceFile() string { return d.info().file }

func (d *Device) Name() string {
	b := d.info()
	drive, _ := d.pool.drive(b.drive)
	return deviceName(b, drive)
}

func (d *Device) Icon() string {
	b := d.info()
	drive, _ := d.pool.drive(b.drive)
	return deviceIcon(b, drive)
}

func (d *Device) Label() string { return d.info().label }

func (d *Device) UUID() string { return d.info().uuid }

func (d *Device) IsEncrypted() bool { return d.info().fstype == "crypto_LUKS" }

func (d *Device) CleartextObjectPath() string { return d.info().cleartext }

func (d *Device) CryptoBackingObjectPath() string { return d.info().backing }

func (d *Device) IsMounted() bool { return d.info().mountPath != "" }

func (d *Device) MountPath() string { return d.info().mountPath }

func (d *Device) IsBlankOptical() bool { return d.info().blank }

func (d *Device) IsPartition() bool { return d.info().partNum > 0 }

func (d *Device) PartitionNumber() int { return d.info().partNum }

func (d *Device) DriveObjectPath() string { return d.info().drive }

// Unlock opens the LUKS container as luks-<uuid> with the secret fed on
// stdin as a key file, so it is used byte for byte.
func (d *Device) Unlock(ctx context.Context, secret []byte, _ backend.CallOptions) (string, error) {
	if !d.pool.isRoot() {
		return "", backend.Errorf(backend.CodeNotAuthorized, "unlocking requires root")
	}
	b, ok := d.pool.block(d.path)
	if !ok {
		return "", backend.Errorf(backend.CodeFailed, "device %s is gone", d.path)
	}
	if b.fstype != "crypto_LUKS" {
		return "", backend.Errorf(backend.CodeFailed, "%s is not a LUKS device", b.file)
	}
	if b.cleartext != "" {
		return "", backend.Errorf(backend.CodeFailed, "%s is already unlocked", b.file)
	}

	name := mapperName(b.uuid, b.file)
	_, err := d.pool.runner.RunInput(ctx, bytes.NewReader(secret),
		"cryptsetup", "open", "--type", "luks", "--key-file=-", b.file, name)
	if err != nil {
		return "", commandError(ctx, err, "failed to open LUKS container", exitWrongPassphrase, "wrong passphrase")
	}
	d.pool.logger.Debug("opened LUKS container", "device", b.file, "mapper", name)

	if err := d.pool.Refresh(ctx); err != nil {
		return "", backend.Errorf(backend.CodeFailed, "failed to refresh after unlock: %v", err)
	}
	cleartext := d.info().cleartext
	if cleartext == "" {
		return "", backend.Errorf(backend.CodeFailed, "mapping %s did not appear", name)
	}
	return cleartext, nil
}

// Mount mounts the device below the mount root in a directory named after
// its label.
func (d *Device) Mount(ctx context.Context, _ backend.CallOptions) (string, error) {
	if !d.pool.isRoot() {
		return "", backend.Errorf(backend.CodeNotAuthorized, "mounting requires root")
	}
	b, ok := d.pool.block(d.path)
	if !ok {
		return "", backend.Errorf(backend.CodeFailed, "device %s is gone", d.path)
	}
	if b.mountPath != "" {
		return "", &backend.Error{Code: backend.CodeAlreadyMounted, Message: fmt.Sprintf("%s is already mounted at %s", b.file, b.mountPath)}
	}

	dir, err := d.pool.mountDir(mountDirName(b.label, b.uuid, b.kname))
	if err != nil {
		return "", backend.Errorf(backend.CodeFailed, "%v", err)
	}
	if err := d.pool.fs.MkdirAll(dir, 0755); err != nil {
		return "", backend.Errorf(backend.CodeFailed, "failed to create mount point: %v", err)
	}

	file := d.DeviceFile()
	if _, err := d.pool.runner.RunOutput(ctx, "mount", file, dir); err != nil {
		if rmErr := d.pool.fs.Remove(dir); rmErr != nil {
			d.pool.logger.Debug("failed to remove mount point", "path", dir, "error", rmErr)
		}
		if exitCode(err) == exitMountFailure && strings.Contains(err.Error(), "already mounted") {
			return "", &backend.Error{Code: backend.CodeAlreadyMounted, Message: err.Error()}
		}
		return "", commandError(ctx, err, fmt.Sprintf("failed to mount %s to %s", file, dir), -1, "")
	}
	d.pool.logger.Debug("mounted", "device", file, "path", dir)

	if err := d.pool.Refresh(ctx); err != nil {
		d.pool.logger.Warn("refresh after mount failed", "error", err)
	}
	return dir, nil
}

// mountDir returns a directory below the mount root that is not in use,
// appending a counter to name when needed.
func (p *Pool) mountDir(name string) (string, error) {
	p.mu.RLock()
	used := make(map[string]bool)
	for _, b := range p.blocks {
		if b.mountPath != "" {
			used[b.mountPath] = true
		}
	}
	p.mu.RUnlock()

	for i := 0; i < 100; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s%d", name, i)
		}
		dir := filepath.Join(p.mountRoot, candidate)
		if used[dir] {
			continue
		}
		entries, err := p.readDir(dir)
		if err == nil && len(entries) > 0 {
			continue
		}
		return dir, nil
	}
	return "", fmt.Errorf("no free mount point for %s below %s", name, p.mountRoot)
}

func (p *Pool) readDir(dir string) ([]string, error) {
	f, err := p.fs.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// commandError converts a failed command into a backend error. An exit
// status equal to code is reported with message instead of the stderr.
func commandError(ctx context.Context, err error, prefix string, code int, message string) error {
	if ctx.Err() != nil {
		return backend.Errorf(backend.CodeCancelled, "operation was cancelled")
	}
	if code >= 0 && exitCode(err) == code {
		return backend.Errorf(backend.CodeFailed, "%s: %s", prefix, message)
	}
	return backend.Errorf(backend.CodeFailed, "%s: %v", prefix, err)
}

// exitCode returns the exit status carried by err, such as a
// *system.ExitError, or -1.
func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

func deviceName(b blockInfo, drive driveInfo) string {
	switch {
	case b.label != "":
		return b.label
	case b.fstype == "crypto_LUKS":
		if b.size > 0 {
			return humanize.Bytes(b.size) + " Encrypted"
		}
		return "Encrypted"
	case b.blank:
		return "Blank Disc"
	case b.size > 0:
		return humanize.Bytes(b.size) + " Volume"
	}
	if drive.name != "" && b.typ == "rom" {
		return drive.name
	}
	return "Volume"
}

func deviceIcon(b blockInfo, drive driveInfo) string {
	switch {
	case b.typ == "rom" || strings.HasPrefix(b.kname, "sr"):
		return "media-optical"
	case drive.ejectable || b.removable:
		return "drive-removable-media"
	}
	return "drive-harddisk"
}
