package cryptsetup

import (
	"context"
	"time"

	"github.com/nace/volmon/internal/backend"
)

// Drive is a disk or optical drive of the last refresh.
type Drive struct {
	pool *Pool
	path string
}

func (d *Drive) info() driveInfo {
	info, _ := d.pool.drive(d.path)
	return info
}

func (d *Drive) ObjectPath() string { return d.path }

func (d *Drive) Name() string { return d.info().name }

func (d *Drive) CanEject() bool { return d.info().ejectable }

// Eject runs eject(1) on the drive's device file.
func (d *Drive) Eject(ctx context.Context) error {
	info, ok := d.pool.drive(d.path)
	if !ok {
		return backend.Errorf(backend.CodeFailed, "drive %s is gone", d.path)
	}
	if !info.ejectable {
		return backend.Errorf(backend.CodeNotSupported, "%s cannot be ejected", info.file)
	}
	if !d.pool.isRoot() {
		return backend.Errorf(backend.CodeNotAuthorized, "ejecting requires root")
	}
	if _, err := d.pool.runner.RunOutput(ctx, "eject", info.file); err != nil {
		return commandError(ctx, err, "failed to eject "+info.file, -1, "")
	}
	return d.pool.Refresh(ctx)
}

// LastMediaInsertion is when media was first seen by this pool.
func (d *Drive) LastMediaInsertion() time.Time { return d.info().insertedAt }

func (d *Drive) IsAudioDisc() bool { return d.info().audio }
