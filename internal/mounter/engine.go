// Package mounter mounts the filesystem of a block device and classifies
// the outcome.
package mounter

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/nace/volmon/internal/authz"
	"github.com/nace/volmon/internal/backend"
	"github.com/nace/volmon/internal/mounterr"
)

const op = "mount"

// Engine issues filesystem mounts.
type Engine struct {
	logger hclog.Logger
	gate   authz.Gate
}

// NewEngine returns an Engine that obtains authorization through gate.
func NewEngine(logger hclog.Logger, gate authz.Gate) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		logger: logger.Named("mount"),
		gate:   gate,
	}
}

// Mount mounts dev and returns the mount path. When interactive is true a
// not-authorized refusal is escalated to the policy service once, the same
// way an unlock is. Errors are *mounterr.Error.
func (e *Engine) Mount(ctx context.Context, dev backend.Device, interactive bool) (string, error) {
	logger := e.logger.With("device", dev.DeviceFile())

	path, err := dev.Mount(ctx, backend.CallOptions{})
	if err == nil {
		logger.Info("mounted filesystem", "path", path)
		return path, nil
	}
	if ctx.Err() != nil {
		return "", mounterr.Wrap(mounterr.Cancelled, op, ctx.Err())
	}
	if backend.CodeOf(err) == backend.CodeAlreadyMounted {
		logger.Debug("filesystem was already mounted", "path", dev.MountPath())
		return dev.MountPath(), nil
	}

	action, retry := backend.RetryableAuthorization(err)
	if !interactive || !retry {
		return "", mounterr.FromBackend(op, mounterr.MountFailed, err)
	}

	logger.Debug("mount needs authorization", "action", action)
	if err := authz.Obtain(ctx, e.gate, action); err != nil {
		return "", mounterr.FromAuthz(op, err)
	}
	if ctx.Err() != nil {
		return "", mounterr.Wrap(mounterr.Cancelled, op, ctx.Err())
	}

	path, err = dev.Mount(ctx, backend.CallOptions{AllowInteraction: true})
	if err != nil {
		if backend.CodeOf(err) == backend.CodeAlreadyMounted {
			return dev.MountPath(), nil
		}
		return "", mounterr.FromBackend(op, mounterr.MountFailed, err)
	}
	logger.Info("mounted filesystem", "path", path)
	return path, nil
}
