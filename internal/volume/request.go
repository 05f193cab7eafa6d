package volume

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/nace/volmon/internal/backend"
	"github.com/nace/volmon/internal/mounterr"
	"github.com/nace/volmon/internal/prompt"
	"github.com/nace/volmon/internal/unlock"
)

// Phase is the position of a mount request in its state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCheckingPreconditions
	PhaseUnlocking
	PhaseMounting
	PhaseResolved
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCheckingPreconditions:
		return "checking-preconditions"
	case PhaseUnlocking:
		return "unlocking"
	case PhaseMounting:
		return "mounting"
	case PhaseResolved:
		return "resolved"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MountFlags modify a mount request.
type MountFlags uint

const MountNone MountFlags = 0

// Pending is the caller's handle on a mount request. It resolves exactly
// once.
type Pending struct {
	done chan struct{}
	err  error

	mu    sync.Mutex
	phase Phase
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{}), phase: PhaseIdle}
}

// Done is closed once the request resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the result. It is only meaningful after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the request resolves and returns its result.
func (p *Pending) Wait() error {
	<-p.done
	return p.err
}

// Phase returns the current phase of the request.
func (p *Pending) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Pending) setPhase(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// resolvedPending returns a Pending that already completed with err.
func resolvedPending(err error) *Pending {
	p := newPending()
	p.phase = PhaseResolved
	p.err = err
	close(p.done)
	recordOutcome(err)
	return p
}

// request is one in-flight mount. It occupies the volume's active slot
// from entry until resolve.
type request struct {
	v       *Volume
	asker   prompt.Asker
	ctx     context.Context
	cancel  context.CancelFunc
	pending *Pending

	// resolved is guarded by v.mu
	resolved bool
}

// Mount runs a mount request to completion. asker may be nil, in which
// case encrypted volumes can only be unlocked with a cached secret and no
// authorization is requested for the mount.
func (v *Volume) Mount(ctx context.Context, flags MountFlags, asker prompt.Asker) error {
	return v.MountAsync(ctx, flags, asker).Wait()
}

// MountAsync starts a mount request and returns immediately. A second
// request while one is active resolves at once with AlreadyPending and
// leaves the first alone. Cancelling ctx or removing the volume resolves
// the request with Cancelled.
func (v *Volume) MountAsync(ctx context.Context, flags MountFlags, asker prompt.Asker) *Pending {
	v.mu.Lock()
	if v.removed {
		v.mu.Unlock()
		return resolvedPending(mounterr.New(mounterr.Failed, "mount", "volume has been removed"))
	}
	if v.pending != nil {
		v.mu.Unlock()
		v.logger.Debug("rejecting mount request, another one is pending")
		return resolvedPending(mounterr.New(mounterr.AlreadyPending, "mount", "a mount operation is already pending"))
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &request{
		v:       v,
		asker:   asker,
		ctx:     rctx,
		cancel:  cancel,
		pending: newPending(),
	}
	v.pending = r
	v.mu.Unlock()

	r.pending.setPhase(PhaseCheckingPreconditions)
	go r.watch()
	go r.run()
	return r.pending
}

// watch resolves the request as soon as it is cancelled, without waiting
// for the running phase to notice.
func (r *request) watch() {
	select {
	case <-r.ctx.Done():
	case <-r.pending.done:
		return
	}
	if r.asker != nil {
		r.asker.Abort()
	}
	r.resolve(mounterr.Wrap(mounterr.Cancelled, "mount", r.ctx.Err()))
}

func (r *request) run() {
	err := r.execute()
	if err != nil && r.ctx.Err() != nil {
		// a phase failing because of cancellation is reported by watch
		err = mounterr.Wrap(mounterr.Cancelled, "mount", r.ctx.Err())
	}
	r.resolve(err)
	r.cancel()
}

// resolve completes the request and frees the volume's slot. Only the
// first call has any effect.
func (r *request) resolve(err error) {
	v := r.v
	v.mu.Lock()
	if r.resolved {
		v.mu.Unlock()
		return
	}
	r.resolved = true
	if v.pending == r {
		v.pending = nil
	}
	r.pending.err = err
	r.pending.setPhase(PhaseResolved)
	v.mu.Unlock()

	close(r.pending.done)
	recordOutcome(err)

	switch {
	case err == nil:
		v.logger.Debug("mount request succeeded")
	case mounterr.IsSilent(err):
		v.logger.Debug("mount request ended", "reason", mounterr.KindOf(err))
	default:
		v.logger.Warn("mount request failed", "error", err)
	}
}

func (r *request) execute() error {
	v := r.v

	dev, ok := v.device()
	if !ok {
		return mounterr.New(mounterr.Failed, "mount", "device is gone")
	}
	// nothing to do
	if dev.IsMounted() || dev.IsBlankOptical() {
		return nil
	}

	target := dev
	if dev.IsEncrypted() {
		cleartextPath := dev.CleartextObjectPath()
		if cleartextPath == "" || cleartextPath == "/" {
			r.pending.setPhase(PhaseUnlocking)
			path, err := v.unlocker.Unlock(r.ctx, unlock.Request{
				Device:  dev,
				Key:     v.SecretKey(),
				Asker:   r.asker,
				Message: v.unlockMessage(dev),
			})
			if err != nil {
				return err
			}
			cleartextPath = path
			v.Refresh()
		}
		if err := r.ctx.Err(); err != nil {
			return mounterr.Wrap(mounterr.Cancelled, "unlock", err)
		}

		cleartext, ok := v.pool.Device(cleartextPath)
		if !ok {
			return mounterr.New(mounterr.CleartextDeviceMissing, "unlock",
				"unlocked encrypted volume but cleartext device "+cleartextPath+" does not exist")
		}
		target = cleartext
		if target.IsMounted() {
			return nil
		}
	}

	r.pending.setPhase(PhaseMounting)
	_, err := v.mounter.Mount(r.ctx, target, r.asker != nil)
	return err
}

func (v *Volume) unlockMessage(dev backend.Device) string {
	if v.drive != nil && v.drive.Name() != "" {
		if dev.IsPartition() {
			return v.printer.Sprintf(msgUnlockPartition, v.drive.Name(), dev.PartitionNumber())
		}
		return v.printer.Sprintf(msgUnlockDrive, v.drive.Name())
	}
	return v.printer.Sprintf(msgUnlockDeviceFile, dev.DeviceFile())
}

func recordOutcome(err error) {
	outcome := "success"
	if err != nil {
		outcome = mounterr.KindOf(err).String()
	}
	metrics.IncrCounter([]string{"volmon", "mount", outcome}, 1)
}
