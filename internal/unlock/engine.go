// Package unlock opens LUKS containers: a cached secret first, then an
// interactive prompt, with authorization obtained on demand.
package unlock

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/nace/volmon/internal/authz"
	"github.com/nace/volmon/internal/backend"
	"github.com/nace/volmon/internal/mounterr"
	"github.com/nace/volmon/internal/prompt"
	"github.com/nace/volmon/internal/secret"
)

const op = "unlock"

// Request describes one unlock attempt.
type Request struct {
	Device backend.Device
	// Key identifies the volume in the keyring.
	Key string
	// Asker is the bound prompt, or nil when the caller cannot prompt.
	Asker prompt.Asker
	// Message is shown by the prompt.
	Message string
}

// Engine unlocks encrypted devices.
type Engine struct {
	logger hclog.Logger
	cache  secret.Cache
	gate   authz.Gate

	// stores tracks fire-and-forget keyring writes
	stores sync.WaitGroup
}

// NewEngine returns an Engine. cache may be nil.
func NewEngine(logger hclog.Logger, cache secret.Cache, gate authz.Gate) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		logger: logger.Named("unlock"),
		cache:  cache,
		gate:   gate,
	}
}

// Unlock returns the object path of the cleartext device for req.Device.
// Errors are *mounterr.Error.
func (e *Engine) Unlock(ctx context.Context, req Request) (string, error) {
	dev := req.Device
	logger := e.logger.With("device", dev.DeviceFile())

	// Step 1: already unlocked
	if path := dev.CleartextObjectPath(); path != "" {
		logger.Debug("device already unlocked", "cleartext", path)
		return path, nil
	}

	// Step 2: remembered secret, no prompt
	if path, ok := e.tryCached(ctx, logger, req); ok {
		return path, nil
	}
	if err := ctx.Err(); err != nil {
		return "", mounterr.Wrap(mounterr.Cancelled, op, err)
	}

	// Step 3: never prompt while privileged operations are off
	if e.gate.Inhibited(ctx) {
		return "", mounterr.New(mounterr.Inhibited, op, "daemon is currently inhibited")
	}

	if req.Asker == nil {
		return "", mounterr.New(mounterr.UnlockFailed, op, "password required to access the encrypted data")
	}

	// Step 4: ask
	reply, err := e.ask(ctx, req)
	if err != nil {
		return "", err
	}
	s := reply.Secret
	defer s.Scrub()

	switch reply.Result {
	case prompt.Handled:
	case prompt.Aborted:
		return "", mounterr.New(mounterr.Aborted, op, "password dialog aborted")
	default:
		return "", mounterr.New(mounterr.Aborted, op, fmt.Sprintf("expected a handled reply but got %s", reply.Result))
	}
	if s.Scrubbed() || len(s.Bytes()) == 0 {
		return "", mounterr.New(mounterr.Aborted, op, "prompt returned no password")
	}

	// Step 5: unlock with the supplied secret, obtaining authorization once
	// if the daemon asks for it
	path, err := e.unlockAuthorized(ctx, logger, dev, s)
	if err != nil {
		return "", err
	}

	e.remember(req.Key, s)
	logger.Info("unlocked encrypted device", "cleartext", path)
	return path, nil
}

func (e *Engine) tryCached(ctx context.Context, logger hclog.Logger, req Request) (string, bool) {
	if e.cache == nil || req.Key == "" {
		return "", false
	}
	s, ok := e.cache.Lookup(ctx, req.Key)
	if !ok {
		return "", false
	}
	defer s.Scrub()

	path, err := req.Device.Unlock(ctx, s.Bytes(), backend.CallOptions{})
	if err != nil {
		logger.Debug("cached secret did not unlock device, prompting", "error", err)
		return "", false
	}
	logger.Info("unlocked encrypted device with cached secret", "cleartext", path)
	return path, true
}

func (e *Engine) ask(ctx context.Context, req Request) (prompt.Reply, error) {
	replies := req.Asker.Ask(ctx, req.Message, prompt.NeedPassword|prompt.SavingSupported)
	select {
	case reply := <-replies:
		if ctx.Err() != nil {
			reply.Secret.Scrub()
			req.Asker.Abort()
			return prompt.Reply{}, mounterr.Wrap(mounterr.Cancelled, op, ctx.Err())
		}
		return reply, nil
	case <-ctx.Done():
		req.Asker.Abort()
		// drain so a late secret gets scrubbed
		go func() {
			if reply, ok := <-replies; ok {
				reply.Secret.Scrub()
			}
		}()
		return prompt.Reply{}, mounterr.Wrap(mounterr.Cancelled, op, ctx.Err())
	}
}

func (e *Engine) unlockAuthorized(ctx context.Context, logger hclog.Logger, dev backend.Device, s *secret.Secret) (string, error) {
	path, err := dev.Unlock(ctx, s.Bytes(), backend.CallOptions{})
	if err == nil {
		return path, nil
	}
	if ctx.Err() != nil {
		return "", mounterr.Wrap(mounterr.Cancelled, op, ctx.Err())
	}

	action, retry := backend.RetryableAuthorization(err)
	if !retry {
		return "", mounterr.FromBackend(op, mounterr.UnlockFailed, err)
	}

	// Step 7: authorize and retry once
	logger.Debug("unlock needs authorization", "action", action)
	if err := authz.Obtain(ctx, e.gate, action); err != nil {
		return "", mounterr.FromAuthz(op, err)
	}
	if ctx.Err() != nil {
		return "", mounterr.Wrap(mounterr.Cancelled, op, ctx.Err())
	}

	path, err = dev.Unlock(ctx, s.Bytes(), backend.CallOptions{AllowInteraction: true})
	if err != nil {
		return "", mounterr.FromBackend(op, mounterr.UnlockFailed, err)
	}
	return path, nil
}

// remember stores a copy of s in the background; the copy is scrubbed once
// written.
func (e *Engine) remember(key string, s *secret.Secret) {
	if e.cache == nil || key == "" || s.Save == secret.SaveNever {
		return
	}
	c := s.Clone()
	e.stores.Add(1)
	go func() {
		defer e.stores.Done()
		defer c.Scrub()
		e.cache.Store(context.Background(), key, c)
	}()
}

// Wait blocks until background keyring writes finish.
func (e *Engine) Wait() {
	e.stores.Wait()
}
