package unlock

import (
	"context"
	"sync"
	"testing"

	"github.com/shoenig/test/must"
	"go.uber.org/goleak"

	"github.com/nace/volmon/internal/authz"
	"github.com/nace/volmon/internal/backend"
	"github.com/nace/volmon/internal/backend/fake"
	"github.com/nace/volmon/internal/mounterr"
	"github.com/nace/volmon/internal/prompt"
	"github.com/nace/volmon/internal/secret"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mapCache is a secret.Cache that records what it was asked to store.
type mapCache struct {
	mu     sync.Mutex
	values map[string]string
	saved  map[string]secret.SavePolicy
}

func newMapCache() *mapCache {
	return &mapCache{values: map[string]string{}, saved: map[string]secret.SavePolicy{}}
}

func (c *mapCache) Lookup(_ context.Context, key string) (*secret.Secret, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return nil, false
	}
	return secret.New([]byte(v), secret.SaveSession), true
}

func (c *mapCache) Store(_ context.Context, key string, s *secret.Secret) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = string(s.Bytes())
	c.saved[key] = s.Save
}

func (c *mapCache) Forget(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

func setup(t *testing.T) (*fake.Pool, *fake.Device) {
	t.Helper()
	pool := fake.NewPool()
	dev := pool.AddDevice(&fake.Device{
		Path:       "/block/sdb1",
		File:       "/dev/sdb1",
		IDUUID:     "luks-uuid",
		Encrypted:  true,
		Passphrase: "open sesame",
		CleartextTarget: &fake.Device{
			Path:   "/block/dm_0",
			File:   "/dev/dm-0",
			IDUUID: "fs-uuid",
		},
	})
	return pool, dev
}

func request(dev *fake.Device, asker prompt.Asker) Request {
	return Request{Device: dev, Key: "luks-uuid", Asker: asker, Message: "Enter a password"}
}

func TestUnlock_AlreadyUnlocked(t *testing.T) {
	_, dev := setup(t)
	dev.Cleartext = "/block/dm_0"

	e := NewEngine(nil, newMapCache(), authz.AllowAll())
	path, err := e.Unlock(context.Background(), request(dev, nil))
	must.NoError(t, err)
	must.Eq(t, "/block/dm_0", path)
	must.Zero(t, dev.UnlockCalls())
}

func TestUnlock_CachedSecret(t *testing.T) {
	_, dev := setup(t)
	cache := newMapCache()
	cache.values["luks-uuid"] = "open sesame"
	op := prompt.NewOperation(prompt.Answer("unused", secret.SaveNever))

	e := NewEngine(nil, cache, authz.AllowAll())
	path, err := e.Unlock(context.Background(), request(dev, op))
	must.NoError(t, err)
	must.Eq(t, "/block/dm_0", path)
	must.Zero(t, op.Asks())
	must.Eq(t, []backend.CallOptions{{AllowInteraction: false}}, dev.CallOptions())

	// the slice handed to the backend was scrubbed afterwards
	for _, b := range dev.UnlockSecrets()[0] {
		must.Eq(t, byte(0), b)
	}
}

func TestUnlock_StaleCacheFallsThroughToPrompt(t *testing.T) {
	_, dev := setup(t)
	cache := newMapCache()
	cache.values["luks-uuid"] = "old password"
	op := prompt.NewOperation(prompt.Answer("open sesame", secret.SavePermanent))

	e := NewEngine(nil, cache, authz.AllowAll())
	path, err := e.Unlock(context.Background(), request(dev, op))
	e.Wait()

	must.NoError(t, err)
	must.Eq(t, "/block/dm_0", path)
	must.Eq(t, 1, op.Asks())
	must.Eq(t, 2, dev.UnlockCalls())
	must.Eq(t, "open sesame", cache.values["luks-uuid"])
	must.Eq(t, secret.SavePermanent, cache.saved["luks-uuid"])
}

func TestUnlock_StaleCacheKeptWhenPromptAborted(t *testing.T) {
	_, dev := setup(t)
	cache := newMapCache()
	cache.values["luks-uuid"] = "old password"
	op := prompt.NewOperation(prompt.Dismiss(prompt.Aborted))

	e := NewEngine(nil, cache, authz.AllowAll())
	_, err := e.Unlock(context.Background(), request(dev, op))
	e.Wait()

	must.ErrorIs(t, err, mounterr.ErrAborted)
	must.Eq(t, 1, dev.UnlockCalls())
	must.Eq(t, "old password", cache.values["luks-uuid"])
}

func TestUnlock_Inhibited(t *testing.T) {
	_, dev := setup(t)
	gate := authz.AllowAll()
	gate.IsInhibited = true
	op := prompt.NewOperation(prompt.Answer("open sesame", secret.SaveNever))

	e := NewEngine(nil, newMapCache(), gate)
	_, err := e.Unlock(context.Background(), request(dev, op))
	must.ErrorIs(t, err, mounterr.ErrInhibited)
	must.True(t, mounterr.IsSilent(err))
	must.Zero(t, op.Asks())
	must.Zero(t, dev.UnlockCalls())
}

func TestUnlock_NoPrompt(t *testing.T) {
	_, dev := setup(t)
	e := NewEngine(nil, nil, authz.AllowAll())
	_, err := e.Unlock(context.Background(), request(dev, nil))
	must.ErrorIs(t, err, mounterr.ErrUnlockFailed)
	must.False(t, mounterr.IsSilent(err))
}

func TestUnlock_Aborted(t *testing.T) {
	_, dev := setup(t)
	op := prompt.NewOperation(prompt.Dismiss(prompt.Aborted))

	e := NewEngine(nil, newMapCache(), authz.AllowAll())
	_, err := e.Unlock(context.Background(), request(dev, op))
	must.ErrorIs(t, err, mounterr.ErrAborted)
	must.True(t, mounterr.IsSilent(err))
	must.Zero(t, dev.UnlockCalls())
}

func TestUnlock_UnhandledReply(t *testing.T) {
	_, dev := setup(t)
	op := prompt.NewOperation(prompt.Dismiss(prompt.Unhandled))

	e := NewEngine(nil, newMapCache(), authz.AllowAll())
	_, err := e.Unlock(context.Background(), request(dev, op))
	must.ErrorIs(t, err, mounterr.ErrAborted)
	must.True(t, mounterr.IsSilent(err))
	must.Zero(t, dev.UnlockCalls())
}

func TestUnlock_EmptyPassphrase(t *testing.T) {
	_, dev := setup(t)

	for _, fn := range []prompt.AskFunc{
		prompt.Dismiss(prompt.Handled),
		prompt.Answer("", secret.SaveNever),
	} {
		e := NewEngine(nil, newMapCache(), authz.AllowAll())
		_, err := e.Unlock(context.Background(), request(dev, prompt.NewOperation(fn)))
		must.ErrorIs(t, err, mounterr.ErrAborted)
		must.True(t, mounterr.IsSilent(err))
	}
	must.Zero(t, dev.UnlockCalls())
}

func TestUnlock_WrongPassphraseNotRetried(t *testing.T) {
	_, dev := setup(t)
	cache := newMapCache()
	op := prompt.NewOperation(prompt.Answer("wrong", secret.SavePermanent))

	e := NewEngine(nil, cache, authz.AllowAll())
	_, err := e.Unlock(context.Background(), request(dev, op))
	e.Wait()

	must.ErrorIs(t, err, mounterr.ErrUnlockFailed)
	must.Eq(t, 1, op.Asks())
	must.Eq(t, 1, dev.UnlockCalls())
	must.MapEmpty(t, cache.values)
}

func TestUnlock_AuthorizationRetry(t *testing.T) {
	_, dev := setup(t)
	dev.UnlockErrs = []error{&backend.Error{
		Code:    backend.CodeNotAuthorizedCanObtain,
		Action:  authz.ActionUnlock,
		Message: "Not authorized to perform operation",
	}}
	gate := &authz.Static{Default: authz.Challenge}
	op := prompt.NewOperation(prompt.Answer("open sesame", secret.SaveNever))

	e := NewEngine(nil, nil, gate)
	path, err := e.Unlock(context.Background(), request(dev, op))
	must.NoError(t, err)
	must.Eq(t, "/block/dm_0", path)
	must.Eq(t, []string{authz.ActionUnlock}, gate.Requests())
	must.Eq(t, []backend.CallOptions{{AllowInteraction: false}, {AllowInteraction: true}}, dev.CallOptions())
}

func TestUnlock_AuthorizationDenied(t *testing.T) {
	_, dev := setup(t)
	dev.UnlockErrs = []error{&backend.Error{
		Code:    backend.CodeNotAuthorizedCanObtain,
		Action:  authz.ActionUnlock,
		Message: "Not authorized to perform operation",
	}}
	gate := &authz.Static{Default: authz.Challenge, Grant: authz.ErrDenied}
	op := prompt.NewOperation(prompt.Answer("open sesame", secret.SaveNever))

	e := NewEngine(nil, nil, gate)
	_, err := e.Unlock(context.Background(), request(dev, op))
	must.ErrorIs(t, err, mounterr.ErrNotAuthorized)
	must.Eq(t, 1, dev.UnlockCalls())
}

func TestUnlock_CancelWhilePrompting(t *testing.T) {
	_, dev := setup(t)
	started := make(chan string, 1)
	op := prompt.NewOperation(prompt.Hold(started))

	ctx, cancel := context.WithCancel(context.Background())
	e := NewEngine(nil, nil, authz.AllowAll())

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Unlock(ctx, request(dev, op))
		errCh <- err
	}()

	must.Eq(t, "Enter a password", <-started)
	cancel()

	err := <-errCh
	must.ErrorIs(t, err, mounterr.ErrCancelled)
	must.Eq(t, 1, op.Aborts())
	must.Zero(t, dev.UnlockCalls())
}
