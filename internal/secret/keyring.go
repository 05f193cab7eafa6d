package secret

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"
)

// Keyring is the Cache used by the unlock engine: a session tier checked
// first, then an optional permanent tier. Failures are logged and swallowed.
type Keyring struct {
	logger    hclog.Logger
	session   Store
	permanent Store
}

// NewKeyring builds a keyring. Either store may be nil.
func NewKeyring(logger hclog.Logger, session, permanent Store) *Keyring {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Keyring{
		logger:    logger.Named("keyring"),
		session:   session,
		permanent: permanent,
	}
}

var _ Cache = (*Keyring)(nil)

// Lookup returns a copy of the remembered secret for key.
func (k *Keyring) Lookup(ctx context.Context, key string) (*Secret, bool) {
	for _, tier := range k.tiers() {
		s, err := tier.store.Get(ctx, key)
		if err == nil {
			k.logger.Debug("found cached secret", "key", key, "tier", tier.name)
			return s, true
		}
		if !errors.Is(err, ErrNotFound) {
			k.logger.Debug("keyring lookup failed", "key", key, "tier", tier.name, "error", err)
		}
	}
	return nil, false
}

// Store remembers s according to s.Save. The caller keeps ownership of s.
func (k *Keyring) Store(ctx context.Context, key string, s *Secret) {
	var target Store
	var name string
	switch s.Save {
	case SaveSession:
		target, name = k.session, "session"
	case SavePermanent:
		target, name = k.permanent, "permanent"
	default:
		return
	}
	if target == nil {
		k.logger.Debug("no keyring tier for save policy", "key", key, "policy", s.Save)
		return
	}
	if err := target.Put(ctx, key, s); err != nil {
		k.logger.Debug("keyring store failed", "key", key, "tier", name, "error", err)
		return
	}
	k.logger.Debug("stored secret", "key", key, "tier", name)
}

// Forget removes key from every tier.
func (k *Keyring) Forget(ctx context.Context, key string) {
	for _, tier := range k.tiers() {
		if err := tier.store.Delete(ctx, key); err != nil {
			k.logger.Debug("keyring delete failed", "key", key, "tier", tier.name, "error", err)
		}
	}
}

type namedStore struct {
	name  string
	store Store
}

func (k *Keyring) tiers() []namedStore {
	var out []namedStore
	if k.session != nil {
		out = append(out, namedStore{"session", k.session})
	}
	if k.permanent != nil {
		out = append(out, namedStore{"permanent", k.permanent})
	}
	return out
}
