package secret

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores that have nothing for a key.
var ErrNotFound = errors.New("secret not found")

// Store is one retention tier.
type Store interface {
	// Get returns a fresh copy the caller owns, or ErrNotFound.
	Get(ctx context.Context, key string) (*Secret, error)
	// Put saves a copy of s; the caller keeps ownership of s.
	Put(ctx context.Context, key string, s *Secret) error
	Delete(ctx context.Context, key string) error
}

// Cache is the lookup/store contract the unlock engine relies on. Both calls
// are best effort.
type Cache interface {
	Lookup(ctx context.Context, key string) (*Secret, bool)
	Store(ctx context.Context, key string, s *Secret)
	// Forget drops the secret for key from every tier. Unlocking never
	// forgets on its own; a stale secret is overwritten by the next
	// successful unlock.
	Forget(ctx context.Context, key string)
}
