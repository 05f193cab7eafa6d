package secret

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultSessionSize bounds the number of volumes remembered for a session.
const DefaultSessionSize = 64

// SessionStore keeps secrets in process memory until they expire or the
// process exits. Evicted entries are scrubbed.
type SessionStore struct {
	lru *expirable.LRU[string, *Secret]
}

// NewSessionStore returns a store holding at most size secrets for ttl each.
// A zero ttl keeps entries until eviction.
func NewSessionStore(size int, ttl time.Duration) *SessionStore {
	if size <= 0 {
		size = DefaultSessionSize
	}
	onEvict := func(_ string, s *Secret) { s.Scrub() }
	return &SessionStore{lru: expirable.NewLRU[string, *Secret](size, onEvict, ttl)}
}

func (s *SessionStore) Get(_ context.Context, key string) (*Secret, error) {
	v, ok := s.lru.Get(key)
	if !ok || v.Scrubbed() {
		return nil, ErrNotFound
	}
	return v.Clone(), nil
}

func (s *SessionStore) Put(_ context.Context, key string, sec *Secret) error {
	c := sec.Clone()
	c.Save = SaveSession
	s.lru.Add(key, c)
	return nil
}

func (s *SessionStore) Delete(_ context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}

// Len returns the number of cached secrets.
func (s *SessionStore) Len() int {
	return s.lru.Len()
}

// Purge scrubs and drops every entry.
func (s *SessionStore) Purge() {
	s.lru.Purge()
}
