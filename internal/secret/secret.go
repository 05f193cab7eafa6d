// Package secret holds unlock passphrases in memory and caches them for
// later unlocks.
package secret

import (
	"fmt"

	"github.com/nace/volmon/internal/system"
)

// SavePolicy is how long a secret may be remembered.
type SavePolicy int

const (
	SaveNever SavePolicy = iota
	SaveSession
	SavePermanent
)

func (p SavePolicy) String() string {
	switch p {
	case SaveSession:
		return "session"
	case SavePermanent:
		return "permanent"
	}
	return "none"
}

// ParseSavePolicy accepts the names returned by String.
func ParseSavePolicy(s string) (SavePolicy, error) {
	switch s {
	case "none", "never", "":
		return SaveNever, nil
	case "session":
		return SaveSession, nil
	case "permanent":
		return SavePermanent, nil
	}
	return SaveNever, fmt.Errorf("unknown save policy %q (use none, session or permanent)", s)
}

// Secret is a passphrase plus the policy for remembering it. Its owner must
// call Scrub on every exit path.
type Secret struct {
	buf  *system.SecureBytes
	Save SavePolicy
}

// New takes ownership of value; the caller must not reuse the slice.
func New(value []byte, save SavePolicy) *Secret {
	return &Secret{buf: system.NewSecureBytes(value), Save: save}
}

// Bytes returns the passphrase. The slice is zeroed by Scrub.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.buf.Bytes()
}

// Clone returns an independent copy with the same policy.
func (s *Secret) Clone() *Secret {
	if s == nil {
		return nil
	}
	return &Secret{buf: s.buf.Clone(), Save: s.Save}
}

// Scrub overwrites the passphrase. It is safe on a nil or scrubbed secret.
func (s *Secret) Scrub() {
	if s == nil {
		return
	}
	s.buf.Zeroize()
}

// Scrubbed reports whether the passphrase was already overwritten.
func (s *Secret) Scrubbed() bool {
	return s == nil || s.buf.IsZeroized()
}

// String never prints the value.
func (s *Secret) String() string {
	if s == nil {
		return "<nil secret>"
	}
	return fmt.Sprintf("<secret save=%s len=%d>", s.Save, s.buf.Len())
}

// GoString keeps %#v from dumping the buffer.
func (s *Secret) GoString() string { return s.String() }
