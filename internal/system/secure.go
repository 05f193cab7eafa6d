package system

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// SecureBytes wraps a byte slice with automatic zeroing to prevent
// sensitive data from remaining in memory longer than necessary.
// The backing pages are locked into memory where the platform allows it.
// It is safe to zeroize from one goroutine while another checks it.
type SecureBytes struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewSecureBytes creates a new SecureBytes instance from the given data.
// The provided byte slice is used directly (not copied), so the caller
// should not retain or modify it after passing it to this function.
func NewSecureBytes(data []byte) *SecureBytes {
	sb := &SecureBytes{data: data}

	// mlock fails without CAP_IPC_LOCK once RLIMIT_MEMLOCK is exhausted;
	// zeroing still happens either way.
	if len(data) > 0 && unix.Mlock(data) == nil {
		sb.locked = true
	}

	// Set up a finalizer to zero memory when the object is garbage collected
	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Zeroize()
	})

	return sb
}

// CopySecureBytes returns a SecureBytes holding a private copy of data.
func CopySecureBytes(data []byte) *SecureBytes {
	buf := make([]byte, len(data))
	copy(buf, data)
	return NewSecureBytes(buf)
}

// Bytes returns the underlying byte slice.
// The caller should not retain this slice or store it elsewhere.
func (s *SecureBytes) Bytes() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Clone returns an independent copy that must be zeroized separately.
func (s *SecureBytes) Clone() *SecureBytes {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return CopySecureBytes(s.data)
}

// Zeroize explicitly zeros the underlying memory.
// This should be called via defer when the sensitive data is no longer needed.
func (s *SecureBytes) Zeroize() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}

	// Zero out the memory
	for i := range s.data {
		s.data[i] = 0
	}

	if s.locked {
		_ = unix.Munlock(s.data)
		s.locked = false
	}

	// Clear the reference
	s.data = nil
}

// IsZeroized reports whether Zeroize has already run.
func (s *SecureBytes) IsZeroized() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// Len returns the length of the underlying data.
func (s *SecureBytes) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
