package authz

import (
	"context"
	"sync"
)

// Static is a Gate with a fixed answer per action. It backs --no-polkit and
// tests.
type Static struct {
	mu sync.Mutex
	// Default applies to actions missing from Decisions.
	Default   Decision
	Decisions map[string]Decision
	// Grant is the result of Request for Challenge actions; nil grants.
	Grant       error
	IsInhibited bool

	checks   []string
	requests []string
}

// AllowAll returns a Static gate that allows everything.
func AllowAll() *Static {
	return &Static{Default: Allowed}
}

func (s *Static) decision(action string) Decision {
	if d, ok := s.Decisions[action]; ok {
		return d
	}
	return s.Default
}

func (s *Static) Check(ctx context.Context, action string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, action)
	if s.IsInhibited {
		return Denied, ErrInhibited
	}
	return s.decision(action), nil
}

func (s *Static) Request(ctx context.Context, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, action)
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.IsInhibited {
		return ErrInhibited
	}
	switch s.decision(action) {
	case Allowed:
		return nil
	case Challenge:
		return s.Grant
	}
	return ErrDenied
}

func (s *Static) Inhibited(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.IsInhibited
}

// Requests returns the actions passed to Request in order.
func (s *Static) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Checks returns the actions passed to Check in order.
func (s *Static) Checks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.checks...)
}
