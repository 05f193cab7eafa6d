// Package prompt defines how a mount request asks for a passphrase.
//
// The protocol only covers the request and its reply; drawing the prompt is
// left to the Asker implementation.
package prompt

import (
	"context"
	"strings"

	"github.com/nace/volmon/internal/secret"
)

// Flags describe what the requester needs.
type Flags uint

const (
	NeedPassword Flags = 1 << iota
	SavingSupported
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

func (f Flags) String() string {
	var parts []string
	if f.Has(NeedPassword) {
		parts = append(parts, "need-password")
	}
	if f.Has(SavingSupported) {
		parts = append(parts, "saving-supported")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Result is the outcome of a prompt.
type Result int

const (
	// Handled means the user supplied a secret.
	Handled Result = iota
	// Aborted means the user dismissed the prompt, or it was aborted.
	Aborted
	// Unhandled means the asker could not serve the request.
	Unhandled
)

func (r Result) String() string {
	switch r {
	case Handled:
		return "handled"
	case Aborted:
		return "aborted"
	}
	return "unhandled"
}

// Reply is the answer to Ask. Secret is only set when Result is Handled and
// belongs to the receiver, which must scrub it.
type Reply struct {
	Result Result
	Secret *secret.Secret
}

// Asker requests secrets from the user.
type Asker interface {
	// Ask starts a prompt. The returned channel yields exactly one Reply.
	Ask(ctx context.Context, message string, flags Flags) <-chan Reply
	// Abort dismisses an outstanding prompt; its Reply becomes Aborted if
	// none was given yet.
	Abort()
}
