package prompt

import (
	"context"
	"sync"

	"github.com/nace/volmon/internal/secret"
)

// AskFunc draws a prompt and blocks until the user answers or ctx is done.
type AskFunc func(ctx context.Context, message string, flags Flags) Reply

// Operation adapts an AskFunc to the Asker protocol: replies are delivered
// once, Abort wins over a late answer, and a late secret is scrubbed.
type Operation struct {
	ask AskFunc

	mu      sync.Mutex
	pending *pendingAsk
	asks    int
	aborts  int
}

type pendingAsk struct {
	ch     chan Reply
	cancel context.CancelFunc
	once   sync.Once
}

func (p *pendingAsk) deliver(r Reply) bool {
	delivered := false
	p.once.Do(func() {
		p.ch <- r
		close(p.ch)
		delivered = true
	})
	return delivered
}

// NewOperation wraps fn.
func NewOperation(fn AskFunc) *Operation {
	return &Operation{ask: fn}
}

// Ask runs the AskFunc on its own goroutine.
func (o *Operation) Ask(ctx context.Context, message string, flags Flags) <-chan Reply {
	ctx, cancel := context.WithCancel(ctx)
	p := &pendingAsk{ch: make(chan Reply, 1), cancel: cancel}

	o.mu.Lock()
	o.pending = p
	o.asks++
	o.mu.Unlock()

	go func() {
		r := o.ask(ctx, message, flags)
		if ctx.Err() != nil && r.Result == Handled {
			// answered after abort or cancellation
			r.Secret.Scrub()
			r = Reply{Result: Aborted}
		}
		if !p.deliver(r) {
			r.Secret.Scrub()
		}
		cancel()
		o.clear(p)
	}()
	return p.ch
}

// Abort forces the outstanding prompt to reply Aborted.
func (o *Operation) Abort() {
	o.mu.Lock()
	p := o.pending
	o.aborts++
	o.mu.Unlock()
	if p == nil {
		return
	}
	p.deliver(Reply{Result: Aborted})
	p.cancel()
	o.clear(p)
}

func (o *Operation) clear(p *pendingAsk) {
	o.mu.Lock()
	if o.pending == p {
		o.pending = nil
	}
	o.mu.Unlock()
}

// Pending reports whether a prompt is outstanding.
func (o *Operation) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending != nil
}

// Asks returns how many prompts were started.
func (o *Operation) Asks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.asks
}

// Aborts returns how many times Abort was called.
func (o *Operation) Aborts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aborts
}

// Answer returns an AskFunc that always replies with passphrase.
func Answer(passphrase string, save secret.SavePolicy) AskFunc {
	return func(ctx context.Context, _ string, _ Flags) Reply {
		return Reply{Result: Handled, Secret: secret.New([]byte(passphrase), save)}
	}
}

// Dismiss returns an AskFunc that always replies with r and no secret.
func Dismiss(r Result) AskFunc {
	return func(ctx context.Context, _ string, _ Flags) Reply {
		return Reply{Result: r}
	}
}

// Hold returns an AskFunc that never answers until ctx is done, and
// signals started once the prompt is up.
func Hold(started chan<- string) AskFunc {
	return func(ctx context.Context, message string, _ Flags) Reply {
		if started != nil {
			started <- message
		}
		<-ctx.Done()
		return Reply{Result: Aborted}
	}
}
