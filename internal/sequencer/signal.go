package sequencer

import (
	"context"
	"sync"
)

// CompletionSignal is a single-assignment latch carrying the terminal
// Outcome of one sequencer run. It starts unresolved; the first Resolve
// publishes an outcome and closes the done channel, and every later
// Resolve is a no-op. Any number of goroutines may wait, before or after
// the run starts, and all of them observe the same Outcome value. There
// is no way to un-resolve or replace a published outcome.
type CompletionSignal struct {
	mu      sync.Mutex
	done    chan struct{}
	outcome *Outcome
}

// NewCompletionSignal returns an unresolved signal.
func NewCompletionSignal() *CompletionSignal {
	return &CompletionSignal{done: make(chan struct{})}
}

// Resolve publishes the outcome and releases all waiters. Only the first
// call has any effect; later calls, including concurrent ones racing the
// first, leave the published outcome untouched.
func (s *CompletionSignal) Resolve(out *Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != nil {
		return
	}
	s.outcome = out
	close(s.done)
}

// Done returns a channel that is closed once the signal resolves.
func (s *CompletionSignal) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the published outcome, or nil while the signal is
// still pending.
func (s *CompletionSignal) Outcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Wait blocks until the signal resolves or ctx is done. When both are
// ready the resolved outcome wins, so a waiter racing a dying context
// still observes the terminal outcome.
func (s *CompletionSignal) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-s.done:
		return s.Outcome(), nil
	case <-ctx.Done():
		select {
		case <-s.done:
			return s.Outcome(), nil
		default:
		}
		return nil, ctx.Err()
	}
}
