// Package switchsig holds the switch-pending state shared by the health monitor
// and the tower transport.
//
// A Signal is a level: readers see the latest value only, never a queue of
// updates. Each transition from idle to pending opens a new generation, so a
// confirmation for an older request cannot clear a newer one.
package switchsig

import (
	"context"
	"sync"
)

// State is a snapshot of the signal.
type State struct {
	Pending    bool
	Generation uint64
}

type Signal struct {
	mu      sync.Mutex
	state   State
	changed chan struct{} // closed and replaced on every change
}

func New() *Signal {
	return &Signal{changed: make(chan struct{})}
}

// Set publishes pending. Raising an already pending signal is a no-op and keeps
// the current generation. Lowering clears whatever generation is pending.
func (s *Signal) Set(pending bool) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Pending == pending {
		return s.state
	}
	if pending {
		s.state.Generation++
	}
	s.state.Pending = pending
	s.notify()
	return s.state
}

// Clear lowers the signal only if gen is still the pending generation.
// It reports whether the signal was cleared.
func (s *Signal) Clear(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Pending || s.state.Generation != gen {
		return false
	}
	s.state.Pending = false
	s.notify()
	return true
}

func (s *Signal) Get() bool {
	return s.Load().Pending
}

func (s *Signal) Load() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Changed returns the current state and a channel closed on the next change.
func (s *Signal) Changed() (State, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.changed
}

// Wait blocks until cond holds for the current state or ctx ends.
func (s *Signal) Wait(ctx context.Context, cond func(State) bool) (State, error) {
	for {
		st, ch := s.Changed()
		if cond(st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// WaitPending blocks until a switch is pending.
func (s *Signal) WaitPending(ctx context.Context) (State, error) {
	return s.Wait(ctx, func(st State) bool { return st.Pending })
}

func (s *Signal) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}
