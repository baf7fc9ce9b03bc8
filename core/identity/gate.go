// Package identity decides whether this node holds the voting identity and
// runs the hooks that move that identity between nodes.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrMissingConfig = errors.New("identity key path not configured")
	ErrUnreadableKey = errors.New("identity key unreadable")
	ErrRoleState     = errors.New("role state unreadable")
)

// roleState pins the role a handoff decided to the local key that was
// active at the time. It stops applying once the key files change.
type roleState struct {
	Primary bool   `json:"primary"`
	Local   string `json:"local"`
}

// Gate compares the local primary key against the reference key. Key files
// are read on every call because a handoff may rotate them underneath us.
type Gate struct {
	referencePath string
	primaryPath   string
	statePath     string

	mu     sync.Mutex
	state  *roleState
	loaded bool
}

type GateOption func(*Gate)

// WithStateFile keeps handoff role changes at path so they survive restarts.
func WithStateFile(path string) GateOption {
	return func(g *Gate) { g.statePath = path }
}

func NewGate(referencePath, primaryPath string, opts ...GateOption) *Gate {
	g := &Gate{referencePath: referencePath, primaryPath: primaryPath}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsPrimary reports whether this node may vote. A role recorded by a handoff
// wins while the local key is the one it was recorded against; otherwise
// the local identity must equal the reference identity.
func (g *Gate) IsPrimary() (bool, error) {
	reference, local, err := g.Identities()
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.loadState()
	if err != nil {
		return false, err
	}
	if st != nil {
		if st.Local == local.String() {
			return st.Primary, nil
		}
		if err := g.storeState(nil); err != nil {
			return false, err
		}
	}
	return local.Equal(reference), nil
}

// Identities returns both public keys, for logging.
func (g *Gate) Identities() (reference, local PublicKey, err error) {
	if g.referencePath == "" || g.primaryPath == "" {
		return nil, nil, ErrMissingConfig
	}
	if reference, err = LoadPublicKey(g.referencePath); err != nil {
		return nil, nil, err
	}
	if local, err = LoadPublicKey(g.primaryPath); err != nil {
		return nil, nil, err
	}
	return reference, local, nil
}

// Track wraps r so every successful Demote or Promote is recorded as this
// node's role. Without it a rotator that only switches the running
// validator would leave IsPrimary answering from stale key files.
func (g *Gate) Track(r Rotator) Rotator {
	return &trackedRotator{gate: g, next: r}
}

func (g *Gate) record(primary bool) error {
	_, local, err := g.Identities()
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.storeState(&roleState{Primary: primary, Local: local.String()})
}

func (g *Gate) loadState() (*roleState, error) {
	if g.loaded || g.statePath == "" {
		return g.state, nil
	}

	data, err := os.ReadFile(g.statePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrRoleState, err)
	default:
		var st roleState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRoleState, g.statePath, err)
		}
		g.state = &st
	}
	g.loaded = true
	return g.state, nil
}

// storeState replaces the recorded role; nil removes it.
func (g *Gate) storeState(st *roleState) error {
	if g.statePath != "" {
		var err error
		if st == nil {
			err = os.Remove(g.statePath)
			if errors.Is(err, os.ErrNotExist) {
				err = nil
			}
		} else {
			err = writeStateFile(g.statePath, st)
		}
		if err != nil {
			return fmt.Errorf("failed to save role state: %w", err)
		}
	}
	g.state = st
	g.loaded = true
	return nil
}

func writeStateFile(path string, st *roleState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".role-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type trackedRotator struct {
	gate *Gate
	next Rotator
}

func (t *trackedRotator) Demote(ctx context.Context) error {
	if err := t.next.Demote(ctx); err != nil {
		return err
	}
	if err := t.gate.record(false); err != nil {
		return fmt.Errorf("record demotion: %w", err)
	}
	return nil
}

func (t *trackedRotator) Promote(ctx context.Context) error {
	if err := t.next.Promote(ctx); err != nil {
		return err
	}
	if err := t.gate.record(true); err != nil {
		return fmt.Errorf("record promotion: %w", err)
	}
	return nil
}
