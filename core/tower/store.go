// Package tower persists the validator's tower artifact, the opaque vote
// lockout state that must never exist as two advancing copies.
package tower

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Size is the largest artifact the handoff protocol carries.
const Size = 2319

const filePerm = 0o600

var (
	ErrEmptyArtifact    = errors.New("tower artifact is empty")
	ErrArtifactTooLarge = errors.New("tower artifact exceeds maximum size")
	ErrPersist          = errors.New("tower artifact not persisted")
)

// Store reads and atomically replaces the tower file at a fixed path.
type Store struct {
	path    string
	maxSize int
}

func NewStore(path string) *Store {
	return &Store{path: path, maxSize: Size}
}

func (s *Store) Path() string { return s.path }

// Read returns the current artifact. An artifact larger than the protocol
// maximum is rejected instead of being truncated.
func (s *Store) Read() ([]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open tower: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(s.maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("read tower: %w", err)
	}
	if err := s.check(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Write replaces the artifact. Readers observe either the old or the new file,
// never a partial one: data goes to a synced temporary file in the same
// directory which is then renamed over the target.
func (s *Store) Write(data []byte) error {
	if err := s.check(data); err != nil {
		return err
	}

	dir, name := filepath.Split(s.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	n, err := tmp.Write(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if n < len(data) {
		return fmt.Errorf("%w: short write", ErrPersist)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	// The rename itself must survive a crash.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func (s *Store) check(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyArtifact
	}
	if len(data) > s.maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrArtifactTooLarge, len(data), s.maxSize)
	}
	return nil
}
