// Package configstore keeps the fleet's bot configuration document: a JSON
// array of bot records stored in a single file.
//
// Every mutation re-reads the file, applies the change and writes the whole
// document back through a temp file and rename, all while holding both an
// in-process mutex and an advisory file lock. Concurrent writers in one
// process or across processes therefore never lose each other's updates.
package configstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"botfleet/pkg/protocol"
)

// ErrAlreadyExists is returned by Add for a duplicate id.
var ErrAlreadyExists = errors.New("bot already exists")

// Store is the bot configuration document.
type Store struct {
	path string

	mu   sync.Mutex
	bots []protocol.BotConfig
	sum  [sha256.Size]byte // checksum of the document as last read or written
}

// Open loads the document at path. A missing file is an empty fleet; a file
// that does not parse is an error, so a bad edit is never overwritten.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := s.withFileLock(func() error {
		bots, sum, err := s.read()
		if err != nil {
			return err
		}
		s.bots, s.sum = bots, sum
		return nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// List returns a copy of all records in document order.
func (s *Store) List() []protocol.BotConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.bots)
}

// Get returns the record for id.
func (s *Store) Get(id string) (protocol.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := indexOf(s.bots, id)
	if i < 0 {
		return protocol.BotConfig{}, &protocol.BotNotFoundError{BotID: id}
	}
	return s.bots[i], nil
}

// Add appends a validated record.
func (s *Store) Add(cfg protocol.BotConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.mutate(func(bots []protocol.BotConfig) ([]protocol.BotConfig, error) {
		if indexOf(bots, cfg.ID) >= 0 {
			return nil, fmt.Errorf("add %s: %w", cfg.ID, ErrAlreadyExists)
		}
		return append(bots, cfg), nil
	})
}

// Remove deletes the record for id.
func (s *Store) Remove(id string) error {
	return s.mutate(func(bots []protocol.BotConfig) ([]protocol.BotConfig, error) {
		i := indexOf(bots, id)
		if i < 0 {
			return nil, &protocol.BotNotFoundError{BotID: id}
		}
		return slices.Delete(bots, i, i+1), nil
	})
}

// Update applies fn to the record for id and persists the result.
func (s *Store) Update(id string, fn func(*protocol.BotConfig)) (protocol.BotConfig, error) {
	var updated protocol.BotConfig
	err := s.mutate(func(bots []protocol.BotConfig) ([]protocol.BotConfig, error) {
		i := indexOf(bots, id)
		if i < 0 {
			return nil, &protocol.BotNotFoundError{BotID: id}
		}
		fn(&bots[i])
		bots[i].ID = id
		updated = bots[i]
		return bots, nil
	})
	return updated, err
}

// Reload re-reads the document and reports whether it differs from what
// the store last read or wrote.
func (s *Store) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	err := s.withFileLock(func() error {
		bots, sum, err := s.read()
		if err != nil {
			return err
		}
		if sum != s.sum {
			s.bots, s.sum = bots, sum
			changed = true
		}
		return nil
	})
	return changed, err
}

func (s *Store) mutate(fn func([]protocol.BotConfig) ([]protocol.BotConfig, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(func() error {
		bots, _, err := s.read()
		if err != nil {
			return err
		}
		next, err := fn(bots)
		if err != nil {
			return err
		}
		sum, err := s.write(next)
		if err != nil {
			return err
		}
		s.bots, s.sum = next, sum
		return nil
	})
}

func (s *Store) read() ([]protocol.BotConfig, [sha256.Size]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, sha256.Sum256(nil), nil
	}
	if err != nil {
		return nil, [sha256.Size]byte{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	sum := sha256.Sum256(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, sum, nil
	}
	var bots []protocol.BotConfig
	if err := json.Unmarshal(data, &bots); err != nil {
		return nil, sum, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return bots, sum, nil
}

func (s *Store) write(bots []protocol.BotConfig) ([sha256.Size]byte, error) {
	if bots == nil {
		bots = []protocol.BotConfig{}
	}
	data, err := json.MarshalIndent(bots, "", "  ")
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("marshal bots: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return [sha256.Size]byte{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return [sha256.Size]byte{}, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return [sha256.Size]byte{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return [sha256.Size]byte{}, fmt.Errorf("replace %s: %w", s.path, err)
	}
	return sha256.Sum256(data), nil
}

// withFileLock holds an exclusive flock on <path>.lock while fn runs.
func (s *Store) withFileLock(fn func() error) error {
	lockPath := s.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // lock path derives from configured store path
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	return fn()
}

func indexOf(bots []protocol.BotConfig, id string) int {
	return slices.IndexFunc(bots, func(b protocol.BotConfig) bool { return b.ID == id })
}
