// Package state persists entity markers and account health to a single JSON
// file. Writes go to a temporary file in the same directory followed by an
// atomic rename, so readers see either the old or the new complete file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"timeline_tracker/internal/domain"
	"timeline_tracker/internal/metrics"
)

// Store is safe for concurrent use. The mutex serializes writers only;
// Load reads whatever complete file is in place.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	current domain.PersistedState

	now    func() time.Time
	rename func(oldpath, newpath string) error
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:    path,
		logger:  logger.With("component", "state_store", "path", path),
		current: domain.NewPersistedState(),
		now:     time.Now,
		rename:  os.Rename,
	}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// CheckWritable makes sure the state directory exists and accepts new files.
func (s *Store) CheckWritable() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("state dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Load reads the state file. A missing file yields an empty state. A file
// that cannot be parsed or carries an unknown schema version yields an error
// wrapping domain.ErrCorruptState.
func (s *Store) Load() (domain.PersistedState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.NewPersistedState(), nil
	}
	if err != nil {
		return domain.PersistedState{}, fmt.Errorf("read state file: %w", err)
	}

	var st domain.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.PersistedState{}, fmt.Errorf("%w: %v", domain.ErrCorruptState, err)
	}
	if st.SchemaVersion != domain.StateSchemaVersion {
		return domain.PersistedState{}, fmt.Errorf("%w: unsupported schema version %d",
			domain.ErrCorruptState, st.SchemaVersion)
	}

	st = st.Clone()

	s.mu.Lock()
	s.current = st.Clone()
	s.mu.Unlock()

	return st, nil
}

// Quarantine moves an unreadable state file aside so a fresh one can be written.
func (s *Store) Quarantine() (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, dst); err != nil {
		return "", fmt.Errorf("quarantine state file: %w", err)
	}
	return dst, nil
}

// Save replaces the whole persisted state.
func (s *Store) Save(st domain.PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeLocked(st.Clone())
}

// UpdateHealth persists a new account health snapshot, keeping the markers of
// the last written state.
func (s *Store) UpdateHealth(health map[string]domain.AccountHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.current.Clone()
	st.AccountsHealth = maps.Clone(health)
	return s.writeLocked(st)
}

func (s *Store) writeLocked(st domain.PersistedState) error {
	st.SchemaVersion = domain.StateSchemaVersion
	st.SavedAt = s.now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := s.rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}

	syncDir(dir)

	s.current = st
	metrics.StateSaved()
	s.logger.Debug("state saved",
		"entities", len(st.Entities),
		"accounts", len(st.AccountsHealth),
	)

	return nil
}

// syncDir flushes the rename to disk where the platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
