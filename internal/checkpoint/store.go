package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Store reads and writes RunState snapshots under a run directory. Writes
// are atomic: the snapshot is written to a temporary file, synced, and
// renamed over the previous one, so a crash mid-write never leaves a
// partial checkpoint behind.
type Store struct {
	dir string
}

// NewStore creates the checkpoint directory if needed and returns a store
// rooted there.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the location of the current snapshot file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, "run-state.yaml")
}

// Save atomically replaces the snapshot on disk.
func (s *Store) Save(rs *RunState) error {
	data, err := yaml.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encoding run state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "run-state-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}

	// Sync the directory so the rename itself is durable.
	if d, err := os.Open(s.dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Load reads the most recent snapshot. A missing snapshot is not an error;
// it returns (nil, nil) and the run starts fresh.
func (s *Store) Load() (*RunState, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var rs RunState
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if rs.Version != Version {
		return nil, fmt.Errorf("snapshot version %d not supported (want %d)", rs.Version, Version)
	}
	return &rs, nil
}
