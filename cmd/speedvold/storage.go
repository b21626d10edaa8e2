package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Storage is the opaque key-value collaborator the daemon persists through.
// Both records (profile list, active profile id) are JSON-encoded strings;
// this interface deliberately knows nothing about their contents so tests can
// substitute an in-memory double.
type Storage interface {
	// Load returns the stored value for key, or ok=false if the key has
	// never been written.
	Load(key string) (value string, ok bool, err error)
	Save(key, value string) error
}

// fileStorage keeps one file per key under a state directory.
type fileStorage struct {
	dir string
}

func newFileStorage(dir string) (*fileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage state dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &fileStorage{dir: dir}, nil
}

func (f *fileStorage) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func (f *fileStorage) Load(key string) (string, bool, error) {
	b, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return string(b), true, nil
}

// Save writes via a temp file + rename so a crash mid-write never leaves a
// truncated record for the next startup to choke on.
func (f *fileStorage) Save(key, value string) error {
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}
