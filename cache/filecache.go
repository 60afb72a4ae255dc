package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// snapshot is the on-disk form of one store
type snapshot struct {
	Name    string  `json:"name"`
	Entries []Entry `json:"entries"`
}

// FileStore implements BlobStore using one JSON file per store
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed BlobStore rooted at dir.
// If dir is empty, uses ~/.offlinecache.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".offlinecache")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &FileStore{dir: dir}, nil
}

// Dir returns the directory snapshots are written to
func (fs *FileStore) Dir() string {
	return fs.dir
}

// List implements BlobStore
func (fs *FileStore) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(fs.dir, "*.json"))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(matches))
	for _, path := range matches {
		snap, err := fs.read(path)
		if err != nil {
			// Unreadable snapshots are skipped; Load reports them individually
			continue
		}
		names = append(names, snap.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Load implements BlobStore
func (fs *FileStore) Load(name string) ([]Entry, error) {
	snap, err := fs.read(fs.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrStoreNotFound
		}
		return nil, err
	}
	if snap.Name != name {
		return nil, fmt.Errorf("snapshot %s holds store %q", fs.path(name), snap.Name)
	}
	return snap.Entries, nil
}

// Save implements BlobStore
func (fs *FileStore) Save(name string, entries []Entry) error {
	path := fs.path(name)

	data, err := json.MarshalIndent(snapshot{Name: name, Entries: entries}, "", "  ")
	if err != nil {
		return err
	}

	// Write to temporary file first, then rename (atomic operation)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// Delete implements BlobStore
func (fs *FileStore) Delete(name string) error {
	err := os.Remove(fs.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (fs *FileStore) read(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(snap.Name) == "" {
		return nil, fmt.Errorf("decode %s: missing store name", filepath.Base(path))
	}
	return &snap, nil
}

// path generates the full filesystem path for a store name
func (fs *FileStore) path(name string) string {
	return filepath.Join(fs.dir, fileNameFor(name))
}
