// Package cache provides named, versioned stores of HTTP responses keyed by
// request, with insertion-ordered (FIFO) eviction and optional persistence.
package cache

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrStoreNotFound is returned when a persisted store snapshot does not exist
	ErrStoreNotFound = errors.New("cache store not found")
)

// Entry represents a cached response with metadata
type Entry struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	Seq      uint64      `json:"seq"`
	StoredAt time.Time   `json:"stored_at"`
}

// clone returns a copy whose header map can be mutated by the caller
func (e Entry) clone() Entry {
	e.Header = e.Header.Clone()
	return e
}

// Reader defines the read side of a store
type Reader interface {
	// Get returns the entry for key. Reads never change eviction order.
	Get(key string) (Entry, bool)
}

// Writer defines the write side of a store
type Writer interface {
	// Put stores the entry under key, replacing any previous entry
	Put(key string, entry Entry)
	// Delete removes key and reports whether it was present
	Delete(key string) bool
}

// ReadWriter combines both store operations
type ReadWriter interface {
	Reader
	Writer
}

// BlobStore persists whole store snapshots. Registry writes through to it
// after every mutation and reads from it on Restore.
type BlobStore interface {
	// List returns the names of every persisted store
	List() ([]string, error)
	// Load returns the entries of a store in insertion order
	Load(name string) ([]Entry, error)
	// Save replaces the snapshot of a store
	Save(name string, entries []Entry) error
	// Delete removes the snapshot of a store; missing snapshots are not an error
	Delete(name string) error
}
