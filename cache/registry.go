package cache

import (
	"container/list"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Registry owns every named store. It is the only component that mutates
// store contents; callers work through the handles returned by Open.
//
// Each store keeps a map for O(1) lookup plus a list in insertion order
// (front = oldest) so eviction can drop the oldest keys without a scan.
// Overwriting a key moves it to the back; reads never reorder.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*Store
	// names removed by DeleteStore; Attach will not bring them back
	tombstones map[string]struct{}
	blobs      BlobStore
	log        zerolog.Logger

	seq       atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	puts      atomic.Uint64
	evictions atomic.Uint64
}

// Option configures a Registry
type Option func(*Registry)

// WithBlobStore persists every store mutation to b
func WithBlobStore(b BlobStore) Option {
	return func(r *Registry) { r.blobs = b }
}

// WithLogger sets the logger used for persistence failures
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		stores:     make(map[string]*Store),
		tombstones: make(map[string]struct{}),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore loads every persisted store. Snapshots that cannot be read are
// logged and treated as absent. It returns the number of stores restored.
func (r *Registry) Restore() (int, error) {
	if r.blobs == nil {
		return 0, nil
	}

	names, err := r.blobs.List()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, name := range names {
		entries, err := r.blobs.Load(name)
		if err != nil {
			r.log.Warn().Err(err).Str("store", name).Msg("cache: unreadable store snapshot, treating as absent")
			continue
		}

		s := newStore(name, r)
		for _, e := range entries {
			if e.Key == "" {
				continue
			}
			if old, ok := s.items[e.Key]; ok {
				s.order.Remove(old)
			}
			s.items[e.Key] = s.order.PushBack(e)
			if e.Seq > r.seq.Load() {
				r.seq.Store(e.Seq)
			}
		}
		r.stores[name] = s
		restored++
	}
	return restored, nil
}

// Open returns the handle for name, creating the store if it does not exist.
// Opening a deleted name recreates it.
func (r *Registry) Open(name string) *Store {
	s, _ := r.open(name, true)
	return s
}

// Attach is Open for request-path callers: it creates a missing store but
// never recreates one removed by DeleteStore, so a request racing an
// activation cannot resurrect a stale generation.
func (r *Registry) Attach(name string) (*Store, bool) {
	return r.open(name, false)
}

// Revive lets Attach create name again after it was deleted
func (r *Registry) Revive(name string) {
	r.mu.Lock()
	delete(r.tombstones, name)
	r.mu.Unlock()
}

func (r *Registry) open(name string, revive bool) (*Store, bool) {
	r.mu.RLock()
	s, ok := r.stores[name]
	r.mu.RUnlock()
	if ok {
		return s, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[name]; ok {
		return s, true
	}
	if _, dead := r.tombstones[name]; dead {
		if !revive {
			return nil, false
		}
		delete(r.tombstones, name)
	}

	s = newStore(name, r)
	r.stores[name] = s
	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()
	return s, true
}

// Lookup returns the handle for name without creating the store
func (r *Registry) Lookup(name string) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	return s, ok
}

// Has reports whether a store named name exists
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.stores[name]
	return ok
}

// ListStores returns every store name, sorted
func (r *Registry) ListStores() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// DeleteStore removes a store and its snapshot. Handles to the deleted store
// stay readable as empty and silently drop writes.
func (r *Registry) DeleteStore(name string) bool {
	r.mu.Lock()
	s, ok := r.stores[name]
	delete(r.stores, name)
	r.tombstones[name] = struct{}{}
	r.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.deleted = true
		s.items = make(map[string]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}

	if r.blobs != nil {
		if err := r.blobs.Delete(name); err != nil {
			r.log.Warn().Err(err).Str("store", name).Msg("cache: delete store snapshot")
		}
	}
	return ok
}

// Stats returns a snapshot of the registry counters
func (r *Registry) Stats() Stats {
	return Stats{
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Puts:      r.puts.Load(),
		Evictions: r.evictions.Load(),
	}
}

// Store is a handle to one named store
type Store struct {
	name    string
	reg     *Registry
	mu      sync.RWMutex
	items   map[string]*list.Element
	order   *list.List // of Entry, front is the oldest insertion
	deleted bool
}

func newStore(name string, reg *Registry) *Store {
	return &Store{
		name:  name,
		reg:   reg,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

// Get implements Reader
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	elem, ok := s.items[key]
	var e Entry
	if ok {
		e = elem.Value.(Entry).clone()
	}
	s.mu.RUnlock()

	if ok {
		s.reg.hits.Add(1)
	} else {
		s.reg.misses.Add(1)
	}
	return e, ok
}

// Put implements Writer. The entry becomes the most recent insertion even
// when key was already present; concurrent puts resolve last-write-wins.
func (s *Store) Put(key string, entry Entry) {
	s.PutBounded(key, entry, 0)
}

// PutBounded stores entry and, when max > 0, drops the oldest entries until
// at most max remain. Insert and trim happen under one lock and the store is
// persisted once, so no snapshot ever holds more than max entries. It
// returns the evicted keys, oldest first.
func (s *Store) PutBounded(key string, entry Entry, max int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		s.reg.log.Debug().Str("store", s.name).Str("key", key).Msg("cache: put on deleted store dropped")
		return nil
	}

	entry = entry.clone()
	entry.Key = key
	entry.Seq = s.reg.seq.Add(1)
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}

	if old, ok := s.items[key]; ok {
		s.order.Remove(old)
	}
	s.items[key] = s.order.PushBack(entry)
	s.reg.puts.Add(1)

	var evicted []string
	if max > 0 {
		evicted = s.evictLocked(max)
	}
	s.persistLocked()
	return evicted
}

// Delete implements Writer
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false
	}
	s.order.Remove(elem)
	delete(s.items, key)
	s.persistLocked()
	return true
}

// Keys returns the keys in insertion order, oldest first
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, s.order.Len())
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(Entry).Key)
	}
	return keys
}

// Len returns the number of entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

// trimTo drops the oldest entries until at most max remain and returns the
// evicted keys, oldest first.
func (s *Store) trimTo(max int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := s.evictLocked(max)
	if len(evicted) > 0 {
		s.persistLocked()
	}
	return evicted
}

func (s *Store) evictLocked(max int) []string {
	var evicted []string
	for s.order.Len() > max {
		elem := s.order.Front()
		key := elem.Value.(Entry).Key
		s.order.Remove(elem)
		delete(s.items, key)
		evicted = append(evicted, key)
	}
	if len(evicted) > 0 {
		s.reg.evictions.Add(uint64(len(evicted)))
	}
	return evicted
}

func (s *Store) persistLocked() {
	if s.reg.blobs == nil || s.deleted {
		return
	}

	entries := make([]Entry, 0, s.order.Len())
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(Entry))
	}
	if err := s.reg.blobs.Save(s.name, entries); err != nil {
		s.reg.log.Warn().Err(err).Str("store", s.name).Msg("cache: persist store snapshot")
	}
}
