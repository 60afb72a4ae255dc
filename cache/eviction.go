package cache

import "github.com/rs/zerolog"

// DefaultMaxEntries is the default bound on a dynamic store
const DefaultMaxEntries = 50

// Evictor keeps dynamic stores within a maximum entry count. Eviction is
// strict FIFO by insertion: a hot entry inserted early and never rewritten
// is still the first to go. Static stores must not be passed to Trim.
type Evictor struct {
	max int
	log zerolog.Logger
}

// NewEvictor creates an Evictor bounding stores to max entries.
// A max <= 0 uses DefaultMaxEntries.
func NewEvictor(max int, log zerolog.Logger) *Evictor {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Evictor{max: max, log: log}
}

// Max returns the configured bound
func (e *Evictor) Max() int {
	return e.max
}

// Put stores entry in s and evicts the oldest keys beyond max in the same
// critical section. It returns the evicted keys.
func (e *Evictor) Put(s *Store, key string, entry Entry) []string {
	evicted := s.PutBounded(key, entry, e.max)
	e.logEvicted(s, evicted)
	return evicted
}

// Trim deletes the oldest len(s)-max keys and returns them
func (e *Evictor) Trim(s *Store) []string {
	evicted := s.trimTo(e.max)
	e.logEvicted(s, evicted)
	return evicted
}

func (e *Evictor) logEvicted(s *Store, evicted []string) {
	if len(evicted) > 0 {
		e.log.Debug().
			Str("store", s.Name()).
			Int("evicted", len(evicted)).
			Int("max", e.max).
			Msg("cache: evicted oldest entries")
	}
}
