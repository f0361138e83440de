// Package version keeps a bounded, ephemeral history of the records seen
// at each path, ordered by causal dominance, for debugging and
// introspection via GetVersionHistory. History is not persisted across
// restarts.
package version

import (
	"sort"
	"strings"
	"sync"

	"meshkv/internal/clock"
	"meshkv/internal/store"
)

// DefaultMaxVersions bounds how many versions are retained per path.
const DefaultMaxVersions = 10

// Entry is one historical record at a path, plus the wall-clock-free
// sequence number it was appended under. History order does not consult
// Seq: identical/concurrent entries are ordered by origin alone.
type Entry struct {
	Record store.Record
	Seq    uint64
}

// Store holds per-path bounded version history.
type Store struct {
	mu         sync.Mutex
	maxVersion int
	history    map[string][]Entry
	seq        uint64
}

// NewStore constructs a Store. maxVersions <= 0 uses DefaultMaxVersions.
func NewStore(maxVersions int) *Store {
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}
	return &Store{
		maxVersion: maxVersions,
		history:    make(map[string][]Entry),
	}
}

// Append records rec as a new version at path, inserting it in
// causal-dominance order (ties broken by origin, lexicographically) and
// evicting the tail entry if the list exceeds maxVersions.
func (s *Store) Append(path string, rec store.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	entry := Entry{Record: rec, Seq: s.seq}

	list := s.history[path]
	idx := sort.Search(len(list), func(i int) bool {
		return !dominatesOrEqual(list[i].Record, rec)
	})
	list = append(list, Entry{})
	copy(list[idx+1:], list[idx:])
	list[idx] = entry

	if len(list) > s.maxVersion {
		list = list[:s.maxVersion]
	}
	s.history[path] = list
}

// dominatesOrEqual reports whether a should sort before (or at the same
// position as) b in a newest-first history: a dominates b, or they're
// identical/concurrent and a's origin sorts lexicographically >= b's.
func dominatesOrEqual(a, b store.Record) bool {
	ac := clock.Clock(a.VectorClock)
	bc := clock.Clock(b.VectorClock)
	switch ac.Dominance(bc) {
	case clock.DomDominates:
		return true
	case clock.DomDominated:
		return false
	default:
		return strings.Compare(a.Origin, b.Origin) >= 0
	}
}

// History returns the retained versions at path, newest first. The
// returned slice is a copy; callers may not mutate the store's state
// through it.
func (s *Store) History(path string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.history[path]
	out := make([]Entry, len(list))
	copy(out, list)
	return out
}

// Clear discards all history at path.
func (s *Store) Clear(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, path)
}
