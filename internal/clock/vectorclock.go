// Package clock implements the vector-clock causality layer every other
// replication component builds on: per-node logical counters, merge,
// and the four-valued comparison that drives conflict detection.
package clock

import (
	"encoding/json"
	"maps"
	"math"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshkv_vector_clock_conflicts_total",
		Help: "Number of Compare calls that resolved to Concurrent.",
	})
	mergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshkv_vector_clock_merges_total",
		Help: "Number of vector clock merges performed.",
	})
)

// Relation is the four-valued result of comparing two clocks.
type Relation int

const (
	Identical Relation = iota
	Before
	After
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Identical:
		return "identical"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Dominance is the relation mapped into the dominates/dominated vocabulary
// used by the conflict resolver and version store.
type Dominance int

const (
	DomIdentical Dominance = iota
	DomDominates
	DomDominated
	DomConcurrent
)

// Clock is a mapping from NodeId to a non-negative logical counter.
// An absent key is equivalent to a counter of 0.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// FromJSON parses a serialized clock. A nil/invalid/non-object payload
// yields an empty clock rather than an error — per spec, construction is
// always sanitizing rather than failing.
func FromJSON(raw []byte) Clock {
	c := make(Clock)
	if len(raw) == 0 {
		return c
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return c
	}
	for k, v := range m {
		c[k] = sanitize(v)
	}
	return c
}

// sanitize coerces negative, non-numeric, or NaN counter values to 0.
func sanitize(v any) uint64 {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || f < 0 {
		return 0
	}
	return uint64(f)
}

// Increment bumps nodeID's counter by one.
func (c Clock) Increment(nodeID string) {
	c[nodeID]++
}

// Get returns the counter for nodeID, or 0 if absent.
func (c Clock) Get(nodeID string) uint64 {
	return c[nodeID]
}

// EnsureKnown makes sure every id in ids has an entry (value unchanged if
// already present, 0 otherwise). This is how the write pipeline satisfies
// invariant 4: every known NodeId is present as a key.
func (c Clock) EnsureKnown(ids ...string) {
	for _, id := range ids {
		if _, ok := c[id]; !ok {
			c[id] = 0
		}
	}
}

// Copy returns a deep copy.
func (c Clock) Copy() Clock {
	if c == nil {
		return make(Clock)
	}
	out := make(Clock, len(c))
	maps.Copy(out, c)
	return out
}

// Merge returns the pointwise-maximum of c and other; it does not mutate
// either input.
func (c Clock) Merge(other Clock) Clock {
	merged := c.Copy()
	for node, cnt := range other {
		if cnt > merged[node] {
			merged[node] = cnt
		}
	}
	mergesTotal.Inc()
	return merged
}

// Compare determines how c relates to other. Comparing against a nil
// clock is treated fail-safe as Concurrent, which routes the pair through
// conflict resolution instead of silently discarding one side.
func (c Clock) Compare(other Clock) Relation {
	if other == nil {
		conflictsTotal.Inc()
		return Concurrent
	}

	selfGreater, otherGreater := false, false

	for node, cnt := range c {
		o := other[node]
		switch {
		case cnt > o:
			selfGreater = true
		case cnt < o:
			otherGreater = true
		}
		if selfGreater && otherGreater {
			conflictsTotal.Inc()
			return Concurrent
		}
	}
	for node, cnt := range other {
		if _, ok := c[node]; ok {
			continue
		}
		if cnt > 0 {
			otherGreater = true
		}
		if selfGreater && otherGreater {
			conflictsTotal.Inc()
			return Concurrent
		}
	}

	switch {
	case !selfGreater && !otherGreater:
		return Identical
	case selfGreater && !otherGreater:
		return After
	case !selfGreater && otherGreater:
		return Before
	default:
		conflictsTotal.Inc()
		return Concurrent
	}
}

// Dominance maps Compare's result into the dominates/dominated vocabulary
// used by version ordering and conflict resolution: c After other means c
// dominates other.
func (c Clock) Dominance(other Clock) Dominance {
	switch c.Compare(other) {
	case Identical:
		return DomIdentical
	case After:
		return DomDominates
	case Before:
		return DomDominated
	default:
		return DomConcurrent
	}
}

// DeterministicWinner picks a side when the two clocks don't causally
// order: if not Concurrent, the causal order decides; if Concurrent, the
// lexicographically greater of selfID/otherID wins. This must be called
// with the SAME rule on both sides of a comparison (symmetric), which is
// why it's a pure function of (selfID, otherID) rather of node identity
// baked into the clock.
func (c Clock) DeterministicWinner(other Clock, selfID, otherID string) string {
	switch c.Compare(other) {
	case After, Identical:
		return selfID
	case Before:
		return otherID
	default:
		if strings.Compare(selfID, otherID) >= 0 {
			return selfID
		}
		return otherID
	}
}

// Keys returns a sorted list of node ids present in the clock, used for
// deterministic JSON/log output in tests.
func (c Clock) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
