// Package conflict implements the path-scoped conflict resolution
// strategies used whenever the write pipeline sees two records at the
// same path: vector-dominance, first-write-wins, merge-fields, and
// caller-registered custom resolvers, with deletion handling applied
// ahead of strategy selection.
package conflict

import (
	"fmt"
	"strings"

	"meshkv/internal/clock"
	"meshkv/internal/store"
)

// Strategy names recognized by SetStrategy / configuration.
const (
	VectorDominance = "vector-dominance"
	LastWriteWins   = "last-write-wins" // alias of VectorDominance
	FirstWriteWins  = "first-write-wins"
	MergeFields     = "merge-fields"
	Custom          = "custom"
)

// Resolver is the interface a caller-registered custom resolution
// function must satisfy — the typed equivalent of the spec's duck-typed
// JS callback `(path, local, remote) -> record`.
type Resolver interface {
	Resolve(path string, local, remote store.Record) (store.Record, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(path string, local, remote store.Record) (store.Record, error)

func (f ResolverFunc) Resolve(path string, local, remote store.Record) (store.Record, error) {
	return f(path, local, remote)
}

// Manager selects and applies the right strategy for a given path.
type Manager struct {
	defaultStrategy string
	pathStrategies  map[string]string
	customResolvers map[string]Resolver
}

// NewManager constructs a Manager with the given default strategy
// ("" defaults to vector-dominance).
func NewManager(defaultStrategy string) *Manager {
	if defaultStrategy == "" {
		defaultStrategy = VectorDominance
	}
	return &Manager{
		defaultStrategy: normalizeStrategy(defaultStrategy),
		pathStrategies:  make(map[string]string),
		customResolvers: make(map[string]Resolver),
	}
}

func normalizeStrategy(name string) string {
	if name == LastWriteWins {
		return VectorDominance
	}
	return name
}

// SetStrategy maps a path prefix to a named strategy.
func (m *Manager) SetStrategy(pathPrefix, strategy string) {
	m.pathStrategies[pathPrefix] = normalizeStrategy(strategy)
}

// RegisterResolver maps a path prefix to a custom Resolver, implicitly
// selecting the "custom" strategy for that prefix.
func (m *Manager) RegisterResolver(pathPrefix string, r Resolver) {
	m.customResolvers[pathPrefix] = r
	m.pathStrategies[pathPrefix] = Custom
}

// strategyFor implements the longest-matching-prefix selection rule: try
// decreasing-length `/`-segment prefixes first (form a), then fall back
// to legacy startsWith/equals matching (form b); form (a) wins when both
// match.
func (m *Manager) strategyFor(path string) string {
	if s, ok := m.segmentPrefixMatch(path); ok {
		return s
	}
	if s, ok := m.legacyPrefixMatch(path); ok {
		return s
	}
	return m.defaultStrategy
}

func (m *Manager) segmentPrefixMatch(path string) (string, bool) {
	segments := strings.Split(path, "/")
	for n := len(segments); n >= 1; n-- {
		candidate := strings.Join(segments[:n], "/")
		if s, ok := m.pathStrategies[candidate]; ok {
			return s, true
		}
	}
	return "", false
}

func (m *Manager) legacyPrefixMatch(path string) (string, bool) {
	var best string
	bestLen := -1
	for prefix, strategy := range m.pathStrategies {
		if prefix == path || strings.HasPrefix(path, prefix+"/") {
			if len(prefix) > bestLen {
				best = strategy
				bestLen = len(prefix)
			}
		}
	}
	if bestLen < 0 {
		return "", false
	}
	return best, true
}

// Resolve picks a single winning record for path given the existing
// (local) and incoming (remote) records, applying deletion handling
// before strategy selection.
func (m *Manager) Resolve(path string, local, remote store.Record) (store.Record, error) {
	if rec, handled := resolveDeletion(local, remote); handled {
		return rec, nil
	}

	switch m.strategyFor(path) {
	case FirstWriteWins:
		return resolveFirstWriteWins(local, remote), nil
	case MergeFields:
		return m.resolveMergeFields(path, local, remote), nil
	case Custom:
		return m.resolveCustom(path, local, remote)
	default:
		return resolveVectorDominance(local, remote), nil
	}
}

// resolveDeletion applies the deletion rules ahead of strategy selection.
// It returns handled=false only when neither side is a tombstone.
func resolveDeletion(local, remote store.Record) (store.Record, bool) {
	localDel, remoteDel := local.Tombstone(), remote.Tombstone()

	switch {
	case localDel && remoteDel:
		return resolveVectorDominance(local, remote), true
	case localDel && !remoteDel:
		lc := clock.Clock(local.VectorClock)
		rc := clock.Clock(remote.VectorClock)
		if rc.Dominance(lc) == clock.DomDominates {
			return remote, true // remote update wins over a stale deletion
		}
		return local, true // deletion wins
	case remoteDel && !localDel:
		lc := clock.Clock(local.VectorClock)
		rc := clock.Clock(remote.VectorClock)
		if lc.Dominance(rc) == clock.DomDominates {
			return local, true
		}
		return remote, true
	default:
		return store.Record{}, false
	}
}

func resolveVectorDominance(local, remote store.Record) store.Record {
	lc := clock.Clock(local.VectorClock)
	rc := clock.Clock(remote.VectorClock)

	switch lc.Dominance(rc) {
	case clock.DomDominates, clock.DomIdentical:
		return local
	case clock.DomDominated:
		return remote
	default:
		winner := lc.DeterministicWinner(rc, local.Origin, remote.Origin)
		if winner == local.Origin {
			return local
		}
		return remote
	}
}

// resolveFirstWriteWins prefers the dominated (older) clock; on a
// concurrent pair the tiebreak is the reverse of vector-dominance's,
// per the documented resolution of the spec's Open Question.
func resolveFirstWriteWins(local, remote store.Record) store.Record {
	lc := clock.Clock(local.VectorClock)
	rc := clock.Clock(remote.VectorClock)

	switch lc.Dominance(rc) {
	case clock.DomDominated, clock.DomIdentical:
		return local
	case clock.DomDominates:
		return remote
	default:
		winner := lc.DeterministicWinner(rc, local.Origin, remote.Origin)
		if winner == local.Origin {
			return remote // invert vector-dominance's winner
		}
		return local
	}
}

// resolveMergeFields merges two map-shaped values field by field. Either
// side failing to be a non-nil, non-array map falls back to
// vector-dominance.
func (m *Manager) resolveMergeFields(path string, local, remote store.Record) store.Record {
	localMap, lok := asObject(local.Value)
	remoteMap, rok := asObject(remote.Value)
	if !lok || !rok {
		return resolveVectorDominance(local, remote)
	}

	lc := clock.Clock(local.VectorClock)
	rc := clock.Clock(remote.VectorClock)
	merged := make(map[string]any, len(localMap)+len(remoteMap))

	for k, v := range localMap {
		merged[k] = v
	}
	for k, rv := range remoteMap {
		lv, inLocal := localMap[k]
		if !inLocal {
			merged[k] = rv
			continue
		}
		merged[k] = resolveField(lv, rv, lc, rc, local.Origin, remote.Origin)
	}

	return store.Record{
		Value:       merged,
		VectorClock: lc.Merge(rc),
		Origin:      lc.DeterministicWinner(rc, local.Origin, remote.Origin),
	}
}

func resolveField(localVal, remoteVal any, lc, rc clock.Clock, localOrigin, remoteOrigin string) any {
	switch lc.Dominance(rc) {
	case clock.DomDominates, clock.DomIdentical:
		return localVal
	case clock.DomDominated:
		return remoteVal
	default:
		if lc.DeterministicWinner(rc, localOrigin, remoteOrigin) == localOrigin {
			return localVal
		}
		return remoteVal
	}
}

func asObject(v any) (map[string]any, bool) {
	if v == nil {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// resolveCustom invokes the registered resolver for path; on error (or if
// none is registered) it falls back to vector-dominance.
func (m *Manager) resolveCustom(path string, local, remote store.Record) (rec store.Record, err error) {
	r, ok := m.customResolverFor(path)
	if !ok {
		return resolveVectorDominance(local, remote), nil
	}

	defer func() {
		if r := recover(); r != nil {
			rec = resolveVectorDominance(local, remote)
			err = fmt.Errorf("conflict: custom resolver panicked: %v", r)
		}
	}()

	result, resolveErr := r.Resolve(path, local, remote)
	if resolveErr != nil {
		return resolveVectorDominance(local, remote), fmt.Errorf("conflict: custom resolver failed: %w", resolveErr)
	}
	return result, nil
}

func (m *Manager) customResolverFor(path string) (Resolver, bool) {
	segments := strings.Split(path, "/")
	for n := len(segments); n >= 1; n-- {
		candidate := strings.Join(segments[:n], "/")
		if r, ok := m.customResolvers[candidate]; ok {
			return r, true
		}
	}
	var best Resolver
	bestLen := -1
	for prefix, r := range m.customResolvers {
		if prefix == path || strings.HasPrefix(path, prefix+"/") {
			if len(prefix) > bestLen {
				best, bestLen = r, len(prefix)
			}
		}
	}
	if bestLen < 0 {
		return nil, false
	}
	return best, true
}
