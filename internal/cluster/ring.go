package cluster

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"sync"
)

////////////////////////////////////////////////////////////////////////////////
// CONSISTENT HASHING, REPURPOSED AS A PEER SAMPLER
////////////////////////////////////////////////////////////////////////////////

// Every node in this mesh holds a full replica — there is no shard
// ownership to compute. Ring instead gives AntiEntropy a deterministic,
// rotating subset of peers to reconcile against when the full peer set
// is larger than the configured fanout: hashing the path prefix being
// reconciled onto the same ring nodes are placed on means different
// prefixes land on different walks around the ring, spreading pull
// traffic across peers over time instead of hammering the same subset
// every cycle.
//
// Virtual nodes: a single ring position per physical peer concentrates
// load unevenly, so each peer is placed at many positions
// ("virtual nodes") to spread selection more evenly. Typical range:
// 100-200 per physical peer.
const defaultVnodes = 150

// Ring is the consistent hash ring backing peer sampling. Safe for
// concurrent use.
type Ring struct {
	mu     sync.RWMutex
	vnodes int
	ring   map[uint32]string
	sorted []uint32
}

// NewRing creates an empty ring. vnodes <= 0 uses defaultVnodes.
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = defaultVnodes
	}
	return &Ring{
		vnodes: vnodes,
		ring:   make(map[uint32]string),
	}
}

// AddNode places nodeID's virtual nodes on the ring.
func (r *Ring) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.vnodes; i++ {
		pos := r.hash(fmt.Sprintf("%s#%d", nodeID, i))
		r.ring[pos] = nodeID
	}
	r.rebuild()
}

// RemoveNode removes all of nodeID's virtual nodes.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.vnodes; i++ {
		pos := r.hash(fmt.Sprintf("%s#%d", nodeID, i))
		delete(r.ring, pos)
	}
	r.rebuild()
}

// GetNodes returns up to n distinct peer IDs sampled for key (typically
// a path prefix being anti-entropy-reconciled), walking clockwise from
// key's ring position.
func (r *Ring) GetNodes(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.sorted) == 0 {
		return nil
	}

	pos := r.hash(key)
	idx := r.search(pos)

	seen := make(map[string]bool)
	var nodes []string

	for i := 0; i < len(r.sorted) && len(nodes) < n; i++ {
		vpos := r.sorted[(idx+i)%len(r.sorted)]
		nodeID := r.ring[vpos]

		if !seen[nodeID] {
			seen[nodeID] = true
			nodes = append(nodes, nodeID)
		}
	}
	return nodes
}

// Nodes returns all distinct physical peers currently on the ring.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var nodes []string
	for _, id := range r.ring {
		if !seen[id] {
			seen[id] = true
			nodes = append(nodes, id)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// NodeCount returns the number of distinct physical peers (not virtual
// nodes) on the ring.
func (r *Ring) NodeCount() int {
	return len(r.Nodes())
}

// hash maps s onto the ring's 32-bit position space.
func (r *Ring) hash(s string) uint32 {
	h := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint32(h[:4])
}

// rebuild recomputes the sorted position slice backing binary search.
// Must be called after any AddNode/RemoveNode.
func (r *Ring) rebuild() {
	r.sorted = make([]uint32, 0, len(r.ring))
	for pos := range r.ring {
		r.sorted = append(r.sorted, pos)
	}
	slices.Sort(r.sorted)
}

// search finds the index of the first ring position >= pos, wrapping to
// 0 if pos is past every position (circular lookup).
func (r *Ring) search(pos uint32) int {
	idx := sort.Search(len(r.sorted), func(i int) bool {
		return r.sorted[i] >= pos
	})
	if idx == len(r.sorted) {
		idx = 0
	}
	return idx
}
