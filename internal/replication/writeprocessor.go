package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"meshkv/internal/clock"
	"meshkv/internal/conflict"
	"meshkv/internal/pubsub"
	"meshkv/internal/store"
	"meshkv/internal/version"
)

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshkv_writes_total",
		Help: "Writes committed by the write pipeline, labeled by origin.",
	}, []string{"origin"})
	writesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshkv_writes_dropped_total",
		Help: "Writes dropped by the write pipeline before commit, labeled by reason.",
	}, []string{"reason"})
)

// DefaultMaxMessageAge bounds how long a msgId is remembered in the
// dedupe set before the sweep reclaims it.
const DefaultMaxMessageAge = 5 * time.Minute

// Store is the durable collaborator WriteProcessor and AntiEntropy persist
// into and reconcile against. Satisfied by *store.Store in production; test
// doubles implement it to make HandlePut's lock/I/O interleaving observable.
type Store interface {
	Get(path string) (store.Record, bool)
	Put(path string, rec store.Record) error
	ScanAll(prefix string) []store.ScanEntry
}

// Broadcaster fans a propagated message out to the rest of the mesh.
// Implementations must not block the caller's lock — WriteProcessor
// always invokes it after releasing its own lock.
type Broadcaster interface {
	BroadcastPut(ctx context.Context, msg Message)
}

// BroadcasterFunc adapts a plain function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, msg Message)

func (f BroadcasterFunc) BroadcastPut(ctx context.Context, msg Message) { f(ctx, msg) }

// WriteProcessor implements the 15-step handlePut pipeline shared by
// local writes, remote writes, and anti-entropy feed-ins.
type WriteProcessor struct {
	selfID string
	mu     *sync.Mutex

	localClock clock.Clock
	knownNodes map[string]struct{}

	store     Store
	resolver  *conflict.Manager
	versions  *version.Store
	bus       *pubsub.Bus
	broadcast Broadcaster

	recent        map[string]time.Time
	maxMessageAge time.Duration

	shuttingDown bool

	log *zap.Logger
}

// Config bundles WriteProcessor's collaborators and tuning knobs.
type Config struct {
	SelfID        string
	Lock          *sync.Mutex // shared with the owning ReplicationNode
	Store         Store
	Resolver      *conflict.Manager
	Versions      *version.Store
	Bus           *pubsub.Bus
	Broadcast     Broadcaster
	MaxMessageAge time.Duration
	Log           *zap.Logger
}

// New constructs a WriteProcessor. It starts no goroutines; the dedupe
// set is pruned only when the owner calls Sweep.
func New(cfg Config) *WriteProcessor {
	if cfg.MaxMessageAge <= 0 {
		cfg.MaxMessageAge = DefaultMaxMessageAge
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Lock == nil {
		cfg.Lock = &sync.Mutex{}
	}

	wp := &WriteProcessor{
		selfID:        cfg.SelfID,
		mu:            cfg.Lock,
		localClock:    clock.New(),
		knownNodes:    map[string]struct{}{cfg.SelfID: {}},
		store:         cfg.Store,
		resolver:      cfg.Resolver,
		versions:      cfg.Versions,
		bus:           cfg.Bus,
		broadcast:     cfg.Broadcast,
		recent:        make(map[string]time.Time),
		maxMessageAge: cfg.MaxMessageAge,
		log:           cfg.Log,
	}
	wp.localClock.EnsureKnown(cfg.SelfID)
	return wp
}

// HandlePut runs the full pipeline for msg, whether locally authored,
// received from a peer, or fed in by anti-entropy reconciliation. The lock
// is held only for the in-memory snapshot/conflict-resolution/clock-merge
// steps; store.Put's WAL append (and fsync) runs unlocked so one write's
// disk latency never serializes writes to unrelated paths. The lock is
// re-acquired afterward only to commit the recent-msgID dedupe entry and
// the merged clock.
func (wp *WriteProcessor) HandlePut(ctx context.Context, msg Message) error {
	wp.mu.Lock()

	if wp.shuttingDown {
		wp.mu.Unlock()
		wp.drop("shutting_down", msg)
		return nil
	}
	if _, seen := wp.recent[msg.MsgID]; seen {
		wp.mu.Unlock()
		wp.drop("duplicate", msg)
		return nil
	}
	if containsString(msg.VisitedServers, wp.selfID) {
		wp.mu.Unlock()
		wp.drop("loop", msg)
		return nil
	}

	incomingClock := clock.Clock(msg.VectorClock)
	if len(incomingClock) == 0 {
		incomingClock = clock.Clock{msg.Origin: 1}
	}
	incoming := store.Record{Value: msg.Value, VectorClock: incomingClock, Origin: msg.Origin}

	existing, hadExisting := wp.store.Get(msg.Path)

	var final store.Record
	var resolveErr error
	if hadExisting {
		final, resolveErr = wp.resolver.Resolve(msg.Path, existing, incoming)
	} else {
		final = incoming
	}

	mergedClock := wp.localClock.Merge(incomingClock)

	label := "remote"
	switch {
	case msg.AntiEntropy:
		label = "anti_entropy"
	case msg.Origin == wp.selfID:
		mergedClock.Increment(wp.selfID)
		label = "local"
	}

	mergedClock.EnsureKnown(msg.Origin)
	for id := range wp.knownNodes {
		mergedClock.EnsureKnown(id)
	}
	final.VectorClock = mergedClock.Copy()

	wp.mu.Unlock()

	if resolveErr != nil {
		wp.log.Warn("conflict resolver fell back to vector-dominance",
			zap.String("path", msg.Path), zap.String("msgId", msg.MsgID), zap.Error(resolveErr))
	}

	if err := wp.store.Put(msg.Path, final); err != nil {
		return fmt.Errorf("replication: persist %s: %w", msg.Path, err)
	}

	if hadExisting {
		wp.versions.Append(msg.Path, existing)
	}

	wp.mu.Lock()
	wp.recent[msg.MsgID] = time.Now()
	wp.knownNodes[msg.Origin] = struct{}{}
	wp.localClock = mergedClock
	shuttingDown := wp.shuttingDown
	wp.mu.Unlock()

	propagated := msg
	propagated.VectorClock = final.VectorClock
	propagated.VisitedServers = append(append([]string{}, msg.VisitedServers...), wp.selfID)

	writesTotal.WithLabelValues(label).Inc()
	wp.bus.Publish(pubsub.Event{Path: msg.Path, Record: final, Origin: msg.Origin})

	if !shuttingDown && !msg.AntiEntropy && wp.broadcast != nil {
		wp.broadcast.BroadcastPut(ctx, propagated)
	}
	return nil
}

func (wp *WriteProcessor) drop(reason string, msg Message) {
	writesDropped.WithLabelValues(reason).Inc()
	wp.log.Warn("write dropped", zap.String("reason", reason), zap.String("path", msg.Path), zap.String("msgId", msg.MsgID))
}

// LocalPut builds a message for a locally authored write and runs it
// through HandlePut. The message's vectorClock carries a pre-merge
// snapshot of the node's current clock; the authoritative increment for
// this node's own counter happens once, inside HandlePut's step 11.
func (wp *WriteProcessor) LocalPut(ctx context.Context, path string, value any) error {
	msgID, err := freshMsgID()
	if err != nil {
		return fmt.Errorf("replication: generate msgId: %w", err)
	}

	wp.mu.Lock()
	snapshot := wp.localClock.Copy()
	wp.mu.Unlock()

	return wp.HandlePut(ctx, Message{
		Path:        path,
		Value:       value,
		MsgID:       msgID,
		Origin:      wp.selfID,
		VectorClock: snapshot,
	})
}

// LocalDelete is a soft delete: a local put with a nil value (tombstone).
func (wp *WriteProcessor) LocalDelete(ctx context.Context, path string) error {
	return wp.LocalPut(ctx, path, nil)
}

// Shutdown marks the processor as shutting down: in-flight HandlePut
// calls still commit, but no further broadcast propagation happens and
// new inbound messages are dropped.
func (wp *WriteProcessor) Shutdown() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.shuttingDown = true
}

// Sweep removes recent-set entries older than maxMessageAge. The owning
// ReplicationNode calls this on a periodic (60s default) ticker.
func (wp *WriteProcessor) Sweep() {
	cutoff := time.Now().Add(-wp.maxMessageAge)
	wp.mu.Lock()
	defer wp.mu.Unlock()
	for id, seen := range wp.recent {
		if seen.Before(cutoff) {
			delete(wp.recent, id)
		}
	}
}

// LocalClock returns a snapshot of the node's current vector clock, used
// by AntiEntropy's vector-clock exchange.
func (wp *WriteProcessor) LocalClock() clock.Clock {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.localClock.Copy()
}

// MergeClock merges other into the node's local clock, used by
// AntiEntropy's vector-clock-sync handlers.
func (wp *WriteProcessor) MergeClock(other clock.Clock) clock.Clock {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.localClock = wp.localClock.Merge(other)
	for id := range wp.knownNodes {
		wp.localClock.EnsureKnown(id)
	}
	return wp.localClock.Copy()
}

// KnownNodeIDs returns every NodeId this node has ever observed an
// origin for, including itself.
func (wp *WriteProcessor) KnownNodeIDs() []string {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	out := make([]string, 0, len(wp.knownNodes))
	for id := range wp.knownNodes {
		out = append(out, id)
	}
	return out
}
