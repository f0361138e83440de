// Package node implements ReplicationNode (C8), the orchestrator that
// wires the durable store, security envelope, conflict resolver,
// version store, subscription bus, write pipeline, anti-entropy cycle,
// transport, and peer membership into one running mesh participant.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshkv/internal/cluster"
	"meshkv/internal/conflict"
	"meshkv/internal/pubsub"
	"meshkv/internal/replication"
	"meshkv/internal/security"
	"meshkv/internal/store"
	"meshkv/internal/transport"
	"meshkv/internal/version"
)

// Config is the node's full external configuration surface.
type Config struct {
	ServerID string
	DataDir  string
	Peers    []cluster.Node

	Security security.Config

	ConflictDefaultStrategy string
	MaxVersions             int
	MaxMessageAge           time.Duration

	AntiEntropyInterval  time.Duration // 0 disables scheduled cycles
	ClockOnlyInterval    time.Duration // default 2s, <0 disables
	SnapshotInterval     time.Duration // default 60s, <0 disables
	MaxAntiEntropyFanout int           // 0 = unbounded (all peers)
	RingVNodes           int

	TransportTimeout    time.Duration
	TransportMaxRetries int

	Log *zap.Logger
}

func (c Config) normalized() Config {
	if c.ClockOnlyInterval == 0 {
		c.ClockOnlyInterval = 2 * time.Second
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 60 * time.Second
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	return c
}

// ReplicationNode is one participant in the mesh.
type ReplicationNode struct {
	cfg Config
	mu  *sync.Mutex

	store      *store.Store
	envelope   *security.Envelope
	transport  *transport.Transport
	membership *cluster.Membership
	resolver   *conflict.Manager
	versions   *version.Store
	bus        *pubsub.Bus
	wp         *replication.WriteProcessor
	ae         *replication.AntiEntropy
	log        *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu2    sync.Mutex // guards closed/started, distinct from the replication lock
	closed bool
}

// New builds a ReplicationNode but does not start its background
// tickers — call Start for that.
func New(cfg Config) (*ReplicationNode, error) {
	cfg = cfg.normalized()
	if cfg.ServerID == "" {
		return nil, fmt.Errorf("node: ServerID is required")
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	envelope := security.New(cfg.Security)
	lock := &sync.Mutex{}
	resolver := conflict.NewManager(cfg.ConflictDefaultStrategy)
	versions := version.NewStore(cfg.MaxVersions)
	bus := pubsub.New(cfg.Log)
	membership := cluster.NewMembership(cfg.Peers, cfg.RingVNodes)
	tr := transport.New(cfg.ServerID, envelope, transport.Config{
		RequestTimeout: cfg.TransportTimeout,
		MaxRetries:     cfg.TransportMaxRetries,
	}, cfg.Log)

	n := &ReplicationNode{
		cfg:        cfg,
		mu:         lock,
		store:      st,
		envelope:   envelope,
		transport:  tr,
		membership: membership,
		resolver:   resolver,
		versions:   versions,
		bus:        bus,
		log:        cfg.Log,
		stopCh:     make(chan struct{}),
	}

	n.wp = replication.New(replication.Config{
		SelfID:        cfg.ServerID,
		Lock:          lock,
		Store:         st,
		Resolver:      resolver,
		Versions:      versions,
		Bus:           bus,
		Broadcast:     n,
		MaxMessageAge: cfg.MaxMessageAge,
		Log:           cfg.Log,
	})
	n.ae = replication.NewAntiEntropy(cfg.ServerID, n.wp, n, n, cfg.Log)

	n.registerMeshHandlers()
	return n, nil
}

// Start launches the recent-set sweep, anti-entropy, vector-clock-only,
// and snapshot tickers.
func (n *ReplicationNode) Start() {
	n.wg.Add(1)
	go n.runSweepLoop()

	if n.cfg.ClockOnlyInterval > 0 {
		n.wg.Add(1)
		go n.runClockOnlyLoop()
	}
	if n.cfg.AntiEntropyInterval > 0 {
		n.wg.Add(1)
		go n.runAntiEntropyLoop()
	}
	if n.cfg.SnapshotInterval > 0 {
		n.wg.Add(1)
		go n.runSnapshotLoop()
	}
}

func (n *ReplicationNode) runSweepLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.wp.Sweep()
		case <-n.stopCh:
			return
		}
	}
}

func (n *ReplicationNode) runClockOnlyLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.ClockOnlyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.ae.RunClockOnly(context.Background())
		case <-n.stopCh:
			return
		}
	}
}

// runSnapshotLoop periodically compacts the WAL into a snapshot (teacher's
// background-snapshot pattern from cmd/server/main.go).
func (n *ReplicationNode) runSnapshotLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.store.Snapshot(); err != nil {
				n.log.Warn("periodic snapshot failed", zap.Error(err))
			}
		case <-n.stopCh:
			return
		}
	}
}

func (n *ReplicationNode) runAntiEntropyLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.AntiEntropyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.ae.Run(context.Background(), "", false); err != nil {
				n.log.Warn("scheduled anti-entropy cycle failed", zap.Error(err))
			}
		case <-n.stopCh:
			return
		}
	}
}

// Close marks the node as shutting down, stops its tickers, drains for
// up to 500ms, and closes the durable store.
func (n *ReplicationNode) Close() error {
	n.mu2.Lock()
	if n.closed {
		n.mu2.Unlock()
		return nil
	}
	n.closed = true
	n.mu2.Unlock()

	n.wp.Shutdown()
	n.bus.Shutdown()
	close(n.stopCh)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		n.log.Warn("node close: background loops did not drain within 500ms")
	}

	if err := n.store.Snapshot(); err != nil {
		n.log.Warn("final snapshot failed", zap.Error(err))
	}

	return n.store.Close()
}

// Put performs a locally authored write at path.
func (n *ReplicationNode) Put(ctx context.Context, path string, value any) error {
	return n.wp.LocalPut(ctx, path, value)
}

// Get returns the current value at path, or ok=false if absent or
// tombstoned.
func (n *ReplicationNode) Get(path string) (any, bool) {
	rec, ok := n.store.Get(path)
	if !ok || rec.Tombstone() {
		return nil, false
	}
	return rec.Value, true
}

// Del performs a locally authored soft delete at path.
func (n *ReplicationNode) Del(ctx context.Context, path string) error {
	return n.wp.LocalDelete(ctx, path)
}

// ScanResult is one row returned by Scan.
type ScanResult struct {
	Path  string
	Value any
}

// Scan returns every live (non-tombstoned) value under prefix.
func (n *ReplicationNode) Scan(prefix string) []ScanResult {
	entries := n.store.Scan(prefix)
	out := make([]ScanResult, len(entries))
	for i, e := range entries {
		out[i] = ScanResult{Path: e.Path, Value: e.Record.Value}
	}
	return out
}

// Subscribe registers cb for writes at, above, or below path.
func (n *ReplicationNode) Subscribe(path string, cb func(pubsub.Event)) (*pubsub.Subscription, error) {
	return n.bus.Subscribe(path, cb)
}

// GetVersionHistory returns the retained version history at path,
// newest first.
func (n *ReplicationNode) GetVersionHistory(path string) []version.Entry {
	return n.versions.History(path)
}

// SetConflictStrategy maps pathPrefix to a named conflict strategy.
func (n *ReplicationNode) SetConflictStrategy(pathPrefix, strategy string) {
	n.resolver.SetStrategy(pathPrefix, strategy)
}

// RegisterConflictResolver maps pathPrefix to a custom conflict
// resolver.
func (n *ReplicationNode) RegisterConflictResolver(pathPrefix string, r conflict.Resolver) {
	n.resolver.RegisterResolver(pathPrefix, r)
}

// RunAntiEntropy forces an immediate anti-entropy cycle against
// pathPrefix ("" for all paths), bypassing the backoff/running skip
// checks.
func (n *ReplicationNode) RunAntiEntropy(ctx context.Context, pathPrefix string) error {
	return n.ae.Run(ctx, pathPrefix, true)
}

// Join adds a peer to the mesh.
func (n *ReplicationNode) Join(peer cluster.Node) error {
	return n.membership.Join(peer)
}

// Leave removes a peer from the mesh.
func (n *ReplicationNode) Leave(peerID string) error {
	return n.membership.Leave(peerID)
}

// PeerNodes returns every currently joined peer. Self is not included
// unless a caller has joined this node to its own membership.
func (n *ReplicationNode) PeerNodes() []cluster.Node {
	return n.membership.All()
}
