package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshkv/internal/clock"
	"meshkv/internal/security"
	"meshkv/internal/store"
)

const (
	minBackoff     = 1 * time.Second
	maxBackoff     = 30 * time.Second
	batchSize      = 50
	interBatchGap  = 50 * time.Millisecond
	defaultClockOnlyInterval = 2 * time.Second
)

// Change is one record exchanged during an anti-entropy response batch.
type Change struct {
	Path   string      `json:"path"`
	Record store.Record `json:"record"`
}

// VectorClockSync is the payload for the vector-clock-sync exchange.
type VectorClockSync struct {
	VectorClock  map[string]uint64 `json:"vectorClock"`
	NodeID       string            `json:"nodeId"`
	SyncID       string            `json:"syncId"`
	IsAntiEntropy bool             `json:"isAntiEntropy"`
}

// AntiEntropyRequest is the payload for a pull request against a path
// prefix.
type AntiEntropyRequest struct {
	RequestID     string            `json:"requestId"`
	NodeID        string            `json:"nodeId"`
	VectorClock   map[string]uint64 `json:"vectorClock"`
	Path          string            `json:"path"`
	IsAntiEntropy bool              `json:"isAntiEntropy"`
}

// AntiEntropyResponse is one batch of a (possibly multi-batch) reply to
// an AntiEntropyRequest.
type AntiEntropyResponse struct {
	ResponseID    string            `json:"responseId"`
	NodeID        string            `json:"nodeId"`
	VectorClock   map[string]uint64 `json:"vectorClock"`
	BatchIndex    int               `json:"batchIndex"`
	TotalBatches  int               `json:"totalBatches"`
	Changes       []Change          `json:"changes"`
	IsAntiEntropy bool              `json:"isAntiEntropy"`
}

// Peer is the minimal peer-addressing info AntiEntropy needs; supplied
// by the owning ReplicationNode from cluster.Membership.
type Peer struct {
	ID      string
	Address string
}

// Exchanger is everything AntiEntropy needs to talk to one peer. The
// owning ReplicationNode implements this over internal/transport.
type Exchanger interface {
	SyncVectorClock(ctx context.Context, peer Peer, req VectorClockSync) (VectorClockSync, error)
	RequestAntiEntropy(ctx context.Context, peer Peer, req AntiEntropyRequest) ([]AntiEntropyResponse, error)
}

// PeerLister returns the peer subset to reconcile pathPrefix against
// this cycle (all connected peers, or a sampled subset under a bounded
// fanout — see cluster.Membership.SamplePeers).
type PeerLister interface {
	Peers(pathPrefix string) []Peer
}

// AntiEntropy runs the pull-based reconciliation cycle against one or
// all peers, with a backoff state machine that skips cycles while a
// previous one is in flight or the backoff window hasn't elapsed.
type AntiEntropy struct {
	selfID string
	wp     *WriteProcessor
	peers  PeerLister
	ex     Exchanger
	log    *zap.Logger

	mu               sync.Mutex
	running          bool
	lastRunTime      time.Time
	consecutiveSkips int
	backoff          time.Duration
}

// NewAntiEntropy constructs an AntiEntropy cycle runner.
func NewAntiEntropy(selfID string, wp *WriteProcessor, peers PeerLister, ex Exchanger, log *zap.Logger) *AntiEntropy {
	if log == nil {
		log = zap.NewNop()
	}
	return &AntiEntropy{
		selfID:  selfID,
		wp:      wp,
		peers:   peers,
		ex:      ex,
		log:     log,
		backoff: minBackoff,
	}
}

// canRun reports whether a cycle may start now. A skip because a cycle is
// still in flight increments consecutiveSkips; a skip inside the backoff
// window changes no bookkeeping.
func (a *AntiEntropy) canRun(force bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running && !force {
		a.consecutiveSkips++
		return false
	}
	if !force && !a.lastRunTime.IsZero() && time.Since(a.lastRunTime) < a.backoff {
		return false
	}
	a.running = true
	return true
}

func (a *AntiEntropy) finish(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idle := time.Since(a.lastRunTime)
	if success {
		a.backoff = maxDuration(minBackoff, time.Duration(float64(a.backoff)*0.8))
		if !a.lastRunTime.IsZero() && idle > 5*a.backoff {
			a.backoff = maxDuration(minBackoff, a.backoff/2)
		}
	} else {
		a.backoff = minDuration(maxBackoff, a.backoff*2)
	}

	a.running = false
	a.lastRunTime = time.Now()
	a.consecutiveSkips = 0
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Run executes one reconciliation cycle against the peers the PeerLister
// returns for pathPrefix ("" means all paths). force bypasses the backoff/running
// skip checks (used by an explicit RunAntiEntropy API call).
func (a *AntiEntropy) Run(ctx context.Context, pathPrefix string, force bool) error {
	if !a.canRun(force) {
		return nil
	}

	var failed bool
	for _, peer := range a.peers.Peers(pathPrefix) {
		if peer.ID == a.selfID {
			continue
		}
		if err := a.reconcileWith(ctx, peer, pathPrefix); err != nil {
			failed = true
			a.log.Warn("anti-entropy cycle with peer failed",
				zap.String("peer", peer.ID), zap.Error(err))
		}
	}

	a.finish(!failed)
	return nil
}

// RunClockOnly performs just the vector-clock exchange (step 2), used by
// the short-interval causal-metadata-refresh ticker.
func (a *AntiEntropy) RunClockOnly(ctx context.Context) {
	for _, peer := range a.peers.Peers("") {
		if peer.ID == a.selfID {
			continue
		}
		if _, err := a.syncClock(ctx, peer); err != nil {
			a.log.Warn("vector-clock-only sync failed", zap.String("peer", peer.ID), zap.Error(err))
		}
	}
}

func (a *AntiEntropy) reconcileWith(ctx context.Context, peer Peer, pathPrefix string) error {
	if _, err := a.syncClock(ctx, peer); err != nil {
		return fmt.Errorf("vector-clock-sync: %w", err)
	}

	requestID, err := security.GenerateSecureID()
	if err != nil {
		return err
	}

	responses, err := a.ex.RequestAntiEntropy(ctx, peer, AntiEntropyRequest{
		RequestID:     requestID,
		NodeID:        a.selfID,
		VectorClock:   a.wp.LocalClock(),
		Path:          pathPrefix,
		IsAntiEntropy: true,
	})
	if err != nil {
		return fmt.Errorf("anti-entropy-request: %w", err)
	}

	for _, resp := range responses {
		a.wp.MergeClock(clock.Clock(resp.VectorClock))
		for _, change := range resp.Changes {
			msgID := fmt.Sprintf("anti-entropy-%s-%s", resp.ResponseID, change.Path)
			if err := a.wp.HandlePut(ctx, Message{
				Path:        change.Path,
				Value:       change.Record.Value,
				MsgID:       msgID,
				Origin:      change.Record.Origin,
				VectorClock: change.Record.VectorClock,
				AntiEntropy: true,
			}); err != nil {
				a.log.Warn("anti-entropy feed-in failed",
					zap.String("path", change.Path), zap.Error(err))
			}
		}
	}

	if _, err := a.syncClock(ctx, peer); err != nil {
		return fmt.Errorf("final vector-clock-sync: %w", err)
	}
	return nil
}

func (a *AntiEntropy) syncClock(ctx context.Context, peer Peer) (clock.Clock, error) {
	syncID, err := security.GenerateSecureID()
	if err != nil {
		return nil, err
	}

	resp, err := a.ex.SyncVectorClock(ctx, peer, VectorClockSync{
		VectorClock:   a.wp.LocalClock(),
		NodeID:        a.selfID,
		SyncID:        syncID,
		IsAntiEntropy: true,
	})
	if err != nil {
		return nil, err
	}

	return a.wp.MergeClock(clock.Clock(resp.VectorClock)), nil
}

// HandleAntiEntropyRequest is the peer side of step 4: merge the
// requester's clock, scan the store under req.Path, and return the
// records in ≤50-record batches.
func (wp *WriteProcessor) HandleAntiEntropyRequest(req AntiEntropyRequest) []AntiEntropyResponse {
	wp.MergeClock(clock.Clock(req.VectorClock))

	entries := wp.store.ScanAll(req.Path)
	if len(entries) == 0 {
		return []AntiEntropyResponse{{
			ResponseID:    req.RequestID,
			NodeID:        wp.selfID,
			VectorClock:   wp.LocalClock(),
			BatchIndex:    0,
			TotalBatches:  1,
			IsAntiEntropy: true,
		}}
	}

	totalBatches := (len(entries) + batchSize - 1) / batchSize
	responses := make([]AntiEntropyResponse, 0, totalBatches)
	for i := 0; i < totalBatches; i++ {
		start := i * batchSize
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		changes := make([]Change, 0, end-start)
		for _, e := range entries[start:end] {
			changes = append(changes, Change{Path: e.Path, Record: e.Record})
		}
		responses = append(responses, AntiEntropyResponse{
			ResponseID:    req.RequestID,
			NodeID:        wp.selfID,
			VectorClock:   wp.LocalClock(),
			BatchIndex:    i,
			TotalBatches:  totalBatches,
			Changes:       changes,
			IsAntiEntropy: true,
		})
		if i < totalBatches-1 {
			time.Sleep(interBatchGap)
		}
	}
	return responses
}
