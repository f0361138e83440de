package node

import (
	"context"
	"fmt"

	"meshkv/internal/cluster"
	"meshkv/internal/replication"
	"meshkv/internal/security"
	"meshkv/internal/transport"
)

// BroadcastPut implements replication.Broadcaster by fanning msg out to
// every joined peer over the node's transport.
func (n *ReplicationNode) BroadcastPut(ctx context.Context, msg replication.Message) {
	n.transport.Broadcast(ctx, n.transportPeers(n.membership.All()), "put", msg)
}

// Peers implements replication.PeerLister, sampling a fanout-bounded peer
// subset for pathPrefix via the membership's consistent-hash ring.
func (n *ReplicationNode) Peers(pathPrefix string) []replication.Peer {
	nodes := n.membership.SamplePeers(pathPrefix, n.cfg.MaxAntiEntropyFanout)
	out := make([]replication.Peer, len(nodes))
	for i, node := range nodes {
		out[i] = replication.Peer{ID: node.ID, Address: node.Address}
	}
	return out
}

// SyncVectorClock implements replication.Exchanger's vector-clock-sync
// exchange over the transport's request/response path.
func (n *ReplicationNode) SyncVectorClock(ctx context.Context, peer replication.Peer, req replication.VectorClockSync) (replication.VectorClockSync, error) {
	var resp replication.VectorClockSync
	err := n.transport.Request(ctx, transport.Peer{ID: peer.ID, Address: peer.Address}, "vector-clock-sync", req, &resp)
	return resp, err
}

// RequestAntiEntropy implements replication.Exchanger's pull request over
// the transport's request/response path.
func (n *ReplicationNode) RequestAntiEntropy(ctx context.Context, peer replication.Peer, req replication.AntiEntropyRequest) ([]replication.AntiEntropyResponse, error) {
	var resp []replication.AntiEntropyResponse
	err := n.transport.Request(ctx, transport.Peer{ID: peer.ID, Address: peer.Address}, "anti-entropy-request", req, &resp)
	return resp, err
}

// RunSecurityHandshake confirms peer shares this node's master key before
// the caller starts relying on it for replication traffic.
func (n *ReplicationNode) RunSecurityHandshake(ctx context.Context, peer replication.Peer) error {
	challenge, err := n.envelope.Challenge(n.cfg.ServerID)
	if err != nil {
		return fmt.Errorf("node: build handshake challenge: %w", err)
	}

	var resp security.HandshakeResponse
	if err := n.transport.Request(ctx, transport.Peer{ID: peer.ID, Address: peer.Address}, "security-handshake", challenge, &resp); err != nil {
		return fmt.Errorf("node: security-handshake with %s: %w", peer.ID, err)
	}
	if !n.envelope.VerifyResponse(challenge.Nonce, resp) {
		return fmt.Errorf("node: security-handshake with %s: key mismatch", peer.ID)
	}
	return nil
}

// Dispatch routes an inbound /mesh/<event> request to its handler,
// unwrapping and re-wrapping the security envelope. The HTTP surface
// calls this directly for every mesh route.
func (n *ReplicationNode) Dispatch(event, peerID string, body []byte) ([]byte, error) {
	return n.transport.Dispatch(event, peerID, body)
}

func (n *ReplicationNode) transportPeers(nodes []cluster.Node) []transport.Peer {
	out := make([]transport.Peer, len(nodes))
	for i, node := range nodes {
		out[i] = transport.Peer{ID: node.ID, Address: node.Address}
	}
	return out
}

// registerMeshHandlers wires the inbound /mesh/<event> events the HTTP
// surface dispatches through transport.Dispatch to their processing
// logic.
func (n *ReplicationNode) registerMeshHandlers() {
	n.transport.On("put", func(peerID string, payload []byte) (any, error) {
		var msg replication.Message
		if err := decodeJSON(payload, &msg); err != nil {
			return nil, err
		}
		return nil, n.wp.HandlePut(context.Background(), msg)
	})

	n.transport.On("vector-clock-sync", func(peerID string, payload []byte) (any, error) {
		var req replication.VectorClockSync
		if err := decodeJSON(payload, &req); err != nil {
			return nil, err
		}
		merged := n.wp.MergeClock(toClock(req.VectorClock))
		return replication.VectorClockSync{
			VectorClock:   merged,
			NodeID:        n.cfg.ServerID,
			SyncID:        req.SyncID,
			IsAntiEntropy: req.IsAntiEntropy,
		}, nil
	})

	n.transport.On("anti-entropy-request", func(peerID string, payload []byte) (any, error) {
		var req replication.AntiEntropyRequest
		if err := decodeJSON(payload, &req); err != nil {
			return nil, err
		}
		return n.wp.HandleAntiEntropyRequest(req), nil
	})

	n.transport.On("security-handshake", func(peerID string, payload []byte) (any, error) {
		var h security.Handshake
		if err := decodeJSON(payload, &h); err != nil {
			return nil, err
		}
		resp, ok, err := n.envelope.Respond(n.cfg.ServerID, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("node: security-handshake from %s: key mismatch", h.NodeID)
		}
		return resp, nil
	})
}
