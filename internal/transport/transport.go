// Package transport is the best-effort, unordered inter-node messaging
// collaborator: named-event emit to one peer, broadcast to every peer,
// and inbound dispatch to registered handlers. The HTTP implementation is
// grounded in the teacher's replication client: a shared *http.Client,
// bounded retries with exponential backoff, and a per-event POST.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshkv/internal/security"
)

// Peer is the address a message is sent to.
type Peer struct {
	ID      string
	Address string // host:port
}

// Handler processes an inbound event payload from peerID and may return
// a response payload to be JSON-marshaled and sent back (nil for
// fire-and-forget events like "put"). Handlers are registered per event
// name; Dispatch logs a handler error at Warn and returns it to its
// caller, so a bad inbound message never crashes the receiver.
type Handler func(peerID string, payload []byte) (any, error)

// Transport is the emit/broadcast/on collaborator.
type Transport struct {
	selfID   string
	client   *http.Client
	envelope *security.Envelope
	log      *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	retries  int
}

// Config controls retry/timeout behavior.
type Config struct {
	RequestTimeout time.Duration // default 3s
	MaxRetries     int           // default 3
}

func (c Config) normalized() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// New constructs a Transport. envelope may be a disabled envelope (wraps
// payloads as plain pass-through); log may be nil.
func New(selfID string, envelope *security.Envelope, cfg Config, log *zap.Logger) *Transport {
	cfg = cfg.normalized()
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		selfID:   selfID,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		envelope: envelope,
		log:      log,
		handlers: make(map[string]Handler),
		retries:  cfg.MaxRetries,
	}
}

// On registers handler for inbound events named event. Dispatch is done
// by the HTTP server's /mesh/<event> route calling Dispatch.
func (t *Transport) On(event string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = h
}

// Dispatch routes an inbound event to its registered handler, unwrapping
// the security envelope first and re-wrapping any response payload. Used
// by the HTTP surface, which writes the returned bytes back as the
// response body verbatim (or a bare 200 if nil).
func (t *Transport) Dispatch(event, peerID string, body []byte) ([]byte, error) {
	t.mu.RLock()
	h, ok := t.handlers[event]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no handler registered for event %q", event)
	}

	payload, err := t.unwrap(body)
	if err != nil {
		t.log.Warn("dropped inbound message: envelope failed to decrypt/verify",
			zap.String("event", event), zap.String("peer", peerID), zap.Error(err))
		return nil, fmt.Errorf("transport: unwrap envelope: %w", err)
	}

	result, err := h(peerID, payload)
	if err != nil {
		t.log.Warn("inbound handler failed",
			zap.String("event", event), zap.String("peer", peerID), zap.Error(err))
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	wire, err := t.wrap(result)
	if err != nil {
		return nil, fmt.Errorf("transport: wrap response envelope: %w", err)
	}
	return json.Marshal(wire)
}

// Emit sends payload as event to a single peer, retrying with exponential
// backoff (teacher's sendReplicateRequest pattern) for up to MaxRetries
// attempts in total.
// Any response body is discarded — use Request when the peer's reply
// matters.
func (t *Transport) Emit(ctx context.Context, peer Peer, event string, payload any) error {
	_, err := t.sendWithRetry(ctx, peer, event, payload)
	return err
}

// Request sends payload as event to a single peer and decodes its
// response envelope into out (a pointer). Used by AntiEntropy's
// vector-clock-sync and anti-entropy-request exchanges, which need the
// peer's reply.
func (t *Transport) Request(ctx context.Context, peer Peer, event string, payload any, out any) error {
	body, err := t.sendWithRetry(ctx, peer, event, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	var wire security.Wire
	if err := json.Unmarshal(body, &wire); err != nil {
		return fmt.Errorf("transport: decode response envelope: %w", err)
	}
	plaintext, err := t.envelope.Decrypt(wire)
	if err != nil {
		return fmt.Errorf("transport: decrypt response: %w", err)
	}
	return json.Unmarshal(plaintext, out)
}

func (t *Transport) sendWithRetry(ctx context.Context, peer Peer, event string, payload any) ([]byte, error) {
	wire, err := t.wrap(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: wrap envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < t.retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))*100) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		respBody, err := t.post(ctx, peer, event, wire)
		if err != nil {
			lastErr = err
			continue
		}
		return respBody, nil
	}
	return nil, fmt.Errorf("transport: %q to %s after %d attempts: %w", event, peer.ID, t.retries, lastErr)
}

// Broadcast fans Emit out concurrently to every peer in peers, logging
// (never returning) per-peer failures — best-effort, unordered delivery.
func (t *Transport) Broadcast(ctx context.Context, peers []Peer, event string, payload any) {
	var wg sync.WaitGroup
	for _, p := range peers {
		if p.ID == t.selfID {
			continue
		}
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			if err := t.Emit(ctx, p, event, payload); err != nil {
				t.log.Warn("broadcast to peer failed",
					zap.String("peer", p.ID),
					zap.String("event", event),
					zap.Error(err))
			}
		}(p)
	}
	wg.Wait()
}

func (t *Transport) post(ctx context.Context, peer Peer, event string, wire security.Wire) ([]byte, error) {
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s/mesh/%s", peer.Address, event)
	reqCtx, cancel := context.WithTimeout(ctx, t.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("peer %s returned HTTP %d", peer.ID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (t *Transport) wrap(payload any) (security.Wire, error) {
	return t.envelope.Encrypt(payload)
}

func (t *Transport) unwrap(body []byte) ([]byte, error) {
	var wire security.Wire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	return t.envelope.Decrypt(wire)
}
