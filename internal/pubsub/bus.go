// Package pubsub implements the local subscription fan-out every Put/Del
// notifies: subscribers registered on a path are notified for writes to
// that path, its ancestors, and its descendants.
package pubsub

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"meshkv/internal/store"
)

// ErrShuttingDown is returned by Subscribe once the bus has begun
// shutting down; no further subscriptions are accepted.
var ErrShuttingDown = errors.New("pubsub: bus is shutting down")

// Event is delivered to a subscriber callback on every local or remote
// write that matches its path.
type Event struct {
	Path   string
	Record store.Record
	Origin string
}

// Callback is a subscriber's notification function. Panics and errors are
// swallowed and logged; a misbehaving subscriber never takes down the
// write pipeline.
type Callback func(Event)

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id   uint64
	path string
	bus  *Bus
}

// Unsubscribe removes this subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.path, s.id)
}

type subscriber struct {
	id uint64
	cb Callback
}

// Bus is the local, in-process subscription registry.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriber
	nextID      uint64
	shutdown    bool
	log         *zap.Logger
}

// New constructs a Bus. A nil logger installs zap.NewNop().
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[string][]subscriber),
		log:         log,
	}
}

// Subscribe registers cb for every write whose path is path, an ancestor
// of path, or a descendant of path.
func (b *Bus) Subscribe(path string, cb Callback) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutdown {
		return nil, ErrShuttingDown
	}

	b.nextID++
	id := b.nextID
	b.subscribers[path] = append(b.subscribers[path], subscriber{id: id, cb: cb})

	return &Subscription{id: id, path: path, bus: b}, nil
}

func (b *Bus) remove(path string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subscribers[path]
	for i, s := range list {
		if s.id == id {
			b.subscribers[path] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subscribers[path]) == 0 {
		delete(b.subscribers, path)
	}
}

// Publish notifies every subscriber whose registered path is an ancestor
// of, equal to, or a descendant of evt.Path.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	var matched []subscriber
	for subPath, subs := range b.subscribers {
		if relatedPaths(subPath, evt.Path) {
			matched = append(matched, subs...)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		b.invoke(s.cb, evt)
	}
}

// invoke calls cb, recovering from panics and logging any failure rather
// than letting a bad subscriber disrupt the write pipeline.
func (b *Bus) invoke(cb Callback, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("pubsub subscriber panicked",
				zap.String("path", evt.Path),
				zap.Any("panic", r))
		}
	}()
	cb(evt)
}

// relatedPaths reports whether a and b are the same path or one is an
// ancestor (path-segment prefix) of the other.
func relatedPaths(a, b string) bool {
	if a == b {
		return true
	}
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Shutdown marks the bus as shutting down; future Subscribe calls fail
// with ErrShuttingDown. Already-registered subscribers keep receiving
// Publish events until the process exits.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
}
