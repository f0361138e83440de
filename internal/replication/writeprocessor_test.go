package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshkv/internal/conflict"
	"meshkv/internal/pubsub"
	"meshkv/internal/store"
	"meshkv/internal/version"
)

// slowStore wraps a real store.Store but blocks inside Put for one
// designated path until released, standing in for a slow disk fsync so a
// test can observe whether HandlePut's lock is held across it. Writes to
// any other path pass straight through.
type slowStore struct {
	*store.Store
	slowPath   string
	putEntered chan struct{}
	release    chan struct{}
}

func newSlowStore(t *testing.T, slowPath string) *slowStore {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &slowStore{Store: st, slowPath: slowPath, putEntered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *slowStore) Put(path string, rec store.Record) error {
	if path == s.slowPath {
		select {
		case s.putEntered <- struct{}{}:
		default:
		}
		<-s.release
	}
	return s.Store.Put(path, rec)
}

func TestHandlePutReleasesLockDuringStorePut(t *testing.T) {
	st := newSlowStore(t, "slow/path")
	wp := New(Config{
		SelfID:   "n1",
		Lock:     &sync.Mutex{},
		Store:    st,
		Resolver: conflict.NewManager(""),
		Versions: version.NewStore(10),
		Bus:      pubsub.New(nil),
	})

	done := make(chan error, 1)
	go func() {
		done <- wp.HandlePut(context.Background(), Message{
			Path: "slow/path", Value: "v1", MsgID: "m1", Origin: "n2",
			VectorClock: map[string]uint64{"n2": 1},
		})
	}()

	select {
	case <-st.putEntered:
	case <-time.After(time.Second):
		t.Fatal("store.Put was never entered")
	}

	// The first HandlePut is now blocked inside store.Put. If wp.mu were
	// still held across that call, this concurrent write to an unrelated
	// path would block too.
	unrelatedDone := make(chan error, 1)
	go func() {
		unrelatedDone <- wp.HandlePut(context.Background(), Message{
			Path: "other/path", Value: "v2", MsgID: "m2", Origin: "n2",
			VectorClock: map[string]uint64{"n2": 1},
		})
	}()

	select {
	case err := <-unrelatedDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("concurrent write to an unrelated path was blocked by the in-flight store.Put")
	}

	close(st.release)
	require.NoError(t, <-done)
}

func newTestProcessor(t *testing.T, selfID string, broadcast Broadcaster) *WriteProcessor {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(Config{
		SelfID:    selfID,
		Lock:      &sync.Mutex{},
		Store:     st,
		Resolver:  conflict.NewManager(""),
		Versions:  version.NewStore(10),
		Bus:       pubsub.New(nil),
		Broadcast: broadcast,
	})
}

func TestLocalPutPersistsAndIncrementsOwnClock(t *testing.T) {
	wp := newTestProcessor(t, "n1", nil)

	require.NoError(t, wp.LocalPut(context.Background(), "a/b", "v1"))

	rec, ok := wp.store.Get("a/b")
	require.True(t, ok)
	require.Equal(t, "v1", rec.Value)
	require.Equal(t, uint64(1), rec.VectorClock["n1"])

	require.NoError(t, wp.LocalPut(context.Background(), "a/b", "v2"))
	rec2, ok := wp.store.Get("a/b")
	require.True(t, ok)
	require.Equal(t, uint64(2), rec2.VectorClock["n1"])
}

func TestHandlePutDropsDuplicateMsgID(t *testing.T) {
	wp := newTestProcessor(t, "n1", nil)

	msg := Message{Path: "a/b", Value: "v1", MsgID: "m1", Origin: "n2", VectorClock: map[string]uint64{"n2": 1}}
	require.NoError(t, wp.HandlePut(context.Background(), msg))
	require.NoError(t, wp.HandlePut(context.Background(), msg))

	hist := wp.versions.History("a/b")
	require.Empty(t, hist, "second identical msgId must be dropped before touching version history")
}

func TestHandlePutDropsLoop(t *testing.T) {
	wp := newTestProcessor(t, "n1", nil)

	msg := Message{
		Path: "a/b", Value: "v1", MsgID: "m1", Origin: "n2",
		VectorClock:    map[string]uint64{"n2": 1},
		VisitedServers: []string{"n1"},
	}
	require.NoError(t, wp.HandlePut(context.Background(), msg))

	_, ok := wp.store.Get("a/b")
	require.False(t, ok)
}

func TestHandlePutBroadcastsPropagatedMessage(t *testing.T) {
	var broadcasted Message
	var called bool
	bc := BroadcasterFunc(func(ctx context.Context, msg Message) {
		called = true
		broadcasted = msg
	})
	wp := newTestProcessor(t, "n1", bc)

	msg := Message{Path: "a/b", Value: "v1", MsgID: "m1", Origin: "n2", VectorClock: map[string]uint64{"n2": 1}}
	require.NoError(t, wp.HandlePut(context.Background(), msg))

	require.True(t, called)
	require.Contains(t, broadcasted.VisitedServers, "n1")
}

func TestHandlePutSuppressesBroadcastForAntiEntropy(t *testing.T) {
	var called bool
	bc := BroadcasterFunc(func(ctx context.Context, msg Message) { called = true })
	wp := newTestProcessor(t, "n1", bc)

	msg := Message{Path: "a/b", Value: "v1", MsgID: "m1", Origin: "n2", VectorClock: map[string]uint64{"n2": 1}, AntiEntropy: true}
	require.NoError(t, wp.HandlePut(context.Background(), msg))

	require.False(t, called)
}

func TestHandlePutAppendsExistingToVersionHistory(t *testing.T) {
	wp := newTestProcessor(t, "n1", nil)

	require.NoError(t, wp.HandlePut(context.Background(), Message{
		Path: "a/b", Value: "v1", MsgID: "m1", Origin: "n2", VectorClock: map[string]uint64{"n2": 1},
	}))
	require.NoError(t, wp.HandlePut(context.Background(), Message{
		Path: "a/b", Value: "v2", MsgID: "m2", Origin: "n2", VectorClock: map[string]uint64{"n2": 2},
	}))

	hist := wp.versions.History("a/b")
	require.Len(t, hist, 1)
	require.Equal(t, "v1", hist[0].Record.Value)
}

func TestLocalDeleteWritesTombstone(t *testing.T) {
	wp := newTestProcessor(t, "n1", nil)
	require.NoError(t, wp.LocalPut(context.Background(), "a/b", "v1"))
	require.NoError(t, wp.LocalDelete(context.Background(), "a/b"))

	rec, ok := wp.store.Get("a/b")
	require.True(t, ok)
	require.True(t, rec.Tombstone())
}

func TestShutdownDropsFurtherWrites(t *testing.T) {
	wp := newTestProcessor(t, "n1", nil)
	wp.Shutdown()

	require.NoError(t, wp.HandlePut(context.Background(), Message{
		Path: "a/b", Value: "v1", MsgID: "m1", Origin: "n2", VectorClock: map[string]uint64{"n2": 1},
	}))

	_, ok := wp.store.Get("a/b")
	require.False(t, ok)
}

func TestSweepRemovesOldMsgIDs(t *testing.T) {
	wp := newTestProcessor(t, "n1", nil)
	wp.maxMessageAge = 0 // everything is immediately "old"

	require.NoError(t, wp.HandlePut(context.Background(), Message{
		Path: "a/b", Value: "v1", MsgID: "m1", Origin: "n2", VectorClock: map[string]uint64{"n2": 1},
	}))
	wp.Sweep()

	wp.mu.Lock()
	_, seen := wp.recent["m1"]
	wp.mu.Unlock()
	require.False(t, seen)
}
