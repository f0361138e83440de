package node

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshkv/internal/cluster"
	"meshkv/internal/pubsub"
	"meshkv/internal/replication"
	"meshkv/internal/security"
)

// meshServer exposes a node's transport.Dispatch over HTTP, mirroring
// the /mesh/<event> route the real HTTP surface wires up.
func meshServer(t *testing.T, n *ReplicationNode) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/mesh/", func(w http.ResponseWriter, r *http.Request) {
		event := strings.TrimPrefix(r.URL.Path, "/mesh/")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp, err := n.Dispatch(event, "peer", body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if resp == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestNode(t *testing.T, id string, peers []cluster.Node) *ReplicationNode {
	t.Helper()
	n, err := New(Config{
		ServerID:            id,
		DataDir:             t.TempDir(),
		Peers:               peers,
		ClockOnlyInterval:   -1,
		SnapshotInterval:    -1,
		TransportTimeout:    2 * time.Second,
		TransportMaxRetries: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func addrOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestPutGetRoundTrip(t *testing.T) {
	n := newTestNode(t, "n1", nil)
	require.NoError(t, n.Put(context.Background(), "a/b", "hello"))

	v, ok := n.Get("a/b")
	require.True(t, ok)
	require.Equal(t, "hello", v)
}

func TestDelTombstonesAndHidesFromGet(t *testing.T) {
	n := newTestNode(t, "n1", nil)
	require.NoError(t, n.Put(context.Background(), "a/b", "hello"))
	require.NoError(t, n.Del(context.Background(), "a/b"))

	_, ok := n.Get("a/b")
	require.False(t, ok)
}

func TestScanReturnsLiveEntriesUnderPrefix(t *testing.T) {
	n := newTestNode(t, "n1", nil)
	require.NoError(t, n.Put(context.Background(), "a/b", 1))
	require.NoError(t, n.Put(context.Background(), "a/c", 2))
	require.NoError(t, n.Put(context.Background(), "z/q", 3))

	results := n.Scan("a")
	require.Len(t, results, 2)
}

func TestSubscribeReceivesLocalWrite(t *testing.T) {
	n := newTestNode(t, "n1", nil)
	received := make(chan pubsub.Event, 1)
	_, err := n.Subscribe("a", func(evt pubsub.Event) { received <- evt })
	require.NoError(t, err)

	require.NoError(t, n.Put(context.Background(), "a/b", "hello"))

	select {
	case evt := <-received:
		require.Equal(t, "a/b", evt.Path)
		require.Equal(t, "hello", evt.Record.Value)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestPutPropagatesToPeerOverHTTP(t *testing.T) {
	n1 := newTestNode(t, "n1", nil)
	n2 := newTestNode(t, "n2", nil)

	srv1 := meshServer(t, n1)
	srv2 := meshServer(t, n2)

	require.NoError(t, n1.Join(cluster.Node{ID: "n2", Address: addrOf(srv2)}))
	require.NoError(t, n2.Join(cluster.Node{ID: "n1", Address: addrOf(srv1)}))

	require.NoError(t, n1.Put(context.Background(), "shared/key", "from-n1"))

	require.Eventually(t, func() bool {
		v, ok := n2.Get("shared/key")
		return ok && v == "from-n1"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunAntiEntropyPullsDivergedState(t *testing.T) {
	n1 := newTestNode(t, "n1", nil)
	n2 := newTestNode(t, "n2", nil)

	srv1 := meshServer(t, n1)
	srv2 := meshServer(t, n2)

	// n2 writes before either side knows about the other, so no
	// broadcast reaches n1 — the two replicas diverge.
	require.NoError(t, n2.Put(context.Background(), "catch/up", "seed"))

	_, ok := n1.Get("catch/up")
	require.False(t, ok)

	require.NoError(t, n1.Join(cluster.Node{ID: "n2", Address: addrOf(srv2)}))
	require.NoError(t, n2.Join(cluster.Node{ID: "n1", Address: addrOf(srv1)}))

	require.NoError(t, n1.RunAntiEntropy(context.Background(), ""))

	v, ok := n1.Get("catch/up")
	require.True(t, ok)
	require.Equal(t, "seed", v)
}

func TestVersionHistoryRecordsPriorValue(t *testing.T) {
	n := newTestNode(t, "n1", nil)
	require.NoError(t, n.Put(context.Background(), "a/b", "v1"))
	require.NoError(t, n.Put(context.Background(), "a/b", "v2"))

	hist := n.GetVersionHistory("a/b")
	require.Len(t, hist, 1)
	require.Equal(t, "v1", hist[0].Record.Value)
}

func TestCloseIsIdempotent(t *testing.T) {
	n := newTestNode(t, "n1", nil)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
}

func TestCloseTakesFinalSnapshot(t *testing.T) {
	dataDir := t.TempDir()
	n, err := New(Config{
		ServerID:          "n1",
		DataDir:           dataDir,
		ClockOnlyInterval: -1,
		SnapshotInterval:  -1,
	})
	require.NoError(t, err)
	require.NoError(t, n.Put(context.Background(), "a/b", "hello"))
	require.NoError(t, n.Close())

	_, err = os.Stat(filepath.Join(dataDir, "snapshot.json"))
	require.NoError(t, err, "Close must snapshot the store before shutting down")
}

func TestRunSecurityHandshakeSucceedsBetweenMatchingPeers(t *testing.T) {
	n1 := newTestNode(t, "n1", nil)
	n2 := newTestNode(t, "n2", nil)

	srv2 := meshServer(t, n2)

	peer := replication.Peer{ID: "n2", Address: addrOf(srv2)}
	require.NoError(t, n1.RunSecurityHandshake(context.Background(), peer))
}

func TestRunSecurityHandshakeFailsWithMismatchedKeys(t *testing.T) {
	n1, err := New(Config{
		ServerID:            "n1",
		DataDir:             t.TempDir(),
		ClockOnlyInterval:   -1,
		SnapshotInterval:    -1,
		TransportTimeout:    2 * time.Second,
		TransportMaxRetries: 2,
		Security:            security.Config{Enabled: true, MasterKey: "key-one-is-long-enough"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { n1.Close() })

	n2, err := New(Config{
		ServerID:            "n2",
		DataDir:             t.TempDir(),
		ClockOnlyInterval:   -1,
		SnapshotInterval:    -1,
		TransportTimeout:    2 * time.Second,
		TransportMaxRetries: 2,
		Security:            security.Config{Enabled: true, MasterKey: "key-two-is-long-enough"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { n2.Close() })

	srv2 := meshServer(t, n2)

	peer := replication.Peer{ID: "n2", Address: addrOf(srv2)}
	err = n1.RunSecurityHandshake(context.Background(), peer)
	require.Error(t, err)
}
