// cmd/meshkv-server is the main entrypoint for a mesh node process.
//
// Configuration is entirely via command-line flags so a single binary can
// serve any node in the mesh.
//
// Example — single node:
//
//	./meshkv-server --id node1 --addr :8080 --data-dir /var/meshkv/node1
//
// Example — 3-node mesh:
//
//	./meshkv-server --id node1 --addr :8080 --data-dir /tmp/n1 \
//	                --peers node2=localhost:8081,node3=localhost:8082
//	./meshkv-server --id node2 --addr :8081 --data-dir /tmp/n2 \
//	                --peers node1=localhost:8080,node3=localhost:8082
//	./meshkv-server --id node3 --addr :8082 --data-dir /tmp/n3 \
//	                --peers node1=localhost:8080,node2=localhost:8081
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"meshkv/internal/api"
	"meshkv/internal/cluster"
	"meshkv/internal/node"
	"meshkv/internal/security"
)

func main() {
	nodeID := flag.String("id", "node1", "Unique node identifier")
	addr := flag.String("addr", ":8080", "Listen address (host:port)")
	dataDir := flag.String("data-dir", "/tmp/meshkv", "Directory for WAL and snapshots")
	peersFlag := flag.String("peers", "", "Comma-separated list of peer nodes: id=host:port")
	ringVNodes := flag.Int("ring-vnodes", 150, "Virtual nodes per peer in the anti-entropy sampling ring")
	maxFanout := flag.Int("max-fanout", 0, "Max peers reconciled per anti-entropy cycle (0 = unbounded)")
	antiEntropyInterval := flag.Duration("anti-entropy-interval", 10*time.Second, "Scheduled anti-entropy cycle interval (0 disables)")
	snapshotInterval := flag.Duration("snapshot-interval", 60*time.Second, "WAL-to-snapshot compaction interval (negative disables)")
	conflictStrategy := flag.String("conflict-strategy", "vector-dominance", "Default conflict resolution strategy")
	masterKey := flag.String("security-key", "", "Pre-shared master key for the inter-node security envelope (empty disables encryption)")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	var peers []cluster.Node
	if *peersFlag != "" {
		for _, entry := range strings.Split(*peersFlag, ",") {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				log.Fatal("invalid peer format, expected id=host:port", zap.String("entry", entry))
			}
			peers = append(peers, cluster.Node{ID: parts[0], Address: parts[1]})
		}
	}

	n, err := node.New(node.Config{
		ServerID: *nodeID,
		DataDir:  fmt.Sprintf("%s/%s", *dataDir, *nodeID),
		Peers:    peers,
		Security: security.Config{
			Enabled:   *masterKey != "",
			MasterKey: *masterKey,
		},
		ConflictDefaultStrategy: *conflictStrategy,
		AntiEntropyInterval:     *antiEntropyInterval,
		SnapshotInterval:        *snapshotInterval,
		MaxAntiEntropyFanout:    *maxFanout,
		RingVNodes:              *ringVNodes,
		Log:                     log,
	})
	if err != nil {
		log.Fatal("failed to start node", zap.Error(err))
	}
	n.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(log), api.Recovery(log))

	handler := api.NewHandler(n)
	handler.Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"node":   *nodeID,
			"status": "ok",
			"peers":  len(n.PeerNodes()),
		})
	})
	router.GET("/metrics", gin.WrapH(metricsHandler()))

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("node listening", zap.String("id", *nodeID), zap.String("addr", *addr), zap.Int("peers", len(peers)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down", zap.String("id", *nodeID))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	if err := n.Close(); err != nil {
		log.Warn("node close error", zap.Error(err))
	}
}
