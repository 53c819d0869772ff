// Package main implements the kvcluster node service: a single process
// owning one storage engine, one partitioner view, one replication
// coordinator, and one transaction manager, serving the RPC surface of
// spec.md §6.2 over HTTP and participating in quorum replication,
// hinted handoff, and anti-entropy with its peers.
//
// Configuration is loaded from an optional YAML file (NODE_CONFIG) and
// then overridden by environment variables (KV_DB_PATH, KV_HOST,
// KV_NODE_ID, KV_PORT, KV_CONSISTENCY_MODE, KV_REGISTRY_HOST,
// KV_REGISTRY_PORT), following internal/config's layered-default idiom.
//
// Peer addresses are supplied via NODE_PEERS as a comma-separated list
// of id=host:port pairs (e.g. "n2=10.0.0.2:8081,n3=10.0.0.3:8081").
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/config"
	"github.com/dreamware/kvcluster/internal/kvlog"
	"github.com/dreamware/kvcluster/internal/node"
	"github.com/dreamware/kvcluster/internal/partition"
	"github.com/dreamware/kvcluster/internal/registry"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.LoadNode(os.Getenv("NODE_CONFIG"))
	if err != nil {
		logFatal("load config: %v", err)
	}
	if cfg.NodeID == "" {
		logFatal("missing node id (set KV_NODE_ID or node_id in NODE_CONFIG)")
	}

	kvlog.Init(kvlog.Config{Level: kvlog.InfoLevel})

	peers := parsePeers(getenv("NODE_PEERS", ""))
	nodeIDs := []string{cfg.NodeID}
	for id := range peers {
		nodeIDs = append(nodeIDs, id)
	}

	part := buildPartitioner(getenv("KV_PARTITION_STRATEGY", "hash"), nodeIDs)

	n, err := node.New(cfg, part)
	if err != nil {
		logFatal("init node: %v", err)
	}
	defer n.Close()

	for id, addr := range peers {
		n.SetPeer(id, "http://"+addr)
	}

	listen := getenv("NODE_LISTEN", fmt.Sprintf(":%d", cfg.Port))
	mux := n.Router()

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go n.Replication().RunAntiEntropy(ctx, cfg.AntiEntropyInterval, n.ApplyReplicated, n.Engine().SegmentHashes, n.SegmentTrees)
	go n.Replication().RunHintedHandoff(ctx, cfg.HintedHandoffInterval)
	go runSuspectLoop(ctx, n, cfg.HeartbeatInterval)

	if n.Registry().Enabled() {
		go n.Registry().Watch(ctx, cfg.HeartbeatInterval, func(state registry.ClusterState) {
			kvlog.WithNode(cfg.NodeID).Info().Int64("version", state.Version).Msg("cluster state changed")
		})
		go heartbeatLoop(ctx, n, cfg)
	}

	go func() {
		log.Printf("node[%s] listening on %s", cfg.NodeID, listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Printf("node[%s] stopped", cfg.NodeID)
}

// runSuspectLoop periodically demotes peers that have gone quiet past
// heartbeatTimeout (spec.md §4.7's liveness state machine).
func runSuspectLoop(ctx context.Context, n *node.Node, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.CheckSuspects()
		}
	}
}

// heartbeatLoop keeps the node's registration with the external metadata
// registry fresh (spec.md §6.2 Heartbeat).
func heartbeatLoop(ctx context.Context, n *node.Node, cfg config.Node) {
	_ = n.Registry().Register(ctx, cluster.NodeInfo{ID: cfg.NodeID, Addr: getenv("NODE_ADDR", "")})
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Registry().Heartbeat(ctx); err != nil {
				log.Printf("registry heartbeat failed: %v", err)
			}
		}
	}
}

// buildPartitioner constructs the node's local Partitioner view from the
// configured strategy, matching config.Cluster's partition_strategy
// field (spec.md §4.3 offers range, hash, and consistent-hash; "hash"
// here selects the bounded-movement consistent-hash ring, the strategy
// most nodes in a dynamically resized cluster want).
func buildPartitioner(strategy string, nodes []string) partition.Partitioner {
	switch strategy {
	case "range":
		return partition.NewRange(nodes)
	case "modulo":
		return partition.NewModuloHash(len(nodes), nodes)
	default:
		return partition.NewConsistentHash(nodes, 32)
	}
}

// parsePeers parses "id=host:port,id2=host2:port2" into a map.
func parsePeers(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
