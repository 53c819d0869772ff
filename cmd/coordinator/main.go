// Package main implements the kvcluster cluster coordinator: the
// administrative control plane that tracks cluster membership, pushes
// the authoritative partition map to every node, and drives partition
// split/merge/transfer and hot-partition/hot-key adaptation (component
// M, spec.md §4.8). It does not sit on the data path — clients and
// nodes exchange reads and writes directly using the partition map this
// process maintains and distributes.
//
// Configuration:
//   - COORDINATOR_ADDR: listen address (default ":8080")
//   - KV_PARTITION_STRATEGY: range|modulo|hash (default "hash")
//   - KV_MAX_TRANSFER_RATE: bytes/sec throttle for partition transfers
//
// Node liveness is polled every 2s (the interval coordinator.New gives
// its HealthMonitor); it is not configurable.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/coordinator"
	"github.com/dreamware/kvcluster/internal/partition"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
	healthStatusUnknown   = "unknown"
)

func main() {
	addr := getenv("COORDINATOR_ADDR", ":8080")
	srv := newServer()

	go srv.coord.HealthMonitor().Start(context.Background(), srv.coord.Nodes)
	srv.coord.HealthMonitor().SetOnUnhealthy(func(nodeID string) {
		log.Printf("node %s is unhealthy, marking in cluster view", nodeID)
		srv.markNodeUnhealthy(nodeID)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/nodes", srv.handleListNodes)
	mux.HandleFunc("/broadcast", srv.handleBroadcast)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/cluster/partitionMap", srv.handlePartitionMap)
	mux.HandleFunc("/admin/nodes/remove", srv.handleRemoveNode)
	mux.HandleFunc("/admin/partitions/split", srv.handleSplit)
	mux.HandleFunc("/admin/partitions/merge", srv.handleMerge)
	mux.HandleFunc("/admin/partitions/transfer", srv.handleTransfer)
	mux.HandleFunc("/admin/partitions/checkHot", srv.handleCheckHotPartitions)
	mux.HandleFunc("/admin/partitions/checkCold", srv.handleCheckColdPartitions)
	mux.HandleFunc("/admin/keys/markHot", srv.handleMarkHotKey)
	mux.HandleFunc("/admin/keys/checkHot", srv.handleCheckHotKeys)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("stopping health monitor...")
	srv.coord.HealthMonitor().Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	log.Println("coordinator stopped")
}

// server holds the coordinator's runtime state: the registered node list
// (for /nodes and health polling) and the coordinator.Coordinator driving
// partition administration.
type server struct {
	coord *coordinator.Coordinator
	nodes []cluster.NodeInfo
	mu    sync.RWMutex
}

func newServer() *server {
	strategy := getenv("KV_PARTITION_STRATEGY", "hash")
	var part partition.Partitioner
	switch strategy {
	case "range":
		part = partition.NewRange(nil)
	case "modulo":
		part = partition.NewModuloHash(16, nil)
	default:
		part = partition.NewConsistentHash(nil, 32)
	}

	maxRate := 0
	if v := os.Getenv("KV_MAX_TRANSFER_RATE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			maxRate = parsed
		}
	}

	return &server{coord: coordinator.New(part, maxRate)}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	isNew := idx < 0
	if isNew {
		s.nodes = append(s.nodes, req.Node)
	} else {
		s.nodes[idx] = req.Node
	}
	s.mu.Unlock()

	if err := s.coord.AddNode(r.Context(), req.Node.ID, req.Node.Addr); err != nil {
		log.Printf("add node %s: %v", req.Node.ID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) markNodeUnhealthy(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.nodes {
		if n.ID == nodeID {
			s.nodes[i].Status = healthStatusUnhealthy
			return
		}
	}
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allHealth := s.coord.HealthMonitor().GetAllNodeHealth()
	nodes := make([]cluster.NodeInfo, len(s.nodes))
	for i, n := range s.nodes {
		nodes[i] = n
		if n.Status != healthStatusUnhealthy {
			if h := allHealth[n.ID]; h != nil {
				nodes[i].Status = h.Status
				nodes[i].LastHealthCheck = h.LastCheck
			} else {
				nodes[i].Status = healthStatusUnknown
			}
		}
	}

	if err := json.NewEncoder(w).Encode(struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: nodes}); err != nil {
		log.Printf("encode nodes response: %v", err)
	}
}

func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req cluster.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Path == "" || req.Path[0] != '/' {
		http.Error(w, "path must start with '/'", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	targets := append([]cluster.NodeInfo(nil), s.nodes...)
	s.mu.RUnlock()

	type result struct {
		NodeID string `json:"node_id"`
		Err    string `json:"err,omitempty"`
	}
	out := make([]result, 0, len(targets))

	ctx, cancel := context.WithTimeout(r.Context(), 4*time.Second)
	defer cancel()

	for _, n := range targets {
		err := cluster.PostJSON(ctx, n.Addr+req.Path, req.Payload, nil)
		res := result{NodeID: n.ID}
		if err != nil {
			res.Err = err.Error()
		}
		out = append(out, res)
	}

	if err := json.NewEncoder(w).Encode(struct {
		Results []result `json:"results"`
		SentTo  int      `json:"sent_to"`
	}{Results: out, SentTo: len(out)}); err != nil {
		log.Printf("encode broadcast results: %v", err)
	}
}

func (s *server) handlePartitionMap(w http.ResponseWriter, _ *http.Request) {
	_ = json.NewEncoder(w).Encode(cluster.PartitionMapMsg{Items: s.coord.PartitionMap()})
}

func (s *server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.coord.RemoveNode(r.Context(), req.NodeID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.nodes = slices.DeleteFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.NodeID })
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SplitKey string `json:"split_key"`
		PID      int    `json:"pid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	newPID, err := s.coord.SplitPartition(r.Context(), req.PID, req.SplitKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		NewPID int `json:"new_pid"`
	}{NewPID: newPID})
}

func (s *server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIDA int `json:"pid_a"`
		PIDB int `json:"pid_b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	survivor, err := s.coord.MergePartitions(r.Context(), req.PIDA, req.PIDB)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		SurvivorPID int `json:"survivor_pid"`
	}{SurvivorPID: survivor})
}

func (s *server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Src string `json:"src"`
		Dst string `json:"dst"`
		PID int    `json:"pid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.coord.TransferPartition(r.Context(), req.Src, req.Dst, req.PID); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCheckHotPartitions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold float64 `json:"threshold"`
		MinKeys   int     `json:"min_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	split, err := s.coord.CheckHotPartitions(r.Context(), req.Threshold, req.MinKeys)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		Split []int `json:"split"`
	}{Split: split})
}

func (s *server) handleCheckColdPartitions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold float64 `json:"threshold"`
		MaxKeys   int     `json:"max_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	merged, err := s.coord.CheckColdPartitions(r.Context(), req.Threshold, req.MaxKeys)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		Merged []int `json:"merged"`
	}{Merged: merged})
}

func (s *server) handleMarkHotKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key     string `json:"key"`
		Buckets int    `json:"buckets"`
		Migrate bool   `json:"migrate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.coord.MarkHotKey(r.Context(), req.Key, req.Buckets, req.Migrate); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCheckHotKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold int64 `json:"threshold"`
		Buckets   int   `json:"buckets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	hot, err := s.coord.CheckHotKeys(r.Context(), req.Threshold, req.Buckets)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		Keys []string `json:"keys"`
	}{Keys: hot})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
