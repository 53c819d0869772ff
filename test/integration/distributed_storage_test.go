// Package integration exercises kvcluster end to end: a node's key/value
// RPC surface and a coordinator's node-registration and partition-admin
// RPC surface, both driven over real HTTP against in-process
// httptest.Server instances (no external binaries; each server listens on
// an ephemeral loopback port).
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/config"
	"github.com/dreamware/kvcluster/internal/coordinator"
	"github.com/dreamware/kvcluster/internal/node"
	"github.com/dreamware/kvcluster/internal/partition"
)

// testNode wraps a node.Node behind an httptest.Server, the in-process
// analogue of one cmd/node process.
type testNode struct {
	n   *node.Node
	srv *httptest.Server
}

func newTestNode(t *testing.T, id string) *testNode {
	t.Helper()
	cfg := config.DefaultNode()
	cfg.NodeID = id
	cfg.DBPath = t.TempDir()
	cfg.WriteQuorum = 1
	cfg.ReadQuorum = 1
	cfg.ReplicationFactor = 1

	part := partition.NewModuloHash(1, []string{id})
	n, err := node.New(cfg, part)
	if err != nil {
		t.Fatalf("node.New(%s): %v", id, err)
	}
	t.Cleanup(func() { n.Close() })

	srv := httptest.NewServer(n.Router())
	t.Cleanup(srv.Close)
	return &testNode{n: n, srv: srv}
}

func (tn *testNode) put(t *testing.T, key, value string) {
	t.Helper()
	err := cluster.PostJSON(context.Background(), tn.srv.URL+"/kv/put",
		cluster.KeyValue{Key: key, Value: []byte(value), NodeID: tn.n.ID}, nil)
	if err != nil {
		t.Fatalf("put %q: %v", key, err)
	}
}

func (tn *testNode) get(t *testing.T, key string) cluster.ValueResponse {
	t.Helper()
	var resp cluster.ValueResponse
	err := cluster.PostJSON(context.Background(), tn.srv.URL+"/kv/get",
		cluster.KeyRequest{Key: key, NodeID: tn.n.ID}, &resp)
	if err != nil {
		t.Fatalf("get %q: %v", key, err)
	}
	return resp
}

func (tn *testNode) del(t *testing.T, key string) {
	t.Helper()
	err := cluster.PostJSON(context.Background(), tn.srv.URL+"/kv/delete",
		cluster.KeyValue{Key: key, NodeID: tn.n.ID}, nil)
	if err != nil {
		t.Fatalf("delete %q: %v", key, err)
	}
}

func TestNodeStoreAndRetrieve(t *testing.T) {
	tn := newTestNode(t, "n1")

	tn.put(t, "user:1", "alice")
	resp := tn.get(t, "user:1")
	if !resp.Found || len(resp.Values) != 1 || string(resp.Values[0].Value) != "alice" {
		t.Fatalf("get after put = %+v, want found alice", resp)
	}
}

func TestNodeUpdateExistingValue(t *testing.T) {
	tn := newTestNode(t, "n1")

	tn.put(t, "counter", "1")
	tn.put(t, "counter", "2")

	resp := tn.get(t, "counter")
	if !resp.Found || string(resp.Values[0].Value) != "2" {
		t.Fatalf("get after update = %+v, want 2", resp)
	}
}

func TestNodeDeleteValue(t *testing.T) {
	tn := newTestNode(t, "n1")

	tn.put(t, "ephemeral", "x")
	tn.del(t, "ephemeral")

	resp := tn.get(t, "ephemeral")
	if resp.Found {
		t.Fatalf("get after delete = %+v, want not found", resp)
	}
}

func TestNodeNonExistentKey(t *testing.T) {
	tn := newTestNode(t, "n1")

	resp := tn.get(t, "never-written")
	if resp.Found {
		t.Fatalf("get on missing key = %+v, want not found", resp)
	}
}

func TestNodeScanRange(t *testing.T) {
	tn := newTestNode(t, "n1")

	for _, ck := range []string{"a", "b", "c"} {
		err := cluster.PostJSON(context.Background(), tn.srv.URL+"/kv/put",
			cluster.KeyValue{Key: "row|" + ck, Value: []byte(ck), NodeID: tn.n.ID}, nil)
		if err != nil {
			t.Fatalf("put row|%s: %v", ck, err)
		}
	}

	var resp cluster.RangeResponse
	err := cluster.PostJSON(context.Background(), tn.srv.URL+"/kv/scanRange",
		cluster.RangeRequest{PartitionKey: "row", StartCK: "a", EndCK: "c"}, &resp)
	if err != nil {
		t.Fatalf("scanRange: %v", err)
	}
	if len(resp.Items) == 0 {
		t.Fatalf("scanRange returned no items")
	}
}

func TestNodeConcurrentPuts(t *testing.T) {
	tn := newTestNode(t, "n1")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tn.put(t, fmt.Sprintf("key-%d", i), fmt.Sprintf("val-%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		resp := tn.get(t, fmt.Sprintf("key-%d", i))
		if !resp.Found {
			t.Errorf("key-%d missing after concurrent put", i)
		}
	}
}

func TestNodeVariousKeyPatterns(t *testing.T) {
	tn := newTestNode(t, "n1")

	keys := []string{"simple", "with:colon", "with/slash", "with spaces", "unicode-é", ""}
	for _, k := range keys {
		if k == "" {
			continue // the empty key is not exercised by this test
		}
		tn.put(t, k, "v-"+k)
		resp := tn.get(t, k)
		if !resp.Found {
			t.Errorf("key %q not found after put", k)
		}
	}
}

// coordinatorHarness wraps a coordinator.Coordinator behind a mux mirroring
// cmd/coordinator/main.go's route table, for tests that only need the
// register/partition-map/admin surface rather than a full node fleet.
type coordinatorHarness struct {
	coord *coordinator.Coordinator
	srv   *httptest.Server
	mu    sync.Mutex
	nodes []cluster.NodeInfo
}

func newCoordinatorHarness(t *testing.T, part partition.Partitioner) *coordinatorHarness {
	t.Helper()
	h := &coordinatorHarness{coord: coordinator.New(part, 0)}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.nodes = append(h.nodes, req.Node)
		h.mu.Unlock()
		if err := h.coord.AddNode(r.Context(), req.Node.ID, req.Node.Addr); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/nodes", func(w http.ResponseWriter, _ *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		writeJSONResp(w, h.nodes)
	})
	mux.HandleFunc("/cluster/partitionMap", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResp(w, h.coord.PartitionMap())
	})

	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func TestCoordinatorRegisterAndListNodes(t *testing.T) {
	h := newCoordinatorHarness(t, partition.NewConsistentHash(nil, 8))
	n1, n2 := newTestNode(t, "n1"), newTestNode(t, "n2")

	err := cluster.PostJSON(context.Background(), h.srv.URL+"/register",
		cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n1", Addr: n1.srv.URL}}, nil)
	if err != nil {
		t.Fatalf("register n1: %v", err)
	}
	err = cluster.PostJSON(context.Background(), h.srv.URL+"/register",
		cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "n2", Addr: n2.srv.URL}}, nil)
	if err != nil {
		t.Fatalf("register n2: %v", err)
	}

	var nodes []cluster.NodeInfo
	if err := cluster.GetJSON(context.Background(), h.srv.URL+"/nodes", &nodes); err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(nodes))
	}
}

func TestCoordinatorSplitAndMerge(t *testing.T) {
	h := newCoordinatorHarness(t, partition.NewRange(nil))
	ctx := context.Background()
	n1 := newTestNode(t, "n1")

	if err := h.coord.AddNode(ctx, "n1", n1.srv.URL); err != nil {
		t.Fatalf("add node: %v", err)
	}

	before := len(h.coord.PartitionMap())
	newPID, err := h.coord.SplitPartition(ctx, 0, "m")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	after := len(h.coord.PartitionMap())
	if after != before+1 {
		t.Fatalf("partition count after split = %d, want %d", after, before+1)
	}

	survivor, err := h.coord.MergePartitions(ctx, 0, newPID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if survivor != 0 && survivor != newPID {
		t.Fatalf("unexpected survivor partition %d", survivor)
	}
}

func TestNodeHealthEndpoint(t *testing.T) {
	tn := newTestNode(t, "n1")

	resp, err := http.Get(tn.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSONResp(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
