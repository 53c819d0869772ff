package node

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/kverrors"
	"github.com/dreamware/kvcluster/internal/kvmetrics"
)

// Router builds the node's full HTTP mux for the RPC surface of spec.md
// §6.2, following cmd/node/main.go's route-table-plus-handler-functions
// idiom.
func (n *Node) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/metrics", kvmetrics.Handler().ServeHTTP)

	mux.HandleFunc("/kv/put", n.handlePut)
	mux.HandleFunc("/kv/delete", n.handleDelete)
	mux.HandleFunc("/kv/get", n.handleGet)
	mux.HandleFunc("/kv/getForUpdate", n.handleGetForUpdate)
	mux.HandleFunc("/kv/increment", n.handleIncrement)
	mux.HandleFunc("/kv/transfer", n.handleTransfer)
	mux.HandleFunc("/kv/scanRange", n.handleScanRange)
	mux.HandleFunc("/kv/listByIndex", n.handleListByIndex)

	mux.HandleFunc("/tx/begin", n.handleBeginTransaction)
	mux.HandleFunc("/tx/commit", n.handleCommitTransaction)
	mux.HandleFunc("/tx/abort", n.handleAbortTransaction)
	mux.HandleFunc("/tx/list", n.handleListTransactions)

	mux.HandleFunc("/internal/put", n.handleInternalPut)
	mux.HandleFunc("/internal/delete", n.handleInternalDelete)
	mux.HandleFunc("/internal/get", n.handleInternalGet)
	mux.HandleFunc("/internal/fetchUpdates", n.handleFetchUpdates)

	mux.HandleFunc("/cluster/partitionMap", n.handleUpdatePartitionMap)
	mux.HandleFunc("/cluster/heartbeat", n.handlePing)

	mux.HandleFunc("/info", n.handleGetNodeInfo)
	mux.HandleFunc("/replication/status", n.handleReplicationStatus)
	mux.HandleFunc("/debug/wal", n.handleGetWalEntries)
	mux.HandleFunc("/debug/memtable", n.handleGetMemtableEntries)
	mux.HandleFunc("/debug/sstables", n.handleGetSSTables)
	mux.HandleFunc("/debug/sstables/", n.handleGetSSTableContent)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, kverrors.CodeOf(err), struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (n *Node) handlePut(w http.ResponseWriter, r *http.Request) {
	var kv cluster.KeyValue
	if err := decodeBody(r, &kv); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	timer := kvmetrics.NewTimer("put")
	clock, err := n.Put(kv.Key, kv.Value, kv.Vector, kv.OpID, kv.NodeID, kv.TxID)
	if err != nil {
		timer.Observe("error")
		writeErr(w, err)
		return
	}
	timer.Observe("ok")
	writeJSON(w, http.StatusNoContent, nil)
	_ = clock
}

func (n *Node) handleDelete(w http.ResponseWriter, r *http.Request) {
	var kv cluster.KeyValue
	if err := decodeBody(r, &kv); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	timer := kvmetrics.NewTimer("delete")
	if _, err := n.Delete(kv.Key, kv.Vector, kv.OpID, kv.NodeID, kv.TxID); err != nil {
		timer.Observe("error")
		writeErr(w, err)
		return
	}
	timer.Observe("ok")
	writeJSON(w, http.StatusNoContent, nil)
}

func (n *Node) handleGet(w http.ResponseWriter, r *http.Request) {
	var req cluster.KeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	timer := kvmetrics.NewTimer("get")
	var (
		resp cluster.ValueResponse
		err  error
	)
	if req.TxID != "" {
		resp, err = n.GetInTransaction(req.Key, req.TxID)
	} else {
		resp, err = n.Get(req.Key)
	}
	if err != nil {
		timer.Observe("error")
		writeErr(w, err)
		return
	}
	timer.Observe("ok")
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleGetForUpdate(w http.ResponseWriter, r *http.Request) {
	var req cluster.KeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	resp, err := n.GetForUpdate(req.Key, req.TxID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleIncrement(w http.ResponseWriter, r *http.Request) {
	var req cluster.IncrementRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	val, err := n.Increment(req.Key, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Value int64 `json:"value"`
	}{Value: val})
}

func (n *Node) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req cluster.TransferRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	if err := n.Transfer(req.FromKey, req.ToKey, req.Amount); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (n *Node) handleScanRange(w http.ResponseWriter, r *http.Request) {
	var req cluster.RangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	resp, err := n.ScanRange(req.PartitionKey, req.StartCK, req.EndCK)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleListByIndex(w http.ResponseWriter, r *http.Request) {
	var req cluster.IndexQuery
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	keys, err := n.ListByIndex(req.Field, req.Value)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster.KeyList{Keys: keys})
}

func (n *Node) handleBeginTransaction(w http.ResponseWriter, r *http.Request) {
	id, inProgress := n.BeginTransaction()
	writeJSON(w, http.StatusOK, cluster.TransactionID{ID: id, InProgress: inProgress})
}

func (n *Node) handleCommitTransaction(w http.ResponseWriter, r *http.Request) {
	var req cluster.TransactionControl
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	if err := n.CommitTransaction(req.TxID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (n *Node) handleAbortTransaction(w http.ResponseWriter, r *http.Request) {
	var req cluster.TransactionControl
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	n.AbortTransaction(req.TxID)
	writeJSON(w, http.StatusNoContent, nil)
}

func (n *Node) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cluster.TransactionList{TxIDs: n.ListTransactions()})
}

// handleInternalPut and handleInternalDelete are the peer-to-peer
// replication endpoints PeerClient.apply targets: apply locally without
// re-fanning-out (the originator already owns fan-out for this write).
func (n *Node) handleInternalPut(w http.ResponseWriter, r *http.Request) {
	var kv cluster.KeyValue
	if err := decodeBody(r, &kv); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	op := cluster.Operation{Key: kv.Key, Value: kv.Value, Timestamp: kv.Timestamp, NodeID: kv.NodeID, OpID: kv.OpID, Vector: kv.Vector}
	if err := n.ApplyReplicated(op); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (n *Node) handleInternalDelete(w http.ResponseWriter, r *http.Request) {
	var kv cluster.KeyValue
	if err := decodeBody(r, &kv); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	op := cluster.Operation{Key: kv.Key, Value: kv.Value, Timestamp: kv.Timestamp, NodeID: kv.NodeID, OpID: kv.OpID, Vector: kv.Vector, Delete: true}
	if err := n.ApplyReplicated(op); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (n *Node) handleInternalGet(w http.ResponseWriter, r *http.Request) {
	var req cluster.KeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	resp, err := n.LocalGet(req.Key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleFetchUpdates(w http.ResponseWriter, r *http.Request) {
	var req cluster.FetchRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	resp := n.repl.HandleFetch(req, n.ApplyReplicated, n.engine.SegmentHashes, n.SegmentTrees, n.LocalVersions)
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleUpdatePartitionMap(w http.ResponseWriter, r *http.Request) {
	var msg cluster.PartitionMapMsg
	if err := decodeBody(r, &msg); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	n.UpdatePartitionMap(msg.Items)
	writeJSON(w, http.StatusNoContent, nil)
}

func (n *Node) handlePing(w http.ResponseWriter, r *http.Request) {
	var hb cluster.Heartbeat
	if err := decodeBody(r, &hb); err != nil {
		writeErr(w, kverrors.ErrInvalidArgument)
		return
	}
	n.MarkPeerAlive(hb.NodeID)
	writeJSON(w, http.StatusOK, cluster.Empty{})
}

func (n *Node) handleGetNodeInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.GetNodeInfo())
}

func (n *Node) handleReplicationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		ReplicationLogSize int `json:"replication_log_size"`
		HintsCount         int `json:"hints_count"`
	}{ReplicationLogSize: n.repl.LogSize(), HintsCount: n.repl.HintsCount()})
}

func (n *Node) handleGetWalEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := readWALEntries(n.engine.Dir())
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entries)
}

func (n *Node) handleGetMemtableEntries(w http.ResponseWriter, r *http.Request) {
	items, err := n.engine.SegmentItems("memtable")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (n *Node) handleGetSSTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Segments []string `json:"segments"`
	}{Segments: n.engine.SegmentIDs()})
}

func (n *Node) handleGetSSTableContent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/debug/sstables/")
	if id == "" {
		http.Error(w, "missing segment id", http.StatusBadRequest)
		return
	}
	items, err := n.engine.SegmentItems(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// readWALEntries reopens the on-disk WAL for the debug endpoint so the
// engine's live handle isn't shared with a concurrent reader.
func readWALEntries(dir string) ([]byte, error) {
	path := dir + "/write_ahead_log.txt"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	out := make([]json.RawMessage, 0, len(lines))
	for _, l := range lines {
		if len(l) == 0 {
			continue
		}
		out = append(out, json.RawMessage(l))
	}
	return json.Marshal(out)
}
