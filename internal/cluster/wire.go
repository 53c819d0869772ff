package cluster

import "github.com/dreamware/kvcluster/internal/vclock"

// This file holds the node-to-node / node-to-driver wire message shapes
// named in spec.md §6.2. Field names are part of the contract; encoding is
// JSON-over-HTTP, following PostJSON/GetJSON above rather than the
// protobuf shown as one option in spec.md (see SPEC_FULL.md §10 for why
// grpc/protobuf were not wired).

// KeyValue carries a single key's write, the payload of Put/Delete RPCs.
type KeyValue struct {
	Key        string       `json:"key"`
	Value      []byte       `json:"value,omitempty"`
	Timestamp  int64        `json:"timestamp"`
	NodeID     string       `json:"node_id"`
	OpID       string       `json:"op_id"`
	Vector     vclock.Clock `json:"vector"`
	HintedFor  string       `json:"hinted_for,omitempty"`
	TxID       string       `json:"tx_id,omitempty"`
}

// KeyRequest is the payload of Get/GetForUpdate RPCs.
type KeyRequest struct {
	Key        string       `json:"key"`
	Timestamp  int64        `json:"timestamp"`
	NodeID     string       `json:"node_id"`
	OpID       string       `json:"op_id"`
	Vector     vclock.Clock `json:"vector"`
	HintedFor  string       `json:"hinted_for,omitempty"`
	TxID       string       `json:"tx_id,omitempty"`
	InProgress []string     `json:"in_progress,omitempty"`
}

// VersionedValue is one concurrent version returned by Get.
type VersionedValue struct {
	Value     []byte       `json:"value"`
	Timestamp int64        `json:"timestamp"`
	Vector    vclock.Clock `json:"vector"`
}

// ValueResponse is the response to a Get RPC: zero, one, or many
// concurrent versions.
type ValueResponse struct {
	Values []VersionedValue `json:"values"`
	Found  bool             `json:"found"`
}

// RangeRequest is the payload of the ScanRange RPC.
type RangeRequest struct {
	PartitionKey string `json:"partition_key"`
	StartCK      string `json:"start_ck"`
	EndCK        string `json:"end_ck"`
}

// RangeItem is one entry of a RangeResponse.
type RangeItem struct {
	ClusteringKey string       `json:"clustering_key"`
	Value         []byte       `json:"value"`
	Timestamp     int64        `json:"timestamp"`
	Vector        vclock.Clock `json:"vector"`
}

// RangeResponse is the response to ScanRange.
type RangeResponse struct {
	Items []RangeItem `json:"items"`
}

// IncrementRequest is the payload of the Increment RPC.
type IncrementRequest struct {
	Key    string `json:"key"`
	Amount int64  `json:"amount"`
}

// TransferRequest is the payload of the Transfer RPC.
type TransferRequest struct {
	FromKey string `json:"from_key"`
	ToKey   string `json:"to_key"`
	Amount  int64  `json:"amount"`
}

// TransactionID identifies a transaction and the set of other
// transactions in flight at the time it began.
type TransactionID struct {
	ID         string   `json:"id"`
	InProgress []string `json:"in_progress"`
}

// TransactionControl targets an existing transaction (commit/abort).
type TransactionControl struct {
	TxID string `json:"tx_id"`
}

// TransactionList enumerates active transaction ids.
type TransactionList struct {
	TxIDs []string `json:"tx_ids"`
}

// Operation is one replication-log entry exchanged during anti-entropy
// and hinted-handoff delivery.
type Operation struct {
	Key       string       `json:"key"`
	Value     []byte       `json:"value,omitempty"`
	Timestamp int64        `json:"timestamp"`
	NodeID    string       `json:"node_id"`
	OpID      string       `json:"op_id"`
	Delete    bool         `json:"delete"`
	Vector    vclock.Clock `json:"vector"`
}

// SegmentTree is the wire form of a segment's Merkle tree, flattened to a
// leaf list (key + hash) since only leaf hashes are needed to compute a
// diff once roots disagree (spec.md §4.5 step 1/4).
type SegmentTree struct {
	SegmentID string            `json:"segment_id"`
	RootHash  string            `json:"root_hash"`
	Leaves    map[string]string `json:"leaves"` // key -> leaf hash
}

// FetchRequest is the anti-entropy request: the requester's last_seen map,
// a batch of pending ops to push, and its own segment hash/tree summaries
// (spec.md §4.5).
type FetchRequest struct {
	LastSeen      map[string]int64  `json:"last_seen"`
	Ops           []Operation       `json:"ops"`
	SegmentHashes map[string]string `json:"segment_hashes"`
	Trees         []SegmentTree     `json:"trees"`
}

// FetchResponse returns the ops the peer had that the requester lacked,
// plus the peer's own segment hash summary (so the requester can decide
// whether to descend further next cycle).
type FetchResponse struct {
	Ops           []Operation       `json:"ops"`
	SegmentHashes map[string]string `json:"segment_hashes"`
}

// PartitionMapMsg is the wire form of the authoritative pid->owner map.
type PartitionMapMsg struct {
	Items map[int]string `json:"items"`
}

// HashRingEntry is one virtual-node token in a HashRing message.
type HashRingEntry struct {
	Hash   string `json:"hash"`
	NodeID string `json:"node_id"`
}

// HashRingMsg is the wire form of a consistent-hash ring snapshot.
type HashRingMsg struct {
	Items []HashRingEntry `json:"items"`
}

// NodeInfoResponse answers GetNodeInfo.
type NodeInfoResponse struct {
	NodeID             string  `json:"node_id"`
	Status             string  `json:"status"`
	CPU                float64 `json:"cpu"`
	Memory             float64 `json:"memory"`
	Disk               float64 `json:"disk"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
	ReplicationLogSize int     `json:"replication_log_size"`
	HintsCount         int     `json:"hints_count"`
}

// Heartbeat is the payload of HeartbeatService.Ping.
type Heartbeat struct {
	NodeID string `json:"node_id"`
}

// Empty is used for RPCs that carry no payload either way.
type Empty struct{}

// IndexQuery is the payload of ListByIndex.
type IndexQuery struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// KeyList is the response to ListByIndex.
type KeyList struct {
	Keys []string `json:"keys"`
}
