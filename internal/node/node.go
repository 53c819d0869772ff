// Package node implements the per-process node server (component L,
// spec.md §4.7): one storage engine, one partitioner view, one
// replication coordinator, one transaction manager, and the RPC surface
// of spec.md §6.2 wired over HTTP (routes in handlers.go; cmd/node/main.go
// builds and serves it).
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/config"
	"github.com/dreamware/kvcluster/internal/crdt"
	"github.com/dreamware/kvcluster/internal/eventlog"
	"github.com/dreamware/kvcluster/internal/kverrors"
	"github.com/dreamware/kvcluster/internal/kvlog"
	"github.com/dreamware/kvcluster/internal/memtable"
	"github.com/dreamware/kvcluster/internal/partition"
	"github.com/dreamware/kvcluster/internal/registry"
	"github.com/dreamware/kvcluster/internal/replication"
	"github.com/dreamware/kvcluster/internal/secindex"
	"github.com/dreamware/kvcluster/internal/storage"
	"github.com/dreamware/kvcluster/internal/txn"
	"github.com/dreamware/kvcluster/internal/vclock"
)

// peerState tracks one peer's liveness state machine: unknown -> alive on
// ping success, alive -> suspect after heartbeatTimeout, suspect -> alive
// on any subsequent successful RPC (spec.md §4.7).
type peerState struct {
	addr     string
	status   string // "unknown", "alive", "suspect"
	lastSeen time.Time
}

// Node is the per-process server: the union of every piece spec.md §4.7
// says a node owns.
type Node struct {
	ID     string
	cfg    config.Node
	start  time.Time
	engine *storage.Engine
	part   partition.Partitioner
	repl   *replication.Coordinator
	txm    *txn.Manager
	idx    *secindex.Manager
	reg    *registry.Client
	elog   *eventlog.Log

	mu        sync.RWMutex
	peers     map[string]*peerState
	crdtKinds map[string]crdt.Kind

	crdtMu sync.Mutex
}

// New wires up a Node from configuration and a partitioner view shared
// with (or computed independently from) the cluster coordinator.
func New(cfg config.Node, part partition.Partitioner) (*Node, error) {
	engine, err := storage.Open(cfg.DBPath, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("open storage engine: %w", err)
	}
	elog, err := eventlog.Open(cfg.DBPath + "/event_log.txt")
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	crdtKinds := map[string]crdt.Kind{}
	for key, kind := range cfg.CRDTConfig {
		crdtKinds[key] = crdt.Kind(kind)
	}

	n := &Node{
		ID:        cfg.NodeID,
		cfg:       cfg,
		start:     time.Now(),
		engine:    engine,
		part:      part,
		repl:      replication.New(cfg.NodeID, cfg.WriteQuorum, cfg.ReadQuorum, cfg.ReplicationFactor, cfg.MaxBatchSize),
		txm:       txn.New(cfg.LockTimeout),
		idx:       secindex.New(cfg.IndexFields, cfg.GlobalIndexFields),
		reg:       registry.New(cfg.NodeID, cfg.RegistryHost, cfg.RegistryPort),
		elog:      elog,
		peers:     map[string]*peerState{},
		crdtKinds: crdtKinds,
	}
	return n, nil
}

// SetPeer registers (or updates) the address of another node for
// replication fan-out and peer liveness tracking.
func (n *Node) SetPeer(nodeID, baseURL string) {
	n.repl.SetPeer(nodeID, baseURL)
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[nodeID]; ok {
		p.addr = baseURL
		return
	}
	n.peers[nodeID] = &peerState{addr: baseURL, status: "unknown"}
}

// MarkPeerAlive transitions a peer to alive, the effect of any successful
// RPC to it (spec.md §4.7 "suspect -> alive on any subsequent successful
// RPC").
func (n *Node) MarkPeerAlive(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[nodeID]; ok {
		p.status = "alive"
		p.lastSeen = time.Now()
	}
	n.repl.SetPeerHealthy(nodeID, true)
}

// CheckSuspects scans peers and demotes any whose last successful contact
// exceeds heartbeatTimeout to "suspect" (spec.md §4.7).
func (n *Node) CheckSuspects() {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	for id, p := range n.peers {
		if p.status == "alive" && now.Sub(p.lastSeen) > n.cfg.HeartbeatTimeout {
			p.status = "suspect"
			n.repl.SetPeerHealthy(id, false)
			kvlog.WithNode(n.ID).Warn().Str("peer", id).Msg("peer marked suspect")
		}
	}
}

// Engine exposes the underlying storage engine, needed by anti-entropy's
// segment-hash callback and debug endpoints.
func (n *Node) Engine() *storage.Engine { return n.engine }

// Replication exposes the replication coordinator, needed by main() to
// start the anti-entropy and hinted-handoff background loops.
func (n *Node) Replication() *replication.Coordinator { return n.repl }

// Registry exposes the metadata registry client, needed by main() to
// start the watch/heartbeat loops.
func (n *Node) Registry() *registry.Client { return n.reg }

// SegmentTrees adapts the engine's SegmentTreeSnapshot results to the
// cluster wire form, anti-entropy's replication.SegmentTreesFunc callback
// (spec.md §4.5 step 1).
func (n *Node) SegmentTrees() []cluster.SegmentTree {
	snaps := n.engine.SegmentTrees()
	out := make([]cluster.SegmentTree, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, cluster.SegmentTree{SegmentID: s.SegmentID, RootHash: s.RootHash, Leaves: s.Leaves})
	}
	return out
}

// LocalVersions adapts the engine's raw, unresolved versions of key to
// anti-entropy's replication.LocalVersionsFunc callback, used to ship
// repair ops once a segment-tree diff finds key differing (spec.md §4.5
// step 4).
func (n *Node) LocalVersions(key string) []replication.LocalVersion {
	versions, err := n.engine.SegmentVersions(key)
	if err != nil {
		return nil
	}
	out := make([]replication.LocalVersion, 0, len(versions))
	for _, v := range versions {
		out = append(out, replication.LocalVersion{Value: v.Value, Vector: v.Clock, Delete: memtable.IsTombstone(v.Value)})
	}
	return out
}

// Close flushes and releases node-owned resources.
func (n *Node) Close() error {
	_ = n.elog.Close()
	return n.engine.Close()
}

func (n *Node) ownsKey(key string) bool {
	owner := n.part.Map()[n.part.PartitionOf(key)]
	return owner == "" || owner == n.ID
}

func (n *Node) preferenceList(key string) []string {
	if ch, ok := n.part.(*partition.ConsistentHash); ok {
		return ch.Successors(key, n.cfg.ReplicationFactor)
	}
	owners := n.part.Map()
	nodes := make([]string, 0, len(owners))
	seen := map[string]bool{}
	ids := make([]int, 0, len(owners))
	for pid := range owners {
		ids = append(ids, pid)
	}
	sort.Ints(ids)
	for _, pid := range ids {
		o := owners[pid]
		if o != "" && !seen[o] {
			seen[o] = true
			nodes = append(nodes, o)
		}
	}
	owner := owners[n.part.PartitionOf(key)]
	return replication.PreferenceList(owner, nodes, n.cfg.ReplicationFactor)
}

// --- Put/Delete -----------------------------------------------------------

// Put applies a write locally (respecting the configured consistency
// mode's merge semantics), replicates it to the key's preference list, and
// records the event (spec.md §4.4 "write path").
func (n *Node) Put(key string, value []byte, clock vclock.Clock, opID, originNode string, tx string) (vclock.Clock, error) {
	if !n.ownsKey(key) && !n.cfg.EnableForwarding {
		return nil, kverrors.ErrNotOwner
	}
	final, err := n.applyLocalWrite(key, value, clock, tx, false)
	if err != nil {
		return nil, err
	}
	n.maybeIndex(key, value)
	n.replicateAsync(key, value, final, opID, originNode, false)
	n.elog.Record("put", key)
	return final, nil
}

// Delete applies a tombstone locally and replicates it.
func (n *Node) Delete(key string, clock vclock.Clock, opID, originNode string, tx string) (vclock.Clock, error) {
	if !n.ownsKey(key) && !n.cfg.EnableForwarding {
		return nil, kverrors.ErrNotOwner
	}
	final, err := n.applyLocalWrite(key, memtable.Tombstone, clock, tx, true)
	if err != nil {
		return nil, err
	}
	n.replicateAsync(key, nil, final, opID, originNode, true)
	n.elog.Record("delete", key)
	return final, nil
}

// applyLocalWrite writes to the engine, folding CRDT merge semantics in
// ahead of the write when key is configured as a CRDT (spec.md §4.2: "on
// write the replica deserializes the remote state and merges
// element-wise").
func (n *Node) applyLocalWrite(key string, value []byte, clock vclock.Clock, tx string, isDelete bool) (vclock.Clock, error) {
	if kind, ok := n.crdtKinds[key]; ok && !isDelete {
		merged, err := n.mergeCRDT(key, kind, value)
		if err != nil {
			return nil, err
		}
		value = merged
	}
	if isDelete {
		return n.engine.Delete(key, clock, tx)
	}
	return n.engine.Put(key, value, clock, tx)
}

func (n *Node) mergeCRDT(key string, kind crdt.Kind, incoming []byte) ([]byte, error) {
	n.crdtMu.Lock()
	defer n.crdtMu.Unlock()

	current, err := n.decodeCRDT(key, kind)
	if err != nil {
		return nil, err
	}
	incomingState, err := decodeCRDTBytes(kind, incoming)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return encodeCRDTBytes(incomingState)
	}
	merged := current.Merge(incomingState)
	return encodeCRDTBytes(merged)
}

func (n *Node) decodeCRDT(key string, kind crdt.Kind) (crdt.Crdt, error) {
	res, err := n.engine.Get(key)
	if err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, nil
	}
	return decodeCRDTBytes(kind, res.Values[0].Value)
}

// decodeCRDTBytes and encodeCRDTBytes round-trip a GCounterState to/from
// its wire form (a JSON replica -> count map). GCounter is the only kind
// with a wire encoding: a write to a key configured as orSet fails with
// ErrInvalidArgument, and a crdt-mode read of such a key reports not found.
func decodeCRDTBytes(kind crdt.Kind, data []byte) (crdt.Crdt, error) {
	switch kind {
	case crdt.GCounter:
		out := crdt.NewGCounter()
		if len(data) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(data, &out.Counts); err != nil {
			return nil, fmt.Errorf("decode gcounter: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: crdt kind %q has no generic Put/Delete wire encoding", kverrors.ErrInvalidArgument, kind)
	}
}

func encodeCRDTBytes(c crdt.Crdt) ([]byte, error) {
	switch v := c.(type) {
	case *crdt.GCounterState:
		return json.Marshal(v.Counts)
	default:
		return nil, fmt.Errorf("%w: unsupported crdt encoding for %T", kverrors.ErrInvalidArgument, c)
	}
}

func (n *Node) maybeIndex(key string, value []byte) {
	_, _, ok := storage.SplitKey(key)
	if ok || storage.IsIndexKey(key) || storage.IsMetaKey(key) {
		return
	}
	var fields map[string]string
	if err := json.Unmarshal(value, &fields); err != nil {
		return
	}
	for field, v := range fields {
		if n.idx.IsIndexed(field) {
			n.idx.Add(field, v, key)
		}
	}
}

func (n *Node) replicateAsync(key string, value []byte, clock vclock.Clock, opID, originNode string, isDelete bool) {
	if opID == "" {
		opID = n.repl.NextOpID()
	}
	op := cluster.Operation{Key: key, Value: value, Timestamp: clock[vclock.TS], NodeID: n.ID, OpID: opID, Delete: isDelete, Vector: clock}
	list := n.preferenceList(key)
	if err := n.repl.Replicate(context.Background(), op, list, originNode); err != nil {
		kvlog.WithNode(n.ID).Warn().Err(err).Str("key", key).Msg("replication quorum not met")
	}
}

// ApplyReplicated applies an op received via the internal replication RPC
// (PeerClient.apply) without re-fanning it out, since the originator
// already owns fan-out for this write.
func (n *Node) ApplyReplicated(op cluster.Operation) error {
	origin, seq, ok := splitOpID(op.OpID)
	if ok && !n.repl.MarkSeen(origin, seq) {
		return nil
	}
	if op.Delete {
		_, err := n.applyLocalWrite(op.Key, memtable.Tombstone, op.Vector, "", true)
		return err
	}
	_, err := n.applyLocalWrite(op.Key, op.Value, op.Vector, "", false)
	return err
}

// --- Get --------------------------------------------------------------

// readTimeout bounds how long a coordinated Get waits on the rest of the
// preference list before serving whatever responses have arrived (spec.md
// §4.4 "Read path").
const readTimeout = 2 * time.Second

// Get coordinates a quorum read across key's preference list: it reads
// its own local versions, fans out to the rest of the preference list via
// the replication coordinator, merges every returned version list by the
// same rule applied to writes, resolves the merged list according to the
// configured consistency mode (spec.md §4.2), and asynchronously
// read-repairs any replica whose response lacked a version the merge
// kept (spec.md §4.4 "Read path"). Get does not consult the transaction
// manager: transactional writes stay buffered in their transaction until
// commit, so uncommitted writes are not in the engine for Get to see.
func (n *Node) Get(key string) (cluster.ValueResponse, error) {
	localVersions, err := n.engine.SegmentVersions(key)
	if err != nil {
		return cluster.ValueResponse{}, err
	}
	local := replication.ReadResult{NodeID: n.ID, Found: len(localVersions) > 0, Values: versionsToWire(localVersions)}

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	results, err := n.repl.QuorumRead(ctx, key, local, n.preferenceList(key))
	if err != nil {
		kvlog.WithNode(n.ID).Debug().Err(err).Str("key", key).Msg("quorum read fell short of read_quorum, serving best-effort merge")
	}

	merged := mergeReadResults(results)
	n.readRepair(key, results, merged)

	live := make([]memtable.Version, 0, len(merged))
	for _, v := range merged {
		if !memtable.IsTombstone(v.Value) {
			live = append(live, v)
		}
	}
	if len(live) == 0 {
		return cluster.ValueResponse{Found: false}, nil
	}
	return n.resolveConsistency(key, live), nil
}

// LocalGet answers a peer's quorum-read RPC with this node's own raw,
// unresolved versions of key (including tombstones), the per-replica half
// of QuorumRead's fan-out. Unlike Get it never itself fans out, or a
// quorum read would recurse across the whole preference list.
func (n *Node) LocalGet(key string) (cluster.ValueResponse, error) {
	versions, err := n.engine.SegmentVersions(key)
	if err != nil {
		return cluster.ValueResponse{}, err
	}
	return cluster.ValueResponse{Values: versionsToWire(versions), Found: len(versions) > 0}, nil
}

func versionsToWire(versions []memtable.Version) []cluster.VersionedValue {
	out := make([]cluster.VersionedValue, 0, len(versions))
	for _, v := range versions {
		out = append(out, cluster.VersionedValue{Value: v.Value, Timestamp: v.Clock[vclock.TS], Vector: v.Clock})
	}
	return out
}

// mergeReadResults folds every replica's raw version list into one using
// the same version-merge rule the memtable applies to writes (spec.md
// §4.4 "Read path" merge).
func mergeReadResults(results []replication.ReadResult) []memtable.Version {
	var merged []memtable.Version
	for _, r := range results {
		for _, v := range r.Values {
			merged = memtable.Merge(merged, memtable.Version{Value: v.Value, Clock: v.Vector})
		}
	}
	return merged
}

// readRepair pushes whichever merged versions a replica's response was
// missing back to that replica, asynchronously and off the read's
// critical path (spec.md §4.4 "Read path" read-repair). A stale local
// copy is corrected immediately via applyLocalWrite instead of a network
// round trip.
func (n *Node) readRepair(key string, results []replication.ReadResult, merged []memtable.Version) {
	for _, mv := range merged {
		var staleIDs []string
		localStale := false
		for _, r := range results {
			if hasVersion(r.Values, mv) {
				continue
			}
			if r.NodeID == n.ID {
				localStale = true
				continue
			}
			staleIDs = append(staleIDs, r.NodeID)
		}
		if localStale {
			if _, err := n.applyLocalWrite(key, mv.Value, mv.Clock, "", memtable.IsTombstone(mv.Value)); err != nil {
				kvlog.WithNode(n.ID).Debug().Err(err).Str("key", key).Msg("local read repair failed")
			}
		}
		if len(staleIDs) > 0 {
			op := cluster.Operation{
				Key: key, Value: mv.Value, Timestamp: mv.Clock[vclock.TS],
				NodeID: n.ID, OpID: n.repl.NextOpID(), Delete: memtable.IsTombstone(mv.Value), Vector: mv.Clock,
			}
			n.repl.ReadRepair(staleIDs, op)
		}
	}
}

func hasVersion(values []cluster.VersionedValue, v memtable.Version) bool {
	for _, vv := range values {
		if vv.Vector.Compare(v.Clock) == vclock.Equal && string(vv.Value) == string(v.Value) {
			return true
		}
	}
	return false
}

func (n *Node) resolveConsistency(key string, values []memtable.Version) cluster.ValueResponse {
	switch n.cfg.ConsistencyMode {
	case config.ConsistencyCRDT:
		if kind, ok := n.crdtKinds[key]; ok {
			return n.resolveCRDTRead(kind, values)
		}
		kvlog.WithNode(n.ID).Debug().Str("key", key).Msg("key not in crdt_config, resolving by vector clock")
		fallthrough
	case config.ConsistencyVector:
		out := make([]cluster.VersionedValue, 0, len(values))
		for _, v := range values {
			out = append(out, cluster.VersionedValue{Value: v.Value, Timestamp: v.Clock[vclock.TS], Vector: v.Clock})
		}
		return cluster.ValueResponse{Values: out, Found: true}
	default: // lww
		winner := values[0]
		for _, v := range values[1:] {
			if v.Clock[vclock.TS] > winner.Clock[vclock.TS] {
				winner = v
			} else if v.Clock[vclock.TS] == winner.Clock[vclock.TS] && v.Clock.String() > winner.Clock.String() {
				winner = v
			}
		}
		return cluster.ValueResponse{
			Values: []cluster.VersionedValue{{Value: winner.Value, Timestamp: winner.Clock[vclock.TS], Vector: winner.Clock}},
			Found:  true,
		}
	}
}

func (n *Node) resolveCRDTRead(kind crdt.Kind, values []memtable.Version) cluster.ValueResponse {
	merged, err := decodeCRDTBytes(kind, values[0].Value)
	if err != nil {
		return cluster.ValueResponse{Found: false}
	}
	for _, v := range values[1:] {
		other, err := decodeCRDTBytes(kind, v.Value)
		if err != nil {
			continue
		}
		merged = merged.Merge(other)
	}
	encoded, err := encodeCRDTBytes(merged)
	if err != nil {
		return cluster.ValueResponse{Found: false}
	}
	return cluster.ValueResponse{Values: []cluster.VersionedValue{{Value: encoded}}, Found: true}
}

// ScanRange answers the ordered range-scan RPC.
func (n *Node) ScanRange(partitionKey, startCK, endCK string) (cluster.RangeResponse, error) {
	items, err := n.engine.ScanRange(partitionKey, startCK, endCK)
	if err != nil {
		return cluster.RangeResponse{}, err
	}
	out := make([]cluster.RangeItem, 0, len(items))
	for _, it := range items {
		out = append(out, cluster.RangeItem{ClusteringKey: it.ClusteringKey, Value: it.Value, Timestamp: it.Clock[vclock.TS], Vector: it.Clock})
	}
	return cluster.RangeResponse{Items: out}, nil
}

// ListByIndex answers the ListByIndex RPC against the local index mirror.
func (n *Node) ListByIndex(field, value string) ([]string, error) {
	if !n.idx.IsIndexed(field) {
		return nil, fmt.Errorf("%w: field %q is not indexed", kverrors.ErrInvalidArgument, field)
	}
	return n.idx.List(field, value), nil
}

// --- Transactions -------------------------------------------------------

// BeginTransaction starts a new strict-2PL transaction scoped to this
// node (spec.md §4.6 "Cross-node scope").
func (n *Node) BeginTransaction() (string, []string) {
	return n.txm.Begin()
}

// GetInTransaction reads key inside tx, acquiring a shared lock and
// recording the read version for commit-time conflict detection (spec.md
// §4.6 "Read visibility").
func (n *Node) GetInTransaction(key, tx string) (cluster.ValueResponse, error) {
	if err := n.txm.AcquireShared(key, tx); err != nil {
		return cluster.ValueResponse{}, err
	}
	versions, err := n.engine.GetRecord(key, tx, n.txm.InProgressSet(tx))
	if err != nil {
		return cluster.ValueResponse{}, err
	}
	if len(versions) == 0 {
		return cluster.ValueResponse{Found: false}, nil
	}
	resp := n.resolveConsistency(key, versions)
	createdTx := ""
	for _, v := range versions {
		if v.CreatedTx != "" {
			createdTx = v.CreatedTx
		}
	}
	n.txm.RecordRead(tx, key, createdTx)
	return resp, nil
}

// GetForUpdate acquires an exclusive lock directly, bypassing the shared
// read-set bookkeeping: "the lock already prevents concurrent
// modification" (spec.md §4.6).
func (n *Node) GetForUpdate(key, tx string) (cluster.ValueResponse, error) {
	if tx == "" {
		return cluster.ValueResponse{}, fmt.Errorf("%w: getForUpdate requires a transaction id", kverrors.ErrInvalidArgument)
	}
	if err := n.txm.AcquireExclusive(key, tx); err != nil {
		return cluster.ValueResponse{}, err
	}
	versions, err := n.engine.GetRecord(key, tx, n.txm.InProgressSet(tx))
	if err != nil {
		return cluster.ValueResponse{}, err
	}
	if len(versions) == 0 {
		return cluster.ValueResponse{Found: false}, nil
	}
	return n.resolveConsistency(key, versions), nil
}

// PutInTransaction buffers a write under tx's exclusive lock (spec.md
// §4.6 "Write buffering"): invisible to other transactions until commit.
func (n *Node) PutInTransaction(key string, value []byte, tx string) error {
	if err := n.txm.AcquireExclusive(key, tx); err != nil {
		return err
	}
	n.txm.BufferWrite(tx, key, value, nil, false)
	return nil
}

// DeleteInTransaction buffers a delete under tx's exclusive lock.
func (n *Node) DeleteInTransaction(key, tx string) error {
	if err := n.txm.AcquireExclusive(key, tx); err != nil {
		return err
	}
	n.txm.BufferWrite(tx, key, nil, nil, true)
	return nil
}

// CommitTransaction validates and applies tx's buffered writes (spec.md
// §4.6 "Commit").
func (n *Node) CommitTransaction(tx string) error {
	result, err := n.txm.Commit(tx, n.latestVersion)
	if err != nil {
		n.elog.Record("tx-abort", tx)
		return err
	}
	for _, op := range result.Ops {
		if op.IsDelete {
			if _, err := n.applyLocalWrite(op.Key, memtable.Tombstone, op.Clock, tx, true); err != nil {
				return err
			}
			n.replicateAsync(op.Key, nil, op.Clock, "", n.ID, true)
			continue
		}
		if _, err := n.applyLocalWrite(op.Key, op.Value, op.Clock, tx, false); err != nil {
			return err
		}
		n.maybeIndex(op.Key, op.Value)
		n.replicateAsync(op.Key, op.Value, op.Clock, "", n.ID, false)
	}
	n.elog.Record("tx-commit", tx)
	return nil
}

// latestVersion answers the transaction manager's stale-read check: the
// createdTx of the last version the engine holds for key, read with no
// transaction visibility filter (every version counts).
func (n *Node) latestVersion(key string) (string, error) {
	versions, err := n.engine.GetRecord(key, "", nil)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", nil
	}
	return versions[len(versions)-1].CreatedTx, nil
}

// AbortTransaction discards tx's buffered writes and releases its locks.
func (n *Node) AbortTransaction(tx string) {
	n.txm.Abort(tx)
	n.elog.Record("tx-abort", tx)
}

// ListTransactions returns every currently active transaction id.
func (n *Node) ListTransactions() []string {
	return n.txm.ListActive()
}

// --- Atomic primitives ---------------------------------------------------

var incrementLocks sync.Map // key -> *sync.Mutex, lazily created per spec.md §5

func lockFor(m *sync.Map, key string) *sync.Mutex {
	v, _ := m.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Increment performs a read-modify-write of an integer value under a
// per-key mutex, bypassing 2PL (spec.md §4.6 "Atomic primitives").
func (n *Node) Increment(key string, amount int64) (int64, error) {
	lock := lockFor(&incrementLocks, key)
	lock.Lock()
	defer lock.Unlock()

	cur, err := n.readInt(key)
	if err != nil {
		return 0, err
	}
	next := cur + amount
	if _, err := n.Put(key, encodeInt(next), nil, "", n.ID, ""); err != nil {
		return 0, err
	}
	return next, nil
}

// Transfer atomically debits fromKey and credits toKey, failing with
// InsufficientFunds if the source balance is too low (spec.md §4.6).
// Transfer across the same node is a no-op lock-wise but still applies
// both writes.
func (n *Node) Transfer(fromKey, toKey string, amount int64) error {
	first, second := fromKey, toKey
	if second < first {
		first, second = second, first
	}
	l1 := lockFor(&incrementLocks, first)
	l2 := lockFor(&incrementLocks, second)
	l1.Lock()
	defer l1.Unlock()
	if second != first {
		l2.Lock()
		defer l2.Unlock()
	}

	from, err := n.readInt(fromKey)
	if err != nil {
		return err
	}
	if from < amount {
		return kverrors.ErrInsufficientFunds
	}
	to, err := n.readInt(toKey)
	if err != nil {
		return err
	}
	if _, err := n.Put(fromKey, encodeInt(from-amount), nil, "", n.ID, ""); err != nil {
		return err
	}
	if _, err := n.Put(toKey, encodeInt(to+amount), nil, "", n.ID, ""); err != nil {
		return err
	}
	return nil
}

func (n *Node) readInt(key string) (int64, error) {
	res, err := n.Get(key)
	if err != nil {
		return 0, err
	}
	if !res.Found || len(res.Values) == 0 {
		return 0, nil
	}
	return decodeInt(res.Values[0].Value), nil
}

func encodeInt(v int64) []byte { return []byte(fmt.Sprintf("%d", v)) }

func decodeInt(b []byte) int64 {
	var v int64
	_, _ = fmt.Sscanf(string(b), "%d", &v)
	return v
}

// --- Partition map / hash ring updates -----------------------------------

// UpdatePartitionMap logs receipt of a freshly pushed authoritative
// pid->owner map from the cluster coordinator (spec.md §4.8 "push the new
// partition map to all nodes and registered clients"). The node's own
// Partitioner is the routing source of truth; this RPC exists so a
// coordinator-driven client or future out-of-process node can converge on
// it without sharing the in-process Partitioner value.
func (n *Node) UpdatePartitionMap(items map[int]string) {
	kvlog.WithNode(n.ID).Info().Int("partitions", len(items)).Msg("partition map updated")
}

// GetNodeInfo answers the GetNodeInfo RPC (spec.md §6.2).
func (n *Node) GetNodeInfo() cluster.NodeInfoResponse {
	return cluster.NodeInfoResponse{
		NodeID:             n.ID,
		Status:             "healthy",
		UptimeSeconds:      time.Since(n.start).Seconds(),
		ReplicationLogSize: n.repl.LogSize(),
		HintsCount:         n.repl.HintsCount(),
	}
}

// EventLog exposes the operator-facing audit trail, used by debug
// endpoints and graceful shutdown.
func (n *Node) EventLog() *eventlog.Log { return n.elog }

// splitOpID parses an "<originNodeId>:<seq>" operation id, mirroring
// internal/replication's unexported helper of the same shape.
func splitOpID(id string) (origin string, seq int64, ok bool) {
	i := strings.LastIndex(id, ":")
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:i], n, true
}
