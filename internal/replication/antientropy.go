package replication

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/kvlog"
	"github.com/dreamware/kvcluster/internal/merkle"
	"github.com/dreamware/kvcluster/internal/vclock"
)

// ApplyFunc applies a replicated op to local storage, returning any error
// from the local write.
type ApplyFunc func(op cluster.Operation) error

// SegmentHashesFunc returns the engine's current segmentId -> MerkleRoot
// map (spec.md §4.5).
type SegmentHashesFunc func() map[string]string

// SegmentTreesFunc returns the engine's current per-segment Merkle tree
// snapshots (segment id, root hash, and the full key->leaf-hash map), the
// wire form exchanged so a peer whose root hash differs can descend into
// the tree instead of transferring the whole segment (spec.md §4.5 step 1).
type SegmentTreesFunc func() []cluster.SegmentTree

// LocalVersion is one locally-held version of a key, unresolved against
// any other version — the remote applies it through its own
// memtable-merge rule rather than receiving an already-resolved value.
type LocalVersion struct {
	Value  []byte
	Vector vclock.Clock
	Delete bool
}

// LocalVersionsFunc returns every locally-held version of key, across
// memtable and segments, used to ship repair ops for keys a segment-tree
// diff finds differing (spec.md §4.5 step 4).
type LocalVersionsFunc func(key string) []LocalVersion

// PendingOps returns up to maxBatchSize entries from the replication log,
// in a stable order, for anti-entropy push (spec.md §9 open question 3:
// the cap applies across the whole batch, with no persisted cursor — the
// remainder is simply picked up again next cycle).
func (c *Coordinator) PendingOps() []cluster.Operation {
	c.logMu.Lock()
	defer c.logMu.Unlock()

	ids := make([]string, 0, len(c.opLog))
	for id := range c.opLog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > c.maxBatchSize {
		ids = ids[:c.maxBatchSize]
	}
	out := make([]cluster.Operation, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.opLog[id])
	}
	return out
}

// LastSeen returns a snapshot of this node's origin -> highest-seq-applied
// map, exchanged during anti-entropy (spec.md §8 idempotence invariant).
func (c *Coordinator) LastSeen() map[string]int64 {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make(map[string]int64, len(c.lastSeen))
	for k, v := range c.lastSeen {
		out[k] = v
	}
	return out
}

// GC drops opLog entries whose origin:seq is at or below every peer's
// last_seen high-water mark; min(last_seen.values()) across all known
// origins bounds what's safe to discard (spec.md §4.4 "replication log
// GC via last_seen").
func (c *Coordinator) GC(peerLastSeen []map[string]int64) {
	c.logMu.Lock()
	defer c.logMu.Unlock()

	floor := map[string]int64{}
	for origin, seq := range c.lastSeen {
		floor[origin] = seq
	}
	for _, peerSeen := range peerLastSeen {
		for origin, seq := range peerSeen {
			if cur, ok := floor[origin]; !ok || seq < cur {
				floor[origin] = seq
			}
		}
	}

	for id, op := range c.opLog {
		origin, seq, ok := splitOpID(id)
		if !ok {
			continue
		}
		_ = op
		if f, ok := floor[origin]; ok && seq <= f {
			delete(c.opLog, id)
		}
	}
}

func splitOpID(id string) (origin string, seq int64, ok bool) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == ':' {
			origin = id[:i]
			var n int64
			for _, ch := range id[i+1:] {
				if ch < '0' || ch > '9' {
					return "", 0, false
				}
				n = n*10 + int64(ch-'0')
			}
			return origin, n, true
		}
	}
	return "", 0, false
}

// HandleFetch answers a peer's anti-entropy request: apply whatever ops
// the peer sent that this node hasn't seen yet, then return the ops this
// node has pending that the peer's last_seen shows it lacks, the repair
// ops produced by diffing the peer's segment trees against this node's
// own, and this node's current segment hash summary (spec.md §4.5 steps
// 2-4).
func (c *Coordinator) HandleFetch(req cluster.FetchRequest, apply ApplyFunc, segHashes SegmentHashesFunc, segTrees SegmentTreesFunc, localVersions LocalVersionsFunc) cluster.FetchResponse {
	log := kvlog.WithComponent("replication")
	for _, op := range req.Ops {
		origin, seq, ok := splitOpID(op.OpID)
		if !ok || !c.MarkSeen(origin, seq) {
			continue
		}
		if err := apply(op); err != nil {
			log.Warn().Err(err).Str("op_id", op.OpID).Msg("failed to apply anti-entropy op")
		}
	}

	missing := make([]cluster.Operation, 0)
	for _, op := range c.PendingOps() {
		origin, seq, ok := splitOpID(op.OpID)
		if !ok {
			continue
		}
		if req.LastSeen[origin] < seq {
			missing = append(missing, op)
		}
	}

	missing = c.appendSegmentDiffRepairs(missing, req.Trees, segTrees, localVersions, log)

	return cluster.FetchResponse{Ops: missing, SegmentHashes: segHashes()}
}

// appendSegmentDiffRepairs descends every segment whose root hash the
// peer disagrees with, finds the differing leaf keys via
// merkle.DiffLeafHashes, and appends this node's local versions of those
// keys as repair Operations, capped at maxBatchSize total (spec.md §4.5
// step 4). This reconciles divergence a plain op-log replay would miss —
// e.g. a key a peer never saw the original write for, or one whose
// op-log entry has already been GC'd on this side.
func (c *Coordinator) appendSegmentDiffRepairs(missing []cluster.Operation, peerTrees []cluster.SegmentTree, segTrees SegmentTreesFunc, localVersions LocalVersionsFunc, log zerolog.Logger) []cluster.Operation {
	if segTrees == nil || localVersions == nil || len(peerTrees) == 0 || len(missing) >= c.maxBatchSize {
		return missing
	}

	local := make(map[string]cluster.SegmentTree, len(peerTrees))
	for _, t := range segTrees() {
		local[t.SegmentID] = t
	}

	seen := map[string]bool{}
	for _, peerTree := range peerTrees {
		if len(missing) >= c.maxBatchSize {
			break
		}
		localTree, ok := local[peerTree.SegmentID]
		if !ok || localTree.RootHash == peerTree.RootHash {
			continue
		}
		for _, key := range merkle.DiffLeafHashes(localTree.Leaves, peerTree.Leaves) {
			if seen[key] || len(missing) >= c.maxBatchSize {
				break
			}
			seen[key] = true
			for _, lv := range localVersions(key) {
				missing = append(missing, cluster.Operation{
					Key:       key,
					Value:     lv.Value,
					Timestamp: lv.Vector[vclock.TS],
					NodeID:    c.nodeID,
					OpID:      c.NextOpID(),
					Delete:    lv.Delete,
					Vector:    lv.Vector,
				})
				if len(missing) >= c.maxBatchSize {
					break
				}
			}
		}
	}
	if len(seen) > 0 {
		log.Debug().Int("keys", len(seen)).Msg("anti-entropy segment diff produced repair ops")
	}
	return missing
}

// RunAntiEntropy periodically exchanges pending ops, segment hash
// summaries, and full segment trees with every known peer until ctx is
// canceled (spec.md §6.4 "anti_entropy_interval").
func (c *Coordinator) RunAntiEntropy(ctx context.Context, interval time.Duration, apply ApplyFunc, segHashes SegmentHashesFunc, segTrees SegmentTreesFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.syncOnce(ctx, apply, segHashes, segTrees)
		}
	}
}

func (c *Coordinator) syncOnce(ctx context.Context, apply ApplyFunc, segHashes SegmentHashesFunc, segTrees SegmentTreesFunc) {
	log := kvlog.WithComponent("replication")

	c.mu.RLock()
	peers := make(map[string]*PeerClient, len(c.peers))
	for id, client := range c.peers {
		peers[id] = client
	}
	c.mu.RUnlock()

	var trees []cluster.SegmentTree
	if segTrees != nil {
		trees = segTrees()
	}
	req := cluster.FetchRequest{
		LastSeen:      c.LastSeen(),
		Ops:           c.PendingOps(),
		SegmentHashes: segHashes(),
		Trees:         trees,
	}

	for peerID, client := range peers {
		resp, err := client.FetchUpdates(ctx, req)
		if err != nil {
			log.Debug().Err(err).Str("peer", peerID).Msg("anti-entropy fetch failed")
			continue
		}
		for _, op := range resp.Ops {
			origin, seq, ok := splitOpID(op.OpID)
			if !ok || !c.MarkSeen(origin, seq) {
				continue
			}
			if err := apply(op); err != nil {
				log.Warn().Err(err).Str("op_id", op.OpID).Msg("failed to apply op fetched from peer")
			}
		}
	}
}
