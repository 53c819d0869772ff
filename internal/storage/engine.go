package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dreamware/kvcluster/internal/kvlog"
	"github.com/dreamware/kvcluster/internal/memtable"
	"github.com/dreamware/kvcluster/internal/merkle"
	"github.com/dreamware/kvcluster/internal/vclock"
	"github.com/dreamware/kvcluster/internal/wal"
)

// DefaultFlushThreshold is the approximate memtable byte size that
// triggers an asynchronous flush (spec.md §4.1 "Flush").
const DefaultFlushThreshold = 4 * 1024 * 1024

// Engine is the per-node LSM storage engine (component F): WAL + memtable
// + on-disk segments, versioned get/put/delete/scan, and recovery.
//
// Concurrency, per spec.md §5: memtable mutation is protected by memMu
// ("_mem_lock"); segment list mutation is internal to segmentManager
// ("_segments_lock"). memMu is held across each WAL append, and
// flushAndCompact holds it for the whole flush and compaction, during which
// segmentManager takes its own lock and reads and writes segment files.
type Engine struct {
	dir            string
	nodeID         string
	memMu          sync.RWMutex
	mem            *memtable.Table
	walFile        *wal.WAL
	segments       *segmentManager
	lamport        *vclock.Lamport
	flushThreshold int

	flushing int32 // atomic: 0/1, true while a flush+compaction cycle runs
}

// Option configures an Engine at Open time.
type Option func(*Engine)

// WithFlushThreshold overrides DefaultFlushThreshold.
func WithFlushThreshold(n int) Option {
	return func(e *Engine) { e.flushThreshold = n }
}

// Open opens (creating if necessary) an engine rooted at dir, replaying
// its WAL and rebuilding segment indices and Merkle hashes (spec.md §4.1
// "Recovery").
func Open(dir, nodeID string, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	e := &Engine{
		dir:            dir,
		nodeID:         nodeID,
		mem:            memtable.New(),
		segments:       newSegmentManager(dir),
		lamport:        vclock.NewLamport(),
		flushThreshold: DefaultFlushThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.segments.loadExisting(); err != nil {
		return nil, err
	}

	walPath := filepath.Join(dir, "write_ahead_log.txt")
	w, err := wal.Open(walPath)
	if err != nil {
		return nil, err
	}
	e.walFile = w

	entries, err := wal.Replay(walPath)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		v := memtable.Version{Value: entry.Value, Clock: entry.Vector}
		if entry.Type == wal.OpDelete {
			v.Value = memtable.Tombstone
		}
		e.mem.Put(entry.Key, v)
	}

	kvlog.WithComponent("storage").Info().
		Str("dir", dir).
		Int("segments", len(e.segments.snapshot())).
		Int("replayed", len(entries)).
		Msg("engine recovered")
	return e, nil
}

// nextClock produces the clock to stamp a new write with: a clock the
// caller supplied (e.g. a replicated op carrying its origin's clock) is
// copied with its node counters unchanged; otherwise a new clock with this
// node's counter incremented is used. In both cases the reserved "ts" LWW
// tiebreaker is set to a fresh Lamport tick, overwriting any ts the
// supplied clock carried (spec.md §4.1 invariant 1, "Timestamps").
func (e *Engine) nextClock(supplied vclock.Clock) vclock.Clock {
	var c vclock.Clock
	if supplied != nil {
		c = supplied.Copy()
	} else {
		c = vclock.New().Increment(e.nodeID)
	}
	c[vclock.TS] = e.lamport.Tick()
	return c
}

// Put durably writes value for key: WAL append, then memtable insert,
// possibly triggering an async flush (spec.md §4.1 "put").
func (e *Engine) Put(key string, value []byte, clock vclock.Clock, tx string) (vclock.Clock, error) {
	return e.write(wal.OpPut, key, value, clock, tx)
}

// Delete writes a Tombstone for key (spec.md §4.1 "delete").
func (e *Engine) Delete(key string, clock vclock.Clock, tx string) (vclock.Clock, error) {
	return e.write(wal.OpDelete, key, memtable.Tombstone, clock, tx)
}

func (e *Engine) write(op wal.OpType, key string, value []byte, clock vclock.Clock, tx string) (vclock.Clock, error) {
	final := e.nextClock(clock)

	e.memMu.Lock()
	err := e.walFile.Append(wal.Entry{Type: op, Key: key, Value: value, Vector: final})
	if err != nil {
		e.memMu.Unlock()
		return nil, err
	}
	e.mem.Put(key, memtable.Version{Value: value, Clock: final, CreatedTx: tx})
	size := e.mem.Size()
	e.memMu.Unlock()

	if size >= e.flushThreshold {
		go e.flushAndCompact()
	}
	return final, nil
}

// GetResult is the outcome of a Get: the surviving, tombstone-filtered
// versions for a key after merging memtable and every segment.
type GetResult struct {
	Found  bool
	Values []memtable.Version
}

// Get resolves key's current versions: merge memtable ∪ all segments using
// the version-merge rule, drop tombstoned versions, and return whatever
// remains (spec.md §4.1 "get": one value, several concurrent values, or
// absent). Conflict-mode resolution (LWW/vector/CRDT) is a replication
// concern layered on top of this, see resolveConsistency in internal/node.
func (e *Engine) Get(key string) (GetResult, error) {
	versions, err := e.mergedVersions(key)
	if err != nil {
		return GetResult{}, err
	}
	live := make([]memtable.Version, 0, len(versions))
	for _, v := range versions {
		if !memtable.IsTombstone(v.Value) {
			live = append(live, v)
		}
	}
	return GetResult{Found: len(live) > 0, Values: live}, nil
}

// GetRecord returns the full multi-version list for key filtered for MVCC
// visibility to tx: a version is visible if its CreatedTx is empty (a
// committed, non-transactional write), equals tx (the transaction's own
// uncommitted write), or is some other transaction not present in
// inProgress (i.e. already committed as of the snapshot) — and is not
// shadowed by a DeletedTx visible under the same rule (spec.md §4.1
// "getRecord").
func (e *Engine) GetRecord(key, tx string, inProgress map[string]bool) ([]memtable.Version, error) {
	versions, err := e.mergedVersions(key)
	if err != nil {
		return nil, err
	}
	visible := make([]memtable.Version, 0, len(versions))
	for _, v := range versions {
		if !e.isVisible(v.CreatedTx, tx, inProgress) {
			continue
		}
		if v.DeletedTx != "" && e.isVisible(v.DeletedTx, tx, inProgress) {
			continue
		}
		visible = append(visible, v)
	}
	return visible, nil
}

func (e *Engine) isVisible(createdTx, tx string, inProgress map[string]bool) bool {
	if createdTx == "" {
		return true
	}
	if createdTx == tx {
		return true
	}
	return !inProgress[createdTx]
}

// mergedVersions merges the memtable's versions for key with every
// segment's versions, newest segment first, using the version-merge rule
// throughout (spec.md §4.1 "This rule applies across memtable ∪ all
// segments during reads").
func (e *Engine) mergedVersions(key string) ([]memtable.Version, error) {
	e.memMu.RLock()
	out := e.mem.Get(key)
	e.memMu.RUnlock()

	segs := e.segments.snapshot()
	for i := len(segs) - 1; i >= 0; i-- {
		versions, err := segs[i].Get(key)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			out = memtable.Merge(out, v)
		}
	}
	return out, nil
}

// ScanItem is one entry returned by ScanRange.
type ScanItem struct {
	ClusteringKey string
	Value         []byte
	Clock         vclock.Clock
}

// ScanRange returns the ordered, tombstone-filtered (clusteringKey, value,
// clock) list restricted to partitionKey's clustering-key interval
// [startCk, endCk) (spec.md §4.1 "scanRange"). An empty startCk/endCk
// means unbounded on that side.
func (e *Engine) ScanRange(partitionKey, startCk, endCk string) ([]ScanItem, error) {
	keys := map[string]struct{}{}

	e.memMu.RLock()
	for _, k := range e.mem.Keys() {
		if pk, ck, ok := SplitKey(k); ok && pk == partitionKey && inRange(ck, startCk, endCk) {
			keys[k] = struct{}{}
		} else if !ok && pk == partitionKey && inRange("", startCk, endCk) {
			keys[k] = struct{}{}
		}
	}
	e.memMu.RUnlock()

	prefix := partitionKey + KeySeparator
	for _, seg := range e.segments.snapshot() {
		entries, err := seg.All()
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Key, prefix) {
				continue
			}
			ck := strings.TrimPrefix(entry.Key, prefix)
			if inRange(ck, startCk, endCk) {
				keys[entry.Key] = struct{}{}
			}
		}
	}

	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	out := make([]ScanItem, 0, len(ordered))
	for _, k := range ordered {
		res, err := e.Get(k)
		if err != nil {
			return nil, err
		}
		if !res.Found {
			continue
		}
		_, ck, _ := SplitKey(k)
		v := res.Values[0]
		out = append(out, ScanItem{ClusteringKey: ck, Value: v.Value, Clock: v.Clock})
	}
	return out, nil
}

func inRange(ck, start, end string) bool {
	if start != "" && ck < start {
		return false
	}
	if end != "" && ck >= end {
		return false
	}
	return true
}

// SegmentItems returns every (key, versions) entry for a given segment id,
// or for the special id "memtable" the current memtable snapshot (spec.md
// §4.1 "segmentItems").
func (e *Engine) SegmentItems(segID string) ([]memtable.KeyVersions, error) {
	if segID == "memtable" {
		e.memMu.RLock()
		defer e.memMu.RUnlock()
		return e.mem.Snapshot(), nil
	}
	for _, seg := range e.segments.snapshot() {
		if seg.ID == segID {
			return seg.All()
		}
	}
	return nil, nil
}

// SegmentIDs returns the ids of every on-disk segment, oldest first.
func (e *Engine) SegmentIDs() []string {
	segs := e.segments.snapshot()
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.ID
	}
	return out
}

// SegmentHashes returns the segmentId -> MerkleRoot map (spec.md §4.5).
func (e *Engine) SegmentHashes() map[string]string {
	return e.segments.Hashes()
}

// SegmentTree rebuilds the Merkle tree for a given segment id.
func (e *Engine) SegmentTree(segID string) (*merkle.Tree, error) {
	return e.segments.Tree(segID)
}

// SegmentTreeSnapshot is a segment's Merkle tree flattened to the shape
// anti-entropy exchanges over the wire (spec.md §4.5 step 1): the root
// hash to decide whether the segment needs a deeper diff at all, plus the
// full key->leaf-hash map to actually compute one with merkle.DiffLeafHashes
// if it does.
type SegmentTreeSnapshot struct {
	SegmentID string
	RootHash  string
	Leaves    map[string]string
}

// SegmentTrees builds a SegmentTreeSnapshot for every on-disk segment,
// the per-segment half of spec.md §4.5's anti-entropy exchange.
func (e *Engine) SegmentTrees() []SegmentTreeSnapshot {
	ids := e.SegmentIDs()
	out := make([]SegmentTreeSnapshot, 0, len(ids))
	for _, id := range ids {
		tree, err := e.segments.Tree(id)
		if err != nil {
			continue
		}
		leaves := make(map[string]string, len(tree.Leaves))
		for _, l := range tree.Leaves {
			leaves[l.Key] = l.Hash
		}
		out = append(out, SegmentTreeSnapshot{SegmentID: id, RootHash: tree.RootHash(), Leaves: leaves})
	}
	return out
}

// SegmentVersions returns the current merged version list for key,
// without resolving conflicts, for use by anti-entropy's repair-op path
// when a segment-diff descent finds key to differ (spec.md §4.5 step 4):
// the local side ships its raw versions, letting the remote's own
// memtable.Merge resolve them against whatever it already holds.
func (e *Engine) SegmentVersions(key string) ([]memtable.Version, error) {
	return e.mergedVersions(key)
}

// MemtableSize returns the memtable's current approximate byte size.
func (e *Engine) MemtableSize() int {
	e.memMu.RLock()
	defer e.memMu.RUnlock()
	return e.mem.Size()
}

// CompactAll forces compaction of every on-disk segment (spec.md §4.1
// "compactAll").
func (e *Engine) CompactAll() error {
	ts := e.lamport.Tick()
	_, err := e.segments.compactAll(ts)
	if err != nil {
		kvlog.WithComponent("storage").Warn().Err(err).Msg("compaction failed, old segments left intact")
		return err
	}
	return nil
}

// flushAndCompact snapshots the memtable into a new segment, clears the
// memtable, truncates the WAL, then triggers compaction — the full
// spec.md §4.1 "Flush" sequence. Guarded so only one flush runs at a time.
func (e *Engine) flushAndCompact() {
	if !atomic.CompareAndSwapInt32(&e.flushing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.flushing, 0)

	// The lock is held across the whole snapshot->segment-write->clear->
	// truncate sequence, not just the snapshot: releasing it in between
	// (as write() would need to acquire it) opens a window where a write
	// lands after the snapshot is taken but is then wiped out by the WAL
	// truncate below without ever having reached the new segment.
	e.memMu.Lock()
	defer e.memMu.Unlock()

	snap := e.mem.Snapshot()
	if len(snap) == 0 {
		return
	}

	ts := e.lamport.Tick()
	if _, err := e.segments.flush(ts, snap); err != nil {
		kvlog.WithComponent("storage").Warn().Err(err).Msg("flush failed, memtable retained")
		return
	}

	e.mem.Clear()
	if err := e.walFile.Truncate(); err != nil {
		kvlog.WithComponent("storage").Warn().Err(err).Msg("wal truncate failed after flush")
	}

	if err := e.CompactAll(); err != nil {
		kvlog.WithComponent("storage").Debug().Err(err).Msg("post-flush compaction skipped")
	}
}

// Close flushes and closes the underlying WAL file.
func (e *Engine) Close() error {
	return e.walFile.Close()
}

// Dir returns the engine's root directory.
func (e *Engine) Dir() string { return e.dir }
