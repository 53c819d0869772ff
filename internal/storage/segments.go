package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dreamware/kvcluster/internal/kvlog"
	"github.com/dreamware/kvcluster/internal/memtable"
	"github.com/dreamware/kvcluster/internal/merkle"
	"github.com/dreamware/kvcluster/internal/sstable"
)

// segmentManager owns the ordered list of on-disk segments for one engine,
// and the flush/compaction operations that create and retire them
// (component E). Segment list mutation happens under mu; readers take an
// RLock and snapshot the slice header, matching spec.md §4.1 "Readers take
// a read lock on the segment list; the flusher swaps atomically."
type segmentManager struct {
	mu       sync.RWMutex
	dir      string
	segments []*sstable.Segment // newest last
	hashes   map[string]string  // segment id -> Merkle root hash
}

func newSegmentManager(dir string) *segmentManager {
	return &segmentManager{dir: dir, hashes: map[string]string{}}
}

// loadExisting scans dir for existing segment files (timestamp-ordered)
// and rebuilds their sparse indices and Merkle hashes (spec.md §4.1
// "Recovery").
func (sm *segmentManager) loadExisting() error {
	entries, err := os.ReadDir(sm.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	type found struct {
		ts        int64
		compacted bool
		name      string
	}
	var files []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "sstable_") || !strings.HasSuffix(name, ".txt") {
			continue
		}
		compacted := strings.HasPrefix(name, "sstable_compacted_")
		tsStr := strings.TrimSuffix(name, ".txt")
		tsStr = strings.TrimPrefix(tsStr, "sstable_compacted_")
		tsStr = strings.TrimPrefix(tsStr, "sstable_")
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, found{ts: ts, compacted: compacted, name: name})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ts < files[j].ts })

	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, f := range files {
		path := filepath.Join(sm.dir, f.name)
		seg, err := sstable.Open(path, f.name)
		if err != nil {
			kvlog.WithComponent("storage").Warn().Err(err).Str("file", f.name).Msg("skipping unreadable segment")
			continue
		}
		sm.segments = append(sm.segments, seg)
		sm.recomputeHashLocked(seg)
	}
	return nil
}

// snapshot returns the current segment list, newest last, safe to iterate
// without holding any lock afterward (segment files are immutable once
// installed).
func (sm *segmentManager) snapshot() []*sstable.Segment {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*sstable.Segment, len(sm.segments))
	copy(out, sm.segments)
	return out
}

// flush writes snap (already sorted ascending by key) as a new segment and
// installs it atomically at the newest position.
func (sm *segmentManager) flush(ts int64, snap []memtable.KeyVersions) (*sstable.Segment, error) {
	items := make([]sstable.Item, 0, len(snap))
	for _, kv := range snap {
		for _, v := range kv.Versions {
			items = append(items, sstable.Item{Key: kv.Key, Value: v.Value, Clock: v.Clock})
		}
	}
	path := sstable.FileName(sm.dir, ts, false)
	seg, err := sstable.Write(path, filepath.Base(path), items)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.segments = append(sm.segments, seg)
	sm.recomputeHashLocked(seg)
	return seg, nil
}

// compactAll merges every segment (newest-to-oldest precedence) into one
// fresh segment, dropping keys whose only surviving versions are
// tombstones, then deletes the predecessors (spec.md §4.1 "Compaction").
func (sm *segmentManager) compactAll(ts int64) (*sstable.Segment, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.segments) < 2 {
		return nil, nil
	}

	merged := map[string][]memtable.Version{}
	order := []string{}
	// newest first so the merge rule sees dominant versions first; Merge
	// is symmetric regardless of visitation order, but this mirrors the
	// reference "newest->oldest" traversal.
	for i := len(sm.segments) - 1; i >= 0; i-- {
		entries, err := sm.segments[i].All()
		if err != nil {
			kvlog.WithComponent("storage").Warn().Err(err).Msg("compaction skipping unreadable segment")
			continue
		}
		for _, e := range entries {
			if _, ok := merged[e.Key]; !ok {
				order = append(order, e.Key)
			}
			cur := merged[e.Key]
			for _, v := range e.Versions {
				cur = memtable.Merge(cur, v)
			}
			merged[e.Key] = cur
		}
	}
	sort.Strings(order)

	items := make([]sstable.Item, 0, len(order))
	for _, k := range order {
		versions := merged[k]
		allTombstones := true
		for _, v := range versions {
			if !memtable.IsTombstone(v.Value) {
				allTombstones = false
			}
		}
		if allTombstones {
			continue
		}
		for _, v := range versions {
			items = append(items, sstable.Item{Key: k, Value: v.Value, Clock: v.Clock})
		}
	}

	path := sstable.FileName(sm.dir, ts, true)
	newSeg, err := sstable.Write(path, filepath.Base(path), items)
	if err != nil {
		return nil, err
	}

	old := sm.segments
	sm.segments = []*sstable.Segment{newSeg}
	sm.hashes = map[string]string{}
	sm.recomputeHashLocked(newSeg)

	for _, s := range old {
		if err := s.Delete(); err != nil {
			kvlog.WithComponent("storage").Warn().Err(err).Str("segment", s.ID).Msg("failed to delete predecessor segment")
		}
	}
	return newSeg, nil
}

// recomputeHashLocked builds the Merkle tree for seg and records its root
// hash, caller must hold mu.
func (sm *segmentManager) recomputeHashLocked(seg *sstable.Segment) {
	entries, err := seg.All()
	if err != nil {
		return
	}
	leaves := make([]merkle.Leaf, 0, len(entries))
	for _, e := range entries {
		resolved := resolveForMerkle(e.Versions)
		if resolved == nil {
			continue
		}
		leaves = append(leaves, merkle.Leaf{Key: e.Key, Value: resolved})
	}
	tree := merkle.Build(leaves)
	sm.hashes[seg.ID] = tree.RootHash()
}

// resolveForMerkle collapses a key's versions to a single representative
// value for hashing purposes (tombstones excluded per spec.md §4.5); when
// multiple concurrent versions remain, their values are concatenated in a
// deterministic order so the hash still changes if any one of them does.
func resolveForMerkle(versions []memtable.Version) []byte {
	var out []byte
	any := false
	for _, v := range versions {
		if memtable.IsTombstone(v.Value) {
			continue
		}
		any = true
		out = append(out, v.Value...)
		out = append(out, 0)
	}
	if !any {
		return nil
	}
	return out
}

// Hashes returns a copy of the segmentId -> MerkleRoot map used by
// anti-entropy (spec.md §4.5 step 1).
func (sm *segmentManager) Hashes() map[string]string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[string]string, len(sm.hashes))
	for k, v := range sm.hashes {
		out[k] = v
	}
	return out
}

// Tree rebuilds and returns the Merkle tree for a given segment id, used
// when a peer's anti-entropy request needs to descend into a differing
// segment.
func (sm *segmentManager) Tree(segID string) (*merkle.Tree, error) {
	sm.mu.RLock()
	var seg *sstable.Segment
	for _, s := range sm.segments {
		if s.ID == segID {
			seg = s
			break
		}
	}
	sm.mu.RUnlock()
	if seg == nil {
		return nil, fmt.Errorf("no such segment %q", segID)
	}
	entries, err := seg.All()
	if err != nil {
		return nil, err
	}
	leaves := make([]merkle.Leaf, 0, len(entries))
	for _, e := range entries {
		resolved := resolveForMerkle(e.Versions)
		if resolved == nil {
			continue
		}
		leaves = append(leaves, merkle.Leaf{Key: e.Key, Value: resolved})
	}
	return merkle.Build(leaves), nil
}
