// Package memtable implements the in-memory sorted multi-version buffer
// that absorbs recent writes ahead of an LSM flush (spec.md §3 "Memtable",
// §4.1 "Flush").
package memtable

import (
	"sort"
	"sync"

	"github.com/dreamware/kvcluster/internal/vclock"
)

// Tombstone is the sentinel value marking a deleted key, per spec.md §3.
var Tombstone = []byte{0}

// IsTombstone reports whether value is the tombstone sentinel.
func IsTombstone(value []byte) bool {
	return len(value) == len(Tombstone) && value[0] == Tombstone[0]
}

// Version is one record version: a value (or Tombstone) stamped with a
// vector clock and, for MVCC, the transaction that created/deleted it.
type Version struct {
	Value     []byte
	Clock     vclock.Clock
	CreatedTx string
	DeletedTx string
}

// Table is the ordered, multi-version memtable (component C). Multiple
// concurrent versions of a key may coexist until a reader or compaction
// resolves them (spec.md invariant 2).
//
// Safe for concurrent use; callers needing to coordinate a flush swap take
// the engine's own segment-list lock around a Snapshot+Clear pair.
type Table struct {
	mu       sync.RWMutex
	versions map[string][]Version
	size     int // approximate byte size, threshold for flush triggering
}

// New returns an empty memtable.
func New() *Table {
	return &Table{versions: make(map[string][]Version)}
}

// Put appends (after merge-resolution) a new version for key.
func (t *Table) Put(key string, v Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.versions[key] = Merge(t.versions[key], v)
	t.size += len(key) + len(v.Value) + 32
}

// Get returns the raw version list currently held for key (nil if absent).
// Callers resolve tombstones/concurrency themselves via the engine's
// read-path policy.
func (t *Table) Get(key string) []Version {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Version(nil), t.versions[key]...)
}

// Delete is sugar for Put with a Tombstone value.
func (t *Table) Delete(key string, clock vclock.Clock, tx string) {
	t.Put(key, Version{Value: Tombstone, Clock: clock, CreatedTx: tx})
}

// Size returns the approximate accumulated byte size used for flush
// threshold decisions (spec.md §4.1 "Flush").
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Keys returns all keys in ascending sorted order.
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.versions))
	for k := range t.versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns an ascending-key-ordered copy of every (key, versions)
// pair, used by the flusher to build a new segment.
func (t *Table) Snapshot() []KeyVersions {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]KeyVersions, 0, len(t.versions))
	for k, vs := range t.versions {
		out = append(out, KeyVersions{Key: k, Versions: append([]Version(nil), vs...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// KeyVersions pairs a key with its multi-version list, the shape flushed
// into a segment.
type KeyVersions struct {
	Key      string
	Versions []Version
}

// Clear empties the table, called immediately after a successful flush.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.versions = make(map[string][]Version)
	t.size = 0
}

// Merge folds an incoming version into an existing version list using the
// version-merge rule of spec.md §4.1: a dominated incoming version is
// dropped, a dominating incoming version drops every version it
// dominates, an identical-clock-and-payload duplicate is dropped, and
// genuinely concurrent versions are both retained.
func Merge(existing []Version, incoming Version) []Version {
	out := make([]Version, 0, len(existing)+1)
	dominated := false
	for _, e := range existing {
		switch incoming.Clock.Compare(e.Clock) {
		case vclock.Before:
			// incoming is dominated by e: drop incoming, keep e.
			dominated = true
			out = append(out, e)
		case vclock.After:
			// incoming dominates e: drop e.
			continue
		case vclock.Equal:
			if string(incoming.Value) == string(e.Value) {
				dominated = true
			}
			out = append(out, e)
		default: // Concurrent
			out = append(out, e)
		}
	}
	if !dominated {
		out = append(out, incoming)
	}
	return out
}

// MergeAll folds b's versions into a using Merge, used by the engine when
// combining memtable and segment results for a read or during compaction.
func MergeAll(a, b []Version) []Version {
	out := append([]Version(nil), a...)
	for _, v := range b {
		out = Merge(out, v)
	}
	return out
}
