// Package sstable implements the immutable on-disk sorted segment and its
// sparse index (spec.md §3 "Segment", §4.1 "Sparse index lookup").
package sstable

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dreamware/kvcluster/internal/memtable"
	"github.com/dreamware/kvcluster/internal/vclock"
)

// IndexInterval is the default sparse-index density: every Nth key gets an
// index entry (spec.md §3 "Segment").
const IndexInterval = 100

// line is the on-disk record shape, one JSON object per line, per
// spec.md §6.1: {key, value, vector}.
type line struct {
	Key    string       `json:"key"`
	Value  []byte       `json:"value"`
	Vector vclock.Clock `json:"vector"`
}

// IndexEntry maps a sampled key to its byte offset within the segment
// file.
type IndexEntry struct {
	Key    string
	Offset int64
}

// Segment is an immutable, ordered, on-disk sequence of (key, value,
// clock) entries plus a sparse index. Segments never change after
// Write returns; compaction always produces a fresh segment and deletes
// the predecessors.
type Segment struct {
	ID    string
	Path  string
	Index []IndexEntry
	// Keys/count are kept for fast stats without re-reading the file.
	count int
}

// Write serializes items (already key-sorted, one key per entry — callers
// merge multi-version lists into the winning set before calling Write, or
// pass every surviving version in stable order when scanRange needs
// them) to path and builds a sparse index.
func Write(path, id string, items []Item) (*Segment, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var offset int64
	index := make([]IndexEntry, 0, len(items)/IndexInterval+1)
	for i, it := range items {
		if i%IndexInterval == 0 {
			index = append(index, IndexEntry{Key: it.Key, Offset: offset})
		}
		buf, err := json.Marshal(line{Key: it.Key, Value: it.Value, Vector: it.Clock})
		if err != nil {
			return nil, err
		}
		n, err := w.Write(buf)
		if err != nil {
			return nil, err
		}
		offset += int64(n)
		if err := w.WriteByte('\n'); err != nil {
			return nil, err
		}
		offset++
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	return &Segment{ID: id, Path: path, Index: index, count: len(items)}, nil
}

// Item is one (key, value, clock) record to persist. A segment holds one
// line per Item; multiple concurrent versions of the same key appear as
// consecutive Items sharing a key, the same encoding used for WAL replay.
type Item struct {
	Key   string
	Value []byte
	Clock vclock.Clock
}

// Open rebuilds a Segment's sparse index by scanning an existing file,
// used during recovery (spec.md §4.1 "Recovery").
func Open(path, id string) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seg := &Segment{ID: id, Path: path}
	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	i := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			// spec.md §7 Corruption: skip the bad line, keep scanning.
			offset += int64(len(raw)) + 1
			continue
		}
		if i%IndexInterval == 0 {
			seg.Index = append(seg.Index, IndexEntry{Key: l.Key, Offset: offset})
		}
		offset += int64(len(raw)) + 1
		i++
	}
	seg.count = i
	return seg, scanner.Err()
}

// Get performs the sparse-index binary search described in spec.md §4.1:
// find the greatest indexed key <= target, seek there, then scan linearly
// until target is found or a strictly greater key appears (the file is
// ordered). Returns every version line recorded for key, in file order.
func (s *Segment) Get(key string) ([]memtable.Version, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	offset := s.seekOffset(key)
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, err
	}

	var out []memtable.Version
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			continue
		}
		if l.Key == key {
			out = append(out, memtable.Version{Value: l.Value, Clock: l.Vector})
			continue
		}
		if l.Key > key {
			break
		}
	}
	return out, scanner.Err()
}

// seekOffset binary-searches the sparse index for the greatest indexed key
// <= target, returning its byte offset (0 if target precedes every
// indexed key).
func (s *Segment) seekOffset(target string) int64 {
	idx := sort.Search(len(s.Index), func(i int) bool { return s.Index[i].Key > target })
	if idx == 0 {
		return 0
	}
	return s.Index[idx-1].Offset
}

// All streams every (key, versions) entry in the segment in ascending key
// order, used by compaction and full scans. Consecutive lines sharing a
// key are grouped into one entry's Versions.
func (s *Segment) All() ([]memtable.KeyVersions, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []memtable.KeyVersions
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			continue
		}
		v := memtable.Version{Value: l.Value, Clock: l.Vector}
		if n := len(out); n > 0 && out[n-1].Key == l.Key {
			out[n-1].Versions = append(out[n-1].Versions, v)
		} else {
			out = append(out, memtable.KeyVersions{Key: l.Key, Versions: []memtable.Version{v}})
		}
	}
	return out, scanner.Err()
}

// Delete removes the segment's backing file. Called by the segment
// manager only after a replacement segment has been installed (spec.md
// invariant 4).
func (s *Segment) Delete() error {
	return os.Remove(s.Path)
}

// Count returns the number of lines written to the segment.
func (s *Segment) Count() int { return s.count }

// FileName is the conventional on-disk name for a segment, matching
// spec.md §6.1 ("sstable_<ts>.txt" / "sstable_compacted_<ts>.txt").
func FileName(dir string, ts int64, compacted bool) string {
	if compacted {
		return fmt.Sprintf("%s/sstable_compacted_%d.txt", dir, ts)
	}
	return fmt.Sprintf("%s/sstable_%d.txt", dir, ts)
}
