// Package partition implements the three interchangeable partitioning
// strategies of spec.md §4.3 (range, modulo-hash, consistent-hash) behind
// one Partitioner interface, plus the partition map that is distributed to
// every node and client (component G, H).
package partition

import (
	"crypto/sha1"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/dreamware/kvcluster/internal/kverrors"
)

// Partitioner is the capability set spec.md §9 calls for: key→partition,
// the authoritative map, split/merge, and online membership changes. All
// three strategies (Range, ModuloHash, ConsistentHash) implement it.
type Partitioner interface {
	// PartitionOf returns the partition id owning key.
	PartitionOf(key string) int
	// Map returns the current pid -> owner node id mapping.
	Map() map[int]string
	// Ranges returns a human-readable description of each partition,
	// spec.md §4.3 "getPartitionRanges()".
	Ranges() []string
	// Split divides pid into two partitions at splitKey (or the interval
	// midpoint if splitKey is empty). Returns the new partition's id.
	Split(pid int, splitKey string) (int, error)
	// Merge combines two contiguous partitions into one, returning the
	// surviving pid.
	Merge(pidA, pidB int) (int, error)
	// AddNode admits a new node into the partitioning scheme, redistributing
	// ownership.
	AddNode(nodeID string)
	// RemoveNode retires a node, reassigning its partitions.
	RemoveNode(nodeID string)
}

// ---------------------------------------------------------------------
// Range partitioner
// ---------------------------------------------------------------------

// rangePartition is one non-overlapping [Start, End) key interval.
type rangePartition struct {
	ID    int
	Start string
	End   string // "" means unbounded (end of key space)
	Owner string
}

// Range implements an ordered, non-overlapping interval partitioner
// (spec.md §4.3 "Range").
type Range struct {
	mu         sync.RWMutex
	partitions []rangePartition
	nodes      []string
	nextID     int
}

// NewRange builds a range partitioner with a single partition spanning the
// whole key space, owned round-robin once nodes are added.
func NewRange(nodes []string) *Range {
	r := &Range{nodes: append([]string(nil), nodes...)}
	owner := ""
	if len(nodes) > 0 {
		owner = nodes[0]
	}
	r.partitions = []rangePartition{{ID: 0, Start: "", End: "", Owner: owner}}
	r.nextID = 1
	return r
}

func (r *Range) PartitionOf(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.partitions {
		if (p.Start == "" || key >= p.Start) && (p.End == "" || key < p.End) {
			return p.ID
		}
	}
	return -1
}

func (r *Range) Map() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]string, len(r.partitions))
	for _, p := range r.partitions {
		out[p.ID] = p.Owner
	}
	return out
}

func (r *Range) Ranges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.partitions))
	for _, p := range r.partitions {
		out = append(out, fmt.Sprintf("pid=%d [%q,%q) owner=%s", p.ID, p.Start, p.End, p.Owner))
	}
	return out
}

// Split divides pid's interval at splitKey. An empty splitKey chooses the
// lexical midpoint of the interval's bound strings (best-effort, since the
// key space is unbounded byte strings — good enough to bisect a concrete
// interval in practice). A splitKey equal to the start or end bound is
// rejected with ErrInvalidArgument (spec.md §8 boundary behavior).
func (r *Range) Split(pid int, splitKey string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(pid)
	if idx < 0 {
		return 0, fmt.Errorf("%w: no such partition %d", kverrors.ErrInvalidArgument, pid)
	}
	p := r.partitions[idx]
	if splitKey == "" {
		splitKey = midpoint(p.Start, p.End)
	}
	if splitKey == p.Start || splitKey == p.End {
		return 0, fmt.Errorf("%w: split key equals interval bound", kverrors.ErrInvalidArgument)
	}
	if p.Start != "" && splitKey < p.Start {
		return 0, fmt.Errorf("%w: split key out of range", kverrors.ErrInvalidArgument)
	}
	if p.End != "" && splitKey >= p.End {
		return 0, fmt.Errorf("%w: split key out of range", kverrors.ErrInvalidArgument)
	}

	newID := r.nextID
	r.nextID++
	newPart := rangePartition{ID: newID, Start: splitKey, End: p.End, Owner: p.Owner}
	r.partitions[idx].End = splitKey
	r.partitions = append(r.partitions, newPart)
	r.sortPartitions()
	return newID, nil
}

// Merge combines two contiguous partitions (pidA immediately followed by
// pidB in key order). Non-adjacent pairs are rejected (spec.md §8).
func (r *Range) Merge(pidA, pidB int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ia, ib := r.indexOf(pidA), r.indexOf(pidB)
	if ia < 0 || ib < 0 {
		return 0, fmt.Errorf("%w: no such partition", kverrors.ErrInvalidArgument)
	}
	r.sortPartitions()
	ia, ib = r.indexOf(pidA), r.indexOf(pidB)
	a, b := r.partitions[ia], r.partitions[ib]
	if a.End != b.Start {
		return 0, fmt.Errorf("%w: partitions %d and %d are not adjacent", kverrors.ErrInvalidArgument, pidA, pidB)
	}
	merged := rangePartition{ID: a.ID, Start: a.Start, End: b.End, Owner: a.Owner}
	next := make([]rangePartition, 0, len(r.partitions)-1)
	for _, p := range r.partitions {
		if p.ID == a.ID {
			next = append(next, merged)
			continue
		}
		if p.ID == b.ID {
			continue
		}
		next = append(next, p)
	}
	r.partitions = next
	return merged.ID, nil
}

// AddNode admits nodeID, reassigning partitions round-robin across the new
// node set (spec.md §4.3 "online addNode (partitions reassigned
// round-robin)").
func (r *Range) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n == nodeID {
			return
		}
	}
	r.nodes = append(r.nodes, nodeID)
	r.rebalanceLocked()
}

// RemoveNode retires nodeID and round-robins its partitions onto the
// remaining nodes.
func (r *Range) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.nodes[:0:0]
	for _, n := range r.nodes {
		if n != nodeID {
			kept = append(kept, n)
		}
	}
	r.nodes = kept
	r.rebalanceLocked()
}

func (r *Range) rebalanceLocked() {
	if len(r.nodes) == 0 {
		return
	}
	r.sortPartitions()
	for i := range r.partitions {
		r.partitions[i].Owner = r.nodes[i%len(r.nodes)]
	}
}

func (r *Range) indexOf(pid int) int {
	for i, p := range r.partitions {
		if p.ID == pid {
			return i
		}
	}
	return -1
}

func (r *Range) sortPartitions() {
	sort.Slice(r.partitions, func(i, j int) bool {
		if r.partitions[i].Start == "" {
			return true
		}
		if r.partitions[j].Start == "" {
			return false
		}
		return r.partitions[i].Start < r.partitions[j].Start
	})
}

// midpoint returns a best-effort lexical midpoint between two bound
// strings (treated as byte strings; "" means unbounded on that side).
func midpoint(start, end string) string {
	if end == "" {
		return start + "m"
	}
	if start == "" && end != "" {
		// pick half of the first rune of end, falling back to a prefix cut
		if len(end) > 0 && end[0] > 'a' {
			return string(rune(end[0]-1)) + "m"
		}
		return end + "0"
	}
	return start + end
}

// ---------------------------------------------------------------------
// Modulo hash partitioner
// ---------------------------------------------------------------------

// ModuloHash assigns pid = sha1(key) mod N (spec.md §4.3 "Modulo hash").
// Ordered scans are forbidden: there is no relationship between key order
// and partition id.
type ModuloHash struct {
	mu    sync.RWMutex
	n     int
	nodes []string
	owner map[int]string
}

// NewModuloHash builds a modulo-hash partitioner across n partitions
// owned round-robin by nodes.
func NewModuloHash(n int, nodes []string) *ModuloHash {
	m := &ModuloHash{n: n, nodes: append([]string(nil), nodes...), owner: map[int]string{}}
	m.assignLocked()
	return m
}

func (m *ModuloHash) assignLocked() {
	if len(m.nodes) == 0 {
		return
	}
	for pid := 0; pid < m.n; pid++ {
		m.owner[pid] = m.nodes[pid%len(m.nodes)]
	}
}

func (m *ModuloHash) PartitionOf(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sha1Mod(key, m.n)
}

func (m *ModuloHash) Map() map[int]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]string, len(m.owner))
	for k, v := range m.owner {
		out[k] = v
	}
	return out
}

func (m *ModuloHash) Ranges() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, m.n)
	for pid := 0; pid < m.n; pid++ {
		out = append(out, fmt.Sprintf("pid=%d hash%%%d owner=%s", pid, m.n, m.owner[pid]))
	}
	return out
}

// Split increases N by one; every key is recomputed (sha1(key) mod N+1) on
// its next write rather than physically moved here (spec.md §4.3: "split
// increases N by one (recomputed on writes)"). splitKey is ignored; the
// modulo strategy has no notion of a split point.
func (m *ModuloHash) Split(pid int, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	newID := m.n - 1
	if len(m.nodes) > 0 {
		m.owner[newID] = m.nodes[newID%len(m.nodes)]
	}
	return newID, nil
}

// Merge is not supported by the modulo-hash strategy: partitions are
// defined implicitly by N, not by mergeable intervals.
func (m *ModuloHash) Merge(int, int) (int, error) {
	return 0, fmt.Errorf("%w: modulo-hash partitioner does not support merge", kverrors.ErrInvalidArgument)
}

func (m *ModuloHash) AddNode(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n == nodeID {
			return
		}
	}
	m.nodes = append(m.nodes, nodeID)
	m.assignLocked()
}

func (m *ModuloHash) RemoveNode(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.nodes[:0:0]
	for _, n := range m.nodes {
		if n != nodeID {
			kept = append(kept, n)
		}
	}
	m.nodes = kept
	m.assignLocked()
}

func sha1Mod(key string, n int) int {
	if n <= 0 {
		return 0
	}
	sum := sha1.Sum([]byte(key))
	i := new(big.Int).SetBytes(sum[:])
	mod := new(big.Int).Mod(i, big.NewInt(int64(n)))
	return int(mod.Int64())
}

// ---------------------------------------------------------------------
// Consistent hash (with virtual nodes) partitioner
// ---------------------------------------------------------------------

// token is one virtual node placed on the 160-bit sha1 ring.
type token struct {
	Hash   *big.Int
	NodeID string
}

// ConsistentHash implements spec.md §4.3's bounded-movement ring: each
// node owns W tokens (placed as described on NewConsistentHash); a key is
// owned by the first token whose hash
// is >= sha1(key) (wrapping to the first token past the max hash).
type ConsistentHash struct {
	mu      sync.RWMutex
	tokens  []token
	perNode int
	nextPid int
	// pidOf memoizes a stable pid per owner token (keyed by the token's
	// hash string) so callers have a pid namespace distinct from raw ring
	// positions (spec.md treats
	// partitions as first-class ids even under consistent hashing).
	pidOf map[string]int
}

// NewConsistentHash builds a ring with W virtual tokens per node. Token
// placement is derived deterministically from nodeID+index so tests are
// reproducible without a random source (spec.md doesn't mandate true
// randomness, only ring placement).
func NewConsistentHash(nodes []string, tokensPerNode int) *ConsistentHash {
	c := &ConsistentHash{perNode: tokensPerNode, pidOf: map[string]int{}}
	for _, n := range nodes {
		c.AddNode(n)
	}
	return c
}

func (c *ConsistentHash) AddNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.perNode; i++ {
		label := fmt.Sprintf("%s#%d", nodeID, i)
		sum := sha1.Sum([]byte(label))
		c.tokens = append(c.tokens, token{Hash: new(big.Int).SetBytes(sum[:]), NodeID: nodeID})
	}
	sort.Slice(c.tokens, func(i, j int) bool { return c.tokens[i].Hash.Cmp(c.tokens[j].Hash) < 0 })
}

// RemoveNode drops every token owned by nodeID. Per the bounded-movement
// property, only the keys that fell between the removed token and its
// predecessor relocate (to the token that is now the new successor).
func (c *ConsistentHash) RemoveNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.tokens[:0:0]
	for _, t := range c.tokens {
		if t.NodeID != nodeID {
			kept = append(kept, t)
		}
	}
	c.tokens = kept
}

// PartitionOf returns a stable small integer id for the ring segment
// owning key, minted lazily the first time a given owner token is hit so
// that node/cluster code can still speak in pids.
func (c *ConsistentHash) PartitionOf(key string) int {
	owner, token := c.ownerToken(key)
	if owner == "" {
		return -1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pid, ok := c.pidOf[token]; ok {
		return pid
	}
	pid := c.nextPid
	c.nextPid++
	c.pidOf[token] = pid
	return pid
}

// Owner returns the node id owning key directly (used by the replication
// coordinator to build preference lists without pid indirection).
func (c *ConsistentHash) Owner(key string) string {
	owner, _ := c.ownerToken(key)
	return owner
}

// Successors returns the n distinct nodes starting at key's owner and
// walking the ring clockwise, the preference-list construction for
// consistent hashing (spec.md §4.4 "ring successors for consistent
// hash").
func (c *ConsistentHash) Successors(key string, n int) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.tokens) == 0 {
		return nil
	}
	sum := sha1.Sum([]byte(key))
	target := new(big.Int).SetBytes(sum[:])
	start := sort.Search(len(c.tokens), func(i int) bool { return c.tokens[i].Hash.Cmp(target) >= 0 })

	var out []string
	seen := map[string]struct{}{}
	for i := 0; i < len(c.tokens) && len(out) < n; i++ {
		idx := (start + i) % len(c.tokens)
		nodeID := c.tokens[idx].NodeID
		if _, ok := seen[nodeID]; ok {
			continue
		}
		seen[nodeID] = struct{}{}
		out = append(out, nodeID)
	}
	return out
}

func (c *ConsistentHash) ownerToken(key string) (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.tokens) == 0 {
		return "", ""
	}
	sum := sha1.Sum([]byte(key))
	target := new(big.Int).SetBytes(sum[:])
	idx := sort.Search(len(c.tokens), func(i int) bool { return c.tokens[i].Hash.Cmp(target) >= 0 })
	if idx == len(c.tokens) {
		idx = 0
	}
	t := c.tokens[idx]
	return t.NodeID, t.Hash.String()
}

func (c *ConsistentHash) Map() map[int]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tokByHash := map[string]string{}
	for _, t := range c.tokens {
		tokByHash[t.Hash.String()] = t.NodeID
	}
	out := make(map[int]string, len(c.pidOf))
	for tok, pid := range c.pidOf {
		out[pid] = tokByHash[tok]
	}
	return out
}

func (c *ConsistentHash) Ranges() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tokens))
	for _, t := range c.tokens {
		out = append(out, fmt.Sprintf("token=%s owner=%s", t.Hash.String(), t.NodeID))
	}
	return out
}

// Split/Merge are not meaningful on a token ring: growing or shrinking
// capacity is done via AddNode/RemoveNode instead.
func (c *ConsistentHash) Split(int, string) (int, error) {
	return 0, fmt.Errorf("%w: consistent-hash partitioner splits via AddNode", kverrors.ErrInvalidArgument)
}

func (c *ConsistentHash) Merge(int, int) (int, error) {
	return 0, fmt.Errorf("%w: consistent-hash partitioner merges via RemoveNode", kverrors.ErrInvalidArgument)
}

// ---------------------------------------------------------------------
// Partition map
// ---------------------------------------------------------------------

// Map is the authoritative pid -> owner mapping distributed to all nodes
// and clients (spec.md §3 "Partition map", invariant 5).
type Map struct {
	mu      sync.RWMutex
	Owners  map[int]string
	Version int64
}

// NewMap builds an empty partition map.
func NewMap() *Map {
	return &Map{Owners: map[int]string{}}
}

// Snapshot returns the current pid->owner assignment and version.
func (m *Map) Snapshot() (map[int]string, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]string, len(m.Owners))
	for k, v := range m.Owners {
		out[k] = v
	}
	return out, m.Version
}

// Update replaces the assignment wholesale and bumps the version, the
// operation the cluster coordinator performs after every ownership change
// before pushing the map out to nodes and clients (spec.md §4.8).
func (m *Map) Update(owners map[int]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Owners = owners
	m.Version++
}

// OwnerOf returns the current owner of pid, or "" if unassigned.
func (m *Map) OwnerOf(pid int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Owners[pid]
}
