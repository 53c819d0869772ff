// Package merkle implements the Merkle tree over a segment's sorted
// (key,value) pairs used by anti-entropy to diff peers without
// transferring full segment contents (spec.md §4.5, §8 "Merkle tree").
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

// Tree is a binary Merkle tree built by recursive bisection over a sorted
// slice of leaves. Leaf hash = H(key:value); inner hash =
// H(left.hash || right.hash). Tombstones are excluded by the caller before
// building (spec.md §4.5).
type Tree struct {
	Root  *Node
	Leaves []Leaf
}

// Leaf is one (key, value) pair contributing a leaf hash.
type Leaf struct {
	Key   string
	Value []byte
	Hash  string
}

// Node is one Merkle tree node (leaf or internal).
type Node struct {
	Hash  string
	Left  *Node
	Right *Node
	// Leaf is non-nil only for leaf nodes, letting a differing-leaf
	// descent recover the original key.
	Leaf *Leaf
}

// Build constructs a tree from sorted, tombstone-free (key,value) pairs.
// An empty input yields a tree whose root hash is the hash of the empty
// string, so two empty segments always compare equal.
func Build(pairs []Leaf) *Tree {
	for i := range pairs {
		pairs[i].Hash = hashLeaf(pairs[i].Key, pairs[i].Value)
	}
	nodes := make([]*Node, len(pairs))
	for i := range pairs {
		leaf := pairs[i]
		nodes[i] = &Node{Hash: leaf.Hash, Leaf: &leaf}
	}
	root := buildLevel(nodes)
	return &Tree{Root: root, Leaves: pairs}
}

func buildLevel(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return &Node{Hash: hashBytes([]byte(""))}
	}
	for len(nodes) > 1 {
		next := make([]*Node, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			if i+1 == len(nodes) {
				// odd one out: promote unchanged, matching the reference
				// bisection which pairs with nothing rather than
				// duplicating the last node.
				next = append(next, nodes[i])
				continue
			}
			left, right := nodes[i], nodes[i+1]
			next = append(next, &Node{
				Hash:  hashInner(left.Hash, right.Hash),
				Left:  left,
				Right: right,
			})
		}
		nodes = next
	}
	return nodes[0]
}

func hashLeaf(key string, value []byte) string {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte(":"))
	h.Write(value)
	return hex.EncodeToString(h.Sum(nil))
}

func hashInner(left, right string) string {
	h := sha256.New()
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// RootHash returns the tree's root hash, the value exchanged between
// peers to decide whether a segment needs a deeper diff at all.
func (t *Tree) RootHash() string {
	if t == nil || t.Root == nil {
		return hashBytes([]byte(""))
	}
	return t.Root.Hash
}

// Diff returns the keys whose leaf hashes differ (present in one tree but
// not the other, or present in both with different values). Equal root
// hashes return nil at once; otherwise every leaf of both trees is
// compared by key, without skipping subtrees whose hashes match (spec.md
// §4.5/§8). The order of the returned keys is not defined.
func Diff(a, b *Tree) []string {
	if a.RootHash() == b.RootHash() {
		return nil
	}
	aLeaves := map[string]string{}
	for _, l := range a.Leaves {
		aLeaves[l.Key] = l.Hash
	}
	bLeaves := map[string]string{}
	for _, l := range b.Leaves {
		bLeaves[l.Key] = l.Hash
	}
	return DiffLeafHashes(aLeaves, bLeaves)
}

// DiffLeafHashes is Diff's key -> leaf-hash form, used when the two sides
// of the comparison were exchanged over the wire as flattened maps
// (cluster.SegmentTree.Leaves) rather than as local *Tree values built
// from a segment's own entries.
func DiffLeafHashes(a, b map[string]string) []string {
	var diff []string
	for k, h := range a {
		if b[k] != h {
			diff = append(diff, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			diff = append(diff, k)
		}
	}
	return diff
}
