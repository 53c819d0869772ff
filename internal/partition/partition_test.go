package partition

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvcluster/internal/kverrors"
)

func TestRangeSplitRejectsKeyEqualToBound(t *testing.T) {
	r := NewRange([]string{"n1"})
	pid, err := r.Split(0, "m")
	require.NoError(t, err)

	// pid is now [m, ) -- splitting it exactly at its own start "m" must
	// be rejected since that equals the interval's start bound.
	_, err = r.Split(pid, "m")
	assert.ErrorIs(t, err, kverrors.ErrInvalidArgument)
}

func TestRangeSplitRejectsOutOfRangeKey(t *testing.T) {
	r := NewRange([]string{"n1"})
	pid, err := r.Split(0, "m")
	require.NoError(t, err)
	require.NotEqual(t, 0, pid)

	// Now try splitting the new (unbounded) right side at a key that lies
	// in the left side's range: since right side starts at "m" unbounded,
	// any key < "m" is out of range.
	_, err = r.Split(pid, "a")
	assert.ErrorIs(t, err, kverrors.ErrInvalidArgument)
}

func TestRangeSplitThenMergePreservesKeys(t *testing.T) {
	r := NewRange([]string{"n1"})
	keys := map[string]string{"b": "1", "h": "2", "p": "3", "x": "4"}
	for k := range keys {
		require.GreaterOrEqual(t, r.PartitionOf(k), 0)
	}

	newPid, err := r.Split(0, "g")
	require.NoError(t, err)
	require.NotEqual(t, 0, newPid)

	for k := range keys {
		require.GreaterOrEqual(t, r.PartitionOf(k), 0)
	}

	survivor, err := r.Merge(0, newPid)
	require.NoError(t, err)
	for k := range keys {
		require.Equal(t, survivor, r.PartitionOf(k))
	}
}

func TestRangeMergeRejectsNonAdjacent(t *testing.T) {
	r := NewRange([]string{"n1"})
	p1, err := r.Split(0, "g")
	require.NoError(t, err)
	p2, err := r.Split(p1, "t")
	require.NoError(t, err)

	// p0 = [,g), p1 = [g,t), p2 = [t,)
	_, err = r.Merge(0, p2)
	assert.True(t, errors.Is(err, kverrors.ErrInvalidArgument))
}

func TestRangeMergeAdjacentSucceeds(t *testing.T) {
	r := NewRange([]string{"n1"})
	p1, err := r.Split(0, "m")
	require.NoError(t, err)
	survivor, err := r.Merge(0, p1)
	require.NoError(t, err)
	assert.Equal(t, 0, survivor)
}

func TestRangeAddNodeRebalances(t *testing.T) {
	r := NewRange([]string{"n1"})
	r.Split(0, "m")
	r.AddNode("n2")
	owners := r.Map()
	distinct := map[string]struct{}{}
	for _, o := range owners {
		distinct[o] = struct{}{}
	}
	assert.Len(t, distinct, 2)
}

func TestModuloHashPartitionDistribution(t *testing.T) {
	m := NewModuloHash(8, []string{"n1", "n2"})
	pid := m.PartitionOf("hello")
	assert.GreaterOrEqual(t, pid, 0)
	assert.Less(t, pid, 8)
	assert.NotEmpty(t, m.Map()[pid])
}

func TestModuloHashSplitIncreasesN(t *testing.T) {
	m := NewModuloHash(4, []string{"n1"})
	newPid, err := m.Split(0, "")
	require.NoError(t, err)
	assert.Equal(t, 4, newPid)
	assert.Equal(t, 5, m.n)
}

func TestModuloHashMergeUnsupported(t *testing.T) {
	m := NewModuloHash(4, []string{"n1"})
	_, err := m.Merge(0, 1)
	assert.ErrorIs(t, err, kverrors.ErrInvalidArgument)
}

func TestConsistentHashBoundedMovement(t *testing.T) {
	nodes := []string{"n1", "n2", "n3", "n4"}
	ch := NewConsistentHash(nodes, 5)

	keys := make([]string, 300)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	before := make(map[string]string, len(keys))
	for _, k := range keys {
		before[k] = ch.Owner(k)
	}

	ch.AddNode("n5")

	moved := 0
	for _, k := range keys {
		if ch.Owner(k) != before[k] {
			moved++
		}
	}
	frac := float64(moved) / float64(len(keys))
	assert.InDelta(t, 0.2, frac, 0.3)
}

func TestConsistentHashSuccessorsAreDistinctNodes(t *testing.T) {
	ch := NewConsistentHash([]string{"n1", "n2", "n3"}, 3)
	succ := ch.Successors("somekey", 3)
	assert.Len(t, succ, 3)
	seen := map[string]struct{}{}
	for _, s := range succ {
		seen[s] = struct{}{}
	}
	assert.Len(t, seen, 3)
}

func TestPartitionMapUpdateBumpsVersion(t *testing.T) {
	m := NewMap()
	_, v0 := m.Snapshot()
	m.Update(map[int]string{0: "n1"})
	_, v1 := m.Snapshot()
	assert.Greater(t, v1, v0)
	assert.Equal(t, "n1", m.OwnerOf(0))
}
