package sstable

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvcluster/internal/vclock"
)

func items() []Item {
	return []Item{
		{Key: "a", Value: []byte("1"), Clock: vclock.Clock{"n1": 1}},
		{Key: "b", Value: []byte("2"), Clock: vclock.Clock{"n1": 1}},
		{Key: "c", Value: []byte("3"), Clock: vclock.Clock{"n1": 1}},
	}
}

func TestWriteAndGet(t *testing.T) {
	dir := t.TempDir()
	seg, err := Write(filepath.Join(dir, "seg.txt"), "seg-1", items())
	require.NoError(t, err)

	got, err := seg.Get("b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "2", string(got[0].Value))
}

func TestGetMissingKeyReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	seg, err := Write(filepath.Join(dir, "seg.txt"), "seg-1", items())
	require.NoError(t, err)

	got, err := seg.Get("zzz")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestOpenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.txt")
	_, err := Write(path, "seg-1", items())
	require.NoError(t, err)

	seg, err := Open(path, "seg-1")
	require.NoError(t, err)
	require.Equal(t, 3, seg.Count())

	got, err := seg.Get("c")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestAllReturnsOrderedEntries(t *testing.T) {
	dir := t.TempDir()
	seg, err := Write(filepath.Join(dir, "seg.txt"), "seg-1", items())
	require.NoError(t, err)

	all, err := seg.All()
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].Key)
	require.Equal(t, "c", all[2].Key)
}

func TestSparseIndexSkipsManyEntries(t *testing.T) {
	dir := t.TempDir()
	its := make([]Item, 0, 250)
	for i := 0; i < 250; i++ {
		its = append(its, Item{Key: sprintfKey(i), Value: []byte("v"), Clock: vclock.Clock{"n1": 1}})
	}
	seg, err := Write(filepath.Join(dir, "seg.txt"), "seg-1", its)
	require.NoError(t, err)
	require.Less(t, len(seg.Index), len(its))

	got, err := seg.Get(sprintfKey(249))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func sprintfKey(i int) string {
	// zero-padded so lexical order matches numeric order
	return fmt.Sprintf("k%04d", i)
}
