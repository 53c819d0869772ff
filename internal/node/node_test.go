package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvcluster/internal/config"
	"github.com/dreamware/kvcluster/internal/kverrors"
	"github.com/dreamware/kvcluster/internal/partition"
	"github.com/dreamware/kvcluster/internal/vclock"
)

func newTestNode(t *testing.T, mode config.ConsistencyMode) *Node {
	t.Helper()
	cfg := config.Node{
		DBPath:            t.TempDir(),
		NodeID:            "n1",
		ReplicationFactor: 1,
		WriteQuorum:       1,
		ReadQuorum:        1,
		ConsistencyMode:   mode,
		MaxBatchSize:      100,
		LockTimeout:       2 * time.Second,
		IndexFields:       []string{"email"},
	}
	n, err := New(cfg, partition.NewRange([]string{"n1"}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestPutGetRoundTrip(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	_, err := n.Put("k1", []byte("v1"), nil, "", "n1", "")
	require.NoError(t, err)

	resp, err := n.Get("k1")
	require.NoError(t, err)
	require.True(t, resp.Found)
	assert.Equal(t, []byte("v1"), resp.Values[0].Value)
}

func TestDeleteHidesKey(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	_, err := n.Put("k1", []byte("v1"), nil, "", "n1", "")
	require.NoError(t, err)
	_, err = n.Delete("k1", nil, "", "n1", "")
	require.NoError(t, err)

	resp, err := n.Get("k1")
	require.NoError(t, err)
	require.False(t, resp.Found)
	assert.Empty(t, resp.Values)
}

func TestLWWResolvesHigherTimestampWins(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	_, err := n.Put("k1", []byte("old"), vclock.Clock{vclock.TS: 1}, "", "n1", "")
	require.NoError(t, err)
	_, err = n.Put("k1", []byte("new"), vclock.Clock{vclock.TS: 2}, "", "n1", "")
	require.NoError(t, err)

	resp, err := n.Get("k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), resp.Values[0].Value)
}

func TestVectorModeReturnsAllConcurrentVersions(t *testing.T) {
	n := newTestNode(t, config.ConsistencyVector)

	_, err := n.Put("k1", []byte("v1"), nil, "", "n1", "")
	require.NoError(t, err)

	resp, err := n.Get("k1")
	require.NoError(t, err)
	require.True(t, resp.Found)
	assert.Len(t, resp.Values, 1)
}

func TestIncrementAccumulates(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	v, err := n.Increment("counter", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	v, err = n.Increment("counter", 4)
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)
}

func TestTransferMovesBalance(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	_, err := n.Increment("acct:a", 100)
	require.NoError(t, err)

	err = n.Transfer("acct:a", "acct:b", 40)
	require.NoError(t, err)

	a, err := n.readInt("acct:a")
	require.NoError(t, err)
	b, err := n.readInt("acct:b")
	require.NoError(t, err)
	assert.EqualValues(t, 60, a)
	assert.EqualValues(t, 40, b)
}

func TestTransferInsufficientFunds(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	_, err := n.Increment("acct:a", 10)
	require.NoError(t, err)

	err = n.Transfer("acct:a", "acct:b", 100)
	assert.ErrorIs(t, err, kverrors.ErrInsufficientFunds)
}

func TestTransactionCommitAppliesBufferedWrites(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	tx, _ := n.BeginTransaction()
	require.NoError(t, n.PutInTransaction("k1", []byte("v1"), tx))
	require.NoError(t, n.CommitTransaction(tx))

	resp, err := n.Get("k1")
	require.NoError(t, err)
	require.True(t, resp.Found)
	assert.Equal(t, []byte("v1"), resp.Values[0].Value)
}

func TestTransactionAbortDiscardsBufferedWrites(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	tx, _ := n.BeginTransaction()
	require.NoError(t, n.PutInTransaction("k1", []byte("v1"), tx))
	n.AbortTransaction(tx)

	resp, err := n.Get("k1")
	require.NoError(t, err)
	assert.False(t, resp.Found)
}

func TestGetForUpdateRequiresTransaction(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	_, err := n.GetForUpdate("k1", "")
	assert.ErrorIs(t, err, kverrors.ErrInvalidArgument)
}

func TestListByIndexRejectsUnindexedField(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	_, err := n.ListByIndex("nickname", "bob")
	assert.ErrorIs(t, err, kverrors.ErrInvalidArgument)
}

func TestListByIndexFindsIndexedWrite(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)

	_, err := n.Put("user:1", []byte(`{"email":"a@example.com"}`), nil, "", "n1", "")
	require.NoError(t, err)

	keys, err := n.ListByIndex("email", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1"}, keys)
}

func TestPutOnNonOwnedKeyIsRejectedWithoutForwarding(t *testing.T) {
	n := newTestNode(t, config.ConsistencyLWW)
	n.part = partition.NewRange([]string{"n1", "n2"})
	n.part.RemoveNode("n1")

	_, err := n.Put("zzz-key-unowned", []byte("v"), nil, "", "n1", "")
	assert.ErrorIs(t, err, kverrors.ErrNotOwner)
}

func TestSplitOpIDParsesOriginAndSequence(t *testing.T) {
	origin, seq, ok := splitOpID("n1:7")
	assert.True(t, ok)
	assert.Equal(t, "n1", origin)
	assert.EqualValues(t, 7, seq)

	_, _, ok = splitOpID("bad")
	assert.False(t, ok)
}
