package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/partition"
)

// fakeNode is a minimal stand-in for a node server that records
// put/delete/scanRange/get calls, enough to exercise TransferPartition and
// MarkHotKey without bringing up a real internal/node.Node.
func newFakeNode(t *testing.T, items []cluster.RangeItem, getValue []byte) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("/kv/scanRange", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "scanRange")
		_ = json.NewEncoder(w).Encode(cluster.RangeResponse{Items: items})
	})
	mux.HandleFunc("/kv/put", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "put")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/kv/delete", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "delete")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/kv/get", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "get")
		_ = json.NewEncoder(w).Encode(cluster.ValueResponse{
			Found:  getValue != nil,
			Values: []cluster.VersionedValue{{Value: getValue}},
		})
	})
	mux.HandleFunc("/cluster/partitionMap", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "partitionMap")
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestAddNodePushesPartitionMap(t *testing.T) {
	part := partition.NewRange([]string{"n1"})
	c := New(part, 0)

	srv, calls := newFakeNode(t, nil, nil)
	c.SetNode("n1", srv.URL)

	require.NoError(t, c.AddNode(context.Background(), "n2", srv.URL))
	assert.Contains(t, *calls, "partitionMap")
}

func TestTransferPartitionMovesAllItemsAndDeletesFromSource(t *testing.T) {
	items := []cluster.RangeItem{
		{ClusteringKey: "k1", Value: []byte("v1")},
		{ClusteringKey: "k2", Value: []byte("v2")},
	}
	src, srcCalls := newFakeNode(t, items, nil)
	dst, dstCalls := newFakeNode(t, nil, nil)

	part := partition.NewRange([]string{"n1", "n2"})
	c := New(part, 0)
	c.SetNode("n1", src.URL)
	c.SetNode("n2", dst.URL)

	require.NoError(t, c.TransferPartition(context.Background(), "n1", "n2", 0))

	assert.Contains(t, *srcCalls, "scanRange")
	assert.Contains(t, *srcCalls, "delete")
	assert.Contains(t, *dstCalls, "put")
}

func TestTransferPartitionNoopWhenSrcEqualsDst(t *testing.T) {
	c := New(partition.NewRange([]string{"n1"}), 0)
	require.NoError(t, c.TransferPartition(context.Background(), "n1", "n1", 0))
}

func TestTransferPartitionUnknownNodeReturnsUnreachable(t *testing.T) {
	c := New(partition.NewRange([]string{"n1"}), 0)
	err := c.TransferPartition(context.Background(), "n1", "ghost", 0)
	assert.Error(t, err)
}

func TestMarkHotKeyMigratesExistingValueAcrossBuckets(t *testing.T) {
	srv, calls := newFakeNode(t, nil, []byte("hot-value"))
	part := partition.NewRange([]string{"n1"})
	c := New(part, 0)
	c.SetNode("n1", srv.URL)

	require.NoError(t, c.MarkHotKey(context.Background(), "session:42", 3, true))

	putCount := 0
	for _, call := range *calls {
		if call == "put" {
			putCount++
		}
	}
	assert.Equal(t, 3, putCount)
}

func TestMarkHotKeyWithoutMigrateSkipsRPCs(t *testing.T) {
	c := New(partition.NewRange([]string{"n1"}), 0)
	require.NoError(t, c.MarkHotKey(context.Background(), "session:42", 3, false))
}

func TestCheckHotKeysPromotesKeysOverThreshold(t *testing.T) {
	srv, _ := newFakeNode(t, nil, []byte("v"))
	part := partition.NewRange([]string{"n1"})
	c := New(part, 0)
	c.SetNode("n1", srv.URL)

	for i := 0; i < 10; i++ {
		c.RecordKeyAccess("busy-key")
	}
	c.RecordKeyAccess("quiet-key")

	hot, err := c.CheckHotKeys(context.Background(), 5, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"busy-key"}, hot)
}

func TestCheckHotPartitionsSplitsOverThreshold(t *testing.T) {
	srv, _ := newFakeNode(t, []cluster.RangeItem{
		{ClusteringKey: "k1"}, {ClusteringKey: "k2"}, {ClusteringKey: "k3"},
	}, nil)
	part := partition.NewRange([]string{"n1"})
	_, err := part.Split(0, "")
	require.NoError(t, err)
	c := New(part, 0)
	c.SetNode("n1", srv.URL)

	c.RecordOp(0)
	for i := 0; i < 100; i++ {
		c.RecordOp(1)
	}

	split, err := c.CheckHotPartitions(context.Background(), 1.5, 1)
	require.NoError(t, err)
	assert.Contains(t, split, 1)
}

func TestPartitionMapAndRangesExposeUnderlyingPartitioner(t *testing.T) {
	part := partition.NewRange([]string{"n1", "n2"})
	c := New(part, 0)
	assert.Equal(t, part.Map(), c.PartitionMap())
	assert.Equal(t, part.Ranges(), c.Ranges())
}

func TestNodesReturnsSortedSnapshot(t *testing.T) {
	c := New(partition.NewRange([]string{"n1"}), 0)
	c.SetNode("n2", "http://b")
	c.SetNode("n1", "http://a")

	nodes := c.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.Equal(t, "n2", nodes[1].ID)
}
