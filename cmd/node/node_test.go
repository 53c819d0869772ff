package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/config"
	"github.com/dreamware/kvcluster/internal/node"
	"github.com/dreamware/kvcluster/internal/partition"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Node{
		DBPath:            t.TempDir(),
		NodeID:            "n1",
		ReplicationFactor: 1,
		WriteQuorum:       1,
		ReadQuorum:        1,
		ConsistencyMode:   config.ConsistencyLWW,
		MaxBatchSize:      100,
		LockTimeout:       2 * time.Second,
	}
	n, err := node.New(cfg, partition.NewRange([]string{"n1"}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	srv := httptest.NewServer(n.Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func TestHealthEndpointReturnsOK(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPutThenGetRoundTripsOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/kv/put", cluster.KeyValue{Key: "k1", Value: []byte("v1")})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/kv/get", cluster.KeyRequest{Key: "k1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out cluster.ValueResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Found)
	assert.Equal(t, []byte("v1"), out.Values[0].Value)
}

func TestDeleteThenGetReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)

	postJSON(t, srv.URL+"/kv/put", cluster.KeyValue{Key: "k1", Value: []byte("v1")})
	resp := postJSON(t, srv.URL+"/kv/delete", cluster.KeyValue{Key: "k1"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/kv/get", cluster.KeyRequest{Key: "k1"})
	var out cluster.ValueResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.False(t, out.Found)
	assert.Empty(t, out.Values)
}

func TestIncrementOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/kv/increment", cluster.IncrementRequest{Key: "counter", Amount: 5})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Value int64 `json:"value"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.EqualValues(t, 5, out.Value)
}

func TestBeginCommitTransactionOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/tx/begin", "application/json", nil)
	require.NoError(t, err)
	var tx cluster.TransactionID
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tx))
	require.NotEmpty(t, tx.ID)

	resp = postJSON(t, srv.URL+"/kv/get", cluster.KeyRequest{Key: "missing-key", TxID: tx.ID})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/tx/commit", cluster.TransactionControl{TxID: tx.ID})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestGetNodeInfoOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/info")
	require.NoError(t, err)
	var info cluster.NodeInfoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "n1", info.NodeID)
	assert.Equal(t, "healthy", info.Status)
}
