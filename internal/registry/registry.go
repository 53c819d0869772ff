// Package registry implements the node-side client half of the external
// metadata registry collaborator named in spec.md §6.2
// (RegisterNode/Heartbeat/GetClusterState/WatchClusterState/
// UpdateClusterState). The registry server itself is out of scope
// (spec.md §1); this is only the interface a node uses to participate,
// grounded on original_source/metadata_service.py.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/kvlog"
)

// ClusterState is the shape returned by GetClusterState/WatchClusterState:
// the registry's view of partition ownership and node membership.
type ClusterState struct {
	PartitionMap map[int]string    `json:"partition_map"`
	Nodes        []cluster.NodeInfo `json:"nodes"`
	Version      int64             `json:"version"`
}

// Client talks to the registry at host:port on behalf of one node.
type Client struct {
	baseURL string
	nodeID  string

	mu    sync.RWMutex
	state ClusterState
}

// New returns a registry client for nodeID pointed at host:port. If host
// is empty the client is inert (every call is a no-op success), matching
// spec.md §6.4's use_registry opt-out.
func New(nodeID, host string, port int) *Client {
	c := &Client{nodeID: nodeID}
	if host != "" {
		c.baseURL = fmt.Sprintf("http://%s:%d", host, port)
	}
	return c
}

// Enabled reports whether a registry endpoint was configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// Register announces nodeID/addr to the registry.
func (c *Client) Register(ctx context.Context, info cluster.NodeInfo) error {
	if !c.Enabled() {
		return nil
	}
	return cluster.PostJSON(ctx, c.baseURL+"/registry/register", info, nil)
}

// Heartbeat sends a liveness ping to the registry.
func (c *Client) Heartbeat(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return cluster.PostJSON(ctx, c.baseURL+"/registry/heartbeat", cluster.Heartbeat{NodeID: c.nodeID}, nil)
}

// GetClusterState fetches the registry's current cluster state snapshot.
func (c *Client) GetClusterState(ctx context.Context) (ClusterState, error) {
	if !c.Enabled() {
		return ClusterState{}, nil
	}
	var state ClusterState
	if err := cluster.GetJSON(ctx, c.baseURL+"/registry/state", &state); err != nil {
		return ClusterState{}, err
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return state, nil
}

// UpdateClusterState pushes a new cluster state to the registry (used by
// the cluster coordinator after an ownership change).
func (c *Client) UpdateClusterState(ctx context.Context, state ClusterState) error {
	if !c.Enabled() {
		return nil
	}
	return cluster.PostJSON(ctx, c.baseURL+"/registry/state", state, nil)
}

// Watch polls GetClusterState on interval until ctx is canceled, invoking
// onChange whenever the version advances. WatchClusterState in spec.md
// §6.2 is a server-stream RPC; a poll loop is the HTTP-transport
// equivalent, matching the transport choice of internal/cluster's
// PostJSON/GetJSON plumbing.
func (c *Client) Watch(ctx context.Context, interval time.Duration, onChange func(ClusterState)) {
	if !c.Enabled() {
		return
	}
	log := kvlog.WithComponent("registry")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastVersion int64 = -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := c.GetClusterState(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("registry watch poll failed")
				continue
			}
			if state.Version != lastVersion {
				lastVersion = state.Version
				onChange(state)
			}
		}
	}
}
