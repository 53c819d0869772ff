// Package cluster holds the wire types shared by kvcluster's node and
// coordinator processes and the JSON-over-HTTP helpers (PostJSON, GetJSON)
// they are sent with.
//
// # Overview
//
// Membership, health monitoring and partition administration are carried
// out by cmd/coordinator and internal/coordinator; this package defines the
// messages they exchange with nodes and the HTTP client used to send them.
//
// # Architecture
//
// The cluster these messages serve follows a hub-and-spoke model:
//
//	              в”Ңв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”җ
//	              в”Ӯ Coordinator  в”Ӯ
//	              в”Ӯ              в”Ӯ
//	              в”Ӯ - Registry   в”Ӯ
//	              в”Ӯ - Health Mon в”Ӯ
//	              в”Ӯ - Broadcasts в”Ӯ
//	              в””в”Җв”Җв”Җв”Җв”Җв”Җв”¬в”Җв”Җв”Җв”Җв”Җв”Җв”Җв”ҳ
//	                     в”Ӯ
//	      в”Ңв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”јв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”җ
//	      в”Ӯ              в”Ӯ              в”Ӯ
//	в”Ңв”Җв”Җв”Җв”Җв”Җв–јв”Җв”Җв”Җв”Җв”Җв”җ в”Ңв”Җв”Җв”Җв”Җв”Җв–јв”Җв”Җв”Җв”Җв”Җв”җ в”Ңв”Җв”Җв”Җв”Җв”Җв–јв”Җв”Җв”Җв”Җв”Җв”җ
//	в”Ӯ  Node 1   в”Ӯ в”Ӯ  Node 2   в”Ӯ в”Ӯ  Node 3   в”Ӯ
//	в”Ӯ           в”Ӯ в”Ӯ           в”Ӯ в”Ӯ           в”Ӯ
//	в”Ӯ Shards:   в”Ӯ в”Ӯ Shards:   в”Ӯ в”Ӯ Shards:   в”Ӯ
//	в”Ӯ [0,1,2]   в”Ӯ в”Ӯ [3,4,5]   в”Ӯ в”Ӯ [6,7,8]   в”Ӯ
//	в””в”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”ҳ в””в”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”ҳ в””в”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”Җв”ҳ
//
// # Core Components
//
// NodeInfo: a node's id and address, plus the health status and last
// check time the coordinator reports for it in its /nodes listing.
//
// RegisterRequest, BroadcastRequest: the bodies of the coordinator's
// /register and /broadcast endpoints.
//
// wire.go: the node RPC payloads (KeyValue, KeyRequest, ValueResponse,
// RangeRequest, FetchRequest, PartitionMapMsg, NodeInfoResponse, ...).
//
// # Communication Protocol
//
// All communication is HTTP/JSON:
//
// Node Registration (POST /register on the coordinator):
//   - A node (or kvctl addnode) announces its id and address
//   - The coordinator adds it to the partitioner and pushes the new
//     partition map to every known node
//   - The response is 204 with no body
//
// Health Checking (GET /health on each node):
//   - The coordinator's HealthMonitor polls every registered node
//   - A node is marked unhealthy after 3 consecutive failed checks and
//     reported as such in /nodes; it is not removed from the cluster
//
// Broadcasting (POST /broadcast on the coordinator):
//   - The coordinator POSTs the payload to the given path on every node,
//     one node after another, and returns one result per node
//
// # Concurrency Model
//
// PostJSON and GetJSON are safe for concurrent use and share one
// http.Client. The message types carry no locks; callers synchronize
// access to shared values themselves.
//
// # Failure Handling
//
//   - Requests sent through PostJSON/GetJSON time out after 5s (the shared
//     client's timeout) or earlier if the caller's context ends first
//   - A response status of 300 or above is returned as an error
//   - Failed requests are not retried by this package
//
// # Usage Example
//
//	// Registering a node with the coordinator
//	req := RegisterRequest{Node: NodeInfo{
//	    ID:   "node-1",
//	    Addr: "http://localhost:8081",
//	}}
//	if err := PostJSON(ctx, "http://localhost:8080/register", req, nil); err != nil {
//	    log.Fatalf("Failed to register: %v", err)
//	}
//
// # Testing
//
// Run tests with:
//
//	go test ./internal/cluster/... -cover
//
// # See Also
//
// Related packages:
//   - internal/coordinator: Cluster orchestration logic
//   - internal/node: Node server and its HTTP routes
//   - internal/storage: Key-value storage implementation
package cluster
