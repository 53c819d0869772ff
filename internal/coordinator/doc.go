// Package coordinator implements the cluster control plane: partition
// ownership, node membership, and hotspot adaptation for kvcluster.
//
// Coordinator wraps a partition.Partitioner with node ownership, exposing
// the admin operations described in spec.md §4.8 (add/remove node, split,
// merge, transfer, hot/cold partition checks, hot-key salting) and pushing
// the resulting partition map out to nodes after each topology change.
//
// HealthMonitor runs alongside it, polling registered nodes on an interval
// and invoking a caller-supplied callback when a node is judged unhealthy
// (three consecutive failed checks); cmd/coordinator uses that callback to
// mark the node unhealthy in its /nodes listing.
//
// See also:
//   - internal/cluster: wire types and the HTTP-JSON RPC helpers used to
//     talk to nodes
//   - internal/partition: the partitioning strategies Coordinator drives
//   - cmd/coordinator: the HTTP server exposing these operations
package coordinator
