// Package replication implements quorum writes, hinted handoff, and
// anti-entropy (spec.md §4.4/§4.5), grounded on
// original_source/database/replication/replica/grpc_server.py's
// replicate/sync_from_peer methods, translated from its
// ThreadPoolExecutor-based fan-out into goroutines + a result channel.
package replication

import "sort"

// PreferenceList returns the N consecutive nodes starting at owner in a
// deterministic (sorted) node ring — the preference list responsible for
// replicating a key, generalizing hash_ring.get_preference_list to work
// uniformly over any internal/partition.Partitioner's reported owner
// rather than only a consistent-hash ring (spec.md §9 capability-set
// note).
func PreferenceList(owner string, allNodes []string, n int) []string {
	if len(allNodes) == 0 {
		return nil
	}
	nodes := append([]string(nil), allNodes...)
	sort.Strings(nodes)

	start := -1
	for i, id := range nodes {
		if id == owner {
			start = i
			break
		}
	}
	if start < 0 {
		return []string{owner}
	}

	if n > len(nodes) {
		n = len(nodes)
	}
	out := make([]string, 0, n)
	for i := 0; i < len(nodes) && len(out) < n; i++ {
		out = append(out, nodes[(start+i)%len(nodes)])
	}
	return out
}
