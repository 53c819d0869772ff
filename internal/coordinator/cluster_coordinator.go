package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/kverrors"
	"github.com/dreamware/kvcluster/internal/kvlog"
	"github.com/dreamware/kvcluster/internal/partition"
)

// keyFrequency tracks an approximate per-key access count, the input to
// checkHotKeys (spec.md §4.8).
type keyFrequency struct {
	count  int64
	salted bool
}

// Coordinator orchestrates administrative operations atop a live cluster
// of node servers: membership changes, partition split/merge/transfer,
// and hot-partition/hot-key adaptation (component M, spec.md §4.8). It
// holds no data itself; every operation is carried out by calling node
// RPCs against the partitioner's current view.
type Coordinator struct {
	part            partition.Partitioner
	nodes           map[string]string // nodeID -> base URL
	maxTransferRate int               // bytes/sec, spec.md §4.8 transferPartition throttle
	health          *HealthMonitor

	mu        sync.Mutex
	opCounts  map[int]int64 // pid -> operation count, input to hot/cold partition checks
	keyCounts map[string]*keyFrequency
}

// New builds a cluster coordinator around an existing partitioner view.
func New(part partition.Partitioner, maxTransferRate int) *Coordinator {
	return &Coordinator{
		part:            part,
		nodes:           map[string]string{},
		maxTransferRate: maxTransferRate,
		health:          NewHealthMonitor(2 * time.Second),
		opCounts:        map[int]int64{},
		keyCounts:       map[string]*keyFrequency{},
	}
}

// SetNode records (or updates) a node's base URL, used for admin RPCs and
// health checks.
func (c *Coordinator) SetNode(nodeID, baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[nodeID] = baseURL
}

// HealthMonitor exposes the embedded peer-liveness poller so main() can
// start it against this coordinator's node list.
func (c *Coordinator) HealthMonitor() *HealthMonitor { return c.health }

// Nodes returns a snapshot of known node base URLs, for HealthMonitor's
// nodeProvider callback.
func (c *Coordinator) Nodes() []cluster.NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cluster.NodeInfo, 0, len(c.nodes))
	for id, addr := range c.nodes {
		out = append(out, cluster.NodeInfo{ID: id, Addr: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddNode admits nodeID into the partitioning scheme and pushes the
// resulting partition map to every known node (spec.md §4.8 "addNode").
func (c *Coordinator) AddNode(ctx context.Context, nodeID, baseURL string) error {
	c.SetNode(nodeID, baseURL)
	c.part.AddNode(nodeID)
	return c.pushPartitionMap(ctx)
}

// RemoveNode retires nodeID, reassigns its partitions, and pushes the
// updated map (spec.md §4.8 "removeNode").
func (c *Coordinator) RemoveNode(ctx context.Context, nodeID string) error {
	c.part.RemoveNode(nodeID)
	c.mu.Lock()
	delete(c.nodes, nodeID)
	c.mu.Unlock()
	return c.pushPartitionMap(ctx)
}

// SplitPartition splits pid, optionally at splitKey, and relocates the
// data that now belongs to the new partition's owner (spec.md §4.8).
func (c *Coordinator) SplitPartition(ctx context.Context, pid int, splitKey string) (int, error) {
	before := c.part.Map()[pid]
	newPid, err := c.part.Split(pid, splitKey)
	if err != nil {
		return 0, err
	}
	after := c.part.Map()[newPid]
	if after != "" && after != before {
		if err := c.TransferPartition(ctx, before, after, newPid); err != nil {
			kvlog.WithComponent("coordinator").Warn().Err(err).Msg("post-split transfer failed")
		}
	}
	if err := c.pushPartitionMap(ctx); err != nil {
		return newPid, err
	}
	return newPid, nil
}

// MergePartitions merges two adjacent partitions and relocates any data
// left orphaned on the losing owner (spec.md §4.8).
func (c *Coordinator) MergePartitions(ctx context.Context, pidA, pidB int) (int, error) {
	ownerA, ownerB := c.part.Map()[pidA], c.part.Map()[pidB]
	survivor, err := c.part.Merge(pidA, pidB)
	if err != nil {
		return 0, err
	}
	newOwner := c.part.Map()[survivor]
	for _, loser := range []string{ownerA, ownerB} {
		if loser != "" && loser != newOwner {
			if err := c.TransferPartition(ctx, loser, newOwner, survivor); err != nil {
				kvlog.WithComponent("coordinator").Warn().Err(err).Msg("post-merge transfer failed")
			}
		}
	}
	if err := c.pushPartitionMap(ctx); err != nil {
		return survivor, err
	}
	return survivor, nil
}

// TransferPartition streams every key owned by pid from src to dst,
// deleting from src only after a successful put, throttled to
// maxTransferRate bytes/sec (spec.md §4.8 "transferPartition").
func (c *Coordinator) TransferPartition(ctx context.Context, src, dst string, pid int) error {
	if src == "" || dst == "" || src == dst {
		return nil
	}
	srcURL, dstURL := c.nodeURL(src), c.nodeURL(dst)
	if srcURL == "" || dstURL == "" {
		return fmt.Errorf("%w: unknown node in transfer %s->%s", kverrors.ErrUnreachable, src, dst)
	}

	var rangeResp cluster.RangeResponse
	if err := cluster.PostJSON(ctx, srcURL+"/kv/scanRange", cluster.RangeRequest{PartitionKey: fmt.Sprintf("pid:%d", pid)}, &rangeResp); err != nil {
		return fmt.Errorf("scan source partition: %w", err)
	}

	var transferred int
	start := time.Now()
	for _, item := range rangeResp.Items {
		key := item.ClusteringKey
		if err := cluster.PostJSON(ctx, dstURL+"/kv/put", cluster.KeyValue{Key: key, Value: item.Value, Vector: item.Vector}, nil); err != nil {
			return fmt.Errorf("put to destination: %w", err)
		}
		if err := cluster.PostJSON(ctx, srcURL+"/kv/delete", cluster.KeyValue{Key: key}, nil); err != nil {
			return fmt.Errorf("delete from source: %w", err)
		}
		transferred += len(item.Value)
		c.throttle(transferred, start)
	}
	return nil
}

// throttle sleeps just enough to keep the running transfer rate under
// maxTransferRate bytes/sec.
func (c *Coordinator) throttle(bytesSoFar int, start time.Time) {
	if c.maxTransferRate <= 0 {
		return
	}
	elapsed := time.Since(start)
	wantElapsed := time.Duration(float64(bytesSoFar) / float64(c.maxTransferRate) * float64(time.Second))
	if wantElapsed > elapsed {
		time.Sleep(wantElapsed - elapsed)
	}
}

// RecordOp increments pid's operation counter, the input to
// checkHotPartitions/checkColdPartitions.
func (c *Coordinator) RecordOp(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opCounts[pid]++
}

// CheckHotPartitions splits any partition whose op count exceeds
// threshold x mean and which hosts at least minKeys distinct keys
// (spec.md §4.8).
func (c *Coordinator) CheckHotPartitions(ctx context.Context, threshold float64, minKeys int) ([]int, error) {
	c.mu.Lock()
	counts := make(map[int]int64, len(c.opCounts))
	var total int64
	for pid, n := range c.opCounts {
		counts[pid] = n
		total += n
	}
	c.mu.Unlock()
	if len(counts) == 0 {
		return nil, nil
	}
	mean := float64(total) / float64(len(counts))

	var split []int
	for pid, n := range counts {
		if float64(n) <= threshold*mean {
			continue
		}
		owner := c.part.Map()[pid]
		if owner == "" {
			continue
		}
		keyCount, err := c.partitionKeyCount(ctx, owner, pid)
		if err != nil || keyCount < minKeys {
			continue
		}
		if _, err := c.SplitPartition(ctx, pid, ""); err != nil {
			return split, err
		}
		split = append(split, pid)
	}
	return split, nil
}

// CheckColdPartitions merges adjacent partitions whose op count is below
// threshold and which host at most maxKeys distinct keys (spec.md §4.8).
func (c *Coordinator) CheckColdPartitions(ctx context.Context, threshold float64, maxKeys int) ([]int, error) {
	c.mu.Lock()
	counts := make(map[int]int64, len(c.opCounts))
	for pid, n := range c.opCounts {
		counts[pid] = n
	}
	c.mu.Unlock()

	ids := make([]int, 0, len(counts))
	for pid := range counts {
		ids = append(ids, pid)
	}
	sort.Ints(ids)

	var merged []int
	for i := 0; i+1 < len(ids); i++ {
		a, b := ids[i], ids[i+1]
		if float64(counts[a]) >= threshold || float64(counts[b]) >= threshold {
			continue
		}
		ownerA := c.part.Map()[a]
		keyCount, err := c.partitionKeyCount(ctx, ownerA, a)
		if err != nil || keyCount > maxKeys {
			continue
		}
		if _, err := c.MergePartitions(ctx, a, b); err != nil {
			continue
		}
		merged = append(merged, a, b)
	}
	return merged, nil
}

// MarkHotKey enables random prefix salting for key across buckets
// distinct salted keys, optionally migrating existing data under the new
// salted names (spec.md §4.8 "markHotKey").
func (c *Coordinator) MarkHotKey(ctx context.Context, key string, buckets int, migrate bool) error {
	c.mu.Lock()
	c.keyCounts[key] = &keyFrequency{salted: true}
	c.mu.Unlock()

	if !migrate {
		return nil
	}
	owner := c.part.Map()[c.part.PartitionOf(key)]
	url := c.nodeURL(owner)
	if url == "" {
		return fmt.Errorf("%w: key owner %q unknown", kverrors.ErrUnreachable, owner)
	}
	var resp cluster.ValueResponse
	if err := cluster.PostJSON(ctx, url+"/kv/get", cluster.KeyRequest{Key: key}, &resp); err != nil {
		return err
	}
	if !resp.Found {
		return nil
	}
	for b := 0; b < buckets; b++ {
		salted := fmt.Sprintf("%d#%s", b, key)
		if err := cluster.PostJSON(ctx, url+"/kv/put", cluster.KeyValue{Key: salted, Value: resp.Values[0].Value}, nil); err != nil {
			return err
		}
	}
	return nil
}

// RecordKeyAccess increments key's frequency counter, feeding
// CheckHotKeys.
func (c *Coordinator) RecordKeyAccess(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.keyCounts[key]
	if !ok {
		f = &keyFrequency{}
		c.keyCounts[key] = f
	}
	f.count++
}

// CheckHotKeys promotes any key whose frequency counter exceeds
// threshold to salted status (spec.md §4.8 "checkHotKeys").
func (c *Coordinator) CheckHotKeys(ctx context.Context, threshold int64, buckets int) ([]string, error) {
	c.mu.Lock()
	var hot []string
	for key, f := range c.keyCounts {
		if !f.salted && f.count > threshold {
			hot = append(hot, key)
		}
	}
	c.mu.Unlock()

	sort.Strings(hot)
	for _, key := range hot {
		if err := c.MarkHotKey(ctx, key, buckets, true); err != nil {
			return hot, err
		}
	}
	return hot, nil
}

// partitionKeyCount asks owner how many distinct keys pid currently
// holds, used by the hot/cold partition thresholds.
func (c *Coordinator) partitionKeyCount(ctx context.Context, owner string, pid int) (int, error) {
	url := c.nodeURL(owner)
	if url == "" {
		return 0, fmt.Errorf("%w: unknown owner for pid %d", kverrors.ErrUnreachable, pid)
	}
	var resp cluster.RangeResponse
	if err := cluster.PostJSON(ctx, url+"/kv/scanRange", cluster.RangeRequest{PartitionKey: fmt.Sprintf("pid:%d", pid)}, &resp); err != nil {
		return 0, err
	}
	return len(resp.Items), nil
}

// pushPartitionMap distributes the authoritative pid->owner map to every
// registered node (spec.md §4.8 "push the new partition map to all nodes
// and registered clients" — after every ownership change).
func (c *Coordinator) pushPartitionMap(ctx context.Context) error {
	items := c.part.Map()
	msg := cluster.PartitionMapMsg{Items: items}

	c.mu.Lock()
	targets := make([]string, 0, len(c.nodes))
	for _, addr := range c.nodes {
		targets = append(targets, addr)
	}
	c.mu.Unlock()

	var firstErr error
	for _, addr := range targets {
		if err := cluster.PostJSON(ctx, addr+"/cluster/partitionMap", msg, nil); err != nil {
			kvlog.WithComponent("coordinator").Warn().Err(err).Str("node", addr).Msg("partition map push failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Coordinator) nodeURL(nodeID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[nodeID]
}

// PartitionMap exposes the live pid->owner map for admin introspection.
func (c *Coordinator) PartitionMap() map[int]string { return c.part.Map() }

// Ranges exposes the partitioner's human-readable range descriptions.
func (c *Coordinator) Ranges() []string { return c.part.Ranges() }
