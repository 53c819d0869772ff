package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/dreamware/kvcluster/internal/kverrors"
	"github.com/dreamware/kvcluster/internal/kvlog"
)

// PeerClient is the thin RPC surface a Coordinator needs against one peer
// node, implemented over internal/cluster's PostJSON (spec.md §6.2 wire
// shapes).
type PeerClient struct {
	BaseURL string
}

func (p *PeerClient) apply(ctx context.Context, op cluster.Operation) error {
	path := "/internal/put"
	if op.Delete {
		path = "/internal/delete"
	}
	return cluster.PostJSON(ctx, p.BaseURL+path, cluster.KeyValue{
		Key: op.Key, Value: op.Value, Timestamp: op.Timestamp,
		NodeID: op.NodeID, OpID: op.OpID, Vector: op.Vector,
	}, nil)
}

// FetchUpdates exchanges anti-entropy state with this peer.
func (p *PeerClient) FetchUpdates(ctx context.Context, req cluster.FetchRequest) (cluster.FetchResponse, error) {
	var resp cluster.FetchResponse
	err := cluster.PostJSON(ctx, p.BaseURL+"/internal/fetchUpdates", req, &resp)
	return resp, err
}

// get reads key from this peer, the RPC half of a coordinated quorum
// read (spec.md §4.4 "Read path").
func (p *PeerClient) get(ctx context.Context, key string) (cluster.ValueResponse, error) {
	var resp cluster.ValueResponse
	err := cluster.PostJSON(ctx, p.BaseURL+"/internal/get", cluster.KeyRequest{Key: key}, &resp)
	return resp, err
}

// Coordinator drives quorum-based replication, hinted handoff, and
// anti-entropy for one node.
type Coordinator struct {
	nodeID            string
	writeQuorum       int
	readQuorum        int
	replicationFactor int
	maxBatchSize      int

	mu          sync.RWMutex
	peers       map[string]*PeerClient
	peerHealthy map[string]bool

	hintsMu sync.Mutex
	hints   map[string][]cluster.Operation

	logMu    sync.Mutex
	opLog    map[string]cluster.Operation // opId -> op, pending anti-entropy propagation
	lastSeen map[string]int64             // originNodeId -> highest seq applied
	seq      int64
}

// New returns a Coordinator for nodeID with the given replication tunables
// (spec.md §6.4).
func New(nodeID string, writeQuorum, readQuorum, replicationFactor, maxBatchSize int) *Coordinator {
	return &Coordinator{
		nodeID:            nodeID,
		writeQuorum:       writeQuorum,
		readQuorum:        readQuorum,
		replicationFactor: replicationFactor,
		maxBatchSize:      maxBatchSize,
		peers:             map[string]*PeerClient{},
		peerHealthy:       map[string]bool{},
		hints:             map[string][]cluster.Operation{},
		opLog:             map[string]cluster.Operation{},
		lastSeen:          map[string]int64{},
	}
}

// SetPeer registers or updates the client used to reach a peer node.
func (c *Coordinator) SetPeer(nodeID, baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[nodeID] = &PeerClient{BaseURL: baseURL}
	if _, ok := c.peerHealthy[nodeID]; !ok {
		c.peerHealthy[nodeID] = true
	}
}

// SetPeerHealthy records a peer's liveness, as observed by heartbeats.
func (c *Coordinator) SetPeerHealthy(nodeID string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerHealthy[nodeID] = healthy
}

// NextOpID mints an "<originNodeId>:<seq>" operation id (spec.md §8
// idempotence invariant).
func (c *Coordinator) NextOpID() string {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	c.seq++
	c.lastSeen[c.nodeID] = c.seq
	return fmt.Sprintf("%s:%d", c.nodeID, c.seq)
}

// HintsCount returns the total number of queued hinted-handoff entries
// across all peers (spec.md §6.2 GetNodeInfo "hints_count").
func (c *Coordinator) HintsCount() int {
	c.hintsMu.Lock()
	defer c.hintsMu.Unlock()
	n := 0
	for _, ops := range c.hints {
		n += len(ops)
	}
	return n
}

// LogSize returns the pending replication-log size used for anti-entropy
// propagation (spec.md §6.2 GetNodeInfo "replication_log_size").
func (c *Coordinator) LogSize() int {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	return len(c.opLog)
}

// MarkSeen returns true the first time opId's sequence is observed for its
// origin node (spec.md §8 "N applies the same opId at most once"), and
// records the high-water mark regardless.
func (c *Coordinator) MarkSeen(origin string, seq int64) bool {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.lastSeen[origin] >= seq {
		return false
	}
	c.lastSeen[origin] = seq
	return true
}

// Replicate fans an operation out to peerList (typically a preference
// list minus this node), appends it to the pending replication log for
// anti-entropy, waits for every target's reply, and returns
// ErrQuorumUnavailable if fewer than writeQuorum acks (including the local
// write already counted by the caller) were collected (spec.md §4.4
// "replicate").
func (c *Coordinator) Replicate(ctx context.Context, op cluster.Operation, peerList []string, skipNodeID string) error {
	c.logMu.Lock()
	c.opLog[op.OpID] = op
	c.logMu.Unlock()

	if c.replicationFactor <= 1 || len(peerList) == 0 {
		return nil
	}

	targets, unhealthy := c.selectTargets(peerList, skipNodeID)
	for _, peerID := range unhealthy {
		c.EnqueueHint(peerID, op)
	}

	type result struct {
		peerID string
		err    error
	}
	results := make(chan result, len(targets))
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(peerID string, client *PeerClient) {
			defer wg.Done()
			err := client.apply(ctx, op)
			results <- result{peerID: peerID, err: err}
		}(t.nodeID, t.client)
	}
	go func() { wg.Wait(); close(results) }()

	ack := 1 // local write already applied by the caller
	for r := range results {
		if r.err != nil {
			kvlog.WithComponent("replication").Warn().Err(r.err).Str("peer", r.peerID).Msg("replication rpc failed, hinting")
			c.EnqueueHint(r.peerID, op)
			continue
		}
		ack++
	}

	if ack < c.writeQuorum {
		return kverrors.ErrQuorumUnavailable
	}
	return nil
}

// ReadResult is one replica's raw, unresolved answer to a quorum read
// (spec.md §4.4 "Read path"): the local node's own result counts as one
// of these too.
type ReadResult struct {
	NodeID string
	Values []cluster.VersionedValue
	Found  bool
}

// QuorumRead fans a Get out to peerList (typically a preference list
// minus this node, whose own raw local versions the caller passes in as
// local), and collects responses until readQuorum total (including local)
// have replied or every peer has been tried (spec.md §4.4 "Read path").
// It returns the responses collected up to that point so the caller can
// merge them and read-repair whichever replicas turn out to be missing
// the merged value; replies that arrive after the quorum is met are
// discarded.
func (c *Coordinator) QuorumRead(ctx context.Context, key string, local ReadResult, peerList []string) ([]ReadResult, error) {
	targets, _ := c.selectTargets(peerList, "")

	results := []ReadResult{local}
	if len(targets) == 0 {
		if len(results) < c.readQuorum {
			return results, fmt.Errorf("%w: quorum read for %q got %d/%d replicas", kverrors.ErrQuorumUnavailable, key, len(results), c.readQuorum)
		}
		return results, nil
	}

	type reply struct {
		res ReadResult
		err error
	}
	replies := make(chan reply, len(targets))
	for _, t := range targets {
		go func(nodeID string, client *PeerClient) {
			resp, err := client.get(ctx, key)
			replies <- reply{res: ReadResult{NodeID: nodeID, Values: resp.Values, Found: resp.Found}, err: err}
		}(t.nodeID, t.client)
	}

	received := 0
	for received < len(targets) {
		r := <-replies
		received++
		if r.err != nil {
			kvlog.WithComponent("replication").Debug().Err(r.err).Str("peer", r.res.NodeID).Msg("quorum read rpc failed")
			continue
		}
		results = append(results, r.res)
		if len(results) >= c.readQuorum {
			break
		}
	}
	if remaining := len(targets) - received; remaining > 0 {
		go func() {
			for i := 0; i < remaining; i++ {
				<-replies
			}
		}()
	}

	if len(results) < c.readQuorum {
		return results, fmt.Errorf("%w: quorum read for %q got %d/%d replicas", kverrors.ErrQuorumUnavailable, key, len(results), c.readQuorum)
	}
	return results, nil
}

// ReadRepair asynchronously writes op to every peer in staleIDs — the
// replicas whose QuorumRead response was missing the version the read
// path resolved to — without blocking the read that triggered it
// (spec.md §4.4 "Read path" read-repair).
func (c *Coordinator) ReadRepair(staleIDs []string, op cluster.Operation) {
	if len(staleIDs) == 0 {
		return
	}
	c.mu.RLock()
	targets := make([]*PeerClient, 0, len(staleIDs))
	for _, id := range staleIDs {
		if client, ok := c.peers[id]; ok {
			targets = append(targets, client)
		}
	}
	c.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	go func() {
		log := kvlog.WithComponent("replication")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, client := range targets {
			if err := client.apply(ctx, op); err != nil {
				log.Debug().Err(err).Msg("read repair write failed")
			}
		}
	}()
}

type target struct {
	nodeID string
	client *PeerClient
}

// selectTargets resolves peerList node ids to live clients, skipping the
// local node and skipNodeID. Peers currently marked unhealthy are
// returned separately so the caller can hint them directly rather than
// attempting (and waiting out) a doomed RPC (spec.md §4.4 "an
// unreachable peer's write is captured as a hint").
func (c *Coordinator) selectTargets(peerList []string, skipNodeID string) (targets []target, unhealthy []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range peerList {
		if id == c.nodeID || id == skipNodeID {
			continue
		}
		client, ok := c.peers[id]
		if !ok {
			continue
		}
		if !c.peerHealthy[id] {
			unhealthy = append(unhealthy, id)
			continue
		}
		targets = append(targets, target{nodeID: id, client: client})
	}
	return targets, unhealthy
}

// EnqueueHint queues op for later delivery to peerID (spec.md §4.4
// "hinted handoff").
func (c *Coordinator) EnqueueHint(peerID string, op cluster.Operation) {
	c.hintsMu.Lock()
	defer c.hintsMu.Unlock()
	c.hints[peerID] = append(c.hints[peerID], op)
}

// DeliverHints attempts to flush every peer's queued hints in FIFO order,
// stopping at the first failure per peer so later hints aren't delivered
// out of order (spec.md §8 "no silent loss": a failed hint simply stays
// queued for the next cycle).
func (c *Coordinator) DeliverHints(ctx context.Context) {
	c.mu.RLock()
	peers := make(map[string]*PeerClient, len(c.peers))
	for id, client := range c.peers {
		peers[id] = client
	}
	c.mu.RUnlock()

	c.hintsMu.Lock()
	peerIDs := make([]string, 0, len(c.hints))
	for id := range c.hints {
		peerIDs = append(peerIDs, id)
	}
	sort.Strings(peerIDs)
	c.hintsMu.Unlock()

	for _, peerID := range peerIDs {
		client, ok := peers[peerID]
		if !ok {
			continue
		}
		c.drainPeerHints(ctx, peerID, client)
	}
}

func (c *Coordinator) drainPeerHints(ctx context.Context, peerID string, client *PeerClient) {
	for {
		c.hintsMu.Lock()
		queue := c.hints[peerID]
		if len(queue) == 0 {
			c.hintsMu.Unlock()
			return
		}
		next := queue[0]
		c.hintsMu.Unlock()

		if err := client.apply(ctx, next); err != nil {
			kvlog.WithComponent("replication").Debug().Err(err).Str("peer", peerID).Msg("hint delivery failed, retrying next cycle")
			return
		}

		c.hintsMu.Lock()
		c.hints[peerID] = c.hints[peerID][1:]
		if len(c.hints[peerID]) == 0 {
			delete(c.hints, peerID)
		}
		c.hintsMu.Unlock()
	}
}

// RunHintedHandoff periodically flushes hints until ctx is canceled
// (spec.md §6.4 "hinted_handoff_interval").
func (c *Coordinator) RunHintedHandoff(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.DeliverHints(ctx)
		}
	}
}
