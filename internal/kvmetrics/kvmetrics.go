// Package kvmetrics exposes Prometheus metrics for the fields named in
// spec.md §6.2's GetNodeInfo response plus replication/hint counters
// from §4.4, grounded on cuemby-warren/pkg/metrics's package-level
// GaugeVec/Counter/Histogram registration idiom (promhttp.Handler for
// the /metrics endpoint).
package kvmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodeCPU    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kv_node_cpu_ratio", Help: "CPU utilization ratio reported by this node"})
	NodeMemory = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kv_node_memory_ratio", Help: "Memory utilization ratio reported by this node"})
	NodeDisk   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kv_node_disk_ratio", Help: "Disk utilization ratio reported by this node"})
	NodeUptime = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kv_node_uptime_seconds", Help: "Seconds since this node process started"})

	ReplicationLogSize = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kv_replication_log_size", Help: "Number of pending entries in the replication op log"})
	HintsCount         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kv_hints_count", Help: "Number of hinted-handoff entries retained for unreachable peers"})

	MemtableSize  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kv_memtable_bytes", Help: "Approximate size of the active memtable in bytes"})
	SegmentsTotal = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kv_segments_total", Help: "Number of on-disk SSTable segments"})

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kv_requests_total", Help: "Total RPCs served, by operation and outcome"},
		[]string{"op", "outcome"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "kv_request_duration_seconds", Help: "RPC handling duration in seconds", Buckets: prometheus.DefBuckets},
		[]string{"op"},
	)

	QuorumFailuresTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "kv_quorum_failures_total", Help: "Total writes that failed to reach write_quorum acks"})
	AntiEntropyCycles    = prometheus.NewCounter(prometheus.CounterOpts{Name: "kv_anti_entropy_cycles_total", Help: "Total anti-entropy reconciliation cycles run"})
	HandoffDeliveries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "kv_handoff_deliveries_total", Help: "Total hinted-handoff entries successfully delivered"})
	TxAbortsTotal        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "kv_tx_aborts_total", Help: "Total transaction aborts by reason"}, []string{"reason"})
	CompactionsTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "kv_compactions_total", Help: "Total compaction cycles run"})
)

func init() {
	prometheus.MustRegister(
		NodeCPU, NodeMemory, NodeDisk, NodeUptime,
		ReplicationLogSize, HintsCount,
		MemtableSize, SegmentsTotal,
		RequestsTotal, RequestDuration,
		QuorumFailuresTotal, AntiEntropyCycles, HandoffDeliveries, TxAbortsTotal, CompactionsTotal,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and records it against RequestDuration /
// RequestsTotal on Observe.
type Timer struct {
	start time.Time
	op    string
}

// NewTimer starts timing op.
func NewTimer(op string) *Timer {
	return &Timer{start: time.Now(), op: op}
}

// Observe records elapsed duration and outcome ("ok" or "error").
func (t *Timer) Observe(outcome string) {
	RequestDuration.WithLabelValues(t.op).Observe(time.Since(t.start).Seconds())
	RequestsTotal.WithLabelValues(t.op, outcome).Inc()
}
