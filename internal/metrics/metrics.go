// Package metrics defines custom Prometheus metrics for BleepRelay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// partSizeBuckets are exponential buckets for part size histograms (bytes).
var partSizeBuckets = []float64{
	65536, 262144, 1048576, 4194304, 16777216, 67108864,
	268435456, 536870912,
}

// Replication pipeline metrics.
var (
	// EntriesTotal counts processed log entries by entry type and outcome.
	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleeprelay_entries_total",
			Help: "Processed log entries by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// ReplicationBytesTotal counts object bytes replicated per site.
	ReplicationBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleeprelay_replication_bytes_total",
			Help: "Object bytes replicated per destination site",
		},
		[]string{"site"},
	)

	// ReplicationOpsTotal counts replication operations per site and status.
	ReplicationOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleeprelay_replication_ops_total",
			Help: "Replication operations per destination site",
		},
		[]string{"site", "status"},
	)

	// TasksInFlight is a gauge tracking tasks currently being processed.
	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bleeprelay_tasks_in_flight",
			Help: "Replication tasks currently in flight",
		},
	)

	// TaskDuration observes end-to-end task latency in seconds per site.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleeprelay_task_duration_seconds",
			Help:    "End-to-end replication task latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"site"},
	)

	// PartSize observes uploaded part sizes in bytes per destination family.
	PartSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleeprelay_part_size_bytes",
			Help:    "Uploaded part sizes in bytes",
			Buckets: partSizeBuckets,
		},
		[]string{"family"},
	)

	// RetriesTotal counts retry attempts by origin.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleeprelay_retries_total",
			Help: "Retry attempts by error origin",
		},
		[]string{"origin"},
	)

	// CommitLag is a gauge tracking uncommitted entries per partition.
	CommitLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bleeprelay_commit_lag_entries",
			Help: "Settled but uncommitted entries per partition",
		},
		[]string{"partition"},
	)

	// MirrorOpsTotal counts metadata mirror writes by operation and status.
	MirrorOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleeprelay_mirror_ops_total",
			Help: "Metadata mirror writes by operation",
		},
		[]string{"operation", "status"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EntriesTotal,
			ReplicationBytesTotal,
			ReplicationOpsTotal,
			TasksInFlight,
			TaskDuration,
			PartSize,
			RetriesTotal,
			CommitLag,
			MirrorOpsTotal,
		)
		// Initialize EntriesTotal so it appears in /metrics output even
		// before any entries have been processed.
		EntriesTotal.WithLabelValues("object", "completed")
	})
}
