package xfdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// compactionMetrics tracks the compactor's (C7) work, one-for-one with the
// teacher's walMetrics: a counter per stage of the part-merge/full-merge
// pipeline plus gauges for the things operators page on.
type compactionMetrics struct {
	mergesStarted      *prometheus.CounterVec
	mergesCompleted    *prometheus.CounterVec
	mergeObjectsMerged *prometheus.CounterVec
	mergeBytesWritten  *prometheus.CounterVec
	mergeDuration      *prometheus.HistogramVec
	tombstonesDropped  prometheus.Counter
	mergeQueueDepth    *prometheus.GaugeVec
}

func newCompactionMetrics(reg prometheus.Registerer) *compactionMetrics {
	return &compactionMetrics{
		mergesStarted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "xfdb_merges_started_total",
			Help: "xfdb_merges_started_total counts merges started, labeled by kind (part, full).",
		}, []string{"kind"}),
		mergesCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "xfdb_merges_completed_total",
			Help: "xfdb_merges_completed_total counts merges completed, labeled by kind and outcome.",
		}, []string{"kind", "outcome"}),
		mergeObjectsMerged: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "xfdb_merge_objects_total",
			Help: "xfdb_merge_objects_total counts objects read by merges, labeled by kind.",
		}, []string{"kind"}),
		mergeBytesWritten: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "xfdb_merge_bytes_written_total",
			Help: "xfdb_merge_bytes_written_total counts output segment bytes written by merges.",
		}, []string{"kind"}),
		mergeDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xfdb_merge_duration_seconds",
			Help:    "xfdb_merge_duration_seconds observes merge wall time, labeled by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		tombstonesDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xfdb_tombstones_dropped_total",
			Help: "xfdb_tombstones_dropped_total counts Delete records dropped by oldest-level full merges.",
		}),
		mergeQueueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "xfdb_merge_queue_depth",
			Help: "xfdb_merge_queue_depth is the number of pending merge plans per pool.",
		}, []string{"pool"}),
	}
}

// bucketMetrics tracks per-bucket write/flush/read activity.
type bucketMetrics struct {
	writes          *prometheus.CounterVec
	flushes         prometheus.Counter
	flushDuration   prometheus.Histogram
	flushBytes      prometheus.Counter
	activeMemtables prometheus.Gauge
	aliveSegments   *prometheus.GaugeVec
}

func newBucketMetrics(reg prometheus.Registerer) *bucketMetrics {
	return &bucketMetrics{
		writes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "xfdb_writes_total",
			Help: "xfdb_writes_total counts writes, labeled by object type (set, delete, append).",
		}, []string{"type"}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xfdb_flushes_total",
			Help: "xfdb_flushes_total counts memtable-to-segment flushes.",
		}),
		flushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "xfdb_flush_duration_seconds",
			Help:    "xfdb_flush_duration_seconds observes flush wall time.",
			Buckets: prometheus.DefBuckets,
		}),
		flushBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "xfdb_flush_bytes_total",
			Help: "xfdb_flush_bytes_total counts bytes written by flushes.",
		}),
		activeMemtables: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "xfdb_active_memtables",
			Help: "xfdb_active_memtables is the number of sealed-but-unflushed memtables across all buckets.",
		}),
		aliveSegments: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "xfdb_alive_segments",
			Help: "xfdb_alive_segments is the number of alive segments per bucket.",
		}, []string{"bucket"}),
	}
}
