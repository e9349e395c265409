// Package metrics exposes Brainy's internal counters and histograms as
// Prometheus collectors: HNSW graph size and latency, statistics flush
// duration, pipeline throughput, and the dangling-reference count the HNSW
// index tracks but never surfaces as an error.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector Brainy exports. Construct with New and
// register it against a prometheus.Registerer, typically
// prometheus.DefaultRegisterer or a per-instance one in tests.
type Registry struct {
	HNSWNodes           prometheus.Gauge
	HNSWDanglingRefs    prometheus.Counter
	HNSWInsertDuration  prometheus.Histogram
	HNSWSearchDuration  prometheus.Histogram

	StatsFlushDuration prometheus.Histogram
	StatsFlushErrors   prometheus.Counter
	StatsPendingNames  prometheus.Gauge

	PipelineRunsTotal   *prometheus.CounterVec
	PipelineStageErrors *prometheus.CounterVec

	ChangeLogWatermark prometheus.Gauge
}

// New builds a Registry with the given namespace (e.g. "brainy").
func New(namespace string) *Registry {
	return &Registry{
		HNSWNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hnsw", Name: "nodes",
			Help: "Current number of nodes in the HNSW index, including tombstoned ones.",
		}),
		HNSWDanglingRefs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hnsw", Name: "dangling_references_total",
			Help: "Dangling neighbor references observed and skipped during traversal.",
		}),
		HNSWInsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "hnsw", Name: "insert_duration_seconds",
			Help:    "Duration of HNSW Insert calls.",
			Buckets: prometheus.DefBuckets,
		}),
		HNSWSearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "hnsw", Name: "search_duration_seconds",
			Help:    "Duration of HNSW Search calls.",
			Buckets: prometheus.DefBuckets,
		}),
		StatsFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "stats", Name: "flush_duration_seconds",
			Help:    "Duration of statistics flush attempts, successful or not.",
			Buckets: prometheus.DefBuckets,
		}),
		StatsFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stats", Name: "flush_errors_total",
			Help: "Statistics flush attempts that ended in a storage error (lock contention is not counted here).",
		}),
		StatsPendingNames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stats", Name: "pending_counters",
			Help: "Number of distinct counters with an unflushed delta.",
		}),
		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "runs_total",
			Help: "Pipeline runs, labeled by final success/failure.",
		}, []string{"outcome"}),
		PipelineStageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stage_errors_total",
			Help: "Augmentation failures, labeled by stage and augmentation name.",
		}, []string{"stage", "augmentation"}),
		ChangeLogWatermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "changelog", Name: "watermark",
			Help: "Highest contiguous change-log sequence number applied by this instance.",
		}),
	}
}

// Collectors returns every metric for bulk registration:
//
//	for _, c := range reg.Collectors() { registerer.MustRegister(c) }
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.HNSWNodes,
		r.HNSWDanglingRefs,
		r.HNSWInsertDuration,
		r.HNSWSearchDuration,
		r.StatsFlushDuration,
		r.StatsFlushErrors,
		r.StatsPendingNames,
		r.PipelineRunsTotal,
		r.PipelineStageErrors,
		r.ChangeLogWatermark,
	}
}

// MustRegister registers every collector against reg, panicking on
// duplicate registration just like prometheus.MustRegister.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(r.Collectors()...)
}
