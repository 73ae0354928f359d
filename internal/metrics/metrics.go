package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the monitoring server.
type Metrics struct {
	// Global counters
	IngestTotal prometheus.Counter
	DriftTotal  prometheus.Counter
	DedupHits   prometheus.Counter
	WALErrors   prometheus.Counter
	StoreErrors prometheus.Counter

	// Per-detector labeled metrics
	UpdatesByDetector prometheus.CounterVec
	DriftByDetector   prometheus.CounterVec
	Divergence        prometheus.HistogramVec
	UpdateLatency     prometheus.Histogram
}

// New creates and registers all metrics
func New() *Metrics {
	return &Metrics{
		IngestTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dw_ingest_total",
			Help: "Total number of update batches received",
		}),
		DriftTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dw_drift_total",
			Help: "Number of updates that produced a drift verdict",
		}),
		DedupHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dw_dedup_hits",
			Help: "Number of duplicate submissions answered from the result store",
		}),
		WALErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dw_wal_errors",
			Help: "Number of WAL write errors",
		}),
		StoreErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dw_store_errors",
			Help: "Number of result store errors",
		}),

		UpdatesByDetector: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dw_updates_by_detector",
				Help: "Number of updates processed per detector",
			},
			[]string{"detector"},
		),
		DriftByDetector: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dw_drift_by_detector",
				Help: "Number of drift verdicts per detector",
			},
			[]string{"detector"},
		),
		Divergence: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dw_divergence",
				Help:    "Divergence statistic per update",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"detector"},
		),
		UpdateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dw_update_latency_seconds",
			Help:    "Wall time spent processing one update",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
