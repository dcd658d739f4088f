// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Sync metrics
	SyncRunsTotal  *prometheus.CounterVec
	SyncDuration   prometheus.Histogram
	EventsReplayed prometheus.Counter
	EventsDeleted  prometheus.Counter
	EventsAdded    prometheus.Counter
	SyncSkipped    prometheus.Counter

	// Periodization metrics
	PeriodsComputed prometheus.Counter

	// RPC metrics
	RPCCallLatency *prometheus.HistogramVec
	RPCRetries     *prometheus.CounterVec
	HeadsReceived  *prometheus.CounterVec

	// Health metrics
	LastSuccessfulSync prometheus.Gauge
	FinalizedBlock     *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "position_ledger"
	}

	return &Metrics{
		// Sync metrics
		SyncRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of ledger syncs by status",
		}, []string{"status"}),
		SyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Ledger sync duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		EventsReplayed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_replayed_total",
			Help:      "Total number of raw events replayed into the ledger",
		}),
		EventsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_deleted_total",
			Help:      "Total number of ledger events deleted by window rebuilds",
		}),
		EventsAdded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_added_total",
			Help:      "Total number of ledger events not present before their sync",
		}),
		SyncSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "skipped_total",
			Help:      "Total number of syncs skipped because another sync held the position lock",
		}),

		// Periodization metrics
		PeriodsComputed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apr",
			Name:      "periods_computed_total",
			Help:      "Total number of APR periods computed",
		}),

		// RPC metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evm",
			Name:      "rpc_call_latency_seconds",
			Help:      "EVM RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evm",
			Name:      "rpc_retries_total",
			Help:      "Total number of retried EVM RPC attempts by method",
		}, []string{"method"}),
		HeadsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evm",
			Name:      "heads_received_total",
			Help:      "Total number of newHeads notifications received by chain",
		}, []string{"chain"}),

		// Health metrics
		LastSuccessfulSync: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_sync_timestamp",
			Help:      "Unix timestamp of last successful ledger sync",
		}),
		FinalizedBlock: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "finalized_block",
			Help:      "Last finality boundary observed by chain",
		}, []string{"chain"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// SyncOutcome is the per-run data recorded after a ledger sync.
type SyncOutcome struct {
	Status          string // "ok", "failed" or "skipped"
	DurationSeconds float64
	Replayed        int
	Deleted         int
	Added           int
	Periods         int
	CompletedAtUnix int64
}

// RecordSync records the outcome of one ledger sync.
func RecordSync(o SyncOutcome) {
	m := DefaultMetrics
	m.SyncRunsTotal.WithLabelValues(o.Status).Inc()
	if o.Status == "skipped" {
		m.SyncSkipped.Inc()
		return
	}
	m.SyncDuration.Observe(o.DurationSeconds)
	if o.Status != "ok" {
		return
	}
	m.EventsReplayed.Add(float64(o.Replayed))
	m.EventsDeleted.Add(float64(o.Deleted))
	m.EventsAdded.Add(float64(o.Added))
	m.PeriodsComputed.Add(float64(o.Periods))
	m.LastSuccessfulSync.Set(float64(o.CompletedAtUnix))
}

// UpdateFinalizedBlock updates the finality boundary gauge for a chain.
func UpdateFinalizedBlock(chain string, block uint64) {
	DefaultMetrics.FinalizedBlock.WithLabelValues(chain).Set(float64(block))
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordRPCRetry increments the retry counter for an RPC method.
func RecordRPCRetry(method string) {
	DefaultMetrics.RPCRetries.WithLabelValues(method).Inc()
}

// RecordHead increments the newHeads counter for a chain.
func RecordHead(chain string) {
	DefaultMetrics.HeadsReceived.WithLabelValues(chain).Inc()
}
