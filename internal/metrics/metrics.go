package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every Prometheus metric the ingestion core emits.
type Registry struct {
	// Rate limiter
	AcquireSuccess prometheus.Counter
	AcquireTimeout prometheus.Counter
	AcquireWait    prometheus.Histogram

	// Upstream client
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec

	// Store
	RowsUpserted  *prometheus.CounterVec
	UpsertBatches prometheus.Counter

	// Fetcher
	ChunkDuration      prometheus.Histogram
	InstrumentsFetched *prometheus.CounterVec

	// Orchestrator
	TaskTransitions *prometheus.CounterVec

	reg *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	once.Do(func() {
		defaultRegistry = New()
	})
	return defaultRegistry
}

// New builds a registry with all collectors registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.AcquireSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantpulse_ratelimit_acquisitions_total",
		Help: "Successful rate-limit token acquisitions",
	})
	r.AcquireTimeout = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantpulse_ratelimit_timeouts_total",
		Help: "Rate-limit acquisitions that timed out",
	})
	r.AcquireWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantpulse_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate-limit token",
		Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60},
	})

	r.UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpulse_upstream_requests_total",
		Help: "Upstream API calls by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	r.UpstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantpulse_upstream_latency_seconds",
		Help:    "Upstream API latency by endpoint",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"endpoint"})

	r.RowsUpserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpulse_ohlcv_rows_upserted_total",
		Help: "OHLCV rows written by timeframe",
	}, []string{"timeframe"})
	r.UpsertBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantpulse_ohlcv_upsert_batches_total",
		Help: "Bulk upsert batches committed",
	})

	r.ChunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantpulse_fetch_chunk_duration_seconds",
		Help:    "Wall-clock duration of one fetch chunk",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})
	r.InstrumentsFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpulse_instruments_fetched_total",
		Help: "Instruments processed by the fetcher, by result",
	}, []string{"result"})

	r.TaskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpulse_task_transitions_total",
		Help: "TaskRun state transitions by task type and target state",
	}, []string{"task_type", "status"})

	r.reg.MustRegister(
		r.AcquireSuccess, r.AcquireTimeout, r.AcquireWait,
		r.UpstreamRequests, r.UpstreamLatency,
		r.RowsUpserted, r.UpsertBatches,
		r.ChunkDuration, r.InstrumentsFetched,
		r.TaskTransitions,
	)

	return r
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// CounterValue reads the current value of a counter by gathering. Diagnostic
// surface for the limiter's successful_acquisitions/timeouts counters.
func (r *Registry) CounterValue(name string) float64 {
	families, err := r.reg.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}
