package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store
	StoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelineops_store_ops_total",
			Help: "Pipeline store operations performed",
		},
		[]string{"op"}, // op: list|get|exists|put
	)

	// Sync
	SyncOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelineops_sync_outcomes_total",
			Help: "Per-pipeline sync outcomes",
		},
		[]string{"status"}, // status: synced|skipped|failed
	)
	RemoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelineops_remote_requests_total",
			Help: "Requests to the remote provider by endpoint and result",
		},
		[]string{"endpoint", "result"}, // endpoint: list|get, result: ok|auth|unavailable|provider
	)

	// Apply
	ApplyRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelineops_apply_runs_total",
			Help: "Apply invocations by result",
		},
		[]string{"result"}, // result: succeeded|failed|timed_out|error
	)
	ApplyDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipelineops_apply_duration_seconds",
			Help:    "Duration of apply invocations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11), // 1s..1024s
		},
	)
	ApplyInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipelineops_apply_inflight",
			Help: "Apply invocations currently running",
		},
	)

	// HTTP
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "path"},
	)
	HTTPErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of HTTP request errors.",
		},
		[]string{"method", "path", "status"},
	)

	// Errors
	Errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelineops_errors_total",
			Help: "Errors encountered in components",
		},
		[]string{"component", "type"},
	)
)

func init() {
	prometheus.MustRegister(
		// Store
		StoreOps,
		// Sync
		SyncOutcomes,
		RemoteRequests,
		// Apply
		ApplyRuns,
		ApplyDurationSeconds,
		ApplyInflight,
		// HTTP
		HTTPRequestDuration,
		HTTPRequests,
		HTTPErrors,
		// Errors
		Errors,
	)
}

// StartMetricsServer serves /metrics on its own listener. It blocks.
func StartMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Store
func IncStoreOp(op string) {
	StoreOps.WithLabelValues(op).Inc()
}

// Sync
func IncSyncOutcome(status string) {
	SyncOutcomes.WithLabelValues(status).Inc()
}

func IncRemoteRequest(endpoint, result string) {
	RemoteRequests.WithLabelValues(endpoint, result).Inc()
}

// Apply
func IncApplyRun(result string) {
	ApplyRuns.WithLabelValues(result).Inc()
}

func ObserveApplyDuration(d time.Duration) {
	ApplyDurationSeconds.Observe(d.Seconds())
}

func AddApplyInflight(delta float64) {
	ApplyInflight.Add(delta)
}

// HTTP
func ObserveHTTPRequest(method, path, status string, d time.Duration, isError bool) {
	HTTPRequests.WithLabelValues(method, path).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
	if isError {
		HTTPErrors.WithLabelValues(method, path, status).Inc()
	}
}

// Errors
func IncError(component, typ string) {
	Errors.WithLabelValues(component, typ).Inc()
}
