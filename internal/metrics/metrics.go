// Package metrics declares the prometheus/client_golang collectors
// this control plane actually drives: the HTTP middleware's
// request/latency family, plus one counter or histogram per component
// that the spec calls out as needing observability (rollout batches,
// device rollbacks, job transitions, event-log publish latency,
// liveness sweep duration).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics, driven by internal/middleware.NewMetricsMiddleware.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcp_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "endpoint"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcp_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"service", "method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetcp_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"service", "method", "endpoint"},
	)

	// RolloutBatchesTotal counts batch-advance outcomes, driven by
	// internal/rollout.Orchestrator.
	RolloutBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcp_rollout_batches_total",
			Help: "Total number of rollout batch outcomes",
		},
		[]string{"result"},
	)

	// RolloutRollbacksTotal counts device-level rollback attempts,
	// driven by internal/rollback.Manager.
	RolloutRollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcp_rollout_rollbacks_total",
			Help: "Total number of device rollback attempts",
		},
		[]string{"outcome"},
	)

	// JobTransitionsTotal counts per-device job status transitions,
	// driven by internal/jobs.Manager.
	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetcp_job_transitions_total",
			Help: "Total number of device job status transitions",
		},
		[]string{"status"},
	)

	// EventPublishDuration times internal/eventlog.Store's append path.
	EventPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetcp_event_publish_duration_seconds",
			Help:    "Event log publish latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LivenessSweepDuration times internal/liveness.Monitor's sweep pass.
	LivenessSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetcp_liveness_sweep_duration_seconds",
			Help:    "Liveness sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(service, method, endpoint, status string, duration float64, reqSize, respSize float64) {
	HTTPRequestsTotal.WithLabelValues(service, method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(service, method, endpoint).Observe(duration)
	if reqSize > 0 {
		HTTPRequestSize.WithLabelValues(service, method, endpoint).Observe(reqSize)
	}
	if respSize > 0 {
		HTTPResponseSize.WithLabelValues(service, method, endpoint).Observe(respSize)
	}
}
