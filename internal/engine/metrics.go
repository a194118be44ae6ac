// Package engine: Prometheus metrics, grounded on the teacher's
// internal/platform/metrics/prometheus.go — same CounterVec/HistogramVec/
// GaugeVec construction and registration pattern, narrowed to the vectors
// an execution engine actually emits (scheduler/pool/sandbox/security
// rather than HTTP/workflow/auth/business).
package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds every metric vector the engine exports, and
// implements the MetricRecorder contract that StandardMonitoring writes
// through to.
type PrometheusMetrics struct {
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ExecutionsInProgress prometheus.Gauge
	SecurityViolations   *prometheus.CounterVec

	QueueDepth     prometheus.Gauge
	WorkerPoolSize *prometheus.GaugeVec

	SandboxesActive  *prometheus.GaugeVec
	CircuitBreakerOn *prometheus.GaugeVec
}

// NewPrometheusMetrics creates and registers every vector under namespace.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	m := &PrometheusMetrics{
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of tool executions by tool and outcome status",
			},
			[]string{"tool_id", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Tool execution duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"tool_id", "status"},
		),
		ExecutionsInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_in_progress",
				Help:      "Number of executions currently running",
			},
		),
		SecurityViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_violations_total",
				Help:      "Total number of security violations detected during execution",
			},
			[]string{"kind"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of tasks waiting in the scheduler queue",
			},
		),
		WorkerPoolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Number of workers in the pool by state",
			},
			[]string{"state"},
		),
		SandboxesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sandboxes_active",
				Help:      "Number of live sandbox handles by isolation type",
			},
			[]string{"isolation_type"},
		),
		CircuitBreakerOn: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_open",
				Help:      "1 if the named circuit breaker is open, else 0",
			},
			[]string{"name"},
		),
	}
	m.register()
	return m
}

func (m *PrometheusMetrics) register() {
	prometheus.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionsInProgress,
		m.SecurityViolations,
		m.QueueDepth,
		m.WorkerPoolSize,
		m.SandboxesActive,
		m.CircuitBreakerOn,
	)
}

// Handler exposes the metrics endpoint for scraping.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveExecutionDuration implements MetricRecorder.
func (m *PrometheusMetrics) ObserveExecutionDuration(toolID ToolId, status ExecutionStatus, seconds float64) {
	m.ExecutionDuration.WithLabelValues(string(toolID), string(status)).Observe(seconds)
}

// IncExecutionTotal implements MetricRecorder.
func (m *PrometheusMetrics) IncExecutionTotal(toolID ToolId, status ExecutionStatus) {
	m.ExecutionsTotal.WithLabelValues(string(toolID), string(status)).Inc()
}

// IncSecurityViolation implements MetricRecorder.
func (m *PrometheusMetrics) IncSecurityViolation(kind SecurityViolationKind) {
	m.SecurityViolations.WithLabelValues(string(kind)).Inc()
}

// SetActiveExecutions implements MetricRecorder.
func (m *PrometheusMetrics) SetActiveExecutions(delta int) {
	m.ExecutionsInProgress.Add(float64(delta))
}

// SetQueueDepth reports the scheduler's current queue depth.
func (m *PrometheusMetrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// SetWorkerPoolSize reports the worker pool's total/active/idle counts.
func (m *PrometheusMetrics) SetWorkerPoolSize(metrics PoolMetrics) {
	m.WorkerPoolSize.WithLabelValues("total").Set(float64(metrics.TotalWorkers))
	m.WorkerPoolSize.WithLabelValues("active").Set(float64(metrics.ActiveWorkers))
	m.WorkerPoolSize.WithLabelValues("idle").Set(float64(metrics.TotalWorkers - metrics.ActiveWorkers))
}

// SetSandboxesActive reports live sandbox handle counts per isolation type.
func (m *PrometheusMetrics) SetSandboxesActive(isolationType IsolationType, count int) {
	m.SandboxesActive.WithLabelValues(string(isolationType)).Set(float64(count))
}

// SetCircuitBreakerState reports whether the named breaker is open.
func (m *PrometheusMetrics) SetCircuitBreakerState(name string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	m.CircuitBreakerOn.WithLabelValues(name).Set(v)
}
