package engine

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	return NewPrometheusMetrics("execengine_test_" + t.Name())
}

func TestPrometheusMetrics_ImplementsMetricRecorder(t *testing.T) {
	var _ MetricRecorder = (*PrometheusMetrics)(nil)
}

func TestPrometheusMetrics_IncExecutionTotalIncrements(t *testing.T) {
	m := newTestMetrics(t)
	m.IncExecutionTotal("tool-1", ExecutionCompleted)
	m.IncExecutionTotal("tool-1", ExecutionCompleted)

	value := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("tool-1", string(ExecutionCompleted)))
	assert.Equal(t, float64(2), value)
}

func TestPrometheusMetrics_SetActiveExecutionsTracksDelta(t *testing.T) {
	m := newTestMetrics(t)
	m.SetActiveExecutions(3)
	m.SetActiveExecutions(-1)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ExecutionsInProgress))
}

func TestPrometheusMetrics_SetWorkerPoolSizeReportsLabels(t *testing.T) {
	m := newTestMetrics(t)
	m.SetWorkerPoolSize(PoolMetrics{TotalWorkers: 5, ActiveWorkers: 2})

	assert.Equal(t, float64(5), testutil.ToFloat64(m.WorkerPoolSize.WithLabelValues("total")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.WorkerPoolSize.WithLabelValues("active")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.WorkerPoolSize.WithLabelValues("idle")))
}

func TestPrometheusMetrics_SetCircuitBreakerState(t *testing.T) {
	m := newTestMetrics(t)
	m.SetCircuitBreakerState("tool-executor", true)
	require.Equal(t, float64(1), testutil.ToFloat64(m.CircuitBreakerOn.WithLabelValues("tool-executor")))

	m.SetCircuitBreakerState("tool-executor", false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.CircuitBreakerOn.WithLabelValues("tool-executor")))
}
