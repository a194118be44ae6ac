package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeViolationStore struct {
	saved []SecurityViolation
}

func (f *fakeViolationStore) SaveViolation(ctx context.Context, v SecurityViolation) error {
	f.saved = append(f.saved, v)
	return nil
}

func (f *fakeViolationStore) ListViolations(ctx context.Context, sandboxID SandboxId) ([]SecurityViolation, error) {
	var out []SecurityViolation
	for _, v := range f.saved {
		if v.SandboxID == sandboxID {
			out = append(out, v)
		}
	}
	return out, nil
}

func TestStandardMonitoring_RecordsExecutionDuration(t *testing.T) {
	mon := NewStandardMonitoring(nil, nil)

	mon.RecordExecutionStart("exec-1")
	time.Sleep(5 * time.Millisecond)
	mon.RecordExecutionEnd("exec-1", &ExecutionResult{Success: true})

	metrics := mon.GetExecutionMetrics("exec-1")
	require.Len(t, metrics, 1)
	assert.Equal(t, "execution_duration_seconds", metrics[0].Name)
	assert.Greater(t, metrics[0].Value, 0.0)
}

func TestStandardMonitoring_RecordSecurityViolationPersists(t *testing.T) {
	store := &fakeViolationStore{}
	mon := NewStandardMonitoring(nil, store)

	mon.RecordSecurityViolation(context.Background(), SecurityViolation{
		SandboxID: "sb-1",
		Kind:      ViolationNetwork,
	})

	violations, err := store.ListViolations(context.Background(), "sb-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationNetwork, violations[0].Kind)
}

func TestStandardMonitoring_GetMetricsFiltersByName(t *testing.T) {
	mon := NewStandardMonitoring(nil, nil)
	mon.RecordMetric("exec-1", Metric{Name: "cpu_seconds", Value: 1.5})
	mon.RecordMetric("exec-1", Metric{Name: "memory_bytes", Value: 2048})

	filtered := mon.GetMetrics(MetricFilter{ExecutionID: "exec-1", Name: "cpu_seconds"})
	require.Len(t, filtered, 1)
	assert.Equal(t, "cpu_seconds", filtered[0].Name)
}
