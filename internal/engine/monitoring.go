// Package engine: the monitoring component (C8) — execution lifecycle
// timing, per-execution metric recording, and security violation capture,
// grounded on the teacher's ExecutionStats query shape in persistence.go
// and the Prometheus vectors in internal/platform/metrics/prometheus.go.
package engine

import (
	"context"
	"sync"
	"time"
)

// MetricFilter narrows GetMetrics queries.
type MetricFilter struct {
	ExecutionID ExecutionId
	Name        string
	Since       *time.Time
	Until       *time.Time
}

// MetricRecorder is the optional Prometheus sink a Monitoring
// implementation mirrors values into; nil-safe (metrics.go supplies the
// real implementation, kept as an interface so this file has no import
// cycle on client_golang types).
type MetricRecorder interface {
	ObserveExecutionDuration(toolID ToolId, status ExecutionStatus, seconds float64)
	IncExecutionTotal(toolID ToolId, status ExecutionStatus)
	IncSecurityViolation(kind SecurityViolationKind)
	SetActiveExecutions(delta int)
}

// ViolationStore persists SecurityViolation records; implemented by
// persistence.go alongside the execution store.
type ViolationStore interface {
	SaveViolation(ctx context.Context, violation SecurityViolation) error
	ListViolations(ctx context.Context, sandboxID SandboxId) ([]SecurityViolation, error)
}

// Monitoring is the C8 contract: record_execution_start/end, record_metric,
// get_metrics, get_execution_metrics (spec.md §4.5).
type Monitoring interface {
	RecordExecutionStart(executionID ExecutionId)
	RecordExecutionEnd(executionID ExecutionId, result *ExecutionResult)
	RecordMetric(executionID ExecutionId, metric Metric)
	RecordSecurityViolation(ctx context.Context, violation SecurityViolation)
	GetMetrics(filter MetricFilter) []Metric
	GetExecutionMetrics(executionID ExecutionId) []Metric
}

type executionTiming struct {
	toolID ToolId
	start  time.Time
}

// StandardMonitoring is the built-in Monitoring implementation: an
// in-process metric buffer keyed by execution, mirrored into Prometheus
// via recorder and persisted security violations via violations.
type StandardMonitoring struct {
	recorder   MetricRecorder
	violations ViolationStore

	mu      sync.Mutex
	timings map[ExecutionId]executionTiming
	byExec  map[ExecutionId][]Metric
}

// NewStandardMonitoring builds a Monitoring instance. recorder may be nil
// (metrics are then only kept in-process, not exported to Prometheus).
func NewStandardMonitoring(recorder MetricRecorder, violations ViolationStore) *StandardMonitoring {
	return &StandardMonitoring{
		recorder:   recorder,
		violations: violations,
		timings:    make(map[ExecutionId]executionTiming),
		byExec:     make(map[ExecutionId][]Metric),
	}
}

func (m *StandardMonitoring) RecordExecutionStart(executionID ExecutionId) {
	m.mu.Lock()
	m.timings[executionID] = executionTiming{start: time.Now()}
	m.mu.Unlock()
	if m.recorder != nil {
		m.recorder.SetActiveExecutions(1)
	}
}

func (m *StandardMonitoring) RecordExecutionEnd(executionID ExecutionId, result *ExecutionResult) {
	m.mu.Lock()
	timing, ok := m.timings[executionID]
	delete(m.timings, executionID)
	m.mu.Unlock()

	status := ExecutionCompleted
	if result == nil || !result.Success {
		status = ExecutionFailed
	}

	elapsed := time.Duration(0)
	if ok {
		elapsed = time.Since(timing.start)
	}

	m.RecordMetric(executionID, Metric{
		ExecutionID: executionID,
		Name:        "execution_duration_seconds",
		Value:       elapsed.Seconds(),
		Timestamp:   time.Now(),
	})

	if m.recorder != nil {
		m.recorder.SetActiveExecutions(-1)
		m.recorder.ObserveExecutionDuration(timing.toolID, status, elapsed.Seconds())
		m.recorder.IncExecutionTotal(timing.toolID, status)
	}
}

func (m *StandardMonitoring) RecordMetric(executionID ExecutionId, metric Metric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now()
	}
	metric.ExecutionID = executionID
	m.mu.Lock()
	m.byExec[executionID] = append(m.byExec[executionID], metric)
	m.mu.Unlock()
}

func (m *StandardMonitoring) RecordSecurityViolation(ctx context.Context, violation SecurityViolation) {
	if violation.Timestamp.IsZero() {
		violation.Timestamp = time.Now()
	}
	if m.violations != nil {
		_ = m.violations.SaveViolation(ctx, violation)
	}
	if m.recorder != nil {
		m.recorder.IncSecurityViolation(violation.Kind)
	}
}

func (m *StandardMonitoring) GetMetrics(filter MetricFilter) []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Metric
	for execID, metrics := range m.byExec {
		if filter.ExecutionID != "" && filter.ExecutionID != execID {
			continue
		}
		for _, metric := range metrics {
			if filter.Name != "" && metric.Name != filter.Name {
				continue
			}
			if filter.Since != nil && metric.Timestamp.Before(*filter.Since) {
				continue
			}
			if filter.Until != nil && metric.Timestamp.After(*filter.Until) {
				continue
			}
			out = append(out, metric)
		}
	}
	return out
}

func (m *StandardMonitoring) GetExecutionMetrics(executionID ExecutionId) []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metric, len(m.byExec[executionID]))
	copy(out, m.byExec[executionID])
	return out
}
