package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedExecutor struct {
	calls   int
	results []*ExecutionResult
	errs    []error
	delay   time.Duration
}

func (s *scriptedExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	idx := s.calls
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var result *ExecutionResult
	var err error
	if idx < len(s.results) {
		result = s.results[idx]
	}
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	return result, err
}

func newWork(task *Task) *Work {
	return &Work{ID: "work-1", Task: task, Status: WorkStatusPending}
}

func TestWorkerPool_SubmitWorkRejectedWhenNotRunning(t *testing.T) {
	pool := NewWorkerPool(DefaultPoolConfig(), &scriptedExecutor{}, NewLRUResultManager(NewInMemoryExecutionRepository(), 10), nil)
	_, err := pool.SubmitWork(newWork(&Task{ID: "t1", ExecutionID: "e1"}))
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindPoolNotRunning, kind)
}

func TestWorkerPool_ExecuteWithRetryRetriesTransientFailure(t *testing.T) {
	executor := &scriptedExecutor{
		results: []*ExecutionResult{
			{Success: false, Error: "transient"},
			{Success: true},
		},
	}
	cfg := DefaultPoolConfig()
	cfg.MinWorkers = 1
	cfg.EnableAutoScaling = false
	cfg.EngineHardTimeout = 5 * time.Second
	pool := NewWorkerPool(cfg, executor, NewLRUResultManager(NewInMemoryExecutionRepository(), 10), nil)
	pool.Start()
	defer pool.Stop()

	task := &Task{
		ID:          "t1",
		ExecutionID: "e1",
		ExecutionRequest: ExecutionRequest{
			Options: ExecutionOptions{RetryCount: 2, RetryDelay: time.Millisecond},
		},
	}
	work := newWork(task)
	result := pool.executeWithRetry(work)

	assert.True(t, result.Success)
	assert.Equal(t, 2, executor.calls)
}

func TestWorkerPool_ExecuteWithRetryStopsOnNonRetryableError(t *testing.T) {
	executor := &scriptedExecutor{
		errs: []error{ErrInvalidParameters("bad input")},
	}
	cfg := DefaultPoolConfig()
	cfg.EngineHardTimeout = 5 * time.Second
	pool := NewWorkerPool(cfg, executor, NewLRUResultManager(NewInMemoryExecutionRepository(), 10), nil)
	pool.ctx = context.Background()

	task := &Task{
		ID:          "t1",
		ExecutionID: "e1",
		ExecutionRequest: ExecutionRequest{
			Options: ExecutionOptions{RetryCount: 3, RetryDelay: time.Millisecond},
		},
	}
	result := pool.executeWithRetry(newWork(task))

	assert.False(t, result.Success)
	assert.Equal(t, 1, executor.calls)
}

func TestWorkerPool_ExecuteWithRetryHonorsHardTimeoutBudget(t *testing.T) {
	executor := &scriptedExecutor{delay: 50 * time.Millisecond}
	cfg := DefaultPoolConfig()
	cfg.EngineHardTimeout = 10 * time.Millisecond
	pool := NewWorkerPool(cfg, executor, NewLRUResultManager(NewInMemoryExecutionRepository(), 10), nil)
	pool.ctx = context.Background()

	task := &Task{
		ID:          "t1",
		ExecutionID: "e1",
		ExecutionRequest: ExecutionRequest{
			Options: ExecutionOptions{Timeout: time.Second},
		},
	}
	result := pool.executeWithRetry(newWork(task))
	assert.False(t, result.Success)
	assert.True(t, result.Metadata["timeout"].(bool))
}

func TestWorkerPool_CancelWorkInvokesCancelFn(t *testing.T) {
	pool := NewWorkerPool(DefaultPoolConfig(), &scriptedExecutor{}, NewLRUResultManager(NewInMemoryExecutionRepository(), 10), nil)
	work := newWork(&Task{ID: "t1", ExecutionID: "e1"})

	cancelled := false
	work.cancelFn = func() { cancelled = true }

	pool.mu.Lock()
	pool.inflight[work.Task.ID] = work
	pool.mu.Unlock()

	ok := pool.CancelWork("t1")
	assert.True(t, ok)
	assert.True(t, cancelled)
}

func TestWorkerPool_ScaleUpOnHighUtilization(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 3
	cfg.ScaleUpThreshold = 0.5
	pool := NewWorkerPool(cfg, &scriptedExecutor{}, NewLRUResultManager(NewInMemoryExecutionRepository(), 10), nil)
	pool.Start()
	defer pool.Stop()

	pool.metrics.ActiveWorkers = 1
	pool.metrics.TotalWorkers = 1
	pool.metrics.QueuedTasks = 5

	pool.tick()
	assert.Equal(t, int32(2), pool.Metrics().TotalWorkers)
}
