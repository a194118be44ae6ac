package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoExecutor struct{}

func (e echoExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	return &ExecutionResult{Success: true, Output: map[string]interface{}{"echo": task.ExecutionID}}, nil
}

func newTestSchedulerAndPool(t *testing.T) (*Scheduler, *WorkerPool) {
	t.Helper()
	store := NewInMemoryExecutionRepository()
	results := NewLRUResultManager(store, 100)
	monitor := NewStandardMonitoring(nil, store)

	poolCfg := DefaultPoolConfig()
	poolCfg.MinWorkers = 1
	poolCfg.MaxWorkers = 1
	poolCfg.EnableAutoScaling = false
	pool := NewWorkerPool(poolCfg, echoExecutor{}, results, monitor)
	pool.Start()
	t.Cleanup(pool.Stop)

	schedCfg := &SchedulerConfig{PollInterval: 2 * time.Millisecond}
	queue := NewInMemoryQueue(0)
	sched := NewScheduler(schedCfg, queue, pool)
	sched.Start()
	t.Cleanup(sched.Stop)

	return sched, pool
}

func TestScheduler_SubmitDispatchesToIdleWorker(t *testing.T) {
	sched, pool := newTestSchedulerAndPool(t)
	ctx := context.Background()

	taskID, err := sched.Submit(ctx, ExecutionRequest{
		ToolID:  "tool-1",
		Context: ExecutionContext{TenantID: "t1"},
	}, "exec-1")
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		return pool.Metrics().CompletedTasks == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_SubmitFailsWhenNotRunning(t *testing.T) {
	queue := NewInMemoryQueue(0)
	pool := NewWorkerPool(DefaultPoolConfig(), echoExecutor{}, NewLRUResultManager(NewInMemoryExecutionRepository(), 10), nil)
	sched := NewScheduler(nil, queue, pool)

	_, err := sched.Submit(context.Background(), ExecutionRequest{}, "exec-1")
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindSchedulerNotRunning, kind)
}

func TestScheduler_CancelQueuedTask(t *testing.T) {
	store := NewInMemoryExecutionRepository()
	results := NewLRUResultManager(store, 10)
	poolCfg := DefaultPoolConfig()
	poolCfg.MinWorkers = 0
	poolCfg.EnableAutoScaling = false
	pool := NewWorkerPool(poolCfg, echoExecutor{}, results, nil)
	pool.Start()
	t.Cleanup(pool.Stop)

	queue := NewInMemoryQueue(0)
	sched := NewScheduler(&SchedulerConfig{PollInterval: 5 * time.Millisecond}, queue, pool)
	sched.Start()
	t.Cleanup(sched.Stop)

	taskID, err := sched.Submit(context.Background(), ExecutionRequest{}, "exec-1")
	require.NoError(t, err)

	ok, err := sched.Cancel(context.Background(), taskID)
	require.NoError(t, err)
	assert.True(t, ok)

	status, found := sched.Status(taskID)
	require.True(t, found)
	assert.Equal(t, TaskStatusCancelled, status)
}
