package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFacade wires a real Facade end to end against the process backend,
// so ExecuteSync actually spawns /bin/sh rather than exercising a mock.
func newTestFacade(t *testing.T) (*Facade, *InMemoryRegistry) {
	t.Helper()

	registry := NewInMemoryRegistry()
	registry.Put(&Tool{ID: "echo-tool", Version: "1.0", Type: ToolTypeShell, Status: "active"})

	store := NewInMemoryExecutionRepository()
	results := NewLRUResultManager(store, 16)
	monitor := NewStandardMonitoring(nil, nil)

	processBackend := NewProcessBackend(1<<16, 1<<16)
	backends := NewBackendRegistry(processBackend)
	backends.Register(IsolationProcess, processBackend)
	pool := NewSandboxPool(backends, 4)

	memBytes := int64(64 * 1024 * 1024)
	ceiling := TenantCeiling{
		ResourceLimits:    ResourceLimits{MemoryBytes: &memBytes},
		AllowedIsolation:  []IsolationType{IsolationProcess},
		MaxConcurrentWork: 10,
	}
	policy := NewPolicy(StaticCeilingProvider{Ceiling: ceiling})

	secrets := NewSecretResolver(NewInMemorySecretStore(), nil)
	dispatcher := NewDispatcher(registry, policy, pool, secrets, monitor, nil, nil, IsolationProcess)

	workerPool := NewWorkerPool(DefaultPoolConfig(), dispatcher, results, monitor)
	workerPool.Start()
	t.Cleanup(workerPool.Stop)

	queue := NewInMemoryQueue(16)
	scheduler := NewScheduler(DefaultSchedulerConfig(), queue, workerPool)
	scheduler.Start()
	t.Cleanup(scheduler.Stop)

	facade := NewFacade(DefaultEngineConfig(), registry, scheduler, workerPool, dispatcher, results, monitor, store, nil)
	return facade, registry
}

func shellRequest(command string) ExecutionRequest {
	return ExecutionRequest{
		ToolID:     "echo-tool",
		Parameters: map[string]interface{}{"command": command},
		Context:    ExecutionContext{TenantID: "tenant-1", UserID: "user-1"},
		Options:    ExecutionOptions{Timeout: 5 * time.Second},
	}
}

func TestFacade_ExecuteSyncRunsToCompletion(t *testing.T) {
	facade, _ := newTestFacade(t)

	result, err := facade.ExecuteSync(context.Background(), shellRequest("echo hello"))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
}

func TestFacade_ExecuteSyncRejectsUnknownTool(t *testing.T) {
	facade, _ := newTestFacade(t)

	req := shellRequest("echo hello")
	req.ToolID = "does-not-exist"
	_, err := facade.ExecuteSync(context.Background(), req)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindToolNotFound, kind)
}

func TestFacade_ExecuteSyncRejectsMissingTenant(t *testing.T) {
	facade, _ := newTestFacade(t)

	req := shellRequest("echo hello")
	req.Context.TenantID = ""
	_, err := facade.ExecuteSync(context.Background(), req)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidParameters, kind)
}

func TestFacade_ExecuteAsyncReachesCompletedStatus(t *testing.T) {
	facade, _ := newTestFacade(t)

	executionID, err := facade.ExecuteAsync(context.Background(), shellRequest("echo hello"))
	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	require.Eventually(t, func() bool {
		status, err := facade.Status(context.Background(), executionID)
		return err == nil && status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	result, err := facade.Result(context.Background(), executionID)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestFacade_CancelIsIdempotentForUnknownExecution(t *testing.T) {
	facade, _ := newTestFacade(t)

	err := facade.Cancel(context.Background(), "no-such-execution")
	assert.NoError(t, err)
}

func TestFacade_ResultReturnsNotFoundBeforeCompletion(t *testing.T) {
	facade, _ := newTestFacade(t)

	_, err := facade.Result(context.Background(), "never-ran")
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTaskNotFound, kind)
}

func TestFacade_HealthCheckReflectsSchedulerAndPoolState(t *testing.T) {
	facade, _ := newTestFacade(t)
	assert.True(t, facade.HealthCheck())
}

func TestFacade_MetricsEmptyForUnrecordedExecution(t *testing.T) {
	facade, _ := newTestFacade(t)

	result, err := facade.ExecuteSync(context.Background(), shellRequest("echo hello"))
	require.NoError(t, err)
	require.NotNil(t, result)

	// StandardMonitoring keyed its timing/metric maps by the minted
	// execution id, not anything derivable from the result alone, so this
	// only asserts the call doesn't panic against an id it never recorded.
	metrics := facade.Metrics(context.Background(), "unrelated-execution")
	assert.Empty(t, metrics)
}
