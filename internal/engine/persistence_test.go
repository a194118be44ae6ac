package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryExecutionRepository_SaveAndGet(t *testing.T) {
	repo := NewInMemoryExecutionRepository()
	ctx := context.Background()

	exec := &Execution{
		ID:        "exec-1",
		ToolID:    "tool-1",
		TenantID:  "tenant-1",
		Status:    ExecutionRunning,
		StartedAt: time.Now(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, repo.SaveExecution(ctx, exec))

	got, err := repo.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tool-1", got.ToolID)
}

func TestInMemoryExecutionRepository_UpdateStatusMarksTerminalCompletedAt(t *testing.T) {
	repo := NewInMemoryExecutionRepository()
	ctx := context.Background()
	require.NoError(t, repo.SaveExecution(ctx, &Execution{ID: "exec-1", Status: ExecutionRunning}))

	require.NoError(t, repo.UpdateExecutionStatus(ctx, "exec-1", ExecutionCompleted))

	got, err := repo.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestInMemoryExecutionRepository_ResultLifecycle(t *testing.T) {
	repo := NewInMemoryExecutionRepository()
	ctx := context.Background()
	require.NoError(t, repo.SaveExecution(ctx, &Execution{ID: "exec-1", TenantID: "t1", Status: ExecutionRunning}))

	result := &ExecutionResult{Success: true}
	require.NoError(t, repo.SaveResult(ctx, "exec-1", result, time.Now().Add(-time.Hour)))

	loaded, err := repo.LoadResult(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Success)

	count, err := repo.DeleteResultsOlderThan(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	loaded, err = repo.LoadResult(ctx, "exec-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestInMemoryExecutionRepository_ViolationsScopedBySandbox(t *testing.T) {
	repo := NewInMemoryExecutionRepository()
	ctx := context.Background()

	require.NoError(t, repo.SaveViolation(ctx, SecurityViolation{SandboxID: "sb-1", Kind: ViolationNetwork}))
	require.NoError(t, repo.SaveViolation(ctx, SecurityViolation{SandboxID: "sb-2", Kind: ViolationProcess}))

	violations, err := repo.ListViolations(ctx, "sb-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationNetwork, violations[0].Kind)
}

func TestInMemoryExecutionRepository_ListResultsOrderedByCreatedAtDesc(t *testing.T) {
	repo := NewInMemoryExecutionRepository()
	ctx := context.Background()
	base := time.Now()

	ids := []ExecutionId{"exec-oldest", "exec-middle", "exec-newest"}
	ages := []time.Duration{2 * time.Hour, 1 * time.Hour, 0}
	for i, id := range ids {
		require.NoError(t, repo.SaveExecution(ctx, &Execution{
			ID:        id,
			TenantID:  "tenant-1",
			CreatedAt: base.Add(-ages[i]),
		}))
		require.NoError(t, repo.SaveResult(ctx, id, &ExecutionResult{
			Success: true,
			Output:  map[string]interface{}{"id": string(id)},
		}, base))
	}

	results, err := repo.ListResults(ctx, ResultFilter{TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "exec-newest", results[0].Output["id"])
	assert.Equal(t, "exec-middle", results[1].Output["id"])
	assert.Equal(t, "exec-oldest", results[2].Output["id"])
}
