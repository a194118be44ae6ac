package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *InMemoryRegistry) {
	t.Helper()
	registry := NewInMemoryRegistry()
	policy := NewPolicy(StaticCeilingProvider{Ceiling: TenantCeiling{
		AllowedIsolation:  []IsolationType{IsolationProcess, IsolationNone},
		MaxConcurrentWork: 10,
	}})
	backendRegistry := NewBackendRegistry(NewProcessBackend(4096, 4096))
	pool := NewSandboxPool(backendRegistry, 4)
	return NewDispatcher(registry, policy, pool, nil, nil, nil, nil, IsolationProcess), registry
}

func TestDispatcher_ExecuteShellToolSucceeds(t *testing.T) {
	dispatcher, registry := newTestDispatcher(t)
	registry.Put(&Tool{ID: "echo-tool", Version: "1", Type: ToolTypeShell, Status: "active"})

	task := &Task{
		ID:          "t1",
		ExecutionID: "e1",
		ExecutionRequest: ExecutionRequest{
			ToolID:     "echo-tool",
			Parameters: map[string]interface{}{"command": "echo hello"},
			Context:    ExecutionContext{TenantID: "tenant-1"},
		},
	}

	result, err := dispatcher.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Output["stdout"].(string), "hello")
}

func TestDispatcher_ExecuteMissingToolFails(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t)
	task := &Task{
		ID:          "t1",
		ExecutionID: "e1",
		ExecutionRequest: ExecutionRequest{
			ToolID:  "nonexistent",
			Context: ExecutionContext{TenantID: "tenant-1"},
		},
	}

	_, err := dispatcher.Execute(context.Background(), task)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindToolNotFound, kind)
}

func TestDispatcher_ExecuteShellToolMissingCommandParamFails(t *testing.T) {
	dispatcher, registry := newTestDispatcher(t)
	registry.Put(&Tool{ID: "echo-tool", Version: "1", Type: ToolTypeShell, Status: "active"})

	task := &Task{
		ID:          "t1",
		ExecutionID: "e1",
		ExecutionRequest: ExecutionRequest{
			ToolID:  "echo-tool",
			Context: ExecutionContext{TenantID: "tenant-1"},
		},
	}

	_, err := dispatcher.Execute(context.Background(), task)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidParameters, kind)
}

func TestBuildCommand_UnsupportedToolTypeFails(t *testing.T) {
	_, err := buildCommand(Tool{ID: "t", Type: ToolTypeOpenAPI}, ExecutionRequest{})
	assert.Error(t, err)
}

func TestDispatcher_ExecuteArchivesTruncatedOutput(t *testing.T) {
	registry := NewInMemoryRegistry()
	registry.Put(&Tool{ID: "echo-tool", Version: "1", Type: ToolTypeShell, Status: "active"})

	policy := NewPolicy(StaticCeilingProvider{Ceiling: TenantCeiling{
		AllowedIsolation:  []IsolationType{IsolationProcess},
		MaxConcurrentWork: 10,
	}})
	// A tiny stdout cap guarantees this command's output overflows the
	// buffer and Truncated is set.
	backendRegistry := NewBackendRegistry(NewProcessBackend(4, 4096))
	pool := NewSandboxPool(backendRegistry, 4)

	archiver := NewInMemoryArchiver()
	dispatcher := NewDispatcher(registry, policy, pool, nil, nil, nil, archiver, IsolationProcess)

	task := &Task{
		ID:          "t1",
		ExecutionID: "e1",
		ExecutionRequest: ExecutionRequest{
			ToolID:     "echo-tool",
			Parameters: map[string]interface{}{"command": "echo hello-world-overflow"},
			Context:    ExecutionContext{TenantID: "tenant-1"},
		},
	}

	result, err := dispatcher.Execute(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, result.Metadata)
	ref, ok := result.Metadata["stdout_archive_ref"].(string)
	require.True(t, ok)

	fetched, err := archiver.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.NotEmpty(t, fetched)
}

func TestDispatcher_ExecuteRecordsSecurityViolationOnPolicyRejection(t *testing.T) {
	registry := NewInMemoryRegistry()
	registry.Put(&Tool{ID: "echo-tool", Version: "1", Type: ToolTypeShell, Status: "active"})

	policy := NewPolicy(StaticCeilingProvider{Ceiling: TenantCeiling{
		AllowedIsolation:  []IsolationType{IsolationNone},
		MaxConcurrentWork: 10,
	}})
	backendRegistry := NewBackendRegistry(NewProcessBackend(4096, 4096))
	pool := NewSandboxPool(backendRegistry, 4)

	violations := &fakeViolationStore{}
	monitor := NewStandardMonitoring(nil, violations)
	dispatcher := NewDispatcher(registry, policy, pool, nil, monitor, nil, nil, IsolationProcess)

	task := &Task{
		ID:          "t1",
		ExecutionID: "e1",
		ExecutionRequest: ExecutionRequest{
			ToolID:     "echo-tool",
			Parameters: map[string]interface{}{"command": "echo hello"},
			Context:    ExecutionContext{TenantID: "tenant-1"},
		},
	}

	_, err := dispatcher.Execute(context.Background(), task)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindPermissionDenied, kind)

	saved, err := violations.ListViolations(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, ViolationCapability, saved[0].Kind)
}
