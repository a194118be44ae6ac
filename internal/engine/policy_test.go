package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestPolicy_ResolveClampsToTenantCeiling(t *testing.T) {
	ceiling := TenantCeiling{
		ResourceLimits:   ResourceLimits{MemoryBytes: int64p(256 << 20)},
		AllowedIsolation: []IsolationType{IsolationProcess},
	}
	p := NewPolicy(StaticCeilingProvider{Ceiling: ceiling})

	req := ExecutionRequest{
		Context: ExecutionContext{TenantID: "t1"},
		Options: ExecutionOptions{ResourceLimits: ResourceLimits{MemoryBytes: int64p(1 << 30)}},
	}

	cfg, err := p.Resolve(Tool{}, req, IsolationProcess)
	require.NoError(t, err)
	require.NotNil(t, cfg.ResourceLimits.MemoryBytes)
	assert.Equal(t, int64(256<<20), *cfg.ResourceLimits.MemoryBytes)
}

func TestPolicy_ResolveRejectsDisallowedIsolation(t *testing.T) {
	ceiling := TenantCeiling{AllowedIsolation: []IsolationType{IsolationContainer}}
	p := NewPolicy(StaticCeilingProvider{Ceiling: ceiling})

	req := ExecutionRequest{Context: ExecutionContext{TenantID: "t1"}}
	_, err := p.Resolve(Tool{}, req, IsolationProcess)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindPermissionDenied, kind)
}

func TestPolicy_ResolveRejectsBlockedCapability(t *testing.T) {
	ceiling := TenantCeiling{BlockedCapabilities: []string{"network"}}
	p := NewPolicy(StaticCeilingProvider{Ceiling: ceiling})

	tool := Tool{RequiredCapabilities: []string{"network"}}
	req := ExecutionRequest{Context: ExecutionContext{TenantID: "t1"}}
	_, err := p.Resolve(tool, req, IsolationProcess)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindPermissionDenied, kind)
}

func TestSandboxPool_AcquireReusesProcessHandles(t *testing.T) {
	backend := NewProcessBackend(0, 0)
	registry := NewBackendRegistry(backend)
	pool := NewSandboxPool(registry, 4)

	ctx := context.Background()
	h1, err := pool.Acquire(ctx, SandboxConfig{IsolationType: IsolationProcess})
	require.NoError(t, err)
	pool.Release(ctx, h1)

	h2, err := pool.Acquire(ctx, SandboxConfig{IsolationType: IsolationProcess})
	require.NoError(t, err)
	assert.Equal(t, h1.id, h2.id)
	assert.Equal(t, 1, pool.Size())
}
