package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessBackend_ExecuteCapturesOutput(t *testing.T) {
	b := NewProcessBackend(1<<20, 1<<20)
	ctx := context.Background()

	id, err := b.Create(ctx, SandboxConfig{IsolationType: IsolationProcess})
	require.NoError(t, err)

	outcome, err := b.Execute(ctx, id, Command{Program: "echo", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Contains(t, string(outcome.Stdout), "hello")
	assert.False(t, outcome.Truncated)

	require.NoError(t, b.Destroy(ctx, id))
}

func TestProcessBackend_ExecuteUnknownSandbox(t *testing.T) {
	b := NewProcessBackend(0, 0)
	_, err := b.Execute(context.Background(), "missing", Command{Program: "true"})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindSandboxFailed, kind)
}

func TestProcessBackend_DeadlineExceededReturnsTimeoutError(t *testing.T) {
	b := NewProcessBackend(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	id, err := b.Create(context.Background(), SandboxConfig{IsolationType: IsolationProcess})
	require.NoError(t, err)

	_, err = b.Execute(ctx, id, Command{Program: "sleep", Args: []string{"5"}})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeoutExceeded, kind)
}

func TestCappedBuffer_TruncatesOverflow(t *testing.T) {
	buf := newCappedBuffer(5)
	n, err := buf.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.True(t, buf.Truncated())
	assert.Contains(t, string(buf.Bytes()), "truncated")
}

func TestBackendRegistry_ResolveFallsBackToProcess(t *testing.T) {
	fallback := NewProcessBackend(0, 0)
	reg := NewBackendRegistry(fallback)

	assert.Equal(t, Backend(fallback), reg.Resolve(IsolationContainer))

	container := NewProcessBackend(0, 0)
	reg.Register(IsolationContainer, container)
	assert.Equal(t, Backend(container), reg.Resolve(IsolationContainer))
}
