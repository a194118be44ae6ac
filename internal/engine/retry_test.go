package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateDelay_GrowsExponentiallyAndCapsAtMax(t *testing.T) {
	cfg := &BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, BackoffFactor: 2, JitterFactor: 0}

	d1 := calculateDelay(cfg, 1)
	d2 := calculateDelay(cfg, 2)
	d3 := calculateDelay(cfg, 10)

	assert.Equal(t, 100*time.Millisecond, d1)
	assert.Equal(t, 200*time.Millisecond, d2)
	assert.Equal(t, 500*time.Millisecond, d3)
}

func TestBackoff_ReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Backoff(ctx, DefaultBackoffConfig(), 1)
	require.Error(t, err)
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", &CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: 50 * time.Millisecond, HalfOpenMax: 1})

	failing := func() error { return errors.New("boom") }

	_ = cb.Execute(failing)
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(failing)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	require.Error(t, err)
}

func TestCircuitBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test", &CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 1})

	_ = cb.Execute(func() error { return errors.New("boom") })
	assert.Equal(t, CircuitOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}
