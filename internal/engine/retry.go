// Package engine: generic retry-with-backoff and circuit breaker helpers.
// Dispatcher does not use them: its backend calls go through
// internal/platform/resilience's breaker, and the worker pool's retries
// wait in executeWithRetry (worker.go).
package engine

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig configures exponential backoff with jitter.
type BackoffConfig struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultBackoffConfig matches the teacher's DefaultRetryConfig tuning.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

func calculateDelay(cfg *BackoffConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.JitterFactor > 0 {
		jitter := delay * cfg.JitterFactor
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Backoff waits the computed delay for the given attempt (1-indexed),
// returning early if ctx is cancelled.
func Backoff(ctx context.Context, cfg *BackoffConfig, attempt int) error {
	if cfg == nil {
		cfg = DefaultBackoffConfig()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(calculateDelay(cfg, attempt)):
		return nil
	}
}

// CircuitState is the state of a CircuitBreaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	HalfOpenMax  int
}

// CircuitBreaker refuses calls to a call site after a run of failures;
// grounded on the teacher's internal/engine/retry.go CircuitBreaker. It is
// separate from internal/platform/resilience's breaker, which is the one
// Dispatcher wraps sandbox backend calls in.
type CircuitBreaker struct {
	name         string
	state        CircuitState
	failCount    int
	successCount int
	lastFailure  time.Time

	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
}

// NewCircuitBreaker creates a circuit breaker named for metrics/log correlation.
func NewCircuitBreaker(name string, cfg *CircuitBreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = &CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second, HalfOpenMax: 1}
	}
	return &CircuitBreaker{
		name:         name,
		state:        CircuitClosed,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
	}
}

// Execute runs fn through the breaker, short-circuiting when open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.canExecute() {
		return ErrSandboxFailed(cb.name, "circuit breaker open", nil)
	}
	err := fn()
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) canExecute() bool {
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return cb.successCount < cb.halfOpenMax
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failCount++
	cb.lastFailure = time.Now()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		return
	}
	if cb.failCount >= cb.maxFailures {
		cb.state = CircuitOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.successCount++
	if cb.state == CircuitHalfOpen && cb.successCount >= cb.halfOpenMax {
		cb.state = CircuitClosed
		cb.failCount = 0
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState { return cb.state }

// Reset forces the breaker back to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.state = CircuitClosed
	cb.failCount = 0
	cb.successCount = 0
}
