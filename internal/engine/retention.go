// Package engine: periodic retention cleanup, grounded on the teacher's
// cron-based internal/engine/scheduler.go — robfig/cron/v3 is repurposed
// here from "run this workflow on a schedule" to "sweep expired execution
// results and idle sandbox handles on a schedule".
package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig configures the periodic sweep.
type RetentionConfig struct {
	Schedule       string        // standard 5-field cron expression
	ResultMaxAge   time.Duration // results older than this are purged
	SandboxMaxIdle time.Duration // idle pooled sandboxes older than this are destroyed
}

// DefaultRetentionConfig runs hourly, keeping results for 7 days and
// recycling idle sandbox handles after 5 minutes.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		Schedule:       "0 * * * *",
		ResultMaxAge:   7 * 24 * time.Hour,
		SandboxMaxIdle: 5 * time.Minute,
	}
}

// RetentionJob runs the configured sweep against a ResultManager and
// SandboxPool on cron's schedule.
type RetentionJob struct {
	cfg     RetentionConfig
	results ResultManager
	pool    *SandboxPool
	cron    *cron.Cron
	logFn   func(format string, args ...interface{})
}

// NewRetentionJob builds a job; logFn may be nil (falls back to a no-op).
func NewRetentionJob(cfg *RetentionConfig, results ResultManager, pool *SandboxPool, logFn func(string, ...interface{})) *RetentionJob {
	if cfg == nil {
		cfg = DefaultRetentionConfig()
	}
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &RetentionJob{
		cfg:     *cfg,
		results: results,
		pool:    pool,
		cron:    cron.New(),
		logFn:   logFn,
	}
}

// Start schedules the sweep; returns an error if the cron expression is malformed.
func (j *RetentionJob) Start() error {
	_, err := j.cron.AddFunc(j.cfg.Schedule, j.sweep)
	if err != nil {
		return ErrInternalError("invalid retention schedule", err)
	}
	j.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for an in-flight sweep to finish.
func (j *RetentionJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *RetentionJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-j.cfg.ResultMaxAge)
	if count, err := j.results.Cleanup(ctx, cutoff); err != nil {
		j.logFn("retention: result cleanup failed: %v", err)
	} else if count > 0 {
		j.logFn("retention: purged %d expired execution results", count)
	}

	if j.pool != nil {
		if removed := j.pool.Sweep(ctx, j.cfg.SandboxMaxIdle); removed > 0 {
			j.logFn("retention: recycled %d idle sandbox handles", removed)
		}
	}
}

// RunOnce executes the sweep immediately, outside the cron schedule.
func (j *RetentionJob) RunOnce() {
	j.sweep()
}
