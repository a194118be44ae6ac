// Package engine: the scheduler (C6) — poll/pop/dispatch loop over a
// TaskQueue, handing Tasks to the WorkerPool as capacity allows. This is a
// new component grounded on queue.go's ordering contract; the teacher's
// cron-based workflow Scheduler in this same file slot has been
// repurposed into retention.go instead (see DESIGN.md), since the engine
// has no analogue to cron-triggered workflow runs.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	PollInterval time.Duration
}

// DefaultSchedulerConfig is a sensible default poll cadence.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{PollInterval: 10 * time.Millisecond}
}

// Scheduler admits ExecutionRequests as Tasks, orders them by
// (priority DESC, created_at ASC) via the underlying TaskQueue, and
// dispatches each to the WorkerPool once a worker is idle (spec.md §4.2).
type Scheduler struct {
	cfg   SchedulerConfig
	queue TaskQueue
	pool  *WorkerPool

	mu       sync.RWMutex
	statuses map[TaskId]TaskStatus

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running int32
}

// NewScheduler builds a Scheduler over queue, dispatching into pool.
func NewScheduler(cfg *SchedulerConfig, queue TaskQueue, pool *WorkerPool) *Scheduler {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      *cfg,
		queue:    queue,
		pool:     pool,
		statuses: make(map[TaskId]TaskStatus),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	atomic.StoreInt32(&s.running, 1)
	s.wg.Add(1)
	go s.run()
}

// Stop halts the dispatch loop and closes the underlying queue.
func (s *Scheduler) Stop() {
	atomic.StoreInt32(&s.running, 0)
	s.cancel()
	s.wg.Wait()
	_ = s.queue.Close()
}

// IsRunning reports whether the dispatch loop is active.
func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// Submit admits req as a new Task, returning its TaskId immediately; the
// dispatch loop picks it up on its own schedule (spec.md §4.1 execute_async).
func (s *Scheduler) Submit(ctx context.Context, req ExecutionRequest, executionID ExecutionId) (TaskId, error) {
	if !s.IsRunning() {
		return "", ErrSchedulerNotRunning()
	}
	task := &Task{
		ID:               uuid.New().String(),
		ExecutionRequest: req,
		ExecutionID:      executionID,
		Priority:         req.Options.Priority,
		CreatedAt:        time.Now(),
		Status:           TaskStatusPending,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	s.setStatus(task.ID, TaskStatusQueued)
	return task.ID, nil
}

// Cancel marks a still-queued task cancelled, or asks the pool to cancel it
// if already dispatched; returns false if the task is unknown to either.
func (s *Scheduler) Cancel(ctx context.Context, taskID TaskId) (bool, error) {
	if ok, err := s.queue.Cancel(ctx, taskID); err != nil {
		return false, err
	} else if ok {
		s.setStatus(taskID, TaskStatusCancelled)
		return true, nil
	}
	if s.pool.CancelWork(taskID) {
		s.setStatus(taskID, TaskStatusCancelled)
		return true, nil
	}
	return false, nil
}

// Status returns the last known status for taskID, or false if unknown.
func (s *Scheduler) Status(taskID TaskId) (TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[taskID]
	return status, ok
}

func (s *Scheduler) setStatus(taskID TaskId, status TaskStatus) {
	s.mu.Lock()
	s.statuses[taskID] = status
	s.mu.Unlock()
}

// run is the core poll/pop/dispatch loop: wait for the pool to have idle
// capacity, pop the next eligible task, wrap it as Work, submit it.
func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dispatchReady()
		}
	}
}

func (s *Scheduler) dispatchReady() {
	for s.pool.IdleWorkerCount() > 0 {
		task, err := s.queue.Peek(s.ctx)
		if err != nil || task == nil {
			return
		}

		dequeued, err := s.queue.Dequeue(s.ctx)
		if err != nil || dequeued == nil {
			return
		}

		dequeued.Status = TaskStatusRunning
		work := &Work{
			ID:     uuid.New().String(),
			Task:   dequeued,
			Status: WorkStatusPending,
		}

		if _, err := s.pool.SubmitWork(work); err != nil {
			// pool filled between the idle-count check and submit; requeue
			// and let the next tick retry.
			_ = s.queue.Enqueue(s.ctx, dequeued)
			return
		}
		s.setStatus(dequeued.ID, TaskStatusRunning)
	}
}

// QueueDepth reports the number of tasks currently queued.
func (s *Scheduler) QueueDepth() int64 {
	n, _ := s.queue.Len(s.ctx)
	return n
}
