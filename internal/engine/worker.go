// Package engine: the worker pool (C5) — bounded concurrency for Work
// execution, auto-scaling, per-work timeout enforcement, and retries.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WorkExecutor runs one attempt of a Task's tool inside a sandbox under the
// effective policy and returns the outcome. Implemented by Dispatcher in
// dispatch.go; kept as an interface here so the pool stays
// ignorant of policy enforcement and backend selection.
type WorkExecutor interface {
	Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
}

// PoolConfig configures the worker pool (spec.md §4.3).
type PoolConfig struct {
	MinWorkers          int
	MaxWorkers          int
	IdleTimeout         time.Duration
	QueueSize           int
	EnableAutoScaling   bool
	ScaleUpThreshold    float64
	ScaleDownThreshold  float64
	ScaleTick           time.Duration
	EngineHardTimeout   time.Duration
}

// DefaultPoolConfig mirrors the teacher's DefaultPoolConfig shape, retuned
// to the engine's default budgets.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MinWorkers:         2,
		MaxWorkers:         10,
		IdleTimeout:        30 * time.Second,
		QueueSize:          1000,
		EnableAutoScaling:  true,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		ScaleTick:          30 * time.Second,
		EngineHardTimeout:  10 * time.Minute,
	}
}

// PoolMetrics is a point-in-time snapshot of pool activity (A3 exports these
// as Prometheus gauges/counters).
type PoolMetrics struct {
	TotalTasks     int64
	CompletedTasks int64
	FailedTasks    int64
	ActiveTasks    int64
	QueuedTasks    int64
	TotalWorkers   int32
	ActiveWorkers  int32
	IdleWorkers    int32
}

type workerHandle struct {
	id           WorkerId
	state        int32 // atomic WorkerState, encoded via workerStateCode
	currentWork  atomic.Value // WorkId
	startedAt    time.Time
	lastActivity atomic.Value // time.Time
	completed    int64
	stop         chan struct{}
}

const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

func decodeState(v int32) WorkerState {
	switch v {
	case stateIdle:
		return WorkerIdle
	case stateRunning:
		return WorkerRunning
	case stateStopping:
		return WorkerStopping
	default:
		return WorkerStopped
	}
}

// WorkerPool is the bounded-concurrency dispatch layer described in
// spec.md §4.3, grounded on the teacher's internal/engine/worker.go.
type WorkerPool struct {
	cfg      PoolConfig
	executor WorkExecutor
	results  ResultManager
	monitor  Monitoring

	workQueue chan *Work
	metrics   PoolMetrics

	mu      sync.RWMutex
	workers map[WorkerId]*workerHandle
	// inflight lets CancelWork find the in-flight Work's cancel func.
	inflight map[TaskId]*Work

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  int32
	scaleMu  sync.Mutex
}

// NewWorkerPool constructs a pool. Start must be called to spin up workers.
func NewWorkerPool(cfg *PoolConfig, executor WorkExecutor, results ResultManager, monitor Monitoring) *WorkerPool {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		cfg:       *cfg,
		executor:  executor,
		results:   results,
		monitor:   monitor,
		workQueue: make(chan *Work, cfg.QueueSize),
		workers:   make(map[WorkerId]*workerHandle),
		inflight:  make(map[TaskId]*Work),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches MinWorkers workers and the auto-scaler tick.
func (p *WorkerPool) Start() {
	atomic.StoreInt32(&p.running, 1)
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.addWorker()
	}
	if p.cfg.EnableAutoScaling {
		go p.autoScaleLoop()
	}
}

// Stop drains in-flight work to Stopped, waiting up to 30s, then returns.
func (p *WorkerPool) Stop() {
	atomic.StoreInt32(&p.running, 0)
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
	}
}

// IsRunning reports whether the pool currently accepts work.
func (p *WorkerPool) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// SubmitWork pushes a Work item onto the pool's FIFO deque.
func (p *WorkerPool) SubmitWork(work *Work) (WorkId, error) {
	if !p.IsRunning() {
		return "", ErrPoolNotRunning()
	}
	if work.ID == "" {
		work.ID = uuid.New().String()
	}
	work.Status = WorkStatusPending

	select {
	case p.workQueue <- work:
		atomic.AddInt64(&p.metrics.TotalTasks, 1)
		atomic.AddInt64(&p.metrics.QueuedTasks, 1)
		p.mu.Lock()
		p.inflight[work.Task.ID] = work
		p.mu.Unlock()
		return work.ID, nil
	default:
		return "", ErrPoolFull()
	}
}

// CancelWork asks the in-flight sandbox call backing taskID to terminate.
// Per the resolved Open Question, this returns immediately without waiting
// for termination to land (engine.md Open Question 2).
func (p *WorkerPool) CancelWork(taskID TaskId) bool {
	p.mu.RLock()
	work, ok := p.inflight[taskID]
	var cancelFn func()
	if ok {
		cancelFn = work.cancelFn
	}
	p.mu.RUnlock()
	if !ok {
		return false
	}
	if cancelFn != nil {
		cancelFn()
	}
	return true
}

func (p *WorkerPool) addWorker() {
	p.mu.Lock()
	h := &workerHandle{
		id:        uuid.New().String(),
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}
	h.lastActivity.Store(time.Now())
	h.currentWork.Store(WorkId(""))
	p.workers[h.id] = h
	p.mu.Unlock()

	p.wg.Add(1)
	atomic.AddInt32(&p.metrics.TotalWorkers, 1)
	atomic.AddInt32(&p.metrics.IdleWorkers, 1)
	go p.runWorker(h)
}

// removeIdleWorker stops one Idle worker, if any, for scale-down.
func (p *WorkerPool) removeIdleWorker() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, h := range p.workers {
		if decodeState(atomic.LoadInt32(&h.state)) == WorkerIdle {
			close(h.stop)
			delete(p.workers, id)
			atomic.AddInt32(&p.metrics.TotalWorkers, -1)
			atomic.AddInt32(&p.metrics.IdleWorkers, -1)
			return true
		}
	}
	return false
}

func (p *WorkerPool) runWorker(h *workerHandle) {
	defer p.wg.Done()
	defer func() {
		atomic.StoreInt32(&h.state, stateStopped)
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-h.stop:
			return
		case work, ok := <-p.workQueue:
			if !ok {
				return
			}
			p.handleWork(h, work)
		}
	}
}

func (p *WorkerPool) handleWork(h *workerHandle, work *Work) {
	atomic.AddInt64(&p.metrics.QueuedTasks, -1)
	atomic.StoreInt32(&h.state, stateRunning)
	h.currentWork.Store(work.ID)
	h.lastActivity.Store(time.Now())
	atomic.AddInt32(&p.metrics.IdleWorkers, -1)
	atomic.AddInt32(&p.metrics.ActiveWorkers, 1)
	atomic.AddInt64(&p.metrics.ActiveTasks, 1)

	now := time.Now()
	work.StartedAt = &now
	work.Status = WorkStatusRunning
	work.AssignedWorker = h.id

	if p.monitor != nil {
		p.monitor.RecordExecutionStart(work.Task.ExecutionID)
	}

	result := p.executeWithRetry(work)

	if p.results != nil {
		p.results.Store(context.Background(), work.Task.ExecutionID, result)
	}
	if p.monitor != nil {
		p.monitor.RecordExecutionEnd(work.Task.ExecutionID, result)
	}

	p.mu.Lock()
	delete(p.inflight, work.Task.ID)
	p.mu.Unlock()

	atomic.StoreInt32(&h.state, stateIdle)
	h.currentWork.Store(WorkId(""))
	h.completed++
	atomic.AddInt32(&p.metrics.ActiveWorkers, -1)
	atomic.AddInt32(&p.metrics.IdleWorkers, 1)
	atomic.AddInt64(&p.metrics.ActiveTasks, -1)

	if result.Success {
		atomic.AddInt64(&p.metrics.CompletedTasks, 1)
	} else {
		atomic.AddInt64(&p.metrics.FailedTasks, 1)
	}
}

// executeWithRetry runs the task, retrying retryable failures per
// request.options.retry_count/retry_delay (spec.md §4.3). All attempts, and
// the delays between them, share one deadline of min(request timeout,
// EngineHardTimeout) measured from the first dispatch (resolved Open
// Question 3); a retry does not reset it. A cancelled attempt is not retried.
func (p *WorkerPool) executeWithRetry(work *Work) *ExecutionResult {
	task := work.Task
	opts := task.ExecutionRequest.Options

	budget := p.cfg.EngineHardTimeout
	if opts.Timeout > 0 && opts.Timeout < budget {
		budget = opts.Timeout
	}
	deadline := time.Now().Add(budget)

	var lastResult *ExecutionResult
	attempts := opts.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return timeoutResult(task, "deadline exceeded before attempt")
		}

		attemptCtx, cancel := context.WithTimeout(p.ctx, remaining)
		work.cancelFn = cancel

		start := time.Now()
		result, err := p.executor.Execute(attemptCtx, task)
		elapsed := time.Since(start)
		cancelled := attemptCtx.Err() == context.Canceled
		cancel()
		work.cancelFn = nil

		if attemptCtx.Err() == context.DeadlineExceeded && (err != nil || (result != nil && !result.Success)) {
			partial := result
			if partial == nil {
				partial = &ExecutionResult{Success: false}
			}
			partial.Success = false
			if partial.Metadata == nil {
				partial.Metadata = map[string]interface{}{}
			}
			partial.Metadata["execution_id"] = task.ExecutionID
			partial.Metadata["timeout"] = true
			partial.Metrics = mergeMetric(partial.Metrics, "execution_time", elapsed.Seconds())
			return partial
		}

		if err == nil && result != nil && result.Success {
			return result
		}

		lastResult = result
		if lastResult == nil {
			lastResult = &ExecutionResult{Success: false, Error: errString(err)}
		}

		if cancelled || !isRetryableResult(err, lastResult) {
			return lastResult
		}

		if attempt < attempts-1 {
			delay := opts.RetryDelay
			if delay <= 0 {
				delay = time.Second
			}
			if remaining := time.Until(deadline); delay > remaining {
				delay = remaining
			}
			select {
			case <-time.After(delay):
			case <-p.ctx.Done():
				return lastResult
			}
		}
	}

	return lastResult
}

func timeoutResult(task *Task, reason string) *ExecutionResult {
	return &ExecutionResult{
		Success: false,
		Error:   "execution timed out: " + reason,
		Metadata: map[string]interface{}{
			"execution_id": task.ExecutionID,
			"timeout":      true,
		},
		Metrics: map[string]float64{},
	}
}

func mergeMetric(m map[string]float64, k string, v float64) map[string]float64 {
	if m == nil {
		m = map[string]float64{}
	}
	m[k] = v
	return m
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// isRetryableResult mirrors spec.md: validation, policy violation, and
// cancellation are non-retryable; transient backend errors are.
func isRetryableResult(err error, result *ExecutionResult) bool {
	if kind, ok := KindOf(err); ok {
		switch kind {
		case KindInvalidParameters, KindPermissionDenied, KindResourceLimit, KindTimeoutExceeded:
			return false
		}
	}
	return !result.Success
}

func (p *WorkerPool) autoScaleLoop() {
	ticker := time.NewTicker(p.cfg.ScaleTick)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick implements the linear auto-scaling rule from spec.md §4.3: one
// worker added/removed per tick, damping oscillation.
func (p *WorkerPool) tick() {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	total := atomic.LoadInt32(&p.metrics.TotalWorkers)
	active := atomic.LoadInt32(&p.metrics.ActiveWorkers)
	if total == 0 {
		return
	}
	utilization := float64(active) / float64(total)
	queued := atomic.LoadInt64(&p.metrics.QueuedTasks)

	if utilization > p.cfg.ScaleUpThreshold && queued > 0 && int(total) < p.cfg.MaxWorkers {
		p.addWorker()
		return
	}
	if utilization < p.cfg.ScaleDownThreshold && int(total) > p.cfg.MinWorkers {
		p.removeIdleWorker()
	}
}

// Metrics returns a point-in-time snapshot.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		TotalTasks:     atomic.LoadInt64(&p.metrics.TotalTasks),
		CompletedTasks: atomic.LoadInt64(&p.metrics.CompletedTasks),
		FailedTasks:    atomic.LoadInt64(&p.metrics.FailedTasks),
		ActiveTasks:    atomic.LoadInt64(&p.metrics.ActiveTasks),
		QueuedTasks:    atomic.LoadInt64(&p.metrics.QueuedTasks),
		TotalWorkers:   atomic.LoadInt32(&p.metrics.TotalWorkers),
		ActiveWorkers:  atomic.LoadInt32(&p.metrics.ActiveWorkers),
		IdleWorkers:    atomic.LoadInt32(&p.metrics.IdleWorkers),
	}
}

// Workers returns a snapshot of all workers for introspection.
func (p *WorkerPool) Workers() []WorkerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]WorkerInfo, 0, len(p.workers))
	for _, h := range p.workers {
		out = append(out, WorkerInfo{
			ID:             h.id,
			State:          decodeState(atomic.LoadInt32(&h.state)),
			CurrentWork:    h.currentWork.Load().(WorkId),
			StartedAt:      h.startedAt,
			LastActivity:   h.lastActivity.Load().(time.Time),
			CompletedCount: h.completed,
		})
	}
	return out
}

// IdleWorkerCount reports idle_workers for the scheduler's poll step.
func (p *WorkerPool) IdleWorkerCount() int32 {
	return atomic.LoadInt32(&p.metrics.IdleWorkers)
}
