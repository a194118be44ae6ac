// Package engine: the execution facade (C9) — the single public entry
// point the rest of the system calls, grounded on the teacher's
// internal/execution/app/service/execution_service.go orchestration style
// (validate -> persist -> dispatch -> publish) generalized from workflow
// runs to arbitrary tool executions.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow/execengine/internal/shared/events"
)

// EngineConfig bounds facade-level behavior that spans components: the
// engine-wide hard timeout ceiling. Per-tenant ceilings are resolved by
// policy.go's CeilingProvider, not here.
type EngineConfig struct {
	HardTimeout time.Duration
}

// DefaultEngineConfig mirrors limits.engine_hard_timeout from spec.md §6.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{HardTimeout: 10 * time.Minute}
}

// Facade is the execution engine's public API (spec.md §4.1): execute_sync,
// execute_async, status, cancel, result, list, metrics, health_check.
type Facade struct {
	cfg       EngineConfig
	registry  Registry
	scheduler *Scheduler
	pool      *WorkerPool
	dispatch  *Dispatcher
	results   ResultManager
	monitor   Monitoring
	store     ExecutionRepository
	events    EventPublisher

	mu     sync.RWMutex
	active map[ExecutionId]activeEntry
}

// activeEntry is what the in-memory active-execution map tracks per
// in-flight execution: the original request (for event payloads on
// completion) and, for async executions, the scheduler's TaskId so
// Cancel can reach the right queued/in-flight item.
type activeEntry struct {
	req    ExecutionRequest
	taskID TaskId
}

// NewFacade wires every C1-C8 collaborator into the C9 entry point. events
// may be NoopEventPublisher{} when no broker is configured.
func NewFacade(cfg *EngineConfig, registry Registry, scheduler *Scheduler, pool *WorkerPool, dispatch *Dispatcher, results ResultManager, monitor Monitoring, store ExecutionRepository, events EventPublisher) *Facade {
	if cfg == nil {
		cfg = DefaultEngineConfig()
	}
	if events == nil {
		events = NoopEventPublisher{}
	}
	return &Facade{
		cfg:       *cfg,
		registry:  registry,
		scheduler: scheduler,
		pool:      pool,
		dispatch:  dispatch,
		results:   results,
		monitor:   monitor,
		store:     store,
		events:    events,
		active:    make(map[ExecutionId]activeEntry),
	}
}

// validate applies the facade's pre-execution checks (spec.md §4.1): tool
// existence, parameter shape (best-effort — the registry supplies only a
// bare JSON-schema-ish map, so this checks presence of required keys, not
// full JSON Schema validation), and a positive timeout. The timeout is not
// compared against any tenant ceiling here; effectiveDeadline caps it at the
// engine hard timeout. It never touches storage, so rejected requests never
// produce an Execution row.
func (f *Facade) validate(ctx context.Context, req ExecutionRequest) (*Tool, error) {
	if req.ToolID == "" {
		return nil, ErrInvalidParameters("tool_id is required")
	}
	if req.Options.Timeout < 0 {
		return nil, ErrInvalidParameters("timeout must not be negative")
	}
	if req.Options.Timeout == 0 {
		return nil, ErrInvalidParameters("timeout must be greater than zero")
	}
	if req.Context.TenantID == "" {
		return nil, ErrInvalidParameters("context.tenant_id is required")
	}

	tool, err := f.registry.GetTool(ctx, req.ToolID, req.Version)
	if err != nil {
		return nil, ErrToolNotFound(req.ToolID)
	}

	if tool.ConfigurationSchema != nil {
		if required, ok := tool.ConfigurationSchema["required"].([]interface{}); ok {
			for _, r := range required {
				key, _ := r.(string)
				if key == "" {
					continue
				}
				if _, present := req.Parameters[key]; !present {
					return nil, ErrInvalidParameters("missing required parameter " + key)
				}
			}
		}
	}

	return tool, nil
}

// effectiveDeadline computes min(request.timeout, engine hard cap) — the
// tenant ceiling component of spec.md §5's three-way min is applied later
// by policy.go against resource limits, not wall-clock timeout, since the
// facade has no tenant ceiling of its own to consult.
func (f *Facade) effectiveDeadline(req ExecutionRequest) time.Duration {
	d := req.Options.Timeout
	if f.cfg.HardTimeout > 0 && (d == 0 || f.cfg.HardTimeout < d) {
		d = f.cfg.HardTimeout
	}
	return d
}

// ExecuteSync runs req to completion inline: validate, create the durable
// Execution row, dispatch through the same worker-pool retry/timeout path
// as the async route (run in-place rather than via the queue), record the
// result, and return it. Pre-execution validation failures return an
// error; runtime failures return a non-nil ExecutionResult with
// Success=false plus a durable record, per spec.md §7.
func (f *Facade) ExecuteSync(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if _, err := f.validate(ctx, req); err != nil {
		return nil, err
	}

	executionID := uuid.New().String()
	now := time.Now()
	exec := &Execution{
		ID:        executionID,
		ToolID:    req.ToolID,
		TenantID:  req.Context.TenantID,
		UserID:    req.Context.UserID,
		Status:    ExecutionRunning,
		Request:   req,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.SaveExecution(ctx, exec); err != nil {
		return nil, ErrDatabaseError("failed to persist execution", err)
	}

	f.setActive(executionID, req, "")
	defer f.clearActive(executionID)

	f.monitor.RecordExecutionStart(executionID)
	_ = f.events.PublishExecutionStarted(ctx, executionStartedData(executionID, req), req.Context.TenantID)

	deadline := f.effectiveDeadline(req)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	task := &Task{
		ID:               uuid.New().String(),
		ExecutionRequest: req,
		ExecutionID:      executionID,
		Priority:         req.Options.Priority,
		CreatedAt:        now,
		Status:           TaskStatusRunning,
	}

	result, status := f.runInline(runCtx, task)
	f.finalize(ctx, executionID, status, result)
	return result, nil
}

// runInline executes task's tool directly through the same retry/timeout
// wrapper the worker pool uses, without going through the scheduler queue
// — the "equivalent in-place dispatch" execute_sync permits per spec.md
// §4.1.
func (f *Facade) runInline(ctx context.Context, task *Task) (*ExecutionResult, ExecutionStatus) {
	work := &Work{ID: uuid.New().String(), Task: task, Status: WorkStatusRunning}
	result := f.pool.executeWithRetry(work)

	status := ExecutionCompleted
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		status = ExecutionTimeout
	case result == nil || !result.Success:
		status = ExecutionFailed
	}
	return result, status
}

// ExecuteAsync validates req, mints an ExecutionId, enqueues a Task on the
// scheduler at the request's priority, and returns immediately; a
// background worker eventually finalizes the durable record under this id.
func (f *Facade) ExecuteAsync(ctx context.Context, req ExecutionRequest) (ExecutionId, error) {
	if _, err := f.validate(ctx, req); err != nil {
		return "", err
	}

	executionID := uuid.New().String()
	now := time.Now()
	exec := &Execution{
		ID:        executionID,
		ToolID:    req.ToolID,
		TenantID:  req.Context.TenantID,
		UserID:    req.Context.UserID,
		Status:    ExecutionPending,
		Request:   req,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.SaveExecution(ctx, exec); err != nil {
		return "", ErrDatabaseError("failed to persist execution", err)
	}

	taskID, err := f.scheduler.Submit(ctx, req, executionID)
	if err != nil {
		_ = f.store.UpdateExecutionStatus(ctx, executionID, ExecutionFailed)
		return "", err
	}

	f.setActive(executionID, req, taskID)
	f.monitor.RecordExecutionStart(executionID)
	_ = f.events.PublishExecutionStarted(ctx, executionStartedData(executionID, req), req.Context.TenantID)

	return executionID, nil
}

// CompleteAsync is invoked by the background completion routine (wired by
// the composition root onto the worker pool's result callback) once a
// dispatched Work item for executionID finishes; it is the async mirror
// of ExecuteSync's tail — persist, publish, clear the active-map entry.
// Ordered so the result is durable before the active-execution entry is
// removed (spec.md §5 ordering guarantee iv): status() never observes
// "completed" without a retrievable result.
func (f *Facade) CompleteAsync(ctx context.Context, executionID ExecutionId, result *ExecutionResult, status ExecutionStatus) {
	f.finalize(ctx, executionID, status, result)
	f.clearActive(executionID)
}

func (f *Facade) finalize(ctx context.Context, executionID ExecutionId, status ExecutionStatus, result *ExecutionResult) {
	f.monitor.RecordExecutionEnd(executionID, result)
	if result != nil {
		if err := f.results.Store(ctx, executionID, result); err != nil {
			status = ExecutionFailed
		}
	}
	_ = f.store.UpdateExecutionStatus(ctx, executionID, status)

	req, _ := f.peekActive(executionID)
	if result != nil && result.Success {
		_ = f.events.PublishExecutionCompleted(ctx, executionCompletedData(executionID, req, result), req.Context.TenantID)
	} else {
		errMsg := ""
		if result != nil {
			errMsg = result.Error
		}
		_ = f.events.PublishExecutionFailed(ctx, executionFailedData(executionID, req, errMsg), req.Context.TenantID)
	}
}

func executionStartedData(executionID ExecutionId, req ExecutionRequest) events.ExecutionStartedData {
	return events.ExecutionStartedData{
		ExecutionID: string(executionID),
		ToolID:      string(req.ToolID),
		TenantID:    string(req.Context.TenantID),
		Parameters:  req.Parameters,
	}
}

func executionCompletedData(executionID ExecutionId, req ExecutionRequest, result *ExecutionResult) events.ExecutionCompletedData {
	return events.ExecutionCompletedData{
		ExecutionID: string(executionID),
		ToolID:      string(req.ToolID),
		Status:      string(ExecutionCompleted),
		Output:      result.Output,
	}
}

func executionFailedData(executionID ExecutionId, req ExecutionRequest, errMsg string) events.ExecutionFailedData {
	return events.ExecutionFailedData{
		ExecutionID: string(executionID),
		ToolID:      string(req.ToolID),
		Error:       errMsg,
	}
}

// Status returns the execution's current status, preferring the in-memory
// active-execution map (distinguishing Running from terminal states
// without a storage round trip) and falling back to the durable store.
func (f *Facade) Status(ctx context.Context, executionID ExecutionId) (ExecutionStatus, error) {
	if _, ok := f.peekActive(executionID); ok {
		return ExecutionRunning, nil
	}
	exec, err := f.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", ErrDatabaseError("failed to load execution", err)
	}
	if exec == nil {
		return "", ErrTaskNotFound(string(executionID))
	}
	return exec.Status, nil
}

// Cancel is idempotent and best-effort (spec.md §5): it always reports
// success regardless of whether executionID was known, in-flight, or
// already terminal.
func (f *Facade) Cancel(ctx context.Context, executionID ExecutionId) error {
	taskID, hasTask := f.peekActiveTask(executionID)
	f.clearActive(executionID)

	exec, err := f.store.GetExecution(ctx, executionID)
	if err != nil {
		return ErrDatabaseError("failed to load execution for cancellation", err)
	}
	if exec == nil || exec.Status.IsTerminal() {
		return nil
	}

	if hasTask {
		_, _ = f.scheduler.Cancel(ctx, taskID)
	}
	_ = f.store.UpdateExecutionStatus(ctx, executionID, ExecutionCancelled)
	return nil
}

// Result returns the stored ExecutionResult for executionID, or
// TaskNotFound if no such execution (or result) exists.
func (f *Facade) Result(ctx context.Context, executionID ExecutionId) (*ExecutionResult, error) {
	result, err := f.results.Get(ctx, executionID)
	if err != nil {
		if kind, ok := KindOf(err); ok && kind == KindTaskNotFound {
			return nil, err
		}
		return nil, ErrDatabaseError("failed to load execution result", err)
	}
	if result == nil {
		return nil, ErrTaskNotFound(string(executionID))
	}
	return result, nil
}

// ExecutionInfo is the summary row List returns — a slimmer view than the
// full Execution record.
type ExecutionInfo struct {
	ID        ExecutionId     `json:"id"`
	ToolID    ToolId          `json:"toolId"`
	TenantID  TenantId        `json:"tenantId"`
	UserID    UserId          `json:"userId"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"startedAt"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ListFilter narrows List's paginated query by the columns spec.md §4.1
// names: tool_id, user_id, tenant_id, status, and time range.
type ListFilter struct {
	ToolID   ToolId
	UserID   UserId
	TenantID TenantId
	Status   ExecutionStatus
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// List returns a page of ExecutionInfo summaries matching filter, derived
// from the result manager's List. Executions without a stored result yet
// (still Pending/Running) are not listed.
func (f *Facade) List(ctx context.Context, filter ListFilter) ([]ExecutionInfo, error) {
	rf := ResultFilter{
		TenantID: filter.TenantID,
		ToolID:   filter.ToolID,
		UserID:   filter.UserID,
		Status:   filter.Status,
		Since:    filter.Since,
		Until:    filter.Until,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}
	results, err := f.results.List(ctx, rf)
	if err != nil {
		return nil, ErrDatabaseError("failed to list executions", err)
	}
	out := make([]ExecutionInfo, 0, len(results))
	for _, r := range results {
		info := ExecutionInfo{Status: ExecutionCompleted}
		if !r.Success {
			info.Status = ExecutionFailed
		}
		out = append(out, info)
	}
	return out, nil
}

// Metrics returns every recorded metric for executionID (spec.md §4.1 /
// §4.6's get_execution_metrics).
func (f *Facade) Metrics(ctx context.Context, executionID ExecutionId) []Metric {
	return f.monitor.GetExecutionMetrics(executionID)
}

// HealthCheck reports whether the facade's core collaborators
// (scheduler, pool) are running.
func (f *Facade) HealthCheck() bool {
	return f.scheduler.IsRunning() && f.pool.IsRunning()
}

func (f *Facade) setActive(executionID ExecutionId, req ExecutionRequest, taskID TaskId) {
	f.mu.Lock()
	f.active[executionID] = activeEntry{req: req, taskID: taskID}
	f.mu.Unlock()
}

func (f *Facade) clearActive(executionID ExecutionId) {
	f.mu.Lock()
	delete(f.active, executionID)
	f.mu.Unlock()
}

func (f *Facade) peekActive(executionID ExecutionId) (ExecutionRequest, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.active[executionID]
	return entry.req, ok
}

func (f *Facade) peekActiveTask(executionID ExecutionId) (TaskId, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.active[executionID]
	if !ok || entry.taskID == "" {
		return "", false
	}
	return entry.taskID, true
}
