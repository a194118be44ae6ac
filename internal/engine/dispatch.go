// Package engine: the dispatch glue (C3/C4 entry point from the worker
// pool's point of view) — the concrete WorkExecutor that turns a Task into
// a sandboxed Command, runs it, and folds the outcome into an
// ExecutionResult. Grounded on the teacher's runtime node dispatch switch
// (internal/node/runtime/runtime.go-style type registries) generalized
// from "node type -> handler" to "tool type -> command builder".
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stepflow/execengine/internal/platform/resilience"
	"github.com/stepflow/execengine/internal/shared/events"
)

// Dispatcher wires the registry, policy enforcer, sandbox pool and secret
// resolver together into the WorkExecutor the worker pool calls.
type Dispatcher struct {
	registry  Registry
	policy    *Policy
	pool      *SandboxPool
	secrets   *SecretResolver
	monitor   Monitoring
	events    EventPublisher
	archiver  LogArchiver
	isolation IsolationType // default isolation requested absent a per-tool override

	// breakers guards outbound sandbox backend calls, one breaker per
	// isolation type, distinct from the worker pool's per-attempt retries in
	// worker.go: this one trips when a whole backend (e.g. the container
	// runtime) is unhealthy, independent of any single tool's retry budget.
	breakers *resilience.CircuitBreakerRegistry
}

// NewDispatcher builds a Dispatcher. secrets may be nil if no tool in this
// deployment references SecretRefs. events may be nil, in which case
// security-violation publication is a no-op. archiver may be nil, in which
// case truncated stdout/stderr are simply left unarchived.
func NewDispatcher(registry Registry, policy *Policy, pool *SandboxPool, secrets *SecretResolver, monitor Monitoring, events EventPublisher, archiver LogArchiver, defaultIsolation IsolationType) *Dispatcher {
	if events == nil {
		events = NoopEventPublisher{}
	}
	return &Dispatcher{
		registry:  registry,
		policy:    policy,
		pool:      pool,
		secrets:   secrets,
		monitor:   monitor,
		events:    events,
		archiver:  archiver,
		isolation: defaultIsolation,
		breakers:  resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig("sandbox-backend")),
	}
}

// archiveTruncatedStreams persists stdout/stderr that hit the capped-buffer
// limit (sandbox_process.go's cappedBuffer) so the truncated portion isn't
// only reachable through the (also capped) ExecutionResult, and records the
// archive references on the result for later Fetch.
func (d *Dispatcher) archiveTruncatedStreams(ctx context.Context, task *Task, outcome *ExecutionOutcome, result *ExecutionResult) {
	if d.archiver == nil || !outcome.Truncated {
		return
	}
	if ref, err := d.archiver.Archive(ctx, task.ExecutionID, "stdout", outcome.Stdout); err == nil {
		result.Metadata["stdout_archive_ref"] = ref
	}
	if ref, err := d.archiver.Archive(ctx, task.ExecutionID, "stderr", outcome.Stderr); err == nil {
		result.Metadata["stderr_archive_ref"] = ref
	}
}

// recordPolicyViolation reports a policy.Resolve rejection as a
// SecurityViolation (spec.md §4.4): any denied capability/isolation is
// recorded via C8 and published via the A7 event publisher before the rejection
// propagates to the caller as a Failed execution.
func (d *Dispatcher) recordPolicyViolation(ctx context.Context, task *Task, err error) {
	kind := ViolationCapability
	if k, ok := KindOf(err); ok && k == KindResourceLimit {
		kind = ViolationResourceLimit
	}
	violation := SecurityViolation{
		SandboxID:   SandboxId(task.ExecutionID),
		Kind:        kind,
		Severity:    "high",
		Description: err.Error(),
		Timestamp:   time.Now(),
	}
	if d.monitor != nil {
		d.monitor.RecordSecurityViolation(ctx, violation)
	}
	_ = d.events.PublishSecurityViolation(ctx, events.SecurityViolationData{
		SandboxID:   string(violation.SandboxID),
		Kind:        string(violation.Kind),
		Severity:    violation.Severity,
		Description: violation.Description,
	}, task.ExecutionRequest.Context.TenantID)
}

// Execute implements WorkExecutor: one attempt of task's tool, under the
// effective policy, inside a pooled sandbox.
func (d *Dispatcher) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	req := task.ExecutionRequest

	tool, err := d.registry.GetTool(ctx, req.ToolID, req.Version)
	if err != nil {
		return nil, err
	}

	cfg, err := d.policy.Resolve(*tool, req, d.isolation)
	if err != nil {
		d.recordPolicyViolation(ctx, task, err)
		return nil, err
	}

	if d.secrets != nil && len(cfg.SecretRefs) > 0 {
		resolved, err := d.secrets.Resolve(ctx, req.Context.TenantID, cfg.SecretRefs)
		if err != nil {
			return nil, err
		}
		if cfg.EnvVars == nil {
			cfg.EnvVars = make(map[string]string, len(resolved))
		}
		for k, v := range resolved {
			cfg.EnvVars[k] = v
		}
	}

	cmd, err := buildCommand(*tool, req)
	if err != nil {
		return nil, ErrInvalidParameters(err.Error())
	}

	handle, err := d.pool.Acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}

	breaker := d.breakers.Get(string(cfg.IsolationType))

	var outcome *ExecutionOutcome
	execErr := breaker.Execute(ctx, func() error {
		var innerErr error
		outcome, innerErr = handle.backend.Execute(ctx, handle.id, cmd)
		return innerErr
	})

	if execErr != nil {
		d.pool.Discard(ctx, handle)
		return nil, execErr
	}
	d.pool.Release(ctx, handle)

	result := outcomeToResult(outcome)
	if outcome.ExitCode != 0 && result.Success {
		result.Success = false
		result.Error = fmt.Sprintf("tool exited with status %d", outcome.ExitCode)
	}
	d.archiveTruncatedStreams(ctx, task, outcome, result)
	return result, nil
}

// buildCommand derives a sandbox Command from a Tool's type and the
// caller-supplied parameters. Each ToolType has its own invocation
// convention; unknown/unsupported types fail closed.
func buildCommand(tool Tool, req ExecutionRequest) (Command, error) {
	env := make(map[string]string, len(req.Context.Environment))
	for k, v := range req.Context.Environment {
		env[k] = v
	}

	var deadline *time.Time
	if req.Options.Timeout > 0 {
		d := time.Now().Add(req.Options.Timeout)
		deadline = &d
	}

	switch tool.Type {
	case ToolTypeShell:
		script, _ := req.Parameters["command"].(string)
		if script == "" {
			return Command{}, fmt.Errorf("shell tool %s: missing parameter %q", tool.ID, "command")
		}
		return Command{Program: "/bin/sh", Args: []string{"-c", script}, Environment: env, Deadline: deadline}, nil

	case ToolTypePython:
		script, _ := req.Parameters["script"].(string)
		if script == "" {
			return Command{}, fmt.Errorf("python tool %s: missing parameter %q", tool.ID, "script")
		}
		return Command{Program: "python3", Args: []string{"-c", script}, Environment: env, Deadline: deadline}, nil

	case ToolTypeSystem:
		program, _ := req.Parameters["program"].(string)
		if program == "" {
			return Command{}, fmt.Errorf("system tool %s: missing parameter %q", tool.ID, "program")
		}
		args := stringSliceParam(req.Parameters["args"])
		return Command{Program: program, Args: args, Environment: env, Deadline: deadline}, nil

	case ToolTypeCustom:
		entrypoint, _ := tool.ConfigurationSchema["entrypoint"].(string)
		if entrypoint == "" {
			return Command{}, fmt.Errorf("custom tool %s: registry entry missing entrypoint", tool.ID)
		}
		args := stringSliceParam(req.Parameters["args"])
		return Command{Program: entrypoint, Args: args, Environment: env, Deadline: deadline}, nil

	case ToolTypeOpenAPI, ToolTypeAsyncAPI, ToolTypeAI:
		return Command{}, fmt.Errorf("tool type %q is dispatched via an external protocol adapter, not a sandboxed command", tool.Type)

	default:
		return Command{}, fmt.Errorf("unsupported tool type %q", tool.Type)
	}
}

func stringSliceParam(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// outcomeToResult maps a sandbox ExecutionOutcome onto the durable
// ExecutionResult shape the result manager stores.
func outcomeToResult(outcome *ExecutionOutcome) *ExecutionResult {
	return &ExecutionResult{
		Success: outcome.ExitCode == 0,
		Output: map[string]interface{}{
			"stdout":   string(outcome.Stdout),
			"exitCode": outcome.ExitCode,
		},
		Logs: []LogEntry{
			{Level: "info", Message: string(outcome.Stdout), Timestamp: time.Now(), Source: "stdout"},
			{Level: "error", Message: string(outcome.Stderr), Timestamp: time.Now(), Source: "stderr"},
		},
		Metrics: map[string]float64{
			"cpu_seconds":      outcome.ResourceUsage.CPUSeconds,
			"max_memory_bytes": float64(outcome.ResourceUsage.MaxMemoryBytes),
			"execution_time_s": outcome.ExecutionTime.Seconds(),
		},
		Metadata: map[string]interface{}{
			"truncated": outcome.Truncated,
		},
	}
}
