// Package engine implements the tool execution engine: scheduler, worker
// pool, sandbox abstraction, and the durable result/monitoring store.
package engine

import (
	"time"
)

// Identifiers are opaque printable strings, unique within their kind.
type (
	ToolId      = string
	ExecutionId = string
	TaskId      = string
	WorkId      = string
	WorkerId    = string
	SandboxId   = string
	TenantId    = string
	UserId      = string
)

// ToolType enumerates the kinds of tool the registry may describe.
type ToolType string

const (
	ToolTypeOpenAPI  ToolType = "openapi"
	ToolTypeAsyncAPI ToolType = "asyncapi"
	ToolTypePython   ToolType = "python"
	ToolTypeShell    ToolType = "shell"
	ToolTypeAI       ToolType = "ai"
	ToolTypeSystem   ToolType = "system"
	ToolTypeCustom   ToolType = "custom"
)

// Tool is read-only to the engine; it is supplied by the registry adapter (C2).
type Tool struct {
	ID                   ToolId                 `json:"id"`
	Name                 string                 `json:"name"`
	Version              string                 `json:"version"`
	Type                 ToolType               `json:"type"`
	CustomType           string                 `json:"customType,omitempty"`
	Status               string                 `json:"status"`
	Author               string                 `json:"author"`
	ConfigurationSchema  map[string]interface{} `json:"configurationSchema,omitempty"`
	Examples             []map[string]interface{} `json:"examples,omitempty"`
	RequiredCapabilities []string               `json:"requiredCapabilities,omitempty"`
}

// Priority is strictly totally ordered: Low < Normal < High < Critical.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ExecutionContext carries caller identity and correlation fields.
type ExecutionContext struct {
	UserID            UserId            `json:"userId"`
	TenantID          TenantId          `json:"tenantId"`
	SessionID         string            `json:"sessionId,omitempty"`
	RequestID         string            `json:"requestId,omitempty"`
	ParentExecutionID ExecutionId       `json:"parentExecutionId,omitempty"`
	Environment       map[string]string `json:"environment,omitempty"`
}

// ExecutionOptions configures a single execution request.
type ExecutionOptions struct {
	Timeout        time.Duration   `json:"timeout,omitempty"`
	RetryCount     int             `json:"retryCount"`
	RetryDelay     time.Duration   `json:"retryDelay"`
	Priority       Priority        `json:"priority"`
	ResourceLimits ResourceLimits  `json:"resourceLimits"`
	LogLevel       string          `json:"logLevel,omitempty"`
}

// ExecutionRequest is the immutable input to the engine.
type ExecutionRequest struct {
	ToolID     ToolId                 `json:"toolId"`
	Version    string                 `json:"version,omitempty"`
	Parameters map[string]interface{} `json:"parameters"`
	Context    ExecutionContext       `json:"context"`
	Options    ExecutionOptions       `json:"options"`
}

// ResourceLimits are all optional; nil means unrestricted, bounded by
// the backend's own maxima. Pointer fields distinguish "unset" from "zero".
type ResourceLimits struct {
	MemoryBytes        *int64   `json:"memoryBytes,omitempty"`
	CPUFraction        *float64 `json:"cpuFraction,omitempty"`
	ExecutionTime      *time.Duration `json:"executionTime,omitempty"`
	NetworkBytesPerSec *int64   `json:"networkBytesPerSec,omitempty"`
	DiskBytes          *int64   `json:"diskBytes,omitempty"`
	ProcessCount       *int     `json:"processCount,omitempty"`
	FileDescriptors    *int     `json:"fileDescriptors,omitempty"`
}

// SecurityPolicy governs what a sandboxed command is permitted to do.
type SecurityPolicy struct {
	NetworkAccess    bool     `json:"networkAccess"`
	FileSystemAccess bool     `json:"fileSystemAccess"`
	ProcessCreation  bool     `json:"processCreation"`
	AllowedSyscalls  []string `json:"allowedSyscalls,omitempty"`
	BlockedSyscalls  []string `json:"blockedSyscalls,omitempty"`
	SeccompProfile   string   `json:"seccompProfile,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
	ReadOnlyRoot     bool     `json:"readOnlyRoot"`
	NoNewPrivileges  bool     `json:"noNewPrivileges"`
}

// TaskStatus is the scheduler-owned lifecycle of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is an admitted execution request waiting in the scheduler queue.
type Task struct {
	ID               TaskId           `json:"id"`
	ExecutionRequest ExecutionRequest `json:"executionRequest"`
	ExecutionID      ExecutionId      `json:"executionId"`
	Priority         Priority         `json:"priority"`
	CreatedAt        time.Time        `json:"createdAt"`
	ScheduledAt      *time.Time       `json:"scheduledAt,omitempty"`
	Status           TaskStatus       `json:"status"`
	RetryCount       int              `json:"retryCount"`
}

// WorkStatus is the worker-pool-owned lifecycle of a Work item.
type WorkStatus string

const (
	WorkStatusPending   WorkStatus = "pending"
	WorkStatusAssigned  WorkStatus = "assigned"
	WorkStatusRunning   WorkStatus = "running"
	WorkStatusCompleted WorkStatus = "completed"
	WorkStatusFailed    WorkStatus = "failed"
	WorkStatusCancelled WorkStatus = "cancelled"
)

// Work is a Task after it has been handed to the worker pool.
type Work struct {
	ID             WorkId     `json:"id"`
	Task           *Task      `json:"task"`
	AssignedWorker WorkerId   `json:"assignedWorker,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	Status         WorkStatus `json:"status"`

	// cancelFn, when non-nil, asks the in-flight sandbox call backing this
	// Work to terminate. It is set by the worker that owns the Work and
	// read by CancelWork under the pool's status-map lock.
	cancelFn func()
}

// ExecutionStatus is the durable lifecycle of an Execution record.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// IsTerminal reports whether the status is Completed, Failed, Cancelled or Timeout.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	default:
		return false
	}
}

// LogEntry is one line of an execution's captured log.
type LogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ExecutionResult is the outcome payload of a completed (or failed/timed-out) execution.
type ExecutionResult struct {
	Success  bool                   `json:"success"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Logs     []LogEntry             `json:"logs"`
	Metrics  map[string]float64     `json:"metrics"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Execution is the durable record owned by C1, mutated only by the worker
// that owns it and by the monitoring writer.
type Execution struct {
	ID          ExecutionId      `json:"id"`
	ToolID      ToolId           `json:"toolId"`
	TenantID    TenantId         `json:"tenantId"`
	UserID      UserId           `json:"userId"`
	Status      ExecutionStatus  `json:"status"`
	Request     ExecutionRequest `json:"request"`
	Result      *ExecutionResult `json:"result,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Metric is a single named measurement tied to an execution.
type Metric struct {
	ExecutionID ExecutionId       `json:"executionId"`
	Name        string            `json:"name"`
	Value       float64           `json:"value"`
	Timestamp   time.Time         `json:"timestamp"`
	Labels      map[string]string `json:"labels"`
}

// WorkerState is the lifecycle of a single pool worker.
type WorkerState string

const (
	WorkerIdle     WorkerState = "idle"
	WorkerRunning  WorkerState = "running"
	WorkerStopping WorkerState = "stopping"
	WorkerStopped  WorkerState = "stopped"
)

// WorkerInfo is a read-only snapshot of a worker for introspection/metrics.
type WorkerInfo struct {
	ID             WorkerId    `json:"id"`
	State          WorkerState `json:"state"`
	CurrentWork    WorkId      `json:"currentWork,omitempty"`
	StartedAt      time.Time   `json:"startedAt"`
	LastActivity   time.Time   `json:"lastActivity"`
	CompletedCount int64       `json:"completedCount"`
}

// SecurityViolationKind enumerates the ways a sandboxed command can breach policy.
type SecurityViolationKind string

const (
	ViolationUnauthorizedSyscall SecurityViolationKind = "unauthorized_syscall"
	ViolationResourceLimit       SecurityViolationKind = "resource_limit_exceeded"
	ViolationNetwork             SecurityViolationKind = "network_violation"
	ViolationFileSystem          SecurityViolationKind = "filesystem_violation"
	ViolationProcess             SecurityViolationKind = "process_violation"
	ViolationCapability          SecurityViolationKind = "capability_violation"
)

// SecurityViolation is recorded via the monitoring component (C8).
type SecurityViolation struct {
	SandboxID   SandboxId             `json:"sandboxId"`
	Kind        SecurityViolationKind `json:"kind"`
	Severity    string                `json:"severity"`
	Description string                `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// clampLimits returns the componentwise minimum of two ResourceLimits; a nil
// field on either side is treated as +infinity (invariant 7).
func clampLimits(req, ceiling ResourceLimits) ResourceLimits {
	out := ResourceLimits{}
	out.MemoryBytes = minInt64Ptr(req.MemoryBytes, ceiling.MemoryBytes)
	out.CPUFraction = minFloat64Ptr(req.CPUFraction, ceiling.CPUFraction)
	out.ExecutionTime = minDurationPtr(req.ExecutionTime, ceiling.ExecutionTime)
	out.NetworkBytesPerSec = minInt64Ptr(req.NetworkBytesPerSec, ceiling.NetworkBytesPerSec)
	out.DiskBytes = minInt64Ptr(req.DiskBytes, ceiling.DiskBytes)
	out.ProcessCount = minIntPtr(req.ProcessCount, ceiling.ProcessCount)
	out.FileDescriptors = minIntPtr(req.FileDescriptors, ceiling.FileDescriptors)
	return out
}

func minInt64Ptr(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}

func minFloat64Ptr(a, b *float64) *float64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}

func minDurationPtr(a, b *time.Duration) *time.Duration {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}

func minIntPtr(a, b *int) *int {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *a < *b {
		return a
	}
	return b
}
