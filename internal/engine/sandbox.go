// Package engine: the sandbox abstraction (C3), spec.md §4.4.
package engine

import (
	"context"
	"time"
)

// IsolationType selects which backend variant realizes a sandbox.
type IsolationType string

const (
	IsolationContainer IsolationType = "container"
	IsolationNamespace IsolationType = "namespace"
	IsolationChroot    IsolationType = "chroot"
	IsolationProcess   IsolationType = "process"
	IsolationNone      IsolationType = "none"
)

// SandboxStatus is the lifecycle of a sandbox instance.
type SandboxStatus string

const (
	SandboxCreating  SandboxStatus = "creating"
	SandboxRunning   SandboxStatus = "running"
	SandboxStopped   SandboxStatus = "stopped"
	SandboxDestroyed SandboxStatus = "destroyed"
	SandboxError     SandboxStatus = "error"
)

// SandboxConfig is what the policy enforcer hands to a backend's Create,
// after resolving effective limits and validating the security policy.
type SandboxConfig struct {
	IsolationType  IsolationType
	ResourceLimits ResourceLimits
	SecurityPolicy SecurityPolicy
	AllowedHosts   []string
	EnvVars        map[string]string
	SecretRefs     []string
}

// Command is what a sandbox executes: one program invocation.
type Command struct {
	Program          string
	Args             []string
	Environment      map[string]string
	WorkingDirectory string
	Deadline         *time.Time
}

// ResourceUsage is sampled by the backend during/after execute.
type ResourceUsage struct {
	CPUSeconds      float64
	MaxMemoryBytes  int64
	BytesRead       int64
	BytesWritten    int64
}

// ExecutionOutcome is what a backend's Execute returns.
type ExecutionOutcome struct {
	ExitCode      int
	Stdout        []byte
	Stderr        []byte
	ExecutionTime time.Duration
	ResourceUsage ResourceUsage
	Truncated     bool
}

// SandboxMetrics is a point-in-time resource snapshot for a live sandbox.
type SandboxMetrics struct {
	ResourceUsage ResourceUsage
	Status        SandboxStatus
}

// Backend is the contract every isolation variant implements (spec.md §4.4).
// Each variant is a separate implementation of this one interface — a
// tagged-variant dispatch per the design notes, not a class hierarchy.
type Backend interface {
	Create(ctx context.Context, cfg SandboxConfig) (SandboxId, error)
	Execute(ctx context.Context, id SandboxId, cmd Command) (*ExecutionOutcome, error)
	Destroy(ctx context.Context, id SandboxId) error
	Status(ctx context.Context, id SandboxId) (SandboxStatus, error)
	Pause(ctx context.Context, id SandboxId) error
	Resume(ctx context.Context, id SandboxId) error
	Logs(ctx context.Context, id SandboxId, maxLines int) ([]string, error)
	Metrics(ctx context.Context, id SandboxId) (*SandboxMetrics, error)
}

// BackendDescriptor names a configured backend for a given isolation type
// (spec.md §6 backends config section).
type BackendDescriptor struct {
	IsolationType IsolationType
	Options       map[string]string
}

// BackendRegistry resolves an isolation type to a Backend, falling through
// to Process when no exact match is configured (spec.md §6).
type BackendRegistry struct {
	backends map[IsolationType]Backend
	fallback Backend
}

// NewBackendRegistry builds a registry; fallback is used for any isolation
// type with no exact entry (normally the Process backend).
func NewBackendRegistry(fallback Backend) *BackendRegistry {
	return &BackendRegistry{
		backends: make(map[IsolationType]Backend),
		fallback: fallback,
	}
}

// Register installs a backend for an exact isolation type.
func (r *BackendRegistry) Register(t IsolationType, b Backend) {
	r.backends[t] = b
}

// Resolve returns the backend for t, or the fallback ("exact match or fall
// through to Process", spec.md §6).
func (r *BackendRegistry) Resolve(t IsolationType) Backend {
	if b, ok := r.backends[t]; ok {
		return b
	}
	return r.fallback
}
