package engine

import (
	"context"
	"fmt"
)

// unavailableBackend is a Backend whose runtime is not present on this
// host — Docker daemon unreachable, no namespace support, etc. It always
// fails Create with SandboxFailed, matching spec.md §4.4's instruction that
// a configured-but-unavailable variant rejects rather than silently falling
// back (fallback only happens for an *unconfigured* isolation type, in
// BackendRegistry.Resolve).
type unavailableBackend struct {
	isolationType IsolationType
	reason        string
}

// NewUnavailableBackend builds a Backend that fails closed for isolation
// type t, reporting reason — the registration a composition root installs
// for an isolation type it has no working runtime for, so BackendRegistry
// never silently falls back to the default backend for it.
func NewUnavailableBackend(t IsolationType, reason string) Backend {
	return &unavailableBackend{isolationType: t, reason: reason}
}

func (u *unavailableBackend) unavailable() error {
	return ErrSandboxFailed(string(u.isolationType), u.reason, nil)
}

func (u *unavailableBackend) Create(ctx context.Context, cfg SandboxConfig) (SandboxId, error) {
	return "", u.unavailable()
}

func (u *unavailableBackend) Execute(ctx context.Context, id SandboxId, cmd Command) (*ExecutionOutcome, error) {
	return nil, u.unavailable()
}

func (u *unavailableBackend) Destroy(ctx context.Context, id SandboxId) error {
	return u.unavailable()
}

func (u *unavailableBackend) Status(ctx context.Context, id SandboxId) (SandboxStatus, error) {
	return SandboxError, u.unavailable()
}

func (u *unavailableBackend) Pause(ctx context.Context, id SandboxId) error  { return u.unavailable() }
func (u *unavailableBackend) Resume(ctx context.Context, id SandboxId) error { return u.unavailable() }

func (u *unavailableBackend) Logs(ctx context.Context, id SandboxId, maxLines int) ([]string, error) {
	return nil, u.unavailable()
}

func (u *unavailableBackend) Metrics(ctx context.Context, id SandboxId) (*SandboxMetrics, error) {
	return nil, u.unavailable()
}

// ContainerBackend isolates via Docker containers. The engine itself only
// needs the Backend contract; the actual container lifecycle is delegated
// to a dockerClient so this file stays testable without a daemon.
type dockerClient interface {
	ContainerCreate(ctx context.Context, cfg SandboxConfig) (string, error)
	ContainerRun(ctx context.Context, containerID string, cmd Command) (*ExecutionOutcome, error)
	ContainerRemove(ctx context.Context, containerID string) error
	ContainerInspectStatus(ctx context.Context, containerID string) (SandboxStatus, error)
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerLogs(ctx context.Context, containerID string, maxLines int) ([]string, error)
	ContainerStats(ctx context.Context, containerID string) (ResourceUsage, error)
}

// ContainerBackend is the Container isolation variant, grounded on the
// registry/fallback dispatch pattern spec.md §6 describes; it is only
// installed (via BackendRegistry.Register) when a dockerClient was
// successfully constructed at startup, otherwise an unavailableBackend is
// registered in its place.
type ContainerBackend struct {
	client   dockerClient
	statuses map[SandboxId]SandboxStatus
}

// NewContainerBackend wraps a dockerClient implementation (e.g. one backed
// by github.com/docker/docker/client) as a Backend.
func NewContainerBackend(client dockerClient) *ContainerBackend {
	return &ContainerBackend{client: client, statuses: make(map[SandboxId]SandboxStatus)}
}

func (c *ContainerBackend) Create(ctx context.Context, cfg SandboxConfig) (SandboxId, error) {
	id, err := c.client.ContainerCreate(ctx, cfg)
	if err != nil {
		return "", ErrSandboxFailed("container", "create failed", err)
	}
	return id, nil
}

func (c *ContainerBackend) Execute(ctx context.Context, id SandboxId, cmd Command) (*ExecutionOutcome, error) {
	outcome, err := c.client.ContainerRun(ctx, id, cmd)
	if err != nil {
		return nil, ErrSandboxFailed("container", "run failed", err)
	}
	return outcome, nil
}

func (c *ContainerBackend) Destroy(ctx context.Context, id SandboxId) error {
	if err := c.client.ContainerRemove(ctx, id); err != nil {
		return ErrSandboxFailed("container", "remove failed", err)
	}
	return nil
}

func (c *ContainerBackend) Status(ctx context.Context, id SandboxId) (SandboxStatus, error) {
	status, err := c.client.ContainerInspectStatus(ctx, id)
	if err != nil {
		return SandboxError, ErrSandboxFailed("container", "inspect failed", err)
	}
	return status, nil
}

func (c *ContainerBackend) Pause(ctx context.Context, id SandboxId) error {
	if err := c.client.ContainerPause(ctx, id); err != nil {
		return ErrSandboxFailed("container", "pause failed", err)
	}
	return nil
}

func (c *ContainerBackend) Resume(ctx context.Context, id SandboxId) error {
	if err := c.client.ContainerUnpause(ctx, id); err != nil {
		return ErrSandboxFailed("container", "unpause failed", err)
	}
	return nil
}

func (c *ContainerBackend) Logs(ctx context.Context, id SandboxId, maxLines int) ([]string, error) {
	lines, err := c.client.ContainerLogs(ctx, id, maxLines)
	if err != nil {
		return nil, ErrSandboxFailed("container", "logs failed", err)
	}
	return lines, nil
}

func (c *ContainerBackend) Metrics(ctx context.Context, id SandboxId) (*SandboxMetrics, error) {
	usage, err := c.client.ContainerStats(ctx, id)
	if err != nil {
		return nil, ErrSandboxFailed("container", "stats failed", err)
	}
	status, _ := c.client.ContainerInspectStatus(ctx, id)
	return &SandboxMetrics{ResourceUsage: usage, Status: status}, nil
}

// NamespaceBackend and ChrootBackend are thinner isolation variants than
// Container, appropriate for hosts without a container runtime. Both embed
// the Process backend and reuse its stream-capping and gopsutil sampling.
// Their Create only checks the variant's configuration before delegating
// (NamespaceBackend calls rootFn and discards the root it returns);
// Execute is ProcessBackend's own, with no unshare(2) or chroot(2) applied.
type NamespaceBackend struct {
	*ProcessBackend
	rootFn func(cfg SandboxConfig) (string, error)
}

// NewNamespaceBackend wraps a ProcessBackend, requiring the caller to
// provide a rootFn capable of preparing a mount/pid/net namespace; if nil,
// Create fails closed rather than silently degrading to a bare process.
func NewNamespaceBackend(inner *ProcessBackend, rootFn func(cfg SandboxConfig) (string, error)) *NamespaceBackend {
	return &NamespaceBackend{ProcessBackend: inner, rootFn: rootFn}
}

func (n *NamespaceBackend) Create(ctx context.Context, cfg SandboxConfig) (SandboxId, error) {
	if n.rootFn == nil {
		return "", ErrSandboxFailed("namespace", "no namespace provisioner configured", nil)
	}
	if _, err := n.rootFn(cfg); err != nil {
		return "", ErrSandboxFailed("namespace", "namespace setup failed", err)
	}
	return n.ProcessBackend.Create(ctx, cfg)
}

// ChrootBackend requires a configured root directory; commands run through
// the embedded ProcessBackend without chroot(2) into that root.
type ChrootBackend struct {
	*ProcessBackend
	root string
}

// NewChrootBackend wraps a ProcessBackend with a fixed chroot root; empty
// root fails closed, matching NamespaceBackend's behavior.
func NewChrootBackend(inner *ProcessBackend, root string) *ChrootBackend {
	return &ChrootBackend{ProcessBackend: inner, root: root}
}

func (c *ChrootBackend) Create(ctx context.Context, cfg SandboxConfig) (SandboxId, error) {
	if c.root == "" {
		return "", ErrSandboxFailed("chroot", "no chroot root configured", nil)
	}
	return c.ProcessBackend.Create(ctx, cfg)
}

// NoneBackend runs commands with no isolation at all — only ever selected
// explicitly, never as a fallback, and only meaningful for trusted
// system-type tools (spec.md §3 ToolType "system").
type NoneBackend struct {
	*ProcessBackend
}

// NewNoneBackend wraps a ProcessBackend with no additional confinement.
func NewNoneBackend(inner *ProcessBackend) *NoneBackend {
	return &NoneBackend{ProcessBackend: inner}
}

var _ Backend = (*unavailableBackend)(nil)
var _ Backend = (*ContainerBackend)(nil)
var _ Backend = (*NamespaceBackend)(nil)
var _ Backend = (*ChrootBackend)(nil)
var _ Backend = (*NoneBackend)(nil)

// DescribeUnavailable is the reason string a composition root attaches to
// NewUnavailableBackend when an isolation type has no configured runtime.
func DescribeUnavailable(t IsolationType) string {
	return fmt.Sprintf("%s isolation is not available on this host", t)
}
