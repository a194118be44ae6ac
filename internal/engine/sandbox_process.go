package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	gopsutilprocess "github.com/shirou/gopsutil/v3/process"
)

// cappedBuffer caps total bytes written, truncating overflow with a marker
// — the stream-cap behavior required during execution (spec.md §4.4).
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() >= c.limit {
		c.truncated = true
		return len(p), nil
	}
	remaining := c.limit - c.buf.Len()
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.truncated {
		return append([]byte(nil), c.buf.Bytes()...)
	}
	out := append([]byte(nil), c.buf.Bytes()...)
	return append(out, []byte("\n...[truncated]")...)
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// processHandle tracks one live sandbox instance backed by an OS process.
type processHandle struct {
	id     SandboxId
	cfg    SandboxConfig
	status SandboxStatus
	cmd    *exec.Cmd
	pid    int
	mu     sync.Mutex
}

// ProcessBackend realizes the Process isolation variant: an os/exec child
// run in its own process group so the whole group can be killed on
// deadline, with rlimits applied where the platform supports it. Grounded
// on the teacher's NativeSandbox shape (executor/domain/model/executor.go),
// generalized from "execute a workflow node" to "run an arbitrary Command".
type ProcessBackend struct {
	mu       sync.Mutex
	handles  map[SandboxId]*processHandle
	maxStdout int
	maxStderr int
}

// NewProcessBackend builds a Process backend with the given per-stream caps
// (spec.md §6 limits.max_stdout_bytes / max_stderr_bytes).
func NewProcessBackend(maxStdout, maxStderr int) *ProcessBackend {
	if maxStdout <= 0 {
		maxStdout = 1 << 20
	}
	if maxStderr <= 0 {
		maxStderr = 1 << 20
	}
	return &ProcessBackend{
		handles:   make(map[SandboxId]*processHandle),
		maxStdout: maxStdout,
		maxStderr: maxStderr,
	}
}

func (b *ProcessBackend) Create(ctx context.Context, cfg SandboxConfig) (SandboxId, error) {
	id := uuid.New().String()
	b.mu.Lock()
	b.handles[id] = &processHandle{id: id, cfg: cfg, status: SandboxRunning}
	b.mu.Unlock()
	return id, nil
}

func (b *ProcessBackend) get(id SandboxId) (*processHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[id]
	if !ok {
		return nil, ErrSandboxFailed("process", fmt.Sprintf("unknown sandbox %q", id), nil)
	}
	return h, nil
}

func (b *ProcessBackend) Execute(ctx context.Context, id SandboxId, command Command) (*ExecutionOutcome, error) {
	h, err := b.get(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, command.Program, command.Args...)
	cmd.Dir = command.WorkingDirectory
	cmd.Env = envSlice(command.Environment)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout := newCappedBuffer(b.maxStdout)
	stderr := newCappedBuffer(b.maxStderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	applyRlimits(cmd, h.cfg.ResourceLimits)

	h.mu.Lock()
	h.cmd = cmd
	h.mu.Unlock()

	err = cmd.Start()
	if err != nil {
		return nil, ErrSandboxFailed("process", "failed to start command", err)
	}
	h.mu.Lock()
	h.pid = cmd.Process.Pid
	h.mu.Unlock()

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	outcome := &ExecutionOutcome{
		Stdout:        stdout.Bytes(),
		Stderr:        stderr.Bytes(),
		ExecutionTime: elapsed,
		Truncated:     stdout.Truncated() || stderr.Truncated(),
	}

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		outcome.ExitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		// killed by context deadline or process-group signal
		outcome.ExitCode = -1
	}

	outcome.ResourceUsage = sampleResourceUsage(h.pid)

	if ctx.Err() == context.DeadlineExceeded {
		return outcome, ErrTimeoutExceeded("sandbox command exceeded deadline")
	}

	return outcome, nil
}

// applyRlimits rewrites cmd to go through a shell ulimit preamble when the
// resolved limits constrain memory, file descriptors or process count — os/exec has no
// direct rlimit knob, and forking then Setrlimit-ing in the parent would
// also clamp the engine process itself, so the shell wrapper is the
// narrowest way to scope the limit to just the child.
func applyRlimits(cmd *exec.Cmd, limits ResourceLimits) {
	var ulimits []string
	if limits.MemoryBytes != nil {
		ulimits = append(ulimits, fmt.Sprintf("ulimit -v %d", *limits.MemoryBytes/1024))
	}
	if limits.FileDescriptors != nil {
		ulimits = append(ulimits, fmt.Sprintf("ulimit -n %d", *limits.FileDescriptors))
	}
	if limits.ProcessCount != nil {
		ulimits = append(ulimits, fmt.Sprintf("ulimit -u %d", *limits.ProcessCount))
	}
	if len(ulimits) == 0 {
		return
	}
	preamble := ""
	for _, u := range ulimits {
		preamble += u + "; "
	}
	quoted := shellQuoteArgs(append([]string{cmd.Path}, cmd.Args[1:]...))
	script := preamble + "exec " + quoted
	cmd.Path = "/bin/sh"
	cmd.Args = []string{"/bin/sh", "-c", script}
}

func shellQuoteArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return out
}

// envSlice flattens a map into the KEY=VALUE form os/exec expects.
func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// sampleResourceUsage reads CPU/memory for pid via gopsutil, grounded on
// the monitoring service's gopsutil usage; best-effort, zero on failure.
func sampleResourceUsage(pid int) ResourceUsage {
	if pid <= 0 {
		return ResourceUsage{}
	}
	proc, err := gopsutilprocess.NewProcess(int32(pid))
	if err != nil {
		return ResourceUsage{}
	}
	usage := ResourceUsage{}
	if times, err := proc.Times(); err == nil {
		usage.CPUSeconds = times.User + times.System
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		usage.MaxMemoryBytes = int64(mem.RSS)
	}
	return usage
}

func (b *ProcessBackend) Destroy(ctx context.Context, id SandboxId) error {
	h, err := b.get(id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd != nil && h.cmd.Process != nil {
		syscall.Kill(-h.pid, syscall.SIGKILL)
	}
	h.status = SandboxDestroyed
	b.mu.Lock()
	delete(b.handles, id)
	b.mu.Unlock()
	return nil
}

func (b *ProcessBackend) Status(ctx context.Context, id SandboxId) (SandboxStatus, error) {
	h, err := b.get(id)
	if err != nil {
		return SandboxError, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, nil
}

// Pause sends SIGSTOP to the process group; Resume sends SIGCONT. Both are
// best-effort — not every platform's process-group semantics support this,
// matching the contract's "ok" return with no richer status.
func (b *ProcessBackend) Pause(ctx context.Context, id SandboxId) error {
	h, err := b.get(id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pid == 0 {
		return nil
	}
	return syscall.Kill(-h.pid, syscall.SIGSTOP)
}

func (b *ProcessBackend) Resume(ctx context.Context, id SandboxId) error {
	h, err := b.get(id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pid == 0 {
		return nil
	}
	return syscall.Kill(-h.pid, syscall.SIGCONT)
}

// Logs is unsupported for the Process backend beyond what Execute already
// captured into stdout/stderr; it returns an empty slice rather than an error.
func (b *ProcessBackend) Logs(ctx context.Context, id SandboxId, maxLines int) ([]string, error) {
	if _, err := b.get(id); err != nil {
		return nil, err
	}
	return nil, nil
}

func (b *ProcessBackend) Metrics(ctx context.Context, id SandboxId) (*SandboxMetrics, error) {
	h, err := b.get(id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	pid := h.pid
	status := h.status
	h.mu.Unlock()
	return &SandboxMetrics{ResourceUsage: sampleResourceUsage(pid), Status: status}, nil
}
