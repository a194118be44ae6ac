package engine

import (
	"context"
	"sync"
	"time"
)

// sandboxHandle is a pooled sandbox instance tagged with the backend that
// created it, so Release/Destroy call back into the right Backend.
type sandboxHandle struct {
	id      SandboxId
	backend Backend
	cfg     SandboxConfig
	idleAt  time.Time
}

// SandboxPool bounds the number of live sandbox instances across all
// isolation types and reuses idle Process handles across executions, grounded on the
// teacher's executor/domain/model/executor.go SandboxPool (channel-based
// Acquire/Release with factory fallback when the pool is empty). Container
// handles are never reused — each Acquire for IsolationContainer always
// creates fresh, since containers aren't safe to hand a second, unrelated
// command without an explicit reset the Docker API doesn't cheaply offer.
type SandboxPool struct {
	registry *BackendRegistry
	maxSize  int

	mu   sync.Mutex
	idle map[IsolationType][]*sandboxHandle
	live int
	cond *sync.Cond
}

// NewSandboxPool builds a pool bounded to maxSize concurrently live
// sandboxes across all isolation types (spec.md §5 per-tenant/engine
// concurrency ceilings apply above this; this bound is the pool's own
// resource ceiling).
func NewSandboxPool(registry *BackendRegistry, maxSize int) *SandboxPool {
	if maxSize <= 0 {
		maxSize = 64
	}
	p := &SandboxPool{
		registry: registry,
		maxSize:  maxSize,
		idle:     make(map[IsolationType][]*sandboxHandle),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// reusable reports whether handles of this isolation type may be recycled.
func reusable(t IsolationType) bool {
	return t == IsolationProcess || t == IsolationNone
}

// Acquire returns a handle for cfg.IsolationType, reusing an idle one when
// possible and the type is reusable, otherwise creating fresh via the
// resolved backend; it blocks if the pool is at maxSize until a slot frees.
func (p *SandboxPool) Acquire(ctx context.Context, cfg SandboxConfig) (*sandboxHandle, error) {
	backend := p.registry.Resolve(cfg.IsolationType)

	p.mu.Lock()
	if reusable(cfg.IsolationType) {
		if pool := p.idle[cfg.IsolationType]; len(pool) > 0 {
			h := pool[len(pool)-1]
			p.idle[cfg.IsolationType] = pool[:len(pool)-1]
			p.mu.Unlock()
			return h, nil
		}
	}
	for p.live >= p.maxSize {
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		p.mu.Lock()
	}
	p.live++
	p.mu.Unlock()

	id, err := backend.Create(ctx, cfg)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.cond.Signal()
		p.mu.Unlock()
		return nil, err
	}
	return &sandboxHandle{id: id, backend: backend, cfg: cfg}, nil
}

// Release returns a handle to the idle pool if reusable, or destroys it and
// frees its slot otherwise.
func (p *SandboxPool) Release(ctx context.Context, h *sandboxHandle) {
	if h == nil {
		return
	}
	if reusable(h.cfg.IsolationType) {
		h.idleAt = time.Now()
		p.mu.Lock()
		p.idle[h.cfg.IsolationType] = append(p.idle[h.cfg.IsolationType], h)
		p.mu.Unlock()
		return
	}
	p.destroy(ctx, h)
}

// Discard destroys h outright instead of returning it to the idle pool —
// used when the handle's sandbox errored in a way that makes reuse unsafe.
func (p *SandboxPool) Discard(ctx context.Context, h *sandboxHandle) {
	if h == nil {
		return
	}
	p.destroy(ctx, h)
}

func (p *SandboxPool) destroy(ctx context.Context, h *sandboxHandle) {
	_ = h.backend.Destroy(ctx, h.id)
	p.mu.Lock()
	p.live--
	p.cond.Signal()
	p.mu.Unlock()
}

// Sweep destroys idle handles older than maxIdle, called periodically by
// the retention job so reusable Process handles don't accumulate forever.
func (p *SandboxPool) Sweep(ctx context.Context, maxIdle time.Duration) int {
	p.mu.Lock()
	now := time.Now()
	removed := 0
	for t, handles := range p.idle {
		kept := handles[:0]
		for _, h := range handles {
			if now.Sub(h.idleAt) > maxIdle {
				removed++
				go p.destroy(ctx, h)
				continue
			}
			kept = append(kept, h)
		}
		p.idle[t] = kept
	}
	p.mu.Unlock()
	return removed
}

// Size reports the current count of live sandbox handles (idle + in-use).
func (p *SandboxPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
