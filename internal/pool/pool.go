// Package pool manages a fixed-size set of renderer instances shared across
// concurrent render calls.
//
// # Design rationale
//
// Unlike a per-function VM pool that must cold-start new instances on
// demand, every renderer here is the same otto-backed engine with identical
// bootstrap cost, and spec.md §4.E constructs all N of them eagerly at
// startup. There is therefore no creation race to dedupe and no queue to
// wait on for a renderer to be born — only whose turn it is next, which a
// round-robin counter answers without contention.
//
// # Concurrency model
//
// Acquire advances an atomic counter modulo the pool size and returns a
// Guard wrapping that renderer's own mutex, held for the Guard's lifetime.
// Release must run on every exit path; callers defer it immediately after a
// successful Acquire. Stats reports renderer busyness via a non-blocking
// TryLock rather than tracking a separate inflight counter, mirroring
// original_source's try_lock-based pool.stats().
//
// # Failure behaviour
//
// RegisterComponentOnAll runs one registration per renderer concurrently
// and collects per-renderer failures instead of aborting on the first one,
// so a single bad component on one renderer does not block registration on
// the others.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rari-dev/rari/internal/domain"
	"github.com/rari-dev/rari/internal/logging"
	"github.com/rari-dev/rari/internal/registry"
	"github.com/rari-dev/rari/internal/render"
	"golang.org/x/sync/errgroup"
)

// Config tunes pool size and background maintenance intervals.
type Config struct {
	Size                int
	ResourceLimits      render.ResourceLimits
	HealthCheckInterval time.Duration
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		Size:                4,
		ResourceLimits:      render.DefaultResourceLimits(),
		HealthCheckInterval: 30 * time.Second,
	}
}

type slot struct {
	mu       sync.Mutex
	renderer *render.Renderer
}

// Pool is a fixed-size set of initialized renderers. The zero value is not
// usable; construct with New.
type Pool struct {
	slots []*slot
	next  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	acquisitions atomic.Int64
	restarts     atomic.Int64
}

// New constructs cfg.Size renderers, each sharing reg for component state,
// initializes every one of them, and starts the background health-check
// loop. If any renderer fails to initialize the whole pool is torn down and
// the error returned.
func New(cfg Config, reg *registry.Registry) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultConfig().HealthCheckInterval
	}

	logging.Op().Debug("creating renderer pool", "size", cfg.Size)

	slots := make([]*slot, cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		logging.Op().Debug("initializing renderer", "index", i+1, "total", cfg.Size)
		r := render.New(reg, cfg.ResourceLimits)
		if err := r.Initialize(); err != nil {
			for j := 0; j < i; j++ {
				slots[j].renderer.Close()
			}
			return nil, fmt.Errorf("pool: failed to initialize renderer %d: %w", i, err)
		}
		slots[i] = &slot{renderer: r}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{slots: slots, ctx: ctx, cancel: cancel}
	go p.healthCheckLoop(cfg.HealthCheckInterval)

	logging.Op().Debug("renderer pool created", "size", cfg.Size)
	return p, nil
}

// Size returns the fixed number of renderers in the pool.
func (p *Pool) Size() int { return len(p.slots) }

// Guard is a scoped acquisition of one renderer. Release must be called
// exactly once; callers should defer it immediately after Acquire returns.
type Guard struct {
	slot *slot
}

// Renderer returns the acquired renderer.
func (g *Guard) Renderer() *render.Renderer { return g.slot.renderer }

// Release returns the renderer to availability.
func (g *Guard) Release() { g.slot.mu.Unlock() }

// Acquire takes the next renderer in round-robin order and blocks until its
// mutex is free.
func (p *Pool) Acquire() *Guard {
	idx := p.next.Add(1) % uint64(len(p.slots))
	s := p.slots[idx]
	s.mu.Lock()
	p.acquisitions.Add(1)
	return &Guard{slot: s}
}

// RegisterComponentOnAll registers id/code on every renderer in the pool
// concurrently. Failures are collected by renderer index rather than
// aborting the fan-out early.
func (p *Pool) RegisterComponentOnAll(id, code string) error {
	logging.Op().Debug("registering component on all renderers", "component_id", id, "pool_size", len(p.slots))

	var g errgroup.Group
	errs := make([]error, len(p.slots))
	for i, s := range p.slots {
		i, s := i, s
		g.Go(func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if err := s.renderer.RegisterComponent(id, code); err != nil {
				logging.Op().Warn("failed to register component on renderer",
					"component_id", id, "renderer_index", i, "error", err)
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	var first []error
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed++
		if len(first) < 3 {
			first = append(first, err)
		}
	}
	if failed > 0 {
		return &domain.RenderError{
			Kind:    domain.ErrInternal,
			Message: fmt.Sprintf("failed to register component %q on %d of %d renderers, first errors: %v", id, failed, len(p.slots), first),
		}
	}
	return nil
}

// Stats reports pool occupancy via a non-blocking TryLock per renderer.
func (p *Pool) Stats() domain.PoolStats {
	busy := 0
	for _, s := range p.slots {
		if !s.mu.TryLock() {
			busy++
			continue
		}
		s.mu.Unlock()
	}
	return domain.PoolStats{
		TotalRenderers: len(p.slots),
		InFlight:       busy,
		Acquisitions:   p.acquisitions.Load(),
		Restarts:       p.restarts.Load(),
	}
}

// Shutdown stops the health-check loop and closes every renderer.
func (p *Pool) Shutdown() {
	p.cancel()
	for _, s := range p.slots {
		s.mu.Lock()
		s.renderer.Close()
		s.mu.Unlock()
	}
}

// healthCheckLoop periodically logs renderer activity counters. There is no
// eviction target for an unresponsive renderer in a fixed homogeneous pool
// (unlike oriys-nova's pool_lifecycle.go, which replaces a bad VM with a
// fresh cold start), so a failing health signal is surfaced for operator
// attention via logging rather than acted on automatically.
func (p *Pool) healthCheckLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.healthCheck()
		}
	}
}

func (p *Pool) healthCheck() {
	for i, s := range p.slots {
		active := s.renderer.ActiveRenders()
		total := s.renderer.TotalRenders()
		errs := s.renderer.TotalErrors()
		if errs > 0 && total > 0 && errs == total {
			logging.Op().Warn("renderer has never completed a successful render",
				"renderer_index", i, "total_renders", total, "total_errors", errs)
		}
		logging.Op().Debug("renderer health check", "renderer_index", i, "active_renders", active)
	}
}
