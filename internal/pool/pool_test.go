package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/rari-dev/rari/internal/registry"
	"github.com/rari-dev/rari/internal/render"
)

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	reg := registry.New()
	cfg := Config{
		Size:                size,
		ResourceLimits:      render.DefaultResourceLimits(),
		HealthCheckInterval: time.Hour,
	}
	p, err := New(cfg, reg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func TestPool_Size(t *testing.T) {
	p := newTestPool(t, 3)
	if p.Size() != 3 {
		t.Fatalf("expected size 3, got %d", p.Size())
	}
}

func TestPool_AcquireRoundRobin(t *testing.T) {
	p := newTestPool(t, 3)

	seen := map[*render.Renderer]int{}
	for i := 0; i < 9; i++ {
		g := p.Acquire()
		seen[g.Renderer()]++
		g.Release()
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 renderers to be visited, got %d distinct", len(seen))
	}
	for r, count := range seen {
		if count != 3 {
			t.Fatalf("expected each renderer acquired 3 times over 9 calls, got %d for %p", count, r)
		}
	}
}

func TestPool_RegisterComponentOnAll(t *testing.T) {
	p := newTestPool(t, 3)

	code := `module.exports.default = function() { return jsx("div", {}); };`
	if err := p.RegisterComponentOnAll("Shared", code); err != nil {
		t.Fatalf("RegisterComponentOnAll failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		g := p.Acquire()
		_, err := g.Renderer().RenderElementTree("Shared", nil)
		g.Release()
		if err != nil {
			t.Fatalf("expected Shared to render on every renderer, got: %v", err)
		}
	}
}

func TestPool_RegisterComponentOnAll_ReportsFailures(t *testing.T) {
	p := newTestPool(t, 2)

	// No default export: registration fails on every renderer.
	err := p.RegisterComponentOnAll("Broken", `module.exports = {};`)
	if err == nil {
		t.Fatal("expected RegisterComponentOnAll to report failures")
	}
}

func TestPool_Stats(t *testing.T) {
	p := newTestPool(t, 2)

	stats := p.Stats()
	if stats.TotalRenderers != 2 {
		t.Fatalf("expected 2 total renderers, got %d", stats.TotalRenderers)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 in flight initially, got %d", stats.InFlight)
	}

	g := p.Acquire()
	stats = p.Stats()
	if stats.InFlight != 1 {
		t.Fatalf("expected 1 in flight while held, got %d", stats.InFlight)
	}
	g.Release()

	stats = p.Stats()
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 in flight after release, got %d", stats.InFlight)
	}
}

func TestPool_ConcurrentAcquireRelease(t *testing.T) {
	p := newTestPool(t, 4)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := p.Acquire()
			defer g.Release()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.Acquisitions != 50 {
		t.Fatalf("expected 50 acquisitions recorded, got %d", stats.Acquisitions)
	}
}
