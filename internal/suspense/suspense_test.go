package suspense

import "testing"

func TestRegisterBoundary_StartsUnresolved(t *testing.T) {
	m := New()
	m.RegisterBoundary(Boundary{ID: "b1", PendingPromiseCount: 1})

	b, ok := m.Get("b1")
	if !ok {
		t.Fatal("expected boundary b1 to be registered")
	}
	if b.SkeletonRendered || b.IsResolved {
		t.Fatalf("expected fresh registration to start unresolved, got %+v", b)
	}
}

func TestMarkSkeletonRendered_FirstCallerWins(t *testing.T) {
	m := New()
	m.RegisterBoundary(Boundary{ID: "b1"})

	if !m.MarkSkeletonRendered("b1") {
		t.Fatal("expected first call to return true")
	}
	if m.MarkSkeletonRendered("b1") {
		t.Fatal("expected second call to return false")
	}
	if m.MarkSkeletonRendered("b1") {
		t.Fatal("expected third call to still return false")
	}
}

func TestMarkSkeletonRendered_SetsBoundaryFlag(t *testing.T) {
	m := New()
	m.RegisterBoundary(Boundary{ID: "b1"})
	m.MarkSkeletonRendered("b1")

	b, _ := m.Get("b1")
	if !b.SkeletonRendered {
		t.Fatal("expected SkeletonRendered to be true after marking")
	}
}

func TestResolveBoundary_ClearsPendingAndSkeleton(t *testing.T) {
	m := New()
	m.RegisterBoundary(Boundary{ID: "b1", PendingPromiseCount: 3})
	m.MarkSkeletonRendered("b1")

	m.ResolveBoundary("b1", []byte(`{"ok":true}`))

	b, _ := m.Get("b1")
	if !b.IsResolved {
		t.Fatal("expected boundary to be resolved")
	}
	if b.PendingPromiseCount != 0 {
		t.Fatalf("expected pending count cleared, got %d", b.PendingPromiseCount)
	}
	if m.HasRenderedSkeleton("b1") {
		t.Fatal("expected resolved boundary to be removed from rendered-skeleton set")
	}
}

func TestGetPending_ExcludesResolvedAndIdle(t *testing.T) {
	m := New()
	m.RegisterBoundary(Boundary{ID: "pending", PendingPromiseCount: 1})
	m.RegisterBoundary(Boundary{ID: "idle", PendingPromiseCount: 0})
	m.RegisterBoundary(Boundary{ID: "resolved", PendingPromiseCount: 2})
	m.ResolveBoundary("resolved", []byte(`null`))

	pending := m.GetPending()
	if len(pending) != 1 || pending[0].ID != "pending" {
		t.Fatalf("expected only 'pending' boundary, got %+v", pending)
	}
}

func TestValidateNoDuplicateSkeletons_NoInconsistency(t *testing.T) {
	m := New()
	m.RegisterBoundary(Boundary{ID: "b1"})
	m.MarkSkeletonRendered("b1")

	if got := m.ValidateNoDuplicateSkeletons(); len(got) != 0 {
		t.Fatalf("expected no inconsistencies, got %v", got)
	}
}

func TestValidateNoDuplicateSkeletons_DetectsMismatch(t *testing.T) {
	m := New()
	m.RegisterBoundary(Boundary{ID: "b1"})
	m.MarkSkeletonRendered("b1")
	// Simulate the tracked set losing the id without the boundary being
	// resolved, which should never legitimately happen.
	m.mu.Lock()
	delete(m.renderedSkeletonIDs, "b1")
	m.mu.Unlock()

	got := m.ValidateNoDuplicateSkeletons()
	if len(got) != 1 || got[0] != "b1" {
		t.Fatalf("expected b1 reported as inconsistent, got %v", got)
	}
}

func TestRenderedSkeletonCount(t *testing.T) {
	m := New()
	m.RegisterBoundary(Boundary{ID: "b1"})
	m.RegisterBoundary(Boundary{ID: "b2"})
	m.MarkSkeletonRendered("b1")
	m.MarkSkeletonRendered("b2")

	if m.RenderedSkeletonCount() != 2 {
		t.Fatalf("expected 2 rendered skeletons, got %d", m.RenderedSkeletonCount())
	}
}
