// Package suspense tracks the lifecycle of suspense boundaries within a
// single streaming response: Registered -> SkeletonRendered -> Resolved.
// Grounded on original_source/crates/rari/src/rsc/streaming/boundary_manager.rs,
// translated from its tokio::Mutex-guarded maps to plain sync.Mutex since a
// Manager is scoped to one in-flight request rather than shared across an
// async runtime.
package suspense

import (
	"encoding/json"
	"sync"

	"github.com/rari-dev/rari/internal/logging"
)

// Boundary is the registered state of one suspense boundary.
type Boundary struct {
	ID                 string
	FallbackContent    json.RawMessage
	ParentBoundaryID   string
	PendingPromiseCount int
	SkeletonRendered   bool
	IsResolved         bool
}

// Manager tracks every boundary registered for a single response. The zero
// value is not usable; construct with New.
type Manager struct {
	mu                  sync.Mutex
	boundaries          map[string]*Boundary
	order               []string
	resolvedContent     map[string]json.RawMessage
	renderedSkeletonIDs map[string]struct{}
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		boundaries:          make(map[string]*Boundary),
		resolvedContent:     make(map[string]json.RawMessage),
		renderedSkeletonIDs: make(map[string]struct{}),
	}
}

// RegisterBoundary adds b to the tracked set. A repeat registration under
// the same id is logged and overwrites the prior entry, mirroring
// register_boundary's duplicate-registration warning.
func (m *Manager) RegisterBoundary(b Boundary) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.boundaries[b.ID]; exists {
		logging.Op().Warn("duplicate boundary registration, may cause duplicate loading skeletons", "boundary_id", b.ID)
	} else {
		m.order = append(m.order, b.ID)
	}

	b.SkeletonRendered = false
	b.IsResolved = false
	copied := b
	m.boundaries[b.ID] = &copied
}

// MarkSkeletonRendered records that a loading skeleton was emitted for
// boundaryID. It returns true only the first time it's called for a given
// id; later calls log a warning and return false, matching
// mark_skeleton_rendered's first-caller-wins contract.
func (m *Manager) MarkSkeletonRendered(boundaryID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, alreadyRendered := m.renderedSkeletonIDs[boundaryID]
	isFirst := !alreadyRendered
	if !isFirst {
		logging.Op().Warn("duplicate loading skeleton for boundary, only one should render per boundary", "boundary_id", boundaryID)
	}
	m.renderedSkeletonIDs[boundaryID] = struct{}{}

	if b, ok := m.boundaries[boundaryID]; ok {
		if b.SkeletonRendered {
			logging.Op().Warn("boundary already has skeleton_rendered=true, but skeleton is being rendered again", "boundary_id", boundaryID)
		}
		b.SkeletonRendered = true
	}

	return isFirst
}

// ResolveBoundary records content for boundaryID, clears its pending count,
// marks it resolved, and removes it from the rendered-skeleton set so a
// later validation pass does not flag it as orphaned.
func (m *Manager) ResolveBoundary(boundaryID string, content json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.boundaries[boundaryID]; ok && b.IsResolved {
		logging.Op().Warn("boundary already resolved, duplicate resolution may orphan loading skeletons", "boundary_id", boundaryID)
	}

	m.resolvedContent[boundaryID] = content

	if b, ok := m.boundaries[boundaryID]; ok {
		b.PendingPromiseCount = 0
		b.IsResolved = true
	}

	delete(m.renderedSkeletonIDs, boundaryID)
}

// GetPending returns every boundary that is neither resolved nor idle,
// in registration order.
func (m *Manager) GetPending() []Boundary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []Boundary
	for _, id := range m.order {
		b := m.boundaries[id]
		if b == nil {
			continue
		}
		if _, resolved := m.resolvedContent[id]; resolved {
			continue
		}
		if b.PendingPromiseCount > 0 {
			pending = append(pending, *b)
		}
	}
	return pending
}

// ValidateNoDuplicateSkeletons returns the ids of boundaries whose
// skeleton_rendered flag is set but which are missing from the
// rendered-skeleton set and are not yet resolved — an inconsistent state
// that should never occur, surfaced for the caller to log/alert on.
func (m *Manager) ValidateNoDuplicateSkeletons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inconsistent []string
	for _, id := range m.order {
		b := m.boundaries[id]
		if b == nil || !b.SkeletonRendered || b.IsResolved {
			continue
		}
		if _, rendered := m.renderedSkeletonIDs[id]; !rendered {
			logging.Op().Warn("inconsistency: boundary has skeleton_rendered=true but is not tracked as rendered", "boundary_id", id)
			inconsistent = append(inconsistent, id)
		}
	}
	if len(inconsistent) > 0 {
		logging.Op().Error("duplicate skeleton validation failed", "count", len(inconsistent))
	}
	return inconsistent
}

// RenderedSkeletonCount returns how many boundaries currently have an
// outstanding (unresolved) rendered skeleton.
func (m *Manager) RenderedSkeletonCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.renderedSkeletonIDs)
}

// HasRenderedSkeleton reports whether boundaryID currently has an
// outstanding rendered skeleton.
func (m *Manager) HasRenderedSkeleton(boundaryID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.renderedSkeletonIDs[boundaryID]
	return ok
}

// Get returns the current state of boundaryID, if registered.
func (m *Manager) Get(boundaryID string) (Boundary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boundaries[boundaryID]
	if !ok {
		return Boundary{}, false
	}
	return *b, true
}
