// Package registry tracks every component's source, compiled code,
// dependency edges, and load state, and derives the order components must
// load in. See _examples/oriys-nova/internal/workflow/dag.go for the
// topological-sort style this is grounded on; unlike that DAG validator,
// a cycle here is broken and logged rather than rejected outright, since a
// single bad component must not block every other route from rendering.
package registry

import (
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/rari-dev/rari/internal/domain"
	"github.com/rari-dev/rari/internal/logging"
)

var importRegexp = regexp.MustCompile(`(?:import|from)\s*(['"])(.*?)(['"])`)

// extractDependencies scans source for import specifiers pointing at
// relative or path-like modules, excluding anything under "react".
// Grounded on original_source's rsc/dependency_utils.rs extract_dependencies.
func extractDependencies(source string) []string {
	matches := importRegexp.FindAllStringSubmatch(source, -1)
	deps := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) < 3 {
			continue
		}
		spec := m[2]
		if len(spec) == 0 {
			continue
		}
		if hasPrefix(spec, "react") {
			continue
		}
		if hasPrefix(spec, ".") || hasPrefix(spec, "/") || contains(spec, "/") {
			deps = append(deps, spec)
		}
	}
	return deps
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// Registry is the component directory. The zero value is not usable;
// construct with New.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*domain.Component
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{components: make(map[string]*domain.Component)}
}

// Register records id's source and compiled code, deriving its dependency
// list from source unless deps is already supplied.
func (r *Registry) Register(id, source, compiledCode string, deps []string) {
	if deps == nil {
		deps = extractDependencies(source)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[id] = &domain.Component{
		ID:           id,
		Code:         compiledCode,
		Dependencies: deps,
		LoadState:    domain.LoadStateUnloaded,
	}
}

// MarkLoaded transitions id to the loaded state. A no-op if id is unknown.
func (r *Registry) MarkLoaded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.components[id]; ok {
		c.LoadState = domain.LoadStateLoaded
	}
}

// MarkFailed transitions id to the failed state without disturbing any
// other component's state, matching spec.md §4.C's isolation requirement.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.components[id]; ok {
		c.LoadState = domain.LoadStateFailed
	}
}

// IsLoaded reports whether id has completed loading.
func (r *Registry) IsLoaded(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[id]
	return ok && c.LoadState == domain.LoadStateLoaded
}

// Get returns a copy of id's registry entry.
func (r *Registry) Get(id string) (domain.Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[id]
	if !ok {
		return domain.Component{}, false
	}
	return *c, true
}

// Dependencies returns id's declared dependency specifiers.
func (r *Registry) Dependencies(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[id]
	if !ok {
		return nil
	}
	out := make([]string, len(c.Dependencies))
	copy(out, c.Dependencies)
	return out
}

// TopologicalOrder returns every registered component id ordered so that
// each id appears after its dependencies. Cycles are broken by skipping
// the back edge that would re-visit a component already on the current
// DFS path; each broken edge is logged and does not error the call.
func (r *Registry) TopologicalOrder() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.components))
	depsByID := make(map[string][]string, len(r.components))
	for id, c := range r.components {
		ids = append(ids, id)
		depsByID[id] = c.Dependencies
	}
	r.mu.RUnlock()

	// Dependency specifiers are module paths, not necessarily registered
	// component ids; a specifier that is not itself a known id resolves to
	// its last path element without extension ("./Layout" -> "Layout").
	// Only edges between two known ids participate in ordering, so
	// unresolved imports (npm packages, client-only chunks) are silently
	// skipped rather than treated as missing components.
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on current DFS path
		black = 2 // finished
	)
	color := make(map[string]int, len(ids))
	var order []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		for _, spec := range depsByID[id] {
			dep := spec
			if !known[dep] {
				dep = strings.TrimSuffix(path.Base(spec), path.Ext(spec))
				if !known[dep] {
					continue
				}
			}
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				logging.Op().Warn("registry: breaking dependency cycle", "from", id, "to", dep)
			case black:
				// already ordered
			}
		}
		color[id] = black
		order = append(order, id)
	}

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return order
}
