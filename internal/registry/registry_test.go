package registry

import "testing"

func TestExtractDependencies(t *testing.T) {
	code := `
		import React from 'react';
		import { useState } from 'react';
		import Button from './Button';
		import { Card, CardContent } from '../components/Card';

		export default function Component() {
			return null;
		}
	`

	deps := extractDependencies(code)
	if len(deps) != 2 {
		t.Fatalf("expected 2 dependencies, got %d: %v", len(deps), deps)
	}
	found := map[string]bool{}
	for _, d := range deps {
		found[d] = true
	}
	if !found["./Button"] {
		t.Fatal("expected './Button' to be extracted")
	}
	if !found["../components/Card"] {
		t.Fatal("expected '../components/Card' to be extracted")
	}
}

func TestRegistry_RegisterDerivesDependencies(t *testing.T) {
	r := New()
	r.Register("Page", `import Header from './Header';`, "compiled", nil)

	deps := r.Dependencies("Page")
	if len(deps) != 1 || deps[0] != "./Header" {
		t.Fatalf("expected derived dependency './Header', got %v", deps)
	}
}

func TestRegistry_RegisterExplicitDependencies(t *testing.T) {
	r := New()
	r.Register("Page", "", "compiled", []string{"./Explicit"})

	deps := r.Dependencies("Page")
	if len(deps) != 1 || deps[0] != "./Explicit" {
		t.Fatalf("expected explicit dependency './Explicit', got %v", deps)
	}
}

func TestRegistry_MarkLoadedAndIsLoaded(t *testing.T) {
	r := New()
	r.Register("Page", "", "compiled", nil)

	if r.IsLoaded("Page") {
		t.Fatal("expected Page to start unloaded")
	}
	r.MarkLoaded("Page")
	if !r.IsLoaded("Page") {
		t.Fatal("expected Page to report loaded after MarkLoaded")
	}
}

func TestRegistry_MarkFailedDoesNotAffectOthers(t *testing.T) {
	r := New()
	r.Register("A", "", "compiled-a", nil)
	r.Register("B", "", "compiled-b", nil)
	r.MarkLoaded("A")
	r.MarkLoaded("B")

	r.MarkFailed("A")

	a, _ := r.Get("A")
	if a.LoadState != "failed" {
		t.Fatalf("expected A to be failed, got %s", a.LoadState)
	}
	if !r.IsLoaded("B") {
		t.Fatal("expected B to remain loaded after A failed")
	}
}

func TestRegistry_Get_Unknown(t *testing.T) {
	r := New()
	_, ok := r.Get("missing")
	if ok {
		t.Fatal("expected Get on unknown id to report not found")
	}
}

func TestRegistry_TopologicalOrder_RespectsDependencies(t *testing.T) {
	r := New()
	r.Register("Page", "", "", []string{"./Layout"})
	r.Register("Layout", "", "", []string{"./Header"})
	r.Register("Header", "", "", nil)

	order := r.TopologicalOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	if pos["Header"] > pos["Layout"] {
		t.Fatalf("expected Header before Layout, order: %v", order)
	}
	if pos["Layout"] > pos["Page"] {
		t.Fatalf("expected Layout before Page, order: %v", order)
	}
}

func TestRegistry_TopologicalOrder_IgnoresUnknownDependencies(t *testing.T) {
	r := New()
	r.Register("Page", "", "", []string{"./not-a-component", "lodash/debounce"})

	order := r.TopologicalOrder()
	if len(order) != 1 || order[0] != "Page" {
		t.Fatalf("expected only Page in order, got %v", order)
	}
}

func TestRegistry_TopologicalOrder_BreaksCycles(t *testing.T) {
	r := New()
	r.Register("A", "", "", []string{"./B"})
	r.Register("B", "", "", []string{"./A"})

	order := r.TopologicalOrder()
	if len(order) != 2 {
		t.Fatalf("expected cycle to still produce a full order, got %v", order)
	}
	seen := map[string]bool{}
	for _, id := range order {
		seen[id] = true
	}
	if !seen["A"] || !seen["B"] {
		t.Fatalf("expected both A and B in broken-cycle order, got %v", order)
	}
}
