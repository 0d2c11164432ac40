// Package layout matches an incoming request path against registered route
// patterns, extracting path parameters along the way.
//
// Grounded on oriys-nova's internal/gateway/gateway.go (splitPath,
// matchParamRoute, and the exact-match-first / parameterized-match /
// prefix-walk-up chain in matchRouteWithParams), extended with catch-all
// (*name) and optional-catch-all (**name) segment kinds per spec.md §4.I —
// segment kinds the teacher's gateway never needed since its routes only
// ever carried {name}-style single-segment parameters.
package layout

import (
	"fmt"
	"strings"
	"sync"
)

type segmentKind int

const (
	segStatic segmentKind = iota
	segDynamic
	segCatchAll
	segOptionalCatchAll
)

type segment struct {
	kind segmentKind
	name string
}

func parseSegment(raw string) segment {
	switch {
	case strings.HasPrefix(raw, "**"):
		return segment{kind: segOptionalCatchAll, name: raw[2:]}
	case strings.HasPrefix(raw, "*"):
		return segment{kind: segCatchAll, name: raw[1:]}
	case strings.HasPrefix(raw, ":"):
		return segment{kind: segDynamic, name: raw[1:]}
	default:
		return segment{kind: segStatic, name: raw}
	}
}

// splitPath splits a URL path into segments, ignoring the leading slash.
func splitPath(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// route is one registered pattern, parsed into segments, with its bound
// target (typically a component id or handler).
type route struct {
	pattern  string
	segments []segment
	target   any
}

// isDynamic reports whether the pattern contains any non-static segment.
func (r *route) isDynamic() bool {
	for _, s := range r.segments {
		if s.kind != segStatic {
			return true
		}
	}
	return false
}

// tier ranks routes for priority: lower tiers win. Static-and-dynamic-only
// routes outrank catch-all routes, which outrank optional-catch-all routes
// (the broadest match, since it alone can match zero trailing segments).
func (r *route) tier() int {
	for _, s := range r.segments {
		switch s.kind {
		case segOptionalCatchAll:
			return 2
		case segCatchAll:
			return 1
		}
	}
	return 0
}

// leadingStatic counts the static segments before the first dynamic or
// catch-all segment, used to break ties between same-tier routes by
// longest static prefix.
func (r *route) leadingStatic() int {
	n := 0
	for _, s := range r.segments {
		if s.kind != segStatic {
			break
		}
		n++
	}
	return n
}

// RouteManifest describes everything the gateway needs to render a matched
// route: the ordered chain of nested layouts, the leaf page component, and
// the optional loading/error/not-found boundaries associated with it.
// Register it as a route's target so Match's returned target can be type
// asserted directly into the shape the gateway and the route-info endpoint
// expect, instead of a bare component id.
type RouteManifest struct {
	RouteID        string   `json:"route_id"`
	OrderedLayouts []string `json:"ordered_layouts"`
	Page           string   `json:"page"`
	Loading        string   `json:"loading,omitempty"`
	Error          string   `json:"error,omitempty"`
	NotFound       string   `json:"not_found,omitempty"`
	IsDynamic      bool     `json:"is_dynamic"`
}

// MatchedRoute bundles a RouteManifest with the path params extracted for
// this specific request, the shape returned by MatchRoute.
type MatchedRoute struct {
	Manifest *RouteManifest    `json:"manifest"`
	Params   map[string]string `json:"params,omitempty"`
}

// Composer matches request paths against registered route patterns. The
// zero value is not usable; construct with New.
type Composer struct {
	mu    sync.RWMutex
	exact map[string]*route
	rest  []*route
}

// New constructs an empty Composer.
func New() *Composer {
	return &Composer{exact: make(map[string]*route)}
}

// Register adds pattern, bound to target, so a later Match can resolve it.
// Catch-all and optional-catch-all segments must be the pattern's final
// segment.
func (c *Composer) Register(pattern string, target any) error {
	segs := splitPath(pattern)
	parsed := make([]segment, len(segs))
	for i, raw := range segs {
		parsed[i] = parseSegment(raw)
		if i != len(segs)-1 && (parsed[i].kind == segCatchAll || parsed[i].kind == segOptionalCatchAll) {
			return fmt.Errorf("layout: catch-all segment %q must be the last segment in %q", raw, pattern)
		}
	}

	r := &route{pattern: pattern, segments: parsed, target: target}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !r.isDynamic() {
		key := strings.Join(segs, "/")
		c.exact[key] = r
		return nil
	}
	c.rest = append(c.rest, r)
	return nil
}

// Match resolves path against every registered route, preferring an exact
// static match, then the highest-priority dynamic/catch-all match. Params
// is nil (not merely empty) when the matched route has no parameters.
func (c *Composer) Match(path string) (target any, params map[string]string, ok bool) {
	reqSegs := splitPath(path)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if r, found := c.exact[strings.Join(reqSegs, "/")]; found {
		return r.target, nil, true
	}

	var best *route
	var bestParams map[string]string
	for _, r := range c.rest {
		p, matched := matchSegments(r.segments, reqSegs)
		if !matched {
			continue
		}
		if best == nil || better(r, best) {
			best, bestParams = r, p
		}
	}
	if best == nil {
		return nil, nil, false
	}
	return best.target, bestParams, true
}

// RegisterManifest registers pattern bound to a RouteManifest, setting
// manifest.IsDynamic from the pattern's segments so callers don't have to
// track it themselves.
func (c *Composer) RegisterManifest(pattern string, manifest *RouteManifest) error {
	segs := splitPath(pattern)
	for _, raw := range segs {
		if parseSegment(raw).kind != segStatic {
			manifest.IsDynamic = true
			break
		}
	}
	return c.Register(pattern, manifest)
}

// MatchRoute matches path and, if the bound target is a *RouteManifest,
// returns it paired with the extracted params. Returns ok=false if no route
// matches or the matched target is not a RouteManifest.
func (c *Composer) MatchRoute(path string) (*MatchedRoute, bool) {
	target, params, ok := c.Match(path)
	if !ok {
		return nil, false
	}
	manifest, ok := target.(*RouteManifest)
	if !ok {
		return nil, false
	}
	return &MatchedRoute{Manifest: manifest, Params: params}, true
}

// better reports whether candidate should be preferred over current:
// lower tier wins, then longer static prefix.
func better(candidate, current *route) bool {
	if candidate.tier() != current.tier() {
		return candidate.tier() < current.tier()
	}
	return candidate.leadingStatic() > current.leadingStatic()
}

func matchSegments(pattern []segment, reqSegs []string) (map[string]string, bool) {
	var params map[string]string
	i := 0
	for i < len(pattern) {
		seg := pattern[i]
		switch seg.kind {
		case segStatic:
			if i >= len(reqSegs) || reqSegs[i] != seg.name {
				return nil, false
			}
		case segDynamic:
			if i >= len(reqSegs) {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.name] = reqSegs[i]
		case segCatchAll:
			if i >= len(reqSegs) {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.name] = strings.Join(reqSegs[i:], "/")
			return params, true
		case segOptionalCatchAll:
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.name] = strings.Join(reqSegs[i:], "/")
			return params, true
		}
		i++
	}
	if i != len(reqSegs) {
		return nil, false
	}
	return params, true
}
