// Package render implements a single renderer instance: an initialized
// script runtime plus the resource accounting and retry policy spec.md §4.D
// describes. Grounded on oriys-nova/internal/executor/executor.go's
// invocation pipeline shape (drain-check, resource acquisition, execute,
// async side effects) adapted from "invoke a function" to "render a
// component", and on original_source's rsc/renderer_pool.rs RscRenderer for
// the render call's return shape.
package render

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rari-dev/rari/internal/domain"
	"github.com/rari-dev/rari/internal/logging"
	"github.com/rari-dev/rari/internal/registry"
	"github.com/rari-dev/rari/internal/scriptrt"
)

// ResourceLimits bounds a renderer's concurrent work, matching the knobs
// named in spec.md §4.D.
type ResourceLimits struct {
	MaxConcurrentRenders     int
	MaxRenderTimeMs          int64
	MaxScriptExecutionTimeMs int64
	MaxMemoryPerComponentMB  int64
	MaxCacheSize             int
}

// DefaultResourceLimits matches the script runtime's own defaults.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxConcurrentRenders:     16,
		MaxRenderTimeMs:          5000,
		MaxScriptExecutionTimeMs: 3000,
		MaxMemoryPerComponentMB:  50,
		MaxCacheSize:             256,
	}
}

// bootstrapScript seeds the globals every render needs: a minimal JSX
// runtime producing the Element shape the wire serializer expects, a
// safe-property-access helper for optional chaining transpiled down to ES5,
// a server-function resolver stub, a client-component registry proxy, and a
// cache-clear utility. Kept intentionally small; component code never sees
// more than this.
const bootstrapScript = `
var __rari_components = {};
var __rari_client_components = {};
var __rari_server_functions = {};

function __rari_safe_get(obj, key) {
	if (obj === null || obj === undefined) {
		return undefined;
	}
	return obj[key];
}

function __rari_register_client(id, ref) {
	__rari_client_components[id] = ref;
}

function __rari_register_server_fn(id, fn) {
	__rari_server_functions[id] = fn;
}

function __rari_clear_component_cache(id) {
	if (id) {
		delete __rari_components[id];
		delete __rari_client_components[id];
		delete __rari_server_functions[id];
	} else {
		__rari_components = {};
		__rari_client_components = {};
		__rari_server_functions = {};
	}
}

function jsx(type, props, key) {
	return { type: type, props: props || {}, key: key || null };
}
var jsxs = jsx;
var Fragment = "__rari_fragment";

function __rari_escape_html(s) {
	return String(s)
		.replace(/&/g, "&amp;")
		.replace(/</g, "&lt;")
		.replace(/>/g, "&gt;")
		.replace(/"/g, "&quot;");
}

function __rari_stringify(node) {
	if (node === null || node === undefined || node === false) {
		return "";
	}
	if (typeof node === "string" || typeof node === "number") {
		return __rari_escape_html(node);
	}
	if (Object.prototype.toString.call(node) === "[object Array]") {
		var out = "";
		for (var i = 0; i < node.length; i++) {
			out += __rari_stringify(node[i]);
		}
		return out;
	}
	if (typeof node === "object" && node.type) {
		if (node.type === Fragment) {
			return __rari_stringify(node.props ? node.props.children : undefined);
		}
		if (typeof node.type === "function") {
			return __rari_stringify(node.type(node.props || {}));
		}
		var attrs = "";
		var props = node.props || {};
		for (var key in props) {
			if (key === "children" || !props.hasOwnProperty(key)) {
				continue;
			}
			attrs += " " + key + "=\"" + __rari_escape_html(props[key]) + "\"";
		}
		var children = props.children !== undefined ? __rari_stringify(props.children) : "";
		return "<" + node.type + attrs + ">" + children + "</" + node.type + ">";
	}
	return "";
}

function __rari_invoke_element(id, propsJson) {
	var fn = __rari_components[id];
	if (!fn) {
		throw new Error("component not registered: " + id);
	}
	var props = propsJson ? JSON.parse(propsJson) : {};
	return fn(props);
}

function __rari_invoke_string(id, propsJson) {
	return __rari_stringify(__rari_invoke_element(id, propsJson));
}
`

// notYetAvailableError marks the one retriable condition render.Renderer
// itself understands: a component that is still mid-registration.
func notYetAvailableError(id string) error {
	return &domain.RenderError{Kind: domain.ErrNotFound, Message: "component not yet available: " + id, Retriable: true}
}

// Renderer wraps one script runtime instance and enforces the
// per-renderer resource limits and retry policy.
type Renderer struct {
	rt       *scriptrt.Runtime
	reg      *registry.Registry
	limits   ResourceLimits
	initDone bool

	activeRenders atomic.Int64
}

// New constructs a Renderer. Call Initialize before the first render.
func New(reg *registry.Registry, limits ResourceLimits) *Renderer {
	cfg := scriptrt.DefaultConfig()
	if limits.MaxScriptExecutionTimeMs > 0 {
		cfg.MaxScriptExecutionTime = time.Duration(limits.MaxScriptExecutionTimeMs) * time.Millisecond
	}
	if limits.MaxMemoryPerComponentMB > 0 {
		cfg.MaxMemoryPerComponent = uint64(limits.MaxMemoryPerComponentMB) * 1024 * 1024
	}
	return &Renderer{
		rt:     scriptrt.New(cfg),
		reg:    reg,
		limits: limits,
	}
}

// Initialize injects the component language globals into the underlying
// script runtime. Must run before RegisterComponent/RenderToString.
func (r *Renderer) Initialize() error {
	if r.initDone {
		return nil
	}
	if _, err := r.rt.ExecuteScript("bootstrap", bootstrapScript); err != nil {
		return err
	}
	r.initDone = true
	return nil
}

// RegisterComponent compiles and loads code for id into the runtime.
func (r *Renderer) RegisterComponent(id, code string) error {
	if err := r.rt.AddModule(id, code); err != nil {
		return err
	}
	moduleID, err := r.rt.LoadModule(id, id)
	if err != nil {
		return err
	}
	if _, err := r.rt.EvaluateModule(moduleID); err != nil {
		r.reg.MarkFailed(id)
		return err
	}
	if err := r.rt.BindComponentEntry(moduleID, id); err != nil {
		r.reg.MarkFailed(id)
		return err
	}
	r.reg.MarkLoaded(id)
	return nil
}

// RenderToString renders id with propsJSON and returns its serialized HTML
// string representation, making up to three attempts in total with
// exponential backoff starting at 150ms between them when the component is
// not yet available.
func (r *Renderer) RenderToString(id string, propsJSON json.RawMessage) (string, error) {
	val, err := r.renderWithRetry(id, propsJSON, "__rari_invoke_string")
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return "", &domain.RenderError{Kind: domain.ErrInternal, Message: "render_to_string did not return a string: " + err.Error()}
	}
	return s, nil
}

// RenderElementTree renders id with props and returns its Element tree.
func (r *Renderer) RenderElementTree(id string, props map[string]json.RawMessage) (*domain.Element, error) {
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: err.Error()}
	}
	val, err := r.renderWithRetry(id, propsJSON, "__rari_invoke_element")
	if err != nil {
		return nil, err
	}
	var el domain.Element
	if err := json.Unmarshal(val, &el); err != nil {
		return nil, &domain.RenderError{Kind: domain.ErrInternal, Message: "render_element_tree did not return an Element: " + err.Error()}
	}
	return &el, nil
}

const (
	maxRenderRetries    = 3
	initialRetryBackoff = 150 * time.Millisecond
)

func (r *Renderer) renderWithRetry(id string, propsJSON json.RawMessage, entryPoint string) (json.RawMessage, error) {
	if !r.admit() {
		return nil, &domain.RenderError{Kind: domain.ErrRateLimited, Message: "max_concurrent_renders reached"}
	}
	defer r.release()

	var lastErr error
	backoff := initialRetryBackoff
	for attempt := 0; attempt < maxRenderRetries; attempt++ {
		if !r.reg.IsLoaded(id) {
			lastErr = notYetAvailableError(id)
		} else {
			args, _ := json.Marshal([]any{id, string(propsJSON)})
			val, err := r.rt.ExecuteFunction(entryPoint, args)
			if err == nil {
				return val, nil
			}
			lastErr = err
			if rerr, ok := err.(*domain.RenderError); !ok || !rerr.Retriable {
				return nil, err
			}
		}
		if attempt < maxRenderRetries-1 {
			logging.Op().Warn("render: component not yet available, retrying",
				"component_id", id, "attempt", attempt+1, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (r *Renderer) admit() bool {
	limit := int64(r.limits.MaxConcurrentRenders)
	if limit <= 0 {
		r.activeRenders.Add(1)
		return true
	}
	for {
		cur := r.activeRenders.Load()
		if cur >= limit {
			return false
		}
		if r.activeRenders.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (r *Renderer) release() {
	r.activeRenders.Add(-1)
}

// ActiveRenders, TotalRenders, TotalErrors expose the underlying script
// runtime's resource counters, per spec.md §4.D's "resource metrics
// accessors".
func (r *Renderer) ActiveRenders() int64 { return r.rt.ActiveRenders() }
func (r *Renderer) TotalRenders() int64  { return r.rt.TotalRenders() }
func (r *Renderer) TotalErrors() int64   { return r.rt.TotalErrors() }

// Close releases the underlying script runtime.
func (r *Renderer) Close() {
	r.rt.Close()
}
