// Package domain holds the shared types that flow between the script
// runtime, registry, renderer, suspense manager, and wire serializer.
// Nothing in this package has behavior beyond small accessors; it exists so
// every other package can depend on one stable vocabulary instead of each
// other's internals.
package domain

import "encoding/json"

// LoadState is the lifecycle state of a registered Component.
type LoadState string

const (
	LoadStateUnloaded LoadState = "unloaded"
	LoadStateLoading  LoadState = "loading"
	LoadStateLoaded   LoadState = "loaded"
	LoadStateFailed   LoadState = "failed"
)

// Component is a single registered server or client component.
type Component struct {
	ID             string    `json:"id"`
	Code           string    `json:"code"`
	Dependencies   []string  `json:"dependencies"`
	LoadState      LoadState `json:"load_state"`
	IsClient       bool      `json:"is_client"`
	IsServerAction bool      `json:"is_server_action"`
}

// ModuleEntry is one versioned, interned module source in the Module Store.
type ModuleEntry struct {
	Specifier string `json:"specifier"`
	Code      string `json:"code"`
	Version   uint64 `json:"version"`
	Meta      bool   `json:"meta"`
}

// ElementKind discriminates the Element tagged union.
type ElementKind string

const (
	ElementHTMLTag         ElementKind = "html_tag"
	ElementServerComponent ElementKind = "server_component"
	ElementClientComponent ElementKind = "client_component"
	ElementSuspense        ElementKind = "suspense"
	ElementPromise         ElementKind = "promise"
	ElementReference       ElementKind = "reference"
	ElementText            ElementKind = "text"
)

// Element is the tagged-union node of a rendered tree, mirroring spec.md §3's
// Element variants. Only the fields relevant to Kind are populated; callers
// must switch on Kind rather than inspect fields directly.
type Element struct {
	Kind ElementKind `json:"kind"`

	// HtmlTag
	TagName string `json:"tag_name,omitempty"`

	// ServerComponent
	ComponentID string `json:"component_id,omitempty"`

	// ClientComponent
	ClientRef *ClientRef `json:"client_ref,omitempty"`

	// Suspense
	Fallback   *Element `json:"fallback,omitempty"`
	Children   *Element `json:"children,omitempty"`
	BoundaryID string   `json:"boundary_id,omitempty"`

	// Promise
	PromiseHandle string `json:"promise_handle,omitempty"`

	// Reference
	RowID uint32 `json:"row_id,omitempty"`

	// Text
	Text string `json:"text,omitempty"`

	Props map[string]json.RawMessage `json:"props,omitempty"`
	Key   *string                    `json:"key,omitempty"`
}

// ClientRef names the module a ClientComponent element is deferred to.
type ClientRef struct {
	Path       string   `json:"path"`
	Chunks     []string `json:"chunks"`
	ExportName string   `json:"export_name"`
}

// NewHTMLElement builds an HtmlTag element.
func NewHTMLElement(tag string, props map[string]json.RawMessage, key *string) *Element {
	return &Element{Kind: ElementHTMLTag, TagName: tag, Props: props, Key: key}
}

// WithProp sets a single prop, marshaling v to JSON. Errors are swallowed and
// the prop is simply omitted, matching the renderer's best-effort prop
// propagation for values the script runtime could not serialize.
func (e *Element) WithProp(name string, v any) *Element {
	if e.Props == nil {
		e.Props = make(map[string]json.RawMessage)
	}
	if b, err := json.Marshal(v); err == nil {
		e.Props[name] = b
	}
	return e
}

// StreamChunkType discriminates the Stream chunk union of spec.md §3.
type StreamChunkType string

const (
	ChunkModuleImport   StreamChunkType = "module_import"
	ChunkInitialShell   StreamChunkType = "initial_shell"
	ChunkBoundaryUpdate StreamChunkType = "boundary_update"
	ChunkBoundaryError  StreamChunkType = "boundary_error"
	ChunkStreamComplete StreamChunkType = "stream_complete"
)

// StreamChunk is one unit of streamed output, pre-serialization.
type StreamChunk struct {
	Data       []byte
	ChunkType  StreamChunkType
	RowID      uint32
	IsFinal    bool
	BoundaryID *string
}

// RenderContext carries per-request data into a render call.
type RenderContext struct {
	Params       map[string]string   `json:"params"`
	SearchParams map[string][]string `json:"search_params"`
	Headers      map[string]string   `json:"headers"`
	Pathname     string              `json:"pathname"`
	Metadata     *PageMetadata       `json:"metadata,omitempty"`
}

// PageMetadata is optional per-route metadata (title, description, etc.)
// surfaced to the script runtime and, where applicable, to HTML <head> tags.
type PageMetadata struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// BatchStats reports Module Store batching effectiveness.
// See original_source storage.rs get_batch_stats for the estimation model.
type BatchStats struct {
	TotalBatchesProcessed    int64   `json:"total_batches_processed"`
	TotalOperationsBatched   int64   `json:"total_operations_batched"`
	AverageBatchSize         float64 `json:"average_batch_size"`
	BatchFlushFailures       int64   `json:"batch_flush_failures"`
	TimeSavedByBatchingMs    int64   `json:"time_saved_by_batching_ms"`
}

// PoolStats summarizes Renderer Pool health.
type PoolStats struct {
	TotalRenderers int     `json:"total_renderers"`
	InFlight       int     `json:"in_flight"`
	Acquisitions   int64   `json:"acquisitions"`
	Restarts       int64   `json:"restarts"`
	AvgWaitMs      float64 `json:"avg_wait_ms"`
}

// CacheMetrics summarizes Response Cache behavior.
type CacheMetrics struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	BytesInUse  int64 `json:"bytes_in_use"`
	EntryCount  int   `json:"entry_count"`
}

// RequestLog is one structured log row per render/stream, mirroring the
// domain stack's invocation-log shape (see internal/logging).
type RequestLog struct {
	Timestamp   string `json:"timestamp"`
	RequestID   string `json:"request_id"`
	TraceID     string `json:"trace_id,omitempty"`
	SpanID      string `json:"span_id,omitempty"`
	Route       string `json:"route"`
	ComponentID string `json:"component_id"`
	DurationMs  int64  `json:"duration_ms"`
	ColdStart   bool   `json:"cold_start"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	FromCache   bool   `json:"from_cache,omitempty"`
}

// ErrorKind is the taxonomy from spec.md §7.
type ErrorKind string

const (
	ErrInvalidRequest         ErrorKind = "InvalidRequest"
	ErrNotFound               ErrorKind = "NotFound"
	ErrUnauthorized           ErrorKind = "Unauthorized"
	ErrRateLimited            ErrorKind = "RateLimited"
	ErrScriptRuntime          ErrorKind = "ScriptRuntime"
	ErrModuleAlreadyEvaluated ErrorKind = "ModuleAlreadyEvaluated"
	ErrExecutorClosed         ErrorKind = "ExecutorClosed"
	ErrTimeout                ErrorKind = "Timeout"
	ErrInternal               ErrorKind = "Internal"
)

// RenderError is the typed error carried across the Renderer/Pool/Gateway
// boundary so the Gateway can map it to the right HTTP status without
// re-deriving intent from an error string.
type RenderError struct {
	Kind    ErrorKind
	Message string
	Stack   string
	// Retriable marks ModuleAlreadyEvaluated/ExecutorClosed per spec.md §7:
	// the pool should restart the owning renderer and the caller may retry.
	Retriable bool
}

func (e *RenderError) Error() string {
	if e.Stack != "" {
		return string(e.Kind) + ": " + e.Message + "\n" + e.Stack
	}
	return string(e.Kind) + ": " + e.Message
}

// HTTPStatus maps a RenderError's Kind to the Gateway response status per
// spec.md §7.
func (e *RenderError) HTTPStatus() int {
	switch e.Kind {
	case ErrInvalidRequest:
		return 400
	case ErrUnauthorized:
		return 401
	case ErrNotFound:
		return 404
	case ErrRateLimited:
		return 429
	case ErrTimeout:
		return 504
	default:
		return 500
	}
}
