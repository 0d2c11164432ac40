// Package gateway is the HTTP entry point: it matches a request path
// against the Layout Composer, negotiates wire vs HTML/SSR rendering from
// the Accept header, drives the Renderer Pool (directly for HTML mode, via
// the Streaming Renderer for wire mode), and fronts all of that with CORS,
// per-endpoint rate limiting, and CSRF/shared-secret checks.
//
// Grounded on oriys-nova's internal/gateway/gateway.go for the overall
// shape (a ServeMux-style dispatcher with a token-bucket rate limiter and
// CORS helpers bolted on) and on spec.md §4.K/§6 for the render-domain
// contract the teacher's FaaS routing never had to express: content
// negotiation, component composition, and the on-demand revalidation
// surface.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rari-dev/rari/internal/cache"
	"github.com/rari-dev/rari/internal/circuitbreaker"
	"github.com/rari-dev/rari/internal/config"
	"github.com/rari-dev/rari/internal/domain"
	"github.com/rari-dev/rari/internal/layout"
	"github.com/rari-dev/rari/internal/logging"
	"github.com/rari-dev/rari/internal/logsink"
	"github.com/rari-dev/rari/internal/metrics"
	"github.com/rari-dev/rari/internal/observability"
	"github.com/rari-dev/rari/internal/pool"
	"github.com/rari-dev/rari/internal/registry"
	"github.com/rari-dev/rari/internal/security"
	"github.com/rari-dev/rari/internal/streaming"
	"github.com/rari-dev/rari/internal/wire"
)

// Gateway dispatches incoming HTTP requests to the page-render path or to
// the `/_rari/*` control surface. The zero value is not usable; construct
// with New.
type Gateway struct {
	cfg       *config.Config
	registry  *registry.Registry
	routes    *layout.Composer
	pool      *pool.Pool
	respCache *cache.ResponseCache
	invalidator *cache.CacheInvalidator
	persist     *logsink.Batcher
	breakers    *circuitbreaker.Registry

	csrf              *security.CSRFSigner
	revalidateChecker *security.RevalidateSecretChecker

	ogHandler    http.Handler
	imageHandler http.Handler

	limiters sync.Map // "endpoint|ip" -> *rateLimiter

	devMode   bool
	startedAt time.Time

	mux *http.ServeMux
}

// New constructs a Gateway wired to the given configuration, component
// registry, route table, renderer pool, and Response Cache. CSRF is
// enabled only when cfg.Security.CSRFSecret is non-empty. External og-image
// and image-optimize handlers default to a 501 stub; wire real
// implementations with SetExternalHandlers.
func New(cfg *config.Config, reg *registry.Registry, routes *layout.Composer, p *pool.Pool, respCache *cache.ResponseCache) *Gateway {
	g := &Gateway{
		cfg:               cfg,
		registry:          reg,
		routes:            routes,
		pool:              p,
		respCache:         respCache,
		revalidateChecker: security.NewRevalidateSecretChecker(cfg.Security.RevalidateSecret),
		breakers:          circuitbreaker.NewRegistry(),
		devMode:           os.Getenv("NODE_ENV") != "production",
		startedAt:         time.Now(),
	}
	if cfg.Security.Enabled && cfg.Security.CSRFSecret != "" {
		g.csrf = security.NewCSRFSigner(cfg.Security.CSRFSecret, cfg.Security.CSRFTokenMaxAge)
	}
	g.mux = http.NewServeMux()
	g.registerRoutes()
	return g
}

// SetExternalHandlers wires the og-image rasterizer and image optimizer,
// both external collaborators per spec.md's scope note. Either may be nil,
// in which case its endpoint responds 501.
func (g *Gateway) SetExternalHandlers(og, image http.Handler) {
	g.ogHandler = og
	g.imageHandler = image
}

// SetInvalidator wires a CacheInvalidator so /_rari/revalidate/* also fans
// out to other gateway instances over Redis Pub/Sub, not just this
// process's own Response Cache.
func (g *Gateway) SetInvalidator(inv *cache.CacheInvalidator) {
	g.invalidator = inv
}

// SetPersistSink wires an optional batching persistence sink that receives
// every RequestLog row alongside the structured request log file. A nil
// batcher (the default) disables persistence entirely.
func (g *Gateway) SetPersistSink(batcher *logsink.Batcher) {
	g.persist = batcher
}

func (g *Gateway) registerRoutes() {
	g.mux.HandleFunc("GET /_rari/route-info", g.handleRouteInfo)
	g.mux.HandleFunc("GET /_rari/cache-stats", g.handleCacheStats)
	g.mux.HandleFunc("GET /_rari/csrf", g.handleCSRF)
	g.mux.HandleFunc("POST /_rari/register", g.handleRegister)
	g.mux.HandleFunc("POST /_rari/reload", g.handleReload)
	g.mux.HandleFunc("POST /_rari/revalidate/path", g.handleRevalidatePath)
	g.mux.HandleFunc("POST /_rari/revalidate/tag", g.handleRevalidateTag)
	g.mux.HandleFunc("GET /_rari/og/", g.handleOG)
	g.mux.HandleFunc("GET /_rari/image", g.handleImage)
	g.mux.Handle("GET /_rari/metrics", metrics.PrometheusHandler())
	g.mux.Handle("GET /_rari/metrics/json", metrics.Global().JSONHandler())
	g.mux.HandleFunc("GET /healthz", g.handleHealthz)
	g.mux.HandleFunc("GET /", g.handleRender)
}

// statusRecorder captures the status code a handler wrote, for request
// logging, without otherwise altering ResponseWriter behavior.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type ctxKey int

const ctxKeyRequestID ctxKey = 0

// ServeHTTP applies CORS, recovers handler panics into a 500 RenderError,
// and delegates everything else to the registered route table. CORS
// preflight is intercepted here, ahead of mux dispatch, since a bare
// "OPTIONS /" mux pattern would not match every registered path.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)

	ctx, span := observability.StartServerSpan(ctx, "gateway.request",
		observability.AttrRoute.String(r.URL.Path),
		observability.AttrRequestID.String(requestID))
	defer span.End()
	r = r.WithContext(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			logging.Op().Error("gateway: panic recovered", "path", r.URL.Path, "panic", rec)
			observability.SetSpanError(span, fmt.Errorf("panic: %v", rec))
			g.writeError(w, &domain.RenderError{Kind: domain.ErrInternal, Message: "internal error"})
		}
	}()

	origin := r.Header.Get("Origin")
	if r.Method == http.MethodOptions {
		g.handlePreflight(w, origin)
		return
	}
	if origin != "" {
		g.setCORSHeaders(w, origin)
	}

	rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	g.mux.ServeHTTP(rw, r)

	observability.SetSpanOK(span)
	logging.Op().Debug("gateway: request handled",
		"request_id", requestID, "method", r.Method, "path", r.URL.Path,
		"status", rw.status, "duration_ms", time.Since(start).Milliseconds())
}

// --- CORS -------------------------------------------------------------
//
// Grounded on oriys-nova/internal/gateway/gateway.go's handlePreflight /
// setCORSHeaders / originAllowed, simplified from a per-route CORS policy
// to a single gateway-wide allow-list since rari has one origin policy for
// every route, not one per function.

func (g *Gateway) handlePreflight(w http.ResponseWriter, origin string) {
	if origin == "" || !g.originAllowed(origin) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Rari-CSRF-Token, X-Rari-Revalidate-Secret")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) setCORSHeaders(w http.ResponseWriter, origin string) {
	if !g.originAllowed(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Expose-Headers", "X-Rari-Request-Id")
}

func (g *Gateway) originAllowed(origin string) bool {
	for _, a := range g.cfg.Gateway.AllowedOrigins {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// --- Rate limiting ------------------------------------------------------
//
// Token-bucket limiter ported near-verbatim from oriys-nova's gateway,
// keyed per endpoint+client IP instead of per gateway route, to match
// spec.md §4.K's distinct-bucket-per-endpoint requirement.

type rateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens = minFloat(rl.maxTokens, rl.tokens+elapsed*rl.refillRate)
	rl.lastRefill = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (g *Gateway) getOrCreateLimiter(endpoint, ip string, tier config.RateLimitTier) *rateLimiter {
	key := endpoint + "|" + ip
	if v, ok := g.limiters.Load(key); ok {
		return v.(*rateLimiter)
	}
	rl := &rateLimiter{
		tokens:     float64(tier.BurstSize),
		maxTokens:  float64(tier.BurstSize),
		refillRate: tier.RequestsPerSecond,
		lastRefill: time.Now(),
	}
	actual, _ := g.limiters.LoadOrStore(key, rl)
	return actual.(*rateLimiter)
}

// rateLimit checks the named endpoint's bucket for the requesting IP,
// writing a 429 with Retry-After and reporting the rejection metric when
// exhausted. An endpoint with no configured tier is unlimited.
func (g *Gateway) rateLimit(endpoint string, w http.ResponseWriter, r *http.Request) bool {
	tier, ok := g.cfg.Gateway.RateLimits[endpoint]
	if !ok {
		return true
	}
	rl := g.getOrCreateLimiter(endpoint, clientIP(r), tier)
	if !rl.allow() {
		metrics.RecordRateLimitRejection(endpoint)
		w.Header().Set("Retry-After", "1")
		g.writeError(w, &domain.RenderError{Kind: domain.ErrRateLimited, Message: fmt.Sprintf("rate limit exceeded for %s", endpoint)})
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Security ------------------------------------------------------------

func (g *Gateway) requireCSRF(w http.ResponseWriter, r *http.Request) bool {
	if g.csrf == nil {
		return true
	}
	token := r.Header.Get("X-Rari-CSRF-Token")
	if token == "" {
		token = r.URL.Query().Get("csrf_token")
	}
	if err := g.csrf.Verify(token); err != nil {
		metrics.RecordCSRFFailure(err.Error())
		g.writeError(w, &domain.RenderError{Kind: domain.ErrUnauthorized, Message: "csrf verification failed: " + err.Error()})
		return false
	}
	return true
}

func (g *Gateway) requireRevalidateSecret(w http.ResponseWriter, r *http.Request) bool {
	secret := r.Header.Get("X-Rari-Revalidate-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	if !g.revalidateChecker.Check(secret) {
		g.writeError(w, &domain.RenderError{Kind: domain.ErrUnauthorized, Message: "invalid or missing revalidate secret"})
		return false
	}
	return true
}

// --- Page render path ----------------------------------------------------

func (g *Gateway) handleRender(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !g.rateLimit("render", w, r) {
		return
	}

	path := r.URL.Path
	matched, ok := g.routes.MatchRoute(path)
	if !ok {
		g.writeError(w, &domain.RenderError{Kind: domain.ErrNotFound, Message: "no route matches " + path})
		return
	}

	wireMode := strings.Contains(r.Header.Get("Accept"), "text/x-component")
	searchParams := r.URL.Query()
	flatSearch := flattenQuery(searchParams)
	cacheable := r.Method == http.MethodGet && !g.devMode

	var fingerprint string
	if cacheable {
		fingerprint = cache.Fingerprint(path, matched.Params, flatSearch)
		if entry, ok := g.respCache.Get(fingerprint); ok {
			metrics.Global().RecordCacheHit()
			metrics.RecordPrometheusCacheResult(true)
			writeResponseEntry(w, entry)
			g.logRequest(r, matched.Manifest.Page, path, time.Since(start), true)
			return
		}
		metrics.Global().RecordCacheMiss()
		metrics.RecordPrometheusCacheResult(false)
	}

	renderStart := time.Now()
	root, err := composeRouteElement(matched.Manifest, matched.Params, searchParams, path)
	if err != nil {
		g.writeError(w, err)
		return
	}

	renderFn := func(id string, props map[string]json.RawMessage) (*domain.Element, error) {
		breaker := g.breakerFor(id)
		if breaker != nil && !breaker.Allow() {
			return nil, &domain.RenderError{Kind: domain.ErrRateLimited, Message: fmt.Sprintf("component %q circuit open", id)}
		}

		waitStart := time.Now()
		guard := g.pool.Acquire()
		metrics.RecordPoolAcquireWait(float64(time.Since(waitStart).Milliseconds()))
		defer guard.Release()
		metrics.IncActiveRenders()
		defer metrics.DecActiveRenders()

		element, err := guard.Renderer().RenderElementTree(id, props)
		if breaker != nil {
			if err != nil {
				breaker.RecordFailure()
			} else {
				breaker.RecordSuccess()
			}
		}
		return element, err
	}

	var renderErr error
	if wireMode {
		renderErr = g.streamWire(r.Context(), w, root, renderFn, cacheable, fingerprint, path)
	} else {
		renderErr = g.renderHTML(w, root, renderFn, cacheable, fingerprint, path)
	}

	durationMs := time.Since(renderStart).Milliseconds()
	metrics.Global().RecordRenderWithDetails(matched.Manifest.Page, path, durationMs, renderErr == nil)
	entry := &domain.RequestLog{
		RequestID:   requestIDFromContext(r.Context()),
		Route:       path,
		ComponentID: matched.Manifest.Page,
		DurationMs:  durationMs,
		Success:     renderErr == nil,
		FromCache:   false,
		Error:       errString(renderErr),
	}
	logging.Default().Log(entry)
	g.persist.Enqueue(entry)
}

func (g *Gateway) streamWire(ctx context.Context, w http.ResponseWriter, root *domain.Element, renderFn wire.RenderServerComponent, cacheable bool, fingerprint, path string) error {
	w.Header().Set("Content-Type", "text/x-component; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	var buf *bytes.Buffer
	if cacheable {
		buf = &bytes.Buffer{}
	}
	sink := &httpSink{w: w, flusher: flusher, buf: buf}

	serializer := wire.New(renderFn)
	streamer := streaming.New(serializer, streaming.Config{MaxRenderTime: g.maxRenderTime()})

	resolveBoundary := func(ctx context.Context, boundaryID string) (*domain.Element, error) {
		return renderFn(boundaryID, nil)
	}

	err := streamer.Stream(ctx, root, resolveBoundary, sink)
	if err != nil {
		logging.Op().Warn("gateway: stream aborted", "path", path, "error", err)
		return err
	}
	if cacheable && buf != nil {
		g.respCache.Put(fingerprint, path, &cache.ResponseEntry{Body: buf.Bytes(), ContentType: "text/x-component; charset=utf-8"}, nil)
	}
	return nil
}

// httpSink adapts streaming.Sink to an http.ResponseWriter, flushing after
// every chunk so the client observes each row as it settles, and
// optionally mirroring every chunk into buf so the full response can be
// cached once the stream completes successfully.
type httpSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	buf     *bytes.Buffer
}

func (s *httpSink) Send(chunk domain.StreamChunk) error {
	if _, err := s.w.Write(chunk.Data); err != nil {
		return err
	}
	if s.buf != nil {
		s.buf.Write(chunk.Data)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (g *Gateway) renderHTML(w http.ResponseWriter, root *domain.Element, renderFn wire.RenderServerComponent, cacheable bool, fingerprint, path string) error {
	body, err := renderElementToHTML(root, renderFn)
	if err != nil {
		g.writeError(w, err)
		return err
	}
	html := "<!DOCTYPE html>\n<html>\n<body>" + body + "</body>\n</html>\n"

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, html)

	if cacheable {
		g.respCache.Put(fingerprint, path, &cache.ResponseEntry{Body: []byte(html), ContentType: "text/html; charset=utf-8"}, nil)
	}
	return nil
}

// breakerFor returns the circuit breaker for a component id, or nil when
// circuit breaking is disabled in configuration.
func (g *Gateway) breakerFor(componentID string) *circuitbreaker.Breaker {
	if !g.cfg.CircuitBreaker.Enabled {
		return nil
	}
	return g.breakers.Get(componentID, circuitbreaker.Config{
		ErrorPct:       g.cfg.CircuitBreaker.ErrorPct,
		WindowDuration: g.cfg.CircuitBreaker.WindowDuration,
		OpenDuration:   g.cfg.CircuitBreaker.OpenDuration,
		HalfOpenProbes: g.cfg.CircuitBreaker.HalfOpenProbes,
	})
}

func (g *Gateway) maxRenderTime() time.Duration {
	if g.cfg.RenderLimits.MaxRenderTimeMs <= 0 {
		return streaming.DefaultConfig().MaxRenderTime
	}
	return time.Duration(g.cfg.RenderLimits.MaxRenderTimeMs) * time.Millisecond
}

func (g *Gateway) logRequest(r *http.Request, componentID, route string, duration time.Duration, fromCache bool) {
	entry := &domain.RequestLog{
		RequestID:   requestIDFromContext(r.Context()),
		Route:       route,
		ComponentID: componentID,
		DurationMs:  duration.Milliseconds(),
		Success:     true,
		FromCache:   fromCache,
	}
	logging.Default().Log(entry)
	g.persist.Enqueue(entry)
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func flattenQuery(q url.Values) map[string]string {
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func writeResponseEntry(w http.ResponseWriter, entry *cache.ResponseEntry) {
	for k, v := range entry.Headers {
		w.Header().Set(k, v)
	}
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Body)
}

// composeRouteElement builds the nested ServerComponent tree a matched
// route renders: each layout in manifest.OrderedLayouts wraps the next
// (outermost first), with the leaf Page innermost. A layout's "children"
// prop carries the next node's already-marshaled Element, which the wire
// serializer's encodeProps/encodeChildren (see internal/wire) already knows
// how to walk — this reuses that mechanism instead of inventing a second
// composition path for the HTML renderer below.
func composeRouteElement(manifest *layout.RouteManifest, params map[string]string, searchParams url.Values, pathname string) (*domain.Element, error) {
	rc := domain.RenderContext{
		Params:       params,
		SearchParams: map[string][]string(searchParams),
		Pathname:     pathname,
	}
	rcJSON, err := json.Marshal(rc)
	if err != nil {
		return nil, &domain.RenderError{Kind: domain.ErrInternal, Message: "failed to marshal route context: " + err.Error()}
	}

	node := &domain.Element{
		Kind:        domain.ElementServerComponent,
		ComponentID: manifest.Page,
		Props:       map[string]json.RawMessage{"routeContext": rcJSON},
	}

	for i := len(manifest.OrderedLayouts) - 1; i >= 0; i-- {
		childJSON, err := json.Marshal(node)
		if err != nil {
			return nil, &domain.RenderError{Kind: domain.ErrInternal, Message: "failed to marshal layout child: " + err.Error()}
		}
		node = &domain.Element{
			Kind:        domain.ElementServerComponent,
			ComponentID: manifest.OrderedLayouts[i],
			Props: map[string]json.RawMessage{
				"routeContext": rcJSON,
				"children":     childJSON,
			},
		}
	}
	return node, nil
}

// renderElementToHTML resolves a composed route tree to an HTML string
// entirely in Go, invoking renderFn for every ServerComponent node
// encountered. It mirrors the tag/escaping rules of render.Renderer's own
// bootstrapScript __rari_stringify, implemented natively here since HTML
// mode needs to thread already-resolved children across nested layout
// renders, which a single render_to_string call into the script runtime
// cannot do without a children-composition convention on the component
// side (out of gateway scope; see spec's component-language Non-goal).
func renderElementToHTML(el *domain.Element, renderFn wire.RenderServerComponent) (string, error) {
	if el == nil {
		return "", nil
	}
	switch el.Kind {
	case domain.ElementText:
		return htmlEscape(el.Text), nil

	case domain.ElementServerComponent:
		resolved, err := renderFn(el.ComponentID, el.Props)
		if err != nil {
			return "", err
		}
		return renderElementToHTML(resolved, renderFn)

	case domain.ElementHTMLTag:
		children := ""
		if raw, ok := el.Props["children"]; ok {
			c, err := renderChildrenHTML(raw, renderFn)
			if err != nil {
				return "", err
			}
			children = c
		}
		return "<" + el.TagName + renderAttrs(el.Props) + ">" + children + "</" + el.TagName + ">", nil

	case domain.ElementClientComponent:
		if el.ClientRef == nil {
			return "", fmt.Errorf("gateway: client component element missing ClientRef")
		}
		return fmt.Sprintf(`<div data-rari-client=%q></div>`, el.ClientRef.Path), nil

	case domain.ElementSuspense:
		// HTML mode has no streaming follow-up; render the fallback so the
		// response is never empty at the boundary's position.
		return renderElementToHTML(el.Fallback, renderFn)

	case domain.ElementReference, domain.ElementPromise:
		return "", nil

	default:
		return "", fmt.Errorf("gateway: cannot render element kind %q to HTML", el.Kind)
	}
}

func renderChildrenHTML(raw json.RawMessage, renderFn wire.RenderServerComponent) (string, error) {
	var single domain.Element
	if err := json.Unmarshal(raw, &single); err == nil && single.Kind != "" {
		return renderElementToHTML(&single, renderFn)
	}

	var list []domain.Element
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0].Kind != "" {
		var b strings.Builder
		for i := range list {
			s, err := renderElementToHTML(&list[i], renderFn)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		}
		return b.String(), nil
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return htmlEscape(plain), nil
	}
	return "", nil
}

func renderAttrs(props map[string]json.RawMessage) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		if k == "children" || k == "routeContext" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		var v string
		if err := json.Unmarshal(props[k], &v); err != nil {
			continue
		}
		b.WriteString(" " + k + `="` + htmlEscape(v) + `"`)
	}
	return b.String()
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func htmlEscape(s string) string {
	return htmlEscaper.Replace(s)
}

// --- Error responses -------------------------------------------------------

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	rerr, ok := err.(*domain.RenderError)
	if !ok {
		rerr = &domain.RenderError{Kind: domain.ErrInternal, Message: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rerr.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]string{
		"error":   string(rerr.Kind),
		"message": rerr.Message,
	})
}

// --- Control surface -------------------------------------------------------

func (g *Gateway) handleRouteInfo(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		g.writeError(w, &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: "missing required query parameter: path"})
		return
	}
	matched, ok := g.routes.MatchRoute(path)
	if !ok {
		g.writeError(w, &domain.RenderError{Kind: domain.ErrNotFound, Message: "no route matches " + path})
		return
	}
	writeJSON(w, http.StatusOK, matched)
}

func (g *Gateway) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.respCache.GetMetrics())
}

func (g *Gateway) handleCSRF(w http.ResponseWriter, r *http.Request) {
	if !g.rateLimit("csrf-token", w, r) {
		return
	}
	if g.csrf == nil {
		g.writeError(w, &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: "csrf is not enabled; set RARI_CSRF_SECRET"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": g.csrf.Issue()})
}

// registerRequest is the body schema for /_rari/register and /_rari/reload:
// a compiled component's id, the compiled code the renderer loads, its
// original source (for dependency extraction), and an optional explicit
// dependency list overriding that extraction.
type registerRequest struct {
	ID     string   `json:"id"`
	Source string   `json:"source"`
	Code   string   `json:"code"`
	Deps   []string `json:"deps,omitempty"`
}

var registerSchema = json.RawMessage(`{
	"type": "object",
	"required": ["id", "code"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"source": {"type": "string"},
		"code": {"type": "string", "minLength": 1}
	}
}`)

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !g.requireCSRF(w, r) {
		return
	}
	req, ok := g.decodeComponentBody(w, r)
	if !ok {
		return
	}

	g.registry.Register(req.ID, req.Source, req.Code, req.Deps)
	if err := g.pool.RegisterComponentOnAll(req.ID, req.Code); err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "id": req.ID})
}

func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if !g.requireRevalidateSecret(w, r) {
		return
	}
	req, ok := g.decodeComponentBody(w, r)
	if !ok {
		return
	}

	g.registry.Register(req.ID, req.Source, req.Code, req.Deps)
	if err := g.pool.RegisterComponentOnAll(req.ID, req.Code); err != nil {
		g.writeError(w, err)
		return
	}
	g.respCache.InvalidateByTag(req.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded", "id": req.ID})
}

func (g *Gateway) decodeComponentBody(w http.ResponseWriter, r *http.Request) (registerRequest, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		g.writeError(w, &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: "failed to read request body"})
		return registerRequest{}, false
	}
	if err := ValidateRequestBody(registerSchema, body); err != nil {
		g.writeError(w, &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: FormatValidationError(err)})
		return registerRequest{}, false
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeError(w, &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: "invalid JSON body"})
		return registerRequest{}, false
	}
	return req, true
}

type revalidateRequest struct {
	Path string `json:"path"`
	Tag  string `json:"tag"`
}

func (g *Gateway) handleRevalidatePath(w http.ResponseWriter, r *http.Request) {
	if !g.requireRevalidateSecret(w, r) {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var req revalidateRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err == nil {
			path = req.Path
		}
	}
	if path == "" {
		g.writeError(w, &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: "missing required parameter: path"})
		return
	}

	g.respCache.Invalidate(path)
	if g.invalidator != nil {
		if err := g.invalidator.PublishPathInvalidation(r.Context(), path); err != nil {
			logging.Op().Warn("gateway: failed to publish path invalidation", "path", path, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "path": path})
}

func (g *Gateway) handleRevalidateTag(w http.ResponseWriter, r *http.Request) {
	if !g.requireRevalidateSecret(w, r) {
		return
	}
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		var req revalidateRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err == nil {
			tag = req.Tag
		}
	}
	if tag == "" {
		g.writeError(w, &domain.RenderError{Kind: domain.ErrInvalidRequest, Message: "missing required parameter: tag"})
		return
	}

	g.respCache.InvalidateByTag(tag)
	if g.invalidator != nil {
		if err := g.invalidator.PublishTagInvalidation(r.Context(), tag); err != nil {
			logging.Op().Warn("gateway: failed to publish tag invalidation", "tag", tag, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "tag": tag})
}

// handleOG and handleImage front the og-image rasterizer and image
// optimizer, both external collaborators per spec.md's scope note: rari
// owns routing and rate limiting for these paths, not image processing.
// A caller that never wires a handler via SetExternalHandlers gets a
// stable 501 instead of a 404, so client code can distinguish
// "not configured" from "not found".
func (g *Gateway) handleOG(w http.ResponseWriter, r *http.Request) {
	if !g.rateLimit("og-image", w, r) {
		return
	}
	if g.ogHandler == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "og_image_not_configured"})
		return
	}
	g.ogHandler.ServeHTTP(w, r)
}

func (g *Gateway) handleImage(w http.ResponseWriter, r *http.Request) {
	if !g.rateLimit("image-optimize", w, r) {
		return
	}
	if g.imageHandler == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "image_optimizer_not_configured"})
		return
	}
	g.imageHandler.ServeHTTP(w, r)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(g.startedAt).Seconds(),
		"pool":           g.pool.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
