package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rari-dev/rari/internal/cache"
	"github.com/rari-dev/rari/internal/config"
	"github.com/rari-dev/rari/internal/layout"
	"github.com/rari-dev/rari/internal/pool"
	"github.com/rari-dev/rari/internal/registry"
	"github.com/rari-dev/rari/internal/render"
	"github.com/rari-dev/rari/internal/security"
)

// newTestGateway builds a Gateway backed by a single real renderer, with a
// "Greeting" component registered and a "/" route pointing at it, so
// render-path tests can exercise handleRender end to end.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Gateway.Addr = ":0"
	cfg.Pool.Size = 1
	cfg.Pool.ResourceLimits = render.DefaultResourceLimits()
	cfg.CircuitBreaker.Enabled = false

	reg := registry.New()
	p, err := pool.New(cfg.Pool, reg)
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}
	t.Cleanup(p.Shutdown)

	code := `module.exports.default = function(props) {
		return jsx("div", { children: "hello " + props.name });
	};`
	reg.Register("Greeting", "", code, nil)
	if err := p.RegisterComponentOnAll("Greeting", code); err != nil {
		t.Fatalf("RegisterComponentOnAll() error = %v", err)
	}

	routes := layout.New()
	if err := routes.RegisterManifest("/", &layout.RouteManifest{
		RouteID: "home",
		Page:    "Greeting",
	}); err != nil {
		t.Fatalf("RegisterManifest() error = %v", err)
	}

	respCache := cache.NewResponseCache(1 << 20)
	return New(cfg, reg, routes, p, respCache)
}

func TestHandleRenderHTML(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/?name=world", nil)
	req.RemoteAddr = "127.0.0.1:1111"
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "hello world") {
		t.Errorf("body = %q, want it to contain %q", body, "hello world")
	}
}

func TestHandleRenderWireMode(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/?name=world", nil)
	req.Header.Set("Accept", "text/x-component")
	req.RemoteAddr = "127.0.0.1:1112"
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/x-component; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/x-component", ct)
	}
}

func TestHandleRenderNotFound(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.RemoteAddr = "127.0.0.1:1113"
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want echoed origin", got)
	}
}

func TestCORSPreflightRejectsDisallowedOrigin(t *testing.T) {
	g := newTestGateway(t)
	g.cfg.Gateway.AllowedOrigins = []string{"https://allowed.example"}

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestRouteInfoEndpoint(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/_rari/route-info?path=/", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var matched layout.MatchedRoute
	if err := json.Unmarshal(w.Body.Bytes(), &matched); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if matched.Manifest.Page != "Greeting" {
		t.Errorf("matched page = %q, want Greeting", matched.Manifest.Page)
	}
}

func TestRouteInfoMissingPath(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/_rari/route-info", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCacheStatsEndpoint(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/_rari/cache-stats", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestCSRFDisabledByDefault(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/_rari/csrf", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (csrf not configured)", w.Code)
	}
}

func TestCSRFIssueAndRegisterRequiresToken(t *testing.T) {
	g := newTestGateway(t)
	g.cfg.Security.CSRFSecret = "test-secret"
	g.cfg.Security.Enabled = true
	g.csrf = security.NewCSRFSigner("test-secret", time.Hour)

	// Missing token is rejected.
	body := `{"id":"Other","code":"module.exports.default=function(){return jsx(\"div\",{});};"}`
	req := httptest.NewRequest(http.MethodPost, "/_rari/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("register without token: status = %d, want 401", w.Code)
	}

	// Fetch a token, then register successfully.
	req = httptest.NewRequest(http.MethodGet, "/_rari/csrf", nil)
	w = httptest.NewRecorder()
	g.ServeHTTP(w, req)
	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &tokenResp); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/_rari/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rari-CSRF-Token", tokenResp.Token)
	w = httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("register with valid token: status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
}

func TestRevalidatePathRequiresSecret(t *testing.T) {
	g := newTestGateway(t)
	g.cfg.Security.RevalidateSecret = "shh"
	g.revalidateChecker = security.NewRevalidateSecretChecker("shh")

	req := httptest.NewRequest(http.MethodPost, "/_rari/revalidate/path?path=/", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without secret", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/_rari/revalidate/path?path=/", nil)
	req.Header.Set("X-Rari-Revalidate-Secret", "shh")
	w = httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with correct secret", w.Code)
	}
}

func TestRateLimitExhaustsBucket(t *testing.T) {
	g := newTestGateway(t)
	g.cfg.Gateway.RateLimits["csrf-token"] = config.RateLimitTier{RequestsPerSecond: 0, BurstSize: 1}
	g.cfg.Security.CSRFSecret = "test-secret"
	g.csrf = security.NewCSRFSigner("test-secret", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/_rari/csrf", nil)
	req.RemoteAddr = "10.0.0.1:1"
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/_rari/csrf", nil)
	req.RemoteAddr = "10.0.0.1:1"
	w = httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", w.Code)
	}
}

func TestOGAndImageDefaultTo501(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/_rari/og/card", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("og handler: status = %d, want 501", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/_rari/image?src=/a.png", nil)
	w = httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("image handler: status = %d, want 501", w.Code)
	}
}
