// Package config loads rari's runtime configuration from a YAML file with
// RARI_-prefixed environment variable overrides, mirroring the domain
// stack's config package convention (DefaultConfig / LoadFromFile /
// LoadFromEnv) but swapping JSON for YAML, since this shape nests five
// sub-configs deep and reads far more cleanly that way.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rari-dev/rari/internal/pool"
	"github.com/rari-dev/rari/internal/render"
)

// CacheConfig holds Response Cache settings.
type CacheConfig struct {
	MaxBytes    int64  `yaml:"max_bytes"`    // L1 byte budget (default: 64MB)
	RedisAddr   string `yaml:"redis_addr"`   // Optional L2 backend; empty disables L2
	RedisDB     int    `yaml:"redis_db"`
	L1TTL       time.Duration `yaml:"l1_ttl"`   // TTL applied when populating L1 from an L2 hit
	DefaultTTL  time.Duration `yaml:"default_ttl"` // Not read: ResponseCache.Put stores entries with no TTL; they leave only by LRU eviction or invalidation
}

// GatewayConfig holds request gateway settings: CORS, rate limiting, and the
// per-endpoint token buckets spec.md §4.K calls out by name.
type GatewayConfig struct {
	Addr              string              `yaml:"addr"` // Default: :3000
	AllowedOrigins    []string            `yaml:"allowed_origins"`
	RateLimits        map[string]RateLimitTier `yaml:"rate_limits"` // keyed by endpoint: "render", "og-image", "csrf-token", "image-optimize"
}

// RateLimitTier configures one named token-bucket rate limiter.
type RateLimitTier struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`      // Default: false
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // rari
	SampleRate  float64 `yaml:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `yaml:"enabled"`           // Default: true
	Namespace        string    `yaml:"namespace"`         // rari
	HistogramBuckets []float64 `yaml:"histogram_buckets"` // Latency buckets in ms
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`            // debug, info, warn, error
	Format         string `yaml:"format"`           // text, json
	IncludeTraceID bool   `yaml:"include_trace_id"` // Correlate with traces
	RequestLogPath string `yaml:"request_log_path"` // Append-only JSON log of RequestLog rows; empty disables file output
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// SecurityConfig holds CSRF and on-demand revalidation secrets.
type SecurityConfig struct {
	Enabled          bool          `yaml:"enabled"`           // Default: true
	CSRFSecret       string        `yaml:"csrf_secret"`       // HMAC signing key
	CSRFTokenMaxAge  time.Duration `yaml:"csrf_token_max_age"` // Default: 1h
	RevalidateSecret string        `yaml:"revalidate_secret"` // Shared secret for /_rari/revalidate/*
}

// CircuitBreakerConfig configures the per-component circuit breaker guarding
// the render path from a component whose error rate has crossed a threshold.
// Disabled (nil behavior) when ErrorPct, WindowDuration, or OpenDuration is
// zero; see internal/circuitbreaker.Registry.Get.
type CircuitBreakerConfig struct {
	Enabled        bool          `yaml:"enabled"`          // Default: true
	ErrorPct       float64       `yaml:"error_pct"`        // Default: 50
	WindowDuration time.Duration `yaml:"window_duration"`  // Default: 30s
	OpenDuration   time.Duration `yaml:"open_duration"`    // Default: 15s
	HalfOpenProbes int           `yaml:"half_open_probes"` // Default: 1
}

// PersistenceConfig holds the optional Postgres sink for RequestLog rows
// (internal/logsink). Empty DSN disables persistence entirely.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Config is the central configuration struct aggregating every component's
// settings.
type Config struct {
	RenderLimits  render.ResourceLimits `yaml:"render_limits"`
	Pool          pool.Config           `yaml:"pool"`
	Cache         CacheConfig           `yaml:"cache"`
	Gateway       GatewayConfig         `yaml:"gateway"`
	Observability ObservabilityConfig   `yaml:"observability"`
	Security      SecurityConfig        `yaml:"security"`
	Persistence   PersistenceConfig     `yaml:"persistence"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RenderLimits: render.DefaultResourceLimits(),
		Pool:         pool.DefaultConfig(),
		Cache: CacheConfig{
			MaxBytes:   64 << 20,
			L1TTL:      10 * time.Second,
			DefaultTTL: 5 * time.Minute,
		},
		Gateway: GatewayConfig{
			Addr:           ":3000",
			AllowedOrigins: []string{"*"},
			RateLimits: map[string]RateLimitTier{
				"render":         {RequestsPerSecond: 50, BurstSize: 100},
				"og-image":       {RequestsPerSecond: 5, BurstSize: 10},
				"csrf-token":     {RequestsPerSecond: 10, BurstSize: 20},
				"image-optimize": {RequestsPerSecond: 10, BurstSize: 20},
			},
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "rari",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "rari",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
		Security: SecurityConfig{
			Enabled:         true,
			CSRFTokenMaxAge: time.Hour,
		},
		Persistence: PersistenceConfig{
			Enabled: false,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        true,
			ErrorPct:       50,
			WindowDuration: 30 * time.Second,
			OpenDuration:   15 * time.Second,
			HalfOpenProbes: 1,
		},
	}
}

// LoadFromFile loads configuration from a YAML file, applied on top of
// DefaultConfig so an omitted section keeps its default value.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies RARI_-prefixed environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("RARI_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("RARI_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	if v := os.Getenv("RARI_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Size = n
		}
	}
	if v := os.Getenv("RARI_MAX_CONCURRENT_RENDERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RenderLimits.MaxConcurrentRenders = n
		}
	}
	if v := os.Getenv("RARI_MAX_RENDER_TIME_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RenderLimits.MaxRenderTimeMs = n
		}
	}
	if v := os.Getenv("RARI_MAX_SCRIPT_EXECUTION_TIME_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RenderLimits.MaxScriptExecutionTimeMs = n
		}
	}
	if v := os.Getenv("RARI_MAX_MEMORY_PER_COMPONENT_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RenderLimits.MaxMemoryPerComponentMB = n
		}
	}

	if v := os.Getenv("RARI_CACHE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Cache.MaxBytes = n
		}
	}
	if v := os.Getenv("RARI_CACHE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}

	if v := os.Getenv("RARI_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RARI_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("RARI_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("RARI_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("RARI_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}

	if v := os.Getenv("RARI_CSRF_SECRET"); v != "" {
		cfg.Security.CSRFSecret = v
	}
	if v := os.Getenv("RARI_REVALIDATE_SECRET"); v != "" {
		cfg.Security.RevalidateSecret = v
	}

	if v := os.Getenv("RARI_PERSISTENCE_DSN"); v != "" {
		cfg.Persistence.DSN = v
		cfg.Persistence.Enabled = true
	}

	if v := os.Getenv("RARI_CIRCUIT_BREAKER_ENABLED"); v != "" {
		cfg.CircuitBreaker.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RARI_CIRCUIT_BREAKER_ERROR_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CircuitBreaker.ErrorPct = f
		}
	}
}
