package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rari-dev/rari/internal/cache"
	"github.com/rari-dev/rari/internal/config"
	"github.com/rari-dev/rari/internal/gateway"
	"github.com/rari-dev/rari/internal/layout"
	"github.com/rari-dev/rari/internal/logging"
	"github.com/rari-dev/rari/internal/logsink"
	"github.com/rari-dev/rari/internal/metrics"
	"github.com/rari-dev/rari/internal/observability"
	"github.com/rari-dev/rari/internal/pool"
	"github.com/rari-dev/rari/internal/registry"
)

func serveCmd() *cobra.Command {
	var (
		addr     string
		poolSize int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Long:  "Starts the renderer pool and the HTTP gateway that serves pages and the /_rari/* control surface.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				loaded, err := config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("addr") {
				cfg.Gateway.Addr = addr
			}
			if cmd.Flags().Changed("pool-size") {
				cfg.Pool.Size = poolSize
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			if cfg.Observability.Logging.RequestLogPath != "" {
				if err := logging.Default().SetOutput(cfg.Observability.Logging.RequestLogPath); err != nil {
					logging.Op().Warn("failed to open request log file", "path", cfg.Observability.Logging.RequestLogPath, "error", err)
				}
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			reg := registry.New()
			renderPool, err := pool.New(cfg.Pool, reg)
			if err != nil {
				return fmt.Errorf("create renderer pool: %w", err)
			}
			defer renderPool.Shutdown()

			routes := layout.New()

			// A plain InMemoryCache backs the Response Cache by default; when
			// Redis is configured, a TieredCache of InMemoryCache (L1) +
			// RedisCache (L2) backs it instead, so cached renders survive a
			// restart of one instance and are shared across the fleet.
			var redisClient *redis.Client
			backing := cache.Cache(cache.NewInMemoryCache())
			if cfg.Cache.RedisAddr != "" {
				redisClient = redis.NewClient(&redis.Options{
					Addr: cfg.Cache.RedisAddr,
					DB:   cfg.Cache.RedisDB,
				})
				l2 := cache.NewRedisCacheFromClient(redisClient, "rari:resp:")
				backing = cache.NewTieredCache(cache.NewInMemoryCache(), l2, cfg.Cache.L1TTL)
			}
			respCache := cache.NewResponseCacheWithBacking(cfg.Cache.MaxBytes, backing)

			gw := gateway.New(cfg, reg, routes, renderPool, respCache)

			var persistBatcher *logsink.Batcher
			if cfg.Persistence.Enabled && cfg.Persistence.DSN != "" {
				pgSink, err := logsink.NewPostgresSink(context.Background(), cfg.Persistence.DSN)
				if err != nil {
					return fmt.Errorf("init request log persistence: %w", err)
				}
				persistBatcher = logsink.NewBatcher(pgSink, logsink.BatcherConfig{})
				gw.SetPersistSink(persistBatcher)
				defer persistBatcher.Shutdown(5 * time.Second)
			}

			var invalidator *cache.CacheInvalidator
			if redisClient != nil {
				invalidator = cache.NewCacheInvalidator(respCache, redisClient)
				gw.SetInvalidator(invalidator)

				invCtx, invCancel := context.WithCancel(context.Background())
				defer invCancel()
				go invalidator.Start(invCtx)
			}

			httpServer := &http.Server{
				Addr:    cfg.Gateway.Addr,
				Handler: gw,
			}

			go func() {
				logging.Op().Info("rari gateway started", "addr", cfg.Gateway.Addr, "pool_size", cfg.Pool.Size)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("gateway server error", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("graceful shutdown failed", "error", err)
			}
			if invalidator != nil {
				invalidator.Close()
			}
			if redisClient != nil {
				redisClient.Close()
			}
			logging.Default().Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, e.g. :3000)")
	cmd.Flags().IntVar(&poolSize, "pool-size", 0, "Number of renderers in the pool (default from config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}
