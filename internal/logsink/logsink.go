// Package logsink abstracts persistence of RequestLog rows so they can be
// routed to Postgres (the default), fanned out to multiple destinations, or
// discarded, without the render path caring which.
//
// Grounded on oriys-nova's internal/logsink/sink.go (LogSink interface,
// PostgresSink, MultiSink, NoopSink), re-pointed from store.InvocationLog at
// domain.RequestLog since this system has no separate metadata-store layer
// for PostgresSink to delegate through — it owns its pgxpool.Pool directly,
// with ensureSchema/CRUD adapted from internal/store/postgres.go's
// invocation_logs table.
package logsink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rari-dev/rari/internal/domain"
)

// LogSink abstracts the destination for RequestLog rows. Implementations
// must be safe for concurrent use.
type LogSink interface {
	// Save persists a single RequestLog entry.
	Save(ctx context.Context, entry *domain.RequestLog) error

	// SaveBatch persists a batch of RequestLog entries; implementations
	// should use a bulk write for efficiency.
	SaveBatch(ctx context.Context, entries []*domain.RequestLog) error

	// Close releases any resources held by the sink.
	Close() error
}

// PostgresSink writes RequestLog rows to PostgreSQL. This is the default
// sink used when persistence is enabled.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink opens a connection pool against dsn, verifies it, and
// ensures the request_logs table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("logsink: DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("logsink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("logsink: ping: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresSink{pool: pool}, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS request_logs (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			trace_id TEXT,
			route TEXT NOT NULL,
			component_id TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			cold_start BOOLEAN NOT NULL DEFAULT FALSE,
			success BOOLEAN NOT NULL,
			from_cache BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_route ON request_logs(route)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("logsink: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Save(ctx context.Context, entry *domain.RequestLog) error {
	return s.SaveBatch(ctx, []*domain.RequestLog{entry})
}

func (s *PostgresSink) SaveBatch(ctx context.Context, entries []*domain.RequestLog) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("logsink: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, entry := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO request_logs
				(request_id, trace_id, route, component_id, duration_ms, cold_start, success, from_cache, error_message)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		`, entry.RequestID, entry.TraceID, entry.Route, entry.ComponentID, entry.DurationMs,
			entry.ColdStart, entry.Success, entry.FromCache, entry.Error)
		if err != nil {
			return fmt.Errorf("logsink: insert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("logsink: commit: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

// MultiSink fans out writes to multiple sinks, returning the first error
// encountered from any of them. Useful for writing to Postgres for query
// while also routing to an external analytics sink.
type MultiSink struct {
	sinks []LogSink
}

// NewMultiSink creates a LogSink that writes to all provided sinks.
func NewMultiSink(primary LogSink, secondary ...LogSink) *MultiSink {
	sinks := make([]LogSink, 0, 1+len(secondary))
	sinks = append(sinks, primary)
	sinks = append(sinks, secondary...)
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Save(ctx context.Context, entry *domain.RequestLog) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Save(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) SaveBatch(ctx context.Context, entries []*domain.RequestLog) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.SaveBatch(ctx, entries); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoopSink discards every entry. Useful for tests or when persistence is
// handled entirely by external observability infrastructure.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (n *NoopSink) Save(_ context.Context, _ *domain.RequestLog) error           { return nil }
func (n *NoopSink) SaveBatch(_ context.Context, _ []*domain.RequestLog) error { return nil }
func (n *NoopSink) Close() error                                                  { return nil }
