package logsink

import (
	"context"
	"time"

	"github.com/rari-dev/rari/internal/domain"
	"github.com/rari-dev/rari/internal/logging"
)

const (
	defaultBatchSize     = 100
	defaultBufferSize    = 1000
	defaultFlushInterval = 500 * time.Millisecond
	defaultTimeout       = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = 100 * time.Millisecond
)

// BatcherConfig configures a Batcher's buffering and retry behavior.
type BatcherConfig struct {
	BatchSize     int
	BufferSize    int
	FlushInterval time.Duration
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

func (c BatcherConfig) withDefaults() BatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	return c
}

// Batcher buffers RequestLog entries through a channel and flushes them to a
// LogSink in batches, so the render path enqueueing a log row never waits on
// a database round trip. Grounded on the executor's invocation log batcher,
// generalized from an unexported per-executor helper to a standalone type
// since the gateway owns its persistence sink directly.
type Batcher struct {
	sink          LogSink
	entries       chan *domain.RequestLog
	flushInterval time.Duration
	batchSize     int
	timeout       time.Duration
	maxRetries    int
	retryInterval time.Duration
	done          chan struct{}
}

// NewBatcher starts a background flush loop writing through sink.
func NewBatcher(sink LogSink, cfg BatcherConfig) *Batcher {
	cfg = cfg.withDefaults()
	b := &Batcher{
		sink:          sink,
		entries:       make(chan *domain.RequestLog, cfg.BufferSize),
		flushInterval: cfg.FlushInterval,
		batchSize:     cfg.BatchSize,
		timeout:       cfg.Timeout,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		done:          make(chan struct{}),
	}
	go b.run()
	return b
}

// Enqueue buffers entry for asynchronous persistence. If the buffer is
// full, entry is dropped and a warning is logged rather than blocking the
// caller. Safe to call on a nil Batcher, in which case it is a no-op.
func (b *Batcher) Enqueue(entry *domain.RequestLog) {
	if b == nil {
		return
	}
	select {
	case b.entries <- entry:
	default:
		logging.Op().Warn("logsink: dropping request log due to full buffer", "request_id", entry.RequestID)
	}
}

// Shutdown stops accepting new entries, flushes what remains (retrying per
// BatcherConfig), and waits up to timeout for the flush to finish. Safe to
// call on a nil Batcher.
func (b *Batcher) Shutdown(timeout time.Duration) {
	if b == nil {
		return
	}
	close(b.entries)
	select {
	case <-b.done:
	case <-time.After(timeout):
		logging.Op().Warn("logsink: timeout waiting for batcher shutdown", "timeout", timeout)
	}
	b.sink.Close()
}

func (b *Batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]*domain.RequestLog, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		var lastErr error
		for attempt := 0; attempt < b.maxRetries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			lastErr = b.sink.SaveBatch(ctx, batch)
			cancel()
			if lastErr == nil {
				break
			}
			logging.Op().Warn("logsink: failed to persist request logs, retrying",
				"error", lastErr, "count", len(batch), "attempt", attempt+1)
			time.Sleep(time.Duration(1<<uint(attempt)) * b.retryInterval)
		}
		if lastErr != nil {
			logging.Op().Error("logsink: permanently failed to persist request logs after retries",
				"error", lastErr, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-b.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
