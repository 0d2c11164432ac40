// Package streaming orchestrates a streamed response: a synchronous initial
// shell containing suspense fallbacks, followed by background resolution of
// each suspense boundary as its data becomes ready.
//
// Grounded on oriys-nova's internal/executor/executor_stream.go for the
// callback-per-chunk shape of InvokeStream, generalized from a single
// func(chunk []byte, isLast bool, err error) error callback to a Sink
// interface so each emitted chunk can carry its row kind and boundary id,
// and on spec.md §4.H for the per-boundary timeout and completion model.
package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rari-dev/rari/internal/domain"
	"github.com/rari-dev/rari/internal/logging"
	"github.com/rari-dev/rari/internal/suspense"
	"github.com/rari-dev/rari/internal/wire"
	"golang.org/x/sync/errgroup"
)

// Sink receives each emitted chunk in order. Send returning an error is
// treated as a client disconnect: Stream cancels any outstanding boundary
// resolution rather than surfacing it as an internal failure.
type Sink interface {
	Send(chunk domain.StreamChunk) error
}

// ResolveBoundary produces the resolved content for a suspense boundary.
// Supplied by the caller (typically backed by the Renderer invoking the
// component that was deferred behind the boundary).
type ResolveBoundary func(ctx context.Context, boundaryID string) (*domain.Element, error)

// Config tunes the resolution deadline shared by all boundaries of a stream.
type Config struct {
	MaxRenderTime time.Duration
}

// DefaultConfig matches spec.md §6's max_render_time_ms default.
func DefaultConfig() Config {
	return Config{MaxRenderTime: 8 * time.Second}
}

// Streamer drives one streamed response. Construct one per request; it is
// not meant to be reused across responses since its wire.Serializer and
// suspense.Manager are both response-scoped.
type Streamer struct {
	serializer *wire.Serializer
	boundaries *suspense.Manager
	cfg        Config
}

// New constructs a Streamer around serializer (already configured with the
// renderFn needed to resolve server components in the initial shell).
func New(serializer *wire.Serializer, cfg Config) *Streamer {
	if cfg.MaxRenderTime <= 0 {
		cfg = DefaultConfig()
	}
	return &Streamer{
		serializer: serializer,
		boundaries: suspense.New(),
		cfg:        cfg,
	}
}

// Stream renders root into its initial shell, sends it, then resolves every
// discovered suspense boundary concurrently within cfg.MaxRenderTime,
// emitting a BoundaryUpdate or BoundaryError chunk per boundary as it
// settles, and finally a StreamComplete chunk. It returns nil once the
// stream is fully drained, or the sink's error if the client disconnected
// mid-stream.
func (s *Streamer) Stream(ctx context.Context, root *domain.Element, resolve ResolveBoundary, sink Sink) error {
	shell, err := s.serializer.SerializeRoot(root)
	if err != nil {
		return err
	}
	if err := sink.Send(domain.StreamChunk{Data: shell, ChunkType: domain.ChunkInitialShell, RowID: 0}); err != nil {
		return err
	}

	discovered := s.serializer.Boundaries()
	for id := range discovered {
		s.boundaries.RegisterBoundary(suspense.Boundary{ID: id, PendingPromiseCount: 1})
	}
	pending := s.boundaries.GetPending()
	if len(pending) == 0 {
		return sink.Send(s.closeChunk())
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.MaxRenderTime)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range pending {
		boundaryID := b.ID
		g.Go(func() error {
			return s.resolveOne(gctx, boundaryID, resolve, sink)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return sink.Send(s.closeChunk())
}

// resolveOne resolves a single boundary and sends its settled chunk. A
// resolve error or context deadline both produce a BoundaryError chunk
// rather than aborting the whole stream; only a sink send failure (client
// disconnect) propagates as an error.
func (s *Streamer) resolveOne(ctx context.Context, boundaryID string, resolve ResolveBoundary, sink Sink) error {
	content, err := resolve(ctx, boundaryID)
	if err != nil {
		logging.Op().Warn("suspense boundary resolution failed", "boundary_id", boundaryID, "error", err)
		rowBytes, encErr := s.serializer.BoundaryErrorRow(boundaryID, err.Error())
		if encErr != nil {
			return nil
		}
		return sink.Send(domain.StreamChunk{
			Data:       rowBytes,
			ChunkType:  domain.ChunkBoundaryError,
			BoundaryID: &boundaryID,
		})
	}

	rowBytes, err := s.serializer.BoundaryUpdateRow(boundaryID, content)
	if err != nil {
		return nil
	}
	raw, _ := json.Marshal(content)
	s.boundaries.ResolveBoundary(boundaryID, raw)

	return sink.Send(domain.StreamChunk{
		Data:       rowBytes,
		ChunkType:  domain.ChunkBoundaryUpdate,
		BoundaryID: &boundaryID,
	})
}

func (s *Streamer) closeChunk() domain.StreamChunk {
	rowID := s.serializer.ReserveRowID()
	return domain.StreamChunk{
		Data:      wire.CloseRow(rowID),
		ChunkType: domain.ChunkStreamComplete,
		RowID:     rowID,
		IsFinal:   true,
	}
}
