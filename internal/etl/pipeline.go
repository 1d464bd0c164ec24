package etl

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ── Pipelined variant ──────────────────────────────────────
// reader → queue(N) → coercer → queue(N) → sink, one goroutine per stage.
// Each queue has a single consumer, so batches reach the sink in source
// order. The sink goroutine initializes the target before it takes the
// first batch off its queue. Skipped batches travel the second queue as
// notices so that progress is reported by the sink goroutine alone.

// staged is a coerced batch, or a notice that batch index was skipped
// when batch is nil.
type staged struct {
	batch *TypedBatch
	index int
	rows  int
}

func (r *run) pipelined(ctx context.Context, reader ChunkReader, coercer *Coercer) error {
	depth := r.spec.Options.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	rawQ := make(chan *RawBatch, depth)
	typedQ := make(chan staged, depth)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(rawQ)
		for {
			raw, err := reader.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return r.classify(ctx, err, KindSourceUnavailable)
			}
			select {
			case rawQ <- raw:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		defer close(typedQ)
		for raw := range rawQ {
			typed, err := r.coerce(coercer, raw)
			if err != nil {
				return err
			}
			next := staged{batch: typed, index: raw.Index, rows: raw.Len()}
			select {
			case typedQ <- next:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		if err := r.initialize(gctx); err != nil {
			return err
		}
		for next := range typedQ {
			if next.batch == nil {
				r.reportSkipped(next.index, next.rows)
				continue
			}
			if err := r.append(gctx, next.batch); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return r.classify(ctx, err, KindSourceUnavailable)
}
