// Package parallel provides bounded parallel loops for CPU-bound work such as
// decoding and transforming the images of a batch.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ForEach calls fn for every index in [0, items) using at most workers
// goroutines. A workers value <= 0 means one per CPU core.
//
// The first error cancels the context passed to the remaining calls and is
// returned once all started calls have finished.
func ForEach(ctx context.Context, items, workers int, fn func(ctx context.Context, i int) error) error {
	if items == 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > items {
		workers = items // No need for more workers than items
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < items; i++ {
		i := i
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// 呼び出し元のキャンセルで未処理の要素が残っている場合
	return ctx.Err()
}

// ForEachWithThreshold runs sequentially when items does not exceed threshold.
func ForEachWithThreshold(ctx context.Context, items, threshold, workers int, fn func(ctx context.Context, i int) error) error {
	if items <= threshold {
		for i := 0; i < items; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}
	return ForEach(ctx, items, workers, fn)
}
