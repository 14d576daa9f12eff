// Package engine orchestrates download sessions: partitioned fetch units run
// through batched bounded-concurrency workers, results are deduplicated and
// persisted progressively, and the cache ledger records covered ground.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchWidth is the number of units fetched concurrently.
	DefaultBatchWidth = 6
	// DefaultUnitTimeout bounds a single unit fetch including its retries.
	DefaultUnitTimeout = 2 * time.Minute
)

// BatchConfig controls the batch runner.
type BatchConfig struct {
	// Width is the batch size; each batch runs Width units concurrently and
	// the next batch starts only after the previous one has fully settled.
	Width int
	// UnitTimeout bounds each unit independently of its siblings.
	UnitTimeout time.Duration
	// OnBatch runs after every settled batch, before the next one starts.
	// It is skipped for a batch aborted by cancellation, so partially
	// settled results of that batch are dropped.
	OnBatch func(ctx context.Context, processed, failed int)
}

// BatchReport tallies a batch run. Errs is indexed by unit; a nil entry is a
// success, units never attempted (after a cancel) keep a nil entry but are
// excluded from Processed.
type BatchReport struct {
	Total     int
	Processed int
	Failed    int
	Errs      []error
	Cancelled bool
}

// RunBatches executes fn for unit indices 0..total-1 in sequential fixed-size
// batches. A unit's failure is recorded and absorbed; it never stops its
// siblings or later batches. Cancellation is checked before every batch and
// before every unit, abandons in-flight units via their contexts, and exits
// the loop.
func RunBatches(ctx context.Context, total int, cfg BatchConfig, fn func(ctx context.Context, idx int) error) BatchReport {
	if cfg.Width <= 0 {
		cfg.Width = DefaultBatchWidth
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = DefaultUnitTimeout
	}

	report := BatchReport{Total: total, Errs: make([]error, total)}

	for start := 0; start < total; start += cfg.Width {
		if ctx.Err() != nil {
			report.Cancelled = true
			return report
		}

		end := start + cfg.Width
		if end > total {
			end = total
		}

		var (
			mu          sync.Mutex
			batchFailed int
		)
		g, gctx := errgroup.WithContext(ctx)
		for idx := start; idx < end; idx++ {
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				uctx, cancel := context.WithTimeout(gctx, cfg.UnitTimeout)
				defer cancel()

				if err := fn(uctx, idx); err != nil {
					mu.Lock()
					report.Errs[idx] = err
					batchFailed++
					mu.Unlock()
					zap.L().Warn("fetch unit failed", zap.Int("unit", idx), zap.Error(err))
				}
				return nil
			})
		}
		g.Wait() //nolint:errcheck

		if ctx.Err() != nil {
			report.Cancelled = true
			return report
		}

		report.Processed += end - start
		report.Failed += batchFailed
		if cfg.OnBatch != nil {
			cfg.OnBatch(ctx, report.Processed, report.Failed)
		}
	}
	return report
}
