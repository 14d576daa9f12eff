package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum interval between requests across the whole
// process. All fetch workers share one Pacer so bursty concurrent batches
// cannot hammer the upstream endpoint. The last-request watermark lives
// inside the wrapped rate.Limiter, guarded by its own lock.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a Pacer allowing one request per minInterval. A zero or
// negative interval disables pacing.
func NewPacer(minInterval time.Duration) *Pacer {
	if minInterval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Wait blocks until a request slot is free or ctx is cancelled. The slot is
// consumed either way: a fetch that subsequently fails still counted against
// the upstream, so the watermark advances regardless of outcome.
//
// rate.Limiter refuses up front when the wait would outlive the context
// deadline, with an error that matches neither context sentinel. Callers
// treat a paced-out unit like any other deadline hit, so that refusal is
// mapped onto context.DeadlineExceeded.
func (p *Pacer) Wait(ctx context.Context) error {
	err := p.limiter.Wait(ctx)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return context.DeadlineExceeded
}
