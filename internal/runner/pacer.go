package runner

import (
	"context"

	"golang.org/x/time/rate"
)

// pacer spaces user spawns and stops evenly at a per-second rate.
type pacer struct {
	limiter *rate.Limiter
}

// newPacer returns a pacer that lets one transition through every
// 1/perSecond seconds. A non-positive rate disables pacing.
func newPacer(perSecond float64) *pacer {
	if perSecond <= 0 {
		return &pacer{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	// Burst of one keeps transitions spaced instead of front-loading a second's worth.
	return &pacer{limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (p *pacer) Wait(ctx context.Context) error {
	if p == nil || p.limiter == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}

// SetRate changes the pace for subsequent waits.
func (p *pacer) SetRate(perSecond float64) {
	if p == nil || p.limiter == nil {
		return
	}
	if perSecond <= 0 {
		p.limiter.SetLimit(rate.Inf)
		return
	}
	p.limiter.SetLimit(rate.Limit(perSecond))
	p.limiter.SetBurst(1)
}
