package geo

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Fallback bounds every primary lookup by timeout. When the primary errors or
// runs out of time, that single call is answered by the straight-line
// estimator and flagged Degraded.
type Fallback struct {
	primary  Provider
	fallback *Haversine
	timeout  time.Duration
	log      zerolog.Logger
	healthy  atomic.Bool
}

func NewFallback(primary Provider, fallback *Haversine, timeout time.Duration, log zerolog.Logger) *Fallback {
	f := &Fallback{
		primary:  primary,
		fallback: fallback,
		timeout:  timeout,
		log:      log.With().Str("component", "geo").Logger(),
	}
	f.healthy.Store(true)
	return f
}

func (f *Fallback) Distance(ctx context.Context, from, to Point) (Estimate, error) {
	cctx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	e, err := f.primary.Distance(cctx, from, to)
	if err == nil {
		if !f.healthy.Swap(true) {
			f.log.Info().Msg("routing provider recovered")
		}
		return e, nil
	}
	if ctx.Err() != nil {
		return Estimate{}, ctx.Err()
	}
	if f.healthy.Swap(false) {
		f.log.Warn().Err(err).Msg("routing provider degraded, using straight-line estimates")
	}
	e = f.fallback.Estimate(from, to)
	e.Degraded = true
	return e, nil
}

// Healthy reports whether the last primary lookup succeeded.
func (f *Fallback) Healthy() bool { return f.healthy.Load() }

// Probe issues one primary lookup to refresh the health flag.
func (f *Fallback) Probe(ctx context.Context, from, to Point) bool {
	_, _ = f.Distance(ctx, from, to)
	return f.Healthy()
}
