package geo

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Cached consults a persistent cache before the wrapped provider and stores
// fresh answers. Cache failures are logged and never fail the lookup.
type Cached struct {
	next  Provider
	cache Cache
	ttl   time.Duration
	log   zerolog.Logger
}

func NewCached(next Provider, cache Cache, ttl time.Duration, log zerolog.Logger) *Cached {
	return &Cached{next: next, cache: cache, ttl: ttl, log: log.With().Str("component", "geo-cache").Logger()}
}

func (c *Cached) Distance(ctx context.Context, from, to Point) (Estimate, error) {
	origin, dest := from.Key(), to.Key()
	if origin == dest {
		return Estimate{}, nil
	}
	if e, fetched, ok, err := c.cache.GetDistance(ctx, origin, dest); err != nil {
		c.log.Warn().Err(err).Msg("distance cache read failed")
	} else if ok && (c.ttl <= 0 || time.Since(fetched) < c.ttl) {
		return e, nil
	}

	e, err := c.next.Distance(ctx, from, to)
	if err != nil {
		return Estimate{}, err
	}
	if err := c.cache.PutDistance(ctx, origin, dest, e); err != nil {
		c.log.Warn().Err(err).Msg("distance cache write failed")
	}
	return e, nil
}
