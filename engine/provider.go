package engine

import (
	"fmt"

	"github.com/rs/zerolog"

	"fieldops/config"
	"fieldops/geo"
	"fieldops/store"
)

// Providers is the travel-time stack built from the geo config.
type Providers struct {
	Provider  geo.Provider
	Haversine *geo.Haversine
	// Fallback is nil when the straight-line estimator is the primary.
	Fallback *geo.Fallback
}

// BuildProviders assembles the distance provider. For "ors" the chain is
// fallback(cached(ors)), so degraded straight-line answers never reach the
// distance cache.
func BuildProviders(cfg config.GeoConfig, db *store.DB, log zerolog.Logger) (*Providers, error) {
	hv := geo.NewHaversine(cfg.AvgSpeedKmh)
	switch cfg.Provider {
	case "", "haversine":
		return &Providers{Provider: hv, Haversine: hv}, nil
	case "ors":
		ors, err := geo.NewORS(cfg.ORSBaseURL, cfg.ORSAPIKey, cfg.ORSProfile)
		if err != nil {
			return nil, fmt.Errorf("ors provider: %w", err)
		}
		var primary geo.Provider = ors
		if db != nil {
			primary = geo.NewCached(ors, db.DistanceCache(), cfg.CacheTTL, log)
		}
		fb := geo.NewFallback(primary, hv, cfg.Timeout, log)
		return &Providers{Provider: fb, Haversine: hv, Fallback: fb}, nil
	default:
		return nil, fmt.Errorf("unknown geo provider %q", cfg.Provider)
	}
}
