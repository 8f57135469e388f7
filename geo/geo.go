// Package geo estimates travel time and distance between coordinates.
package geo

import (
	"context"
	"fmt"
	"time"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Key is the stable cache key for a point, rounded to roughly one metre.
func (p Point) Key() string {
	return fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lon)
}

// Estimate is a single origin to destination travel figure.
type Estimate struct {
	Minutes float64 `json:"minutes"`
	Km      float64 `json:"km"`
	// Degraded marks a straight-line estimate used because the routing
	// provider did not answer in time.
	Degraded bool `json:"degraded,omitempty"`
}

// Provider returns the travel time and distance between two points.
type Provider interface {
	Distance(ctx context.Context, from, to Point) (Estimate, error)
}

// Cache persists provider answers between passes and restarts.
type Cache interface {
	GetDistance(ctx context.Context, origin, destination string) (Estimate, time.Time, bool, error)
	PutDistance(ctx context.Context, origin, destination string, e Estimate) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, from, to Point) (Estimate, error)

func (f ProviderFunc) Distance(ctx context.Context, from, to Point) (Estimate, error) {
	return f(ctx, from, to)
}
