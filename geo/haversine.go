package geo

import (
	"context"
	"math"
)

const earthRadiusKm = 6371.0

// HaversineKm is the great-circle distance between two points.
func HaversineKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Haversine converts straight-line distance to minutes at a constant speed.
// It never fails and never blocks.
type Haversine struct {
	SpeedKmh float64
}

func NewHaversine(speedKmh float64) *Haversine {
	if speedKmh <= 0 {
		speedKmh = 40
	}
	return &Haversine{SpeedKmh: speedKmh}
}

func (h *Haversine) Estimate(from, to Point) Estimate {
	km := HaversineKm(from, to)
	return Estimate{Km: km, Minutes: km / h.SpeedKmh * 60}
}

func (h *Haversine) Distance(_ context.Context, from, to Point) (Estimate, error) {
	return h.Estimate(from, to), nil
}
