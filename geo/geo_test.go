package geo

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHaversineKm(t *testing.T) {
	// One degree of latitude is ~111.19 km.
	got := HaversineKm(Point{Lat: 0, Lon: 0}, Point{Lat: 1, Lon: 0})
	if math.Abs(got-111.19) > 0.1 {
		t.Errorf("1 degree = %.3f km, want ~111.19", got)
	}
	if d := HaversineKm(Point{Lat: 52.1, Lon: 4.3}, Point{Lat: 52.1, Lon: 4.3}); d != 0 {
		t.Errorf("same point = %v, want 0", d)
	}
}

func TestHaversineMinutes(t *testing.T) {
	h := NewHaversine(60)
	e := h.Estimate(Point{Lat: 0, Lon: 0}, Point{Lat: 1, Lon: 0})
	if math.Abs(e.Minutes-e.Km) > 1e-9 {
		t.Errorf("at 60 km/h minutes (%v) should equal km (%v)", e.Minutes, e.Km)
	}
	if e.Degraded {
		t.Error("plain haversine estimate should not be flagged degraded")
	}
}

func TestFallbackTimeoutDegrades(t *testing.T) {
	slow := ProviderFunc(func(ctx context.Context, from, to Point) (Estimate, error) {
		<-ctx.Done()
		return Estimate{}, ctx.Err()
	})
	f := NewFallback(slow, NewHaversine(40), 20*time.Millisecond, zerolog.Nop())

	start := time.Now()
	e, err := f.Distance(context.Background(), Point{Lat: 0, Lon: 0}, Point{Lat: 0.1, Lon: 0})
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("fallback did not respect the timeout")
	}
	if !e.Degraded {
		t.Error("estimate should be flagged degraded")
	}
	if e.Minutes <= 0 {
		t.Errorf("minutes = %v, want > 0", e.Minutes)
	}
	if f.Healthy() {
		t.Error("provider should be reported unhealthy")
	}
}

func TestFallbackRecovers(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	p := ProviderFunc(func(ctx context.Context, from, to Point) (Estimate, error) {
		if fail.Load() {
			return Estimate{}, errors.New("boom")
		}
		return Estimate{Minutes: 7, Km: 3}, nil
	})
	f := NewFallback(p, NewHaversine(40), time.Second, zerolog.Nop())
	a, b := Point{Lat: 0, Lon: 0}, Point{Lat: 0, Lon: 0.1}

	if f.Probe(context.Background(), a, b) {
		t.Fatal("probe should fail while primary errors")
	}
	fail.Store(false)
	if !f.Probe(context.Background(), a, b) {
		t.Fatal("probe should succeed after recovery")
	}
	e, _ := f.Distance(context.Background(), a, b)
	if e.Degraded || e.Minutes != 7 {
		t.Errorf("estimate = %+v, want primary answer", e)
	}
}

func TestFallbackPropagatesCallerCancel(t *testing.T) {
	p := ProviderFunc(func(ctx context.Context, from, to Point) (Estimate, error) {
		return Estimate{}, ctx.Err()
	})
	f := NewFallback(p, NewHaversine(40), time.Second, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Distance(ctx, Point{}, Point{Lat: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

type memCache struct {
	mu   sync.Mutex
	data map[string]Estimate
	at   map[string]time.Time
}

func newMemCache() *memCache {
	return &memCache{data: map[string]Estimate{}, at: map[string]time.Time{}}
}

func (m *memCache) GetDistance(_ context.Context, o, d string) (Estimate, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[o+"|"+d]
	return e, m.at[o+"|"+d], ok, nil
}

func (m *memCache) PutDistance(_ context.Context, o, d string, e Estimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[o+"|"+d] = e
	m.at[o+"|"+d] = time.Now()
	return nil
}

func TestCachedServesRepeatLookups(t *testing.T) {
	var calls atomic.Int32
	p := ProviderFunc(func(ctx context.Context, from, to Point) (Estimate, error) {
		calls.Add(1)
		return Estimate{Minutes: 12, Km: 8}, nil
	})
	c := NewCached(p, newMemCache(), time.Hour, zerolog.Nop())
	a, b := Point{Lat: 40.1, Lon: -74.2}, Point{Lat: 40.2, Lon: -74.3}

	for i := 0; i < 3; i++ {
		e, err := c.Distance(context.Background(), a, b)
		if err != nil {
			t.Fatalf("distance: %v", err)
		}
		if e.Minutes != 12 {
			t.Errorf("minutes = %v, want 12", e.Minutes)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", calls.Load())
	}
}

func TestORSRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/matrix/driving-car" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "key" {
			t.Errorf("missing api key header")
		}
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req matrixRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Locations) != 2 {
			t.Errorf("locations = %d, want 2", len(req.Locations))
		}
		meters, seconds := 5000.0, 600.0
		json.NewEncoder(w).Encode(matrixResponse{
			Distances: [][]*float64{{&meters}},
			Durations: [][]*float64{{&seconds}},
		})
	}))
	defer srv.Close()

	o, err := NewORS(srv.URL, "key", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	e, err := o.Distance(context.Background(), Point{Lat: 1, Lon: 2}, Point{Lat: 1.01, Lon: 2.01})
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if e.Km != 5 || e.Minutes != 10 {
		t.Errorf("estimate = %+v, want 5 km / 10 min", e)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestORSDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	o, _ := NewORS(srv.URL, "key", "")
	if _, err := o.Distance(context.Background(), Point{}, Point{Lat: 1}); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}
