package tracking

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fieldops/dispatch"
	"fieldops/geo"
	"fieldops/livestate"
	"fieldops/protocol"
	"fieldops/store"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

// 100 minutes per degree of Manhattan distance.
var grid = geo.ProviderFunc(func(_ context.Context, a, b geo.Point) (geo.Estimate, error) {
	m := (math.Abs(a.Lat-b.Lat) + math.Abs(a.Lon-b.Lon)) * 100
	return geo.Estimate{Minutes: math.Round(m*1000) / 1000}, nil
})

type fakeDispatcher struct {
	mu    sync.Mutex
	snap  *dispatch.Snapshot
	stale map[string]bool
}

func (f *fakeDispatcher) UpdateLocation(_ context.Context, _ string, techID string, lat, lon float64, ts time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.snap.Techs[techID]
	if t == nil {
		return false, store.ErrNotFound
	}
	if t.LocationAt != nil && !ts.After(*t.LocationAt) {
		return false, nil
	}
	t.CurrentLat, t.CurrentLon, t.LocationAt, t.LocationStale = &lat, &lon, &ts, false
	return true, nil
}

func (f *fakeDispatcher) MarkLocationStale(_ context.Context, _ string, techID string, stale bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Techs[techID].LocationStale = stale
	f.stale[techID] = stale
	return nil
}

func (f *fakeDispatcher) View(context.Context, string) (*dispatch.Snapshot, error) { return f.snap, nil }
func (f *fakeDispatcher) Orgs() []string                                          { return []string{"acme"} }

type drift struct {
	tech, job string
	d         time.Duration
}

type notes struct {
	drifts   []drift
	stale    []string
	restored []string
}

func (n *notes) EmitETADrift(_, techID, jobID string, d time.Duration) {
	n.drifts = append(n.drifts, drift{techID, jobID, d})
}
func (n *notes) EmitLocationStale(_, techID string, _ *time.Time) { n.stale = append(n.stale, techID) }
func (n *notes) EmitLocationRestored(_, techID string)            { n.restored = append(n.restored, techID) }

// t1 at 40.0 heads to j1 at 40.1, planned for 09:00; t2 has no route.
func fixture() *fakeDispatcher {
	s := dispatch.NewSnapshot("acme")
	for _, id := range []string{"t1", "t2"} {
		s.Techs[id] = &store.Technician{ID: id, BaseLat: 40.0, State: store.TechIdle, Active: true,
			ShiftStart: at(8, 0), ShiftEnd: at(16, 0)}
	}
	s.Jobs["j1"] = &store.WorkOrder{ID: "j1", Lat: 40.1, DurationMin: 30, State: store.JobScheduled,
		TechnicianID: "t1", EarliestStart: at(8, 0), LatestStart: at(12, 0)}
	s.Jobs["j2"] = &store.WorkOrder{ID: "j2", Lat: 40.3, DurationMin: 30, State: store.JobScheduled,
		TechnicianID: "t1", RouteIndex: 1, EarliestStart: at(8, 0), LatestStart: at(12, 0)}
	s.Routes["t1"] = []store.RouteStop{
		{TechnicianID: "t1", JobID: "j1", Index: 0, PlannedArrival: at(9, 0), PlannedDeparture: at(9, 30)},
		{TechnicianID: "t1", JobID: "j2", Index: 1, PlannedArrival: at(9, 50), PlannedDeparture: at(10, 20)},
	}
	return &fakeDispatcher{snap: s, stale: make(map[string]bool)}
}

func newTracker(d *fakeDispatcher, n *notes, now time.Time) (*Tracker, *livestate.MemoryStore) {
	cache := livestate.NewMemoryStore()
	tr := NewTracker(d, grid, cache, n, Config{
		DriftThreshold:  10 * time.Minute,
		StalenessWindow: 15 * time.Minute,
		Now:             func() time.Time { return now },
	}, zerolog.Nop())
	return tr, cache
}

func ping(tech string, lat float64, ts time.Time) protocol.LocationPing {
	return protocol.LocationPing{TechnicianID: tech, Lat: lat, Lon: 0, Timestamp: ts}
}

func TestDriftBeyondThresholdRaisesTrigger(t *testing.T) {
	d, n := fixture(), &notes{}
	tr, cache := newTracker(d, n, at(9, 5))

	// 0.05 deg out at 09:05: arrival 09:10, ten minutes late is within threshold.
	eta, err := tr.ReportLocation(context.Background(), "acme", ping("t1", 40.05, at(9, 5)))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if eta.JobID != "j1" || !eta.Estimated.Equal(at(9, 10)) || eta.DriftMinutes != 10 {
		t.Fatalf("eta = %+v", eta)
	}
	if len(n.drifts) != 0 {
		t.Fatalf("drift at threshold should not trigger: %+v", n.drifts)
	}

	// Back at base at 09:10: arrival 09:20, twenty minutes behind.
	eta, err = tr.ReportLocation(context.Background(), "acme", ping("t1", 40.0, at(9, 10)))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if eta.DriftMinutes != 20 {
		t.Errorf("drift = %v, want 20", eta.DriftMinutes)
	}
	if len(n.drifts) != 1 || n.drifts[0].tech != "t1" || n.drifts[0].job != "j1" || n.drifts[0].d != 20*time.Minute {
		t.Fatalf("drifts = %+v", n.drifts)
	}
	cached, _ := cache.GetETA(context.Background(), "acme", "t1")
	if cached == nil || cached.DriftMinutes != 20 {
		t.Errorf("cached eta = %+v", cached)
	}
}

func TestInProgressJobDelaysNextStop(t *testing.T) {
	d, n := fixture(), &notes{}
	arrived := at(9, 0)
	d.snap.Jobs["j1"].State = store.JobInProgress
	d.snap.Jobs["j1"].ArrivedAt = &arrived
	tr, _ := newTracker(d, n, at(9, 10))

	eta, err := tr.ReportLocation(context.Background(), "acme", ping("t1", 40.1, at(9, 10)))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	// Leaves j1 at 09:30, 20 minutes to j2.
	if eta.JobID != "j2" || !eta.Estimated.Equal(at(9, 50)) {
		t.Fatalf("eta = %+v", eta)
	}
	if len(n.drifts) != 0 {
		t.Errorf("on-plan technician raised drift: %+v", n.drifts)
	}
}

func TestDuplicateAndOutOfOrderPingsIgnored(t *testing.T) {
	d, n := fixture(), &notes{}
	tr, _ := newTracker(d, n, at(9, 10))
	ctx := context.Background()

	if _, err := tr.ReportLocation(ctx, "acme", ping("t1", 40.0, at(9, 10))); err != nil {
		t.Fatalf("report: %v", err)
	}
	before := *d.snap.Techs["t1"]
	for _, ts := range []time.Time{at(9, 10), at(9, 0)} {
		eta, err := tr.ReportLocation(ctx, "acme", ping("t1", 41.0, ts))
		if err != nil || eta != nil {
			t.Fatalf("replayed ping at %v: eta=%v err=%v", ts, eta, err)
		}
	}
	after := *d.snap.Techs["t1"]
	if *after.CurrentLat != *before.CurrentLat || !after.LocationAt.Equal(*before.LocationAt) {
		t.Errorf("technician changed: %v -> %v", *before.CurrentLat, *after.CurrentLat)
	}
	if len(n.drifts) != 1 {
		t.Errorf("drift raised %d times, want once", len(n.drifts))
	}
}

func TestInvalidPings(t *testing.T) {
	d, n := fixture(), &notes{}
	tr, _ := newTracker(d, n, at(9, 0))
	ctx := context.Background()
	cases := []protocol.LocationPing{
		{Lat: 40, Timestamp: at(9, 0)},
		{TechnicianID: "t1", Lat: 91, Timestamp: at(9, 0)},
		{TechnicianID: "t1", Lat: 40, Lon: -181, Timestamp: at(9, 0)},
		{TechnicianID: "t1", Lat: 40},
	}
	for _, p := range cases {
		if _, err := tr.ReportLocation(ctx, "acme", p); !errors.Is(err, ErrInvalidPing) {
			t.Errorf("ping %+v: err = %v", p, err)
		}
	}
	if _, err := tr.ReportLocation(ctx, "acme", ping("ghost", 40, at(9, 0))); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown technician err = %v", err)
	}
}

func TestNoRouteMeansNoETA(t *testing.T) {
	d, n := fixture(), &notes{}
	tr, _ := newTracker(d, n, at(9, 0))
	eta, err := tr.ReportLocation(context.Background(), "acme", ping("t2", 40.2, at(9, 0)))
	if err != nil || eta != nil {
		t.Fatalf("eta=%v err=%v", eta, err)
	}
	if *d.snap.Techs["t2"].CurrentLat != 40.2 {
		t.Error("location not recorded")
	}
}

func TestETAComputedWhenNotCached(t *testing.T) {
	d, n := fixture(), &notes{}
	tr, _ := newTracker(d, n, at(8, 0))
	eta, err := tr.ETA(context.Background(), "acme", "t1")
	if err != nil {
		t.Fatalf("eta: %v", err)
	}
	// Ten minutes from base at 08:00 against a 09:00 plan.
	if !eta.Estimated.Equal(at(8, 10)) || eta.DriftMinutes != -50 {
		t.Errorf("eta = %+v", eta)
	}
	if _, err := tr.ETA(context.Background(), "acme", "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown technician err = %v", err)
	}
}

func TestSweepMarksSilentTechnicians(t *testing.T) {
	d, n := fixture(), &notes{}
	last := at(9, 0)
	lat, lon := 40.0, 0.0
	d.snap.Techs["t1"].LocationAt, d.snap.Techs["t1"].CurrentLat, d.snap.Techs["t1"].CurrentLon = &last, &lat, &lon
	recent := at(9, 20)
	d.snap.Techs["t2"].LocationAt = &recent
	d.snap.Techs["t3"] = &store.Technician{ID: "t3", State: store.TechOffShift, Active: true, ShiftStart: at(8, 0), ShiftEnd: at(16, 0)}
	d.snap.Techs["t4"] = &store.Technician{ID: "t4", State: store.TechIdle, Active: true, ShiftStart: at(8, 0), ShiftEnd: at(16, 0)}

	tr, _ := newTracker(d, n, at(9, 30))
	if got := tr.SweepStale(context.Background()); got != 2 {
		t.Fatalf("marked %d, want 2", got)
	}
	if !d.stale["t1"] || !d.stale["t4"] || d.stale["t2"] || d.stale["t3"] {
		t.Errorf("stale = %v", d.stale)
	}
	if d.snap.Jobs["j1"].State != store.JobScheduled {
		t.Error("staleness must not touch job state")
	}
	if got := tr.SweepStale(context.Background()); got != 0 {
		t.Errorf("second sweep marked %d again", got)
	}
	if len(n.stale) != 2 {
		t.Errorf("notifications = %v", n.stale)
	}
}

func TestPingAfterStaleRestoresLocation(t *testing.T) {
	d, n := fixture(), &notes{}
	tr, _ := newTracker(d, n, at(9, 30))
	if got := tr.SweepStale(context.Background()); got != 2 {
		t.Fatalf("marked %d, want 2", got)
	}

	if _, err := tr.ReportLocation(context.Background(), "acme", ping("t1", 40.05, at(9, 30))); err != nil {
		t.Fatalf("report: %v", err)
	}
	if d.snap.Techs["t1"].LocationStale {
		t.Error("t1 still stale after a ping")
	}
	if len(n.restored) != 1 || n.restored[0] != "t1" {
		t.Fatalf("restored = %v, want [t1]", n.restored)
	}

	// A technician who was never stale raises nothing.
	if _, err := tr.ReportLocation(context.Background(), "acme", ping("t1", 40.06, at(9, 31))); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(n.restored) != 1 {
		t.Errorf("restored = %v", n.restored)
	}
}
