package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fieldops/dispatch"
	"fieldops/geo"
	"fieldops/livestate"
	"fieldops/protocol"
	"fieldops/store"
)

var ErrInvalidPing = errors.New("invalid location ping")

// Dispatcher is the part of the coordinator live tracking needs.
type Dispatcher interface {
	UpdateLocation(ctx context.Context, orgID, technicianID string, lat, lon float64, at time.Time) (bool, error)
	MarkLocationStale(ctx context.Context, orgID, technicianID string, stale bool) error
	View(ctx context.Context, orgID string) (*dispatch.Snapshot, error)
	Orgs() []string
}

// Notifier receives tracking signals. Drift is only reported, never acted on here.
type Notifier interface {
	EmitETADrift(orgID, technicianID, jobID string, drift time.Duration)
	EmitLocationStale(orgID, technicianID string, lastSeen *time.Time)
	EmitLocationRestored(orgID, technicianID string)
}

type Config struct {
	DriftThreshold  time.Duration
	StalenessWindow time.Duration
	SweepInterval   time.Duration
	Now             func() time.Time
}

// Tracker ingests location pings, keeps live ETAs and flags technicians
// whose pings stopped.
type Tracker struct {
	dispatcher Dispatcher
	provider   geo.Provider
	cache      livestate.Cache
	notify     Notifier
	cfg        Config
	log        zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewTracker(d Dispatcher, provider geo.Provider, cache livestate.Cache, notify Notifier, cfg Config, log zerolog.Logger) *Tracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = 10 * time.Minute
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Tracker{
		dispatcher: d,
		provider:   provider,
		cache:      cache,
		notify:     notify,
		cfg:        cfg,
		log:        log.With().Str("component", "tracking").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// ReportLocation records a ping and refreshes the ETA to the next stop.
// Pings not newer than the last one are ignored and return a nil ETA.
func (t *Tracker) ReportLocation(ctx context.Context, orgID string, p protocol.LocationPing) (*livestate.ETA, error) {
	switch {
	case p.TechnicianID == "":
		return nil, fmt.Errorf("%w: technician id required", ErrInvalidPing)
	case p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180:
		return nil, fmt.Errorf("%w: coordinates %f,%f", ErrInvalidPing, p.Lat, p.Lon)
	case p.Timestamp.IsZero():
		return nil, fmt.Errorf("%w: timestamp required", ErrInvalidPing)
	}
	at := p.Timestamp.UTC()

	wasStale := false
	if snap, err := t.dispatcher.View(ctx, orgID); err == nil {
		if tech := snap.Techs[p.TechnicianID]; tech != nil {
			wasStale = tech.LocationStale
		}
	}
	moved, err := t.dispatcher.UpdateLocation(ctx, orgID, p.TechnicianID, p.Lat, p.Lon, at)
	if err != nil {
		return nil, err
	}
	if !moved {
		t.log.Debug().Str("org", orgID).Str("technician", p.TechnicianID).Time("at", at).Msg("ping ignored")
		return nil, nil
	}
	if wasStale {
		t.log.Info().Str("org", orgID).Str("technician", p.TechnicianID).Msg("location restored")
		t.notify.EmitLocationRestored(orgID, p.TechnicianID)
	}

	snap, err := t.dispatcher.View(ctx, orgID)
	if err != nil {
		return nil, err
	}
	eta, err := t.estimate(ctx, snap, p.TechnicianID, at)
	if err != nil || eta == nil {
		return nil, err
	}
	if err := t.cache.SetETA(ctx, orgID, eta); err != nil {
		t.log.Warn().Err(err).Str("org", orgID).Str("technician", p.TechnicianID).Msg("cache eta")
	}

	drift := eta.Estimated.Sub(eta.Planned)
	if drift > t.cfg.DriftThreshold || drift < -t.cfg.DriftThreshold {
		t.log.Info().Str("org", orgID).Str("technician", p.TechnicianID).Str("job", eta.JobID).
			Dur("drift", drift).Msg("eta drift")
		t.notify.EmitETADrift(orgID, p.TechnicianID, eta.JobID, drift)
	}
	return eta, nil
}

// ETA returns the last computed estimate, computing one from the last
// known position when none is cached.
func (t *Tracker) ETA(ctx context.Context, orgID, technicianID string) (*livestate.ETA, error) {
	if eta, err := t.cache.GetETA(ctx, orgID, technicianID); err == nil && eta != nil {
		return eta, nil
	}
	snap, err := t.dispatcher.View(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if snap.Technician(technicianID) == nil {
		return nil, fmt.Errorf("%w: technician %s", store.ErrNotFound, technicianID)
	}
	return t.estimate(ctx, snap, technicianID, t.cfg.Now().UTC())
}

// estimate projects arrival at the first stop not yet reached. A job in
// progress delays departure until its planned end.
func (t *Tracker) estimate(ctx context.Context, snap *dispatch.Snapshot, technicianID string, at time.Time) (*livestate.ETA, error) {
	tech := snap.Technician(technicianID)
	if tech == nil {
		return nil, nil
	}
	origin, depart := tech.Position(), at
	for _, st := range snap.Route(technicianID) {
		j := snap.Job(st.JobID)
		if j == nil {
			continue
		}
		if j.State == store.JobInProgress {
			end := at
			if j.ArrivedAt != nil && j.ArrivedAt.Add(j.Duration()).After(end) {
				end = j.ArrivedAt.Add(j.Duration())
			}
			origin, depart = j.Point(), end
			continue
		}
		est, err := t.provider.Distance(ctx, origin, j.Point())
		if err != nil {
			return nil, fmt.Errorf("estimate leg to %s: %w", j.ID, err)
		}
		arrival := depart.Add(time.Duration(est.Minutes * float64(time.Minute))).Truncate(time.Second)
		if arrival.Before(j.EarliestStart) {
			arrival = j.EarliestStart
		}
		return &livestate.ETA{
			TechnicianID: technicianID,
			JobID:        j.ID,
			Planned:      st.PlannedArrival,
			Estimated:    arrival,
			DriftMinutes: arrival.Sub(st.PlannedArrival).Minutes(),
			Degraded:     est.Degraded,
			ComputedAt:   at,
		}, nil
	}
	return nil, nil
}

// Start runs the staleness sweeper until Stop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.sweepLoop()
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SweepInterval)
			t.SweepStale(ctx)
			cancel()
		}
	}
}

// SweepStale marks on-shift technicians whose last ping is older than the
// staleness window. Job state is never touched. Returns how many were marked.
func (t *Tracker) SweepStale(ctx context.Context) int {
	now := t.cfg.Now().UTC()
	marked := 0
	for _, orgID := range t.dispatcher.Orgs() {
		snap, err := t.dispatcher.View(ctx, orgID)
		if err != nil {
			t.log.Warn().Err(err).Str("org", orgID).Msg("stale sweep view")
			continue
		}
		for _, tech := range snap.SortedTechnicians() {
			if tech.LocationStale || !tech.Active || tech.State == store.TechOffShift {
				continue
			}
			if now.Before(tech.ShiftStart) || now.After(tech.ShiftEnd) {
				continue
			}
			since := tech.ShiftStart
			if tech.LocationAt != nil && tech.LocationAt.After(since) {
				since = *tech.LocationAt
			}
			if now.Sub(since) <= t.cfg.StalenessWindow {
				continue
			}
			if err := t.dispatcher.MarkLocationStale(ctx, orgID, tech.ID, true); err != nil {
				t.log.Warn().Err(err).Str("org", orgID).Str("technician", tech.ID).Msg("mark location stale")
				continue
			}
			marked++
			t.log.Info().Str("org", orgID).Str("technician", tech.ID).Time("since", since).Msg("location stale")
			t.notify.EmitLocationStale(orgID, tech.ID, tech.LocationAt)
		}
	}
	return marked
}
