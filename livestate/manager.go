package livestate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fieldops/dispatch"
	"fieldops/store"
)

// Views is the source of committed snapshots.
type Views interface {
	View(ctx context.Context, orgID string) (*dispatch.Snapshot, error)
	DegradedTechnicians(orgID string) []string
	Orgs() []string
}

// Manager writes committed schedules through to the cache and serves reads
// from it, falling back to the in-process snapshot.
type Manager struct {
	views Views
	cache Cache
	now   func() time.Time
	log   zerolog.Logger
}

func NewManager(views Views, cache Cache, log zerolog.Logger) *Manager {
	return &Manager{
		views: views,
		cache: cache,
		now:   time.Now,
		log:   log.With().Str("component", "livestate").Logger(),
	}
}

func (m *Manager) Cache() Cache { return m.cache }

// BuildSchedule flattens a snapshot into the read model.
func BuildSchedule(snap *dispatch.Snapshot, degraded []string, now time.Time) *Schedule {
	s := &Schedule{
		OrgID:       snap.OrgID,
		Seq:         snap.Seq,
		GeneratedAt: now.UTC(),
		Degraded:    degraded,
	}
	for _, t := range snap.SortedTechnicians() {
		stops := snap.Route(t.ID)
		if stops == nil {
			stops = []store.RouteStop{}
		}
		s.Technicians = append(s.Technicians, TechnicianRoute{
			TechnicianID:  t.ID,
			Name:          t.Name,
			State:         t.State,
			LocationStale: t.LocationStale,
			Stops:         stops,
		})
	}
	for _, j := range snap.SortedJobs() {
		s.Jobs = append(s.Jobs, JobStatus{
			JobID:        j.ID,
			JobNumber:    j.JobNumber,
			State:        j.State,
			TechnicianID: j.TechnicianID,
			RouteIndex:   j.RouteIndex,
			LastSeq:      j.LastSeq,
		})
	}
	return s
}

// Refresh writes the org's current committed schedule to the cache.
func (m *Manager) Refresh(ctx context.Context, orgID string) error {
	snap, err := m.views.View(ctx, orgID)
	if err != nil {
		return err
	}
	s := BuildSchedule(snap, m.views.DegradedTechnicians(orgID), m.now())
	if err := m.cache.SetSchedule(ctx, s); err != nil {
		m.log.Warn().Err(err).Str("org", orgID).Int64("seq", snap.Seq).Msg("cache schedule")
		return err
	}
	return nil
}

// SyncAll refreshes every loaded org. Called on startup.
func (m *Manager) SyncAll(ctx context.Context) {
	orgs := m.views.Orgs()
	for _, orgID := range orgs {
		m.Refresh(ctx, orgID)
	}
	m.log.Info().Int("orgs", len(orgs)).Msg("schedules synced to cache")
}

// Schedule returns the cached schedule, rebuilding it from the committed
// snapshot when the cache is empty or unreachable.
func (m *Manager) Schedule(ctx context.Context, orgID string) (*Schedule, error) {
	s, err := m.cache.GetSchedule(ctx, orgID)
	if err == nil && s != nil {
		return s, nil
	}
	if err != nil {
		m.log.Debug().Err(err).Str("org", orgID).Msg("cache read failed, using snapshot")
	}
	snap, err := m.views.View(ctx, orgID)
	if err != nil {
		return nil, err
	}
	s = BuildSchedule(snap, m.views.DegradedTechnicians(orgID), m.now())
	if snap.Seq > 0 {
		m.cache.SetSchedule(ctx, s)
	}
	return s, nil
}

func (m *Manager) ETA(ctx context.Context, orgID, technicianID string) (*ETA, error) {
	return m.cache.GetETA(ctx, orgID, technicianID)
}

func (m *Manager) ETAs(ctx context.Context, orgID string) ([]*ETA, error) {
	return m.cache.ListETAs(ctx, orgID)
}
