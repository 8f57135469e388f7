package livestate

import (
	"context"
	"time"

	"fieldops/store"
)

// Schedule is the read model of one organization's committed schedule.
type Schedule struct {
	OrgID       string            `json:"org_id"`
	Seq         int64             `json:"seq"`
	GeneratedAt time.Time         `json:"generated_at"`
	Technicians []TechnicianRoute `json:"technicians"`
	Jobs        []JobStatus       `json:"jobs"`
	Degraded    []string          `json:"degraded,omitempty"`

	byTech map[string]int
	byJob  map[string]int
}

type TechnicianRoute struct {
	TechnicianID  string            `json:"technician_id"`
	Name          string            `json:"name"`
	State         store.TechState   `json:"state"`
	LocationStale bool              `json:"location_stale"`
	Stops         []store.RouteStop `json:"stops"`
}

type JobStatus struct {
	JobID        string         `json:"job_id"`
	JobNumber    string         `json:"job_number,omitempty"`
	State        store.JobState `json:"state"`
	TechnicianID string         `json:"technician_id,omitempty"`
	RouteIndex   int            `json:"route_index"`
	LastSeq      int64          `json:"last_seq"`
}

// ETA is the live arrival estimate for a technician's next stop.
type ETA struct {
	TechnicianID string    `json:"technician_id"`
	JobID        string    `json:"job_id"`
	Planned      time.Time `json:"planned_arrival"`
	Estimated    time.Time `json:"estimated_arrival"`
	DriftMinutes float64   `json:"drift_minutes"`
	Degraded     bool      `json:"degraded,omitempty"`
	ComputedAt   time.Time `json:"computed_at"`
}

// Cache holds read models outside the process. Getters return nil, nil
// when nothing is stored.
type Cache interface {
	SetSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, orgID string) (*Schedule, error)
	SetETA(ctx context.Context, orgID string, eta *ETA) error
	GetETA(ctx context.Context, orgID, technicianID string) (*ETA, error)
	ListETAs(ctx context.Context, orgID string) ([]*ETA, error)
}

// Route returns the stops of one technician, or nil.
func (s *Schedule) Route(technicianID string) *TechnicianRoute {
	s.index()
	if i, ok := s.byTech[technicianID]; ok {
		return &s.Technicians[i]
	}
	return nil
}

// Job returns the status of one job, or nil.
func (s *Schedule) Job(jobID string) *JobStatus {
	s.index()
	if i, ok := s.byJob[jobID]; ok {
		return &s.Jobs[i]
	}
	return nil
}

func (s *Schedule) index() {
	if s.byTech != nil {
		return
	}
	s.byTech = make(map[string]int, len(s.Technicians))
	for i, t := range s.Technicians {
		s.byTech[t.TechnicianID] = i
	}
	s.byJob = make(map[string]int, len(s.Jobs))
	for i, j := range s.Jobs {
		s.byJob[j.JobID] = i
	}
}
