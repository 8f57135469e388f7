package dispatch

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"fieldops/store"
)

// Snapshot is one organization's schedule state at a given sequence number.
// Jobs and technicians are stored by ID; routes reference jobs by ID only.
// A published snapshot is read-only: callers must not mutate what it returns.
type Snapshot struct {
	OrgID  string                       `json:"org_id"`
	Seq    int64                        `json:"seq"`
	Jobs   map[string]*store.WorkOrder  `json:"jobs"`
	Techs  map[string]*store.Technician `json:"technicians"`
	Routes map[string][]store.RouteStop `json:"routes"`

	// copy-on-write bookkeeping for an overlay under construction
	ownJobs  map[string]bool
	ownTechs map[string]bool
	setRoute map[string]bool
}

func NewSnapshot(orgID string) *Snapshot {
	return &Snapshot{
		OrgID:  orgID,
		Jobs:   make(map[string]*store.WorkOrder),
		Techs:  make(map[string]*store.Technician),
		Routes: make(map[string][]store.RouteStop),
	}
}

// overlay returns a shallow copy that clones entities only when apply
// touches them, so the receiver stays untouched.
func (s *Snapshot) overlay() *Snapshot {
	o := &Snapshot{
		OrgID:    s.OrgID,
		Seq:      s.Seq,
		Jobs:     make(map[string]*store.WorkOrder, len(s.Jobs)),
		Techs:    make(map[string]*store.Technician, len(s.Techs)),
		Routes:   make(map[string][]store.RouteStop, len(s.Routes)),
		ownJobs:  make(map[string]bool),
		ownTechs: make(map[string]bool),
		setRoute: make(map[string]bool),
	}
	for k, v := range s.Jobs {
		o.Jobs[k] = v
	}
	for k, v := range s.Techs {
		o.Techs[k] = v
	}
	for k, v := range s.Routes {
		o.Routes[k] = v
	}
	return o
}

// seal drops overlay bookkeeping before the snapshot is published.
func (s *Snapshot) seal() {
	s.ownJobs, s.ownTechs, s.setRoute = nil, nil, nil
}

func (s *Snapshot) mutJob(id string) *store.WorkOrder {
	j, ok := s.Jobs[id]
	if !ok {
		return nil
	}
	if s.ownJobs != nil && !s.ownJobs[id] {
		c := *j
		c.Skills = slices.Clone(j.Skills)
		s.Jobs[id] = &c
		s.ownJobs[id] = true
		return &c
	}
	return j
}

func (s *Snapshot) mutTech(id string) *store.Technician {
	t, ok := s.Techs[id]
	if !ok {
		return nil
	}
	if s.ownTechs != nil && !s.ownTechs[id] {
		c := *t
		c.Skills = slices.Clone(t.Skills)
		s.Techs[id] = &c
		s.ownTechs[id] = true
		return &c
	}
	return t
}

// Job returns the work order or nil.
func (s *Snapshot) Job(id string) *store.WorkOrder { return s.Jobs[id] }

// Technician returns the technician or nil.
func (s *Snapshot) Technician(id string) *store.Technician { return s.Techs[id] }

// Route returns the technician's committed visits in order.
func (s *Snapshot) Route(techID string) []store.RouteStop { return s.Routes[techID] }

// RouteJobs resolves a technician's route to work orders.
func (s *Snapshot) RouteJobs(techID string) []*store.WorkOrder {
	stops := s.Routes[techID]
	out := make([]*store.WorkOrder, 0, len(stops))
	for _, st := range stops {
		if j := s.Jobs[st.JobID]; j != nil {
			out = append(out, j)
		}
	}
	return out
}

// SortedJobs returns every job ordered by ID.
func (s *Snapshot) SortedJobs() []*store.WorkOrder {
	out := make([]*store.WorkOrder, 0, len(s.Jobs))
	for _, j := range s.Jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// SortedTechnicians returns every technician ordered by ID.
func (s *Snapshot) SortedTechnicians() []*store.Technician {
	out := make([]*store.Technician, 0, len(s.Techs))
	for _, t := range s.Techs {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// UsedCapacity sums the capacity of jobs assigned to the technician that
// still hold a slot. Completed jobs keep theirs for the rest of the shift.
func (s *Snapshot) UsedCapacity(techID string) int {
	used := 0
	for _, j := range s.Jobs {
		if j.TechnicianID != techID {
			continue
		}
		if j.State == StateCancelled || j.State == StateUnscheduled {
			continue
		}
		used += j.Capacity
	}
	return used
}

type routePayload struct {
	Stops  []store.RouteStop `json:"stops"`
	Waived []string          `json:"waived,omitempty"`
}

type jobStatePayload struct {
	At     *time.Time `json:"at,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// apply folds one committed event into the snapshot. Live commits and replay
// share this function, so a log replayed from seq 1 rebuilds the same state.
func (s *Snapshot) apply(ev *store.ScheduleEvent) error {
	if ev.Seq <= s.Seq {
		return fmt.Errorf("event seq %d not after %d", ev.Seq, s.Seq)
	}
	switch ev.Kind {
	case store.EventJobCreated:
		if _, ok := s.Jobs[ev.JobID]; ok {
			return fmt.Errorf("%w: job %s already exists", ErrInvalidWorkOrder, ev.JobID)
		}
		var j store.WorkOrder
		if err := json.Unmarshal(ev.Payload, &j); err != nil {
			return fmt.Errorf("decode job %s: %w", ev.JobID, err)
		}
		j.OrgID, j.ID = s.OrgID, ev.JobID
		j.State = StateUnscheduled
		j.TechnicianID, j.RouteIndex, j.SkillWaived = "", -1, false
		j.ArrivedAt, j.CompletedAt = nil, nil
		j.FailedAttempts, j.BlockedBy = 0, ""
		j.LastSeq = ev.Seq
		j.CreatedAt, j.UpdatedAt = ev.CreatedAt, ev.CreatedAt
		s.Jobs[j.ID] = &j
		if s.ownJobs != nil {
			s.ownJobs[j.ID] = true
		}

	case store.EventTechnicianRegistered:
		var t store.Technician
		if err := json.Unmarshal(ev.Payload, &t); err != nil {
			return fmt.Errorf("decode technician %s: %w", ev.TechnicianID, err)
		}
		t.OrgID, t.ID = s.OrgID, ev.TechnicianID
		t.CurrentLat, t.CurrentLon, t.LocationAt, t.LocationStale = nil, nil, nil, false
		t.CreatedAt = ev.CreatedAt
		if prev := s.Techs[t.ID]; prev != nil {
			t.CurrentLat, t.CurrentLon = prev.CurrentLat, prev.CurrentLon
			t.LocationAt, t.LocationStale = prev.LocationAt, prev.LocationStale
			t.CreatedAt = prev.CreatedAt
		}
		t.LastSeq, t.UpdatedAt = ev.Seq, ev.CreatedAt
		s.Techs[t.ID] = &t
		if s.ownTechs != nil {
			s.ownTechs[t.ID] = true
		}

	case store.EventRouteSet:
		if err := s.applyRoute(ev); err != nil {
			return err
		}

	case store.EventJobState:
		if err := s.applyJobState(ev); err != nil {
			return err
		}

	case store.EventTechnicianState:
		t := s.mutTech(ev.TechnicianID)
		if t == nil {
			return fmt.Errorf("%w: technician %s", ErrNotFound, ev.TechnicianID)
		}
		if string(t.State) != ev.FromState {
			return fmt.Errorf("%w: technician %s is %s, not %s", ErrInvalidTransition, t.ID, t.State, ev.FromState)
		}
		t.State = store.TechState(ev.ToState)
		t.LastSeq, t.UpdatedAt = ev.Seq, ev.CreatedAt

	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	s.Seq = ev.Seq
	return nil
}

func (s *Snapshot) applyRoute(ev *store.ScheduleEvent) error {
	t := s.mutTech(ev.TechnicianID)
	if t == nil {
		return fmt.Errorf("%w: technician %s", ErrNotFound, ev.TechnicianID)
	}
	var p routePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode route for %s: %w", t.ID, err)
	}
	waived := make(map[string]bool, len(p.Waived))
	for _, id := range p.Waived {
		waived[id] = true
	}
	kept := make(map[string]bool, len(p.Stops))
	for _, st := range p.Stops {
		kept[st.JobID] = true
	}

	for _, st := range s.Routes[t.ID] {
		if kept[st.JobID] {
			continue
		}
		if j := s.mutJob(st.JobID); j != nil {
			if j.TechnicianID == t.ID {
				j.RouteIndex = -1
			}
			j.LastSeq, j.UpdatedAt = ev.Seq, ev.CreatedAt
		}
	}

	stops := make([]store.RouteStop, len(p.Stops))
	for i, st := range p.Stops {
		j := s.mutJob(st.JobID)
		if j == nil {
			return fmt.Errorf("%w: job %s in route of %s", ErrNotFound, st.JobID, t.ID)
		}
		if j.TechnicianID != t.ID {
			j.SkillWaived = false
		}
		if waived[j.ID] {
			j.SkillWaived = true
		}
		j.TechnicianID, j.RouteIndex = t.ID, i
		j.LastSeq, j.UpdatedAt = ev.Seq, ev.CreatedAt
		st.TechnicianID, st.Index = t.ID, i
		stops[i] = st
	}
	if len(stops) == 0 {
		delete(s.Routes, t.ID)
	} else {
		s.Routes[t.ID] = stops
	}
	if s.setRoute != nil {
		s.setRoute[t.ID] = true
	}
	t.LastSeq, t.UpdatedAt = ev.Seq, ev.CreatedAt
	return nil
}

func (s *Snapshot) applyJobState(ev *store.ScheduleEvent) error {
	j := s.mutJob(ev.JobID)
	if j == nil {
		return fmt.Errorf("%w: job %s", ErrNotFound, ev.JobID)
	}
	from, to := store.JobState(ev.FromState), store.JobState(ev.ToState)
	if j.State != from {
		return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, j.ID, j.State, from)
	}
	if !IsValidTransition(from, to) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, j.ID, from, to)
	}
	var p jobStatePayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode state change for %s: %w", j.ID, err)
		}
	}
	at := ev.CreatedAt
	if p.At != nil {
		at = *p.At
	}

	switch to {
	case StateScheduled:
		if ev.TechnicianID != "" {
			j.TechnicianID = ev.TechnicianID
		}
	case StateInProgress:
		j.ArrivedAt = &at
	case StateCompleted:
		j.CompletedAt = &at
	case StateFailed:
		j.BlockedBy = ev.TechnicianID
	case StateUnscheduled:
		if from == StateFailed {
			j.FailedAttempts++
		}
		j.TechnicianID, j.RouteIndex, j.SkillWaived = "", -1, false
		j.ArrivedAt = nil
	case StateCancelled:
		j.TechnicianID, j.RouteIndex = "", -1
	}
	j.State = to
	j.LastSeq, j.UpdatedAt = ev.Seq, ev.CreatedAt
	return nil
}

// Replay rebuilds an organization's schedule from its event log.
func Replay(orgID string, events []*store.ScheduleEvent) (*Snapshot, error) {
	s := NewSnapshot(orgID)
	for _, ev := range events {
		if err := s.apply(ev); err != nil {
			return nil, fmt.Errorf("replay seq %d: %w", ev.Seq, err)
		}
	}
	return s, nil
}

// Diff lists schedule differences between two snapshots. Location fields
// are ignored because pings are not part of the event log.
func (s *Snapshot) Diff(o *Snapshot) []string {
	var out []string
	if s.Seq != o.Seq {
		out = append(out, fmt.Sprintf("seq %d != %d", s.Seq, o.Seq))
	}
	for id, a := range s.Jobs {
		b, ok := o.Jobs[id]
		if !ok {
			out = append(out, "job "+id+" missing")
			continue
		}
		if a.State != b.State || a.TechnicianID != b.TechnicianID || a.RouteIndex != b.RouteIndex ||
			a.SkillWaived != b.SkillWaived || a.FailedAttempts != b.FailedAttempts || a.BlockedBy != b.BlockedBy ||
			a.LastSeq != b.LastSeq || a.Priority != b.Priority || a.DurationMin != b.DurationMin {
			out = append(out, fmt.Sprintf("job %s: %s/%s#%d != %s/%s#%d", id,
				a.State, a.TechnicianID, a.RouteIndex, b.State, b.TechnicianID, b.RouteIndex))
		}
	}
	for id := range o.Jobs {
		if _, ok := s.Jobs[id]; !ok {
			out = append(out, "job "+id+" unexpected")
		}
	}
	for id, a := range s.Techs {
		b, ok := o.Techs[id]
		if !ok {
			out = append(out, "technician "+id+" missing")
			continue
		}
		if a.State != b.State || a.CapacityLimit != b.CapacityLimit || a.Active != b.Active ||
			a.LastSeq != b.LastSeq || !slices.Equal(a.Skills, b.Skills) {
			out = append(out, fmt.Sprintf("technician %s: %s#%d != %s#%d", id, a.State, a.LastSeq, b.State, b.LastSeq))
		}
	}
	for id := range o.Techs {
		if _, ok := s.Techs[id]; !ok {
			out = append(out, "technician "+id+" unexpected")
		}
	}
	techIDs := make(map[string]bool)
	for id := range s.Routes {
		techIDs[id] = true
	}
	for id := range o.Routes {
		techIDs[id] = true
	}
	for id := range techIDs {
		a, b := s.Routes[id], o.Routes[id]
		if len(a) != len(b) {
			out = append(out, fmt.Sprintf("route %s: %d stops != %d", id, len(a), len(b)))
			continue
		}
		for i := range a {
			if a[i].JobID != b[i].JobID || !a[i].PlannedArrival.Equal(b[i].PlannedArrival) ||
				!a[i].PlannedDeparture.Equal(b[i].PlannedDeparture) {
				out = append(out, fmt.Sprintf("route %s stop %d: %s != %s", id, i, a[i].JobID, b[i].JobID))
			}
		}
	}
	sort.Strings(out)
	return out
}
