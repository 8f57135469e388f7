package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldops/store"
)

// CreateWorkOrder records a new unscheduled job. Assignment happens
// asynchronously once the JobCreated trigger reaches the worker.
func (c *Coordinator) CreateWorkOrder(ctx context.Context, orgID string, in WorkOrderIntake, actor string) (*store.WorkOrder, error) {
	if err := c.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkOrder, err)
	}
	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	prio := in.Priority
	if prio == 0 {
		prio = store.PriorityNormal
	}
	skills := in.Skills
	if skills == nil {
		skills = []string{}
	}
	job := store.WorkOrder{
		ID:            id,
		JobNumber:     in.JobNumber,
		Skills:        skills,
		DurationMin:   in.DurationMin,
		Priority:      prio,
		EarliestStart: in.EarliestStart.UTC(),
		LatestStart:   in.LatestStart.UTC(),
		Lat:           *in.Lat,
		Lon:           *in.Lon,
		Capacity:      in.Capacity,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	_, snap, err := c.mutate(ctx, orgID, func(s *Snapshot) (*proposal, error) {
		if s.Jobs[id] != nil {
			return nil, fmt.Errorf("%w: job %s already exists", ErrInvalidWorkOrder, id)
		}
		p := &proposal{actor: actor}
		p.add(&store.ScheduleEvent{Kind: store.EventJobCreated, JobID: id, Payload: payload})
		p.audit = append(p.audit, auditEntry("work_order", id, "created", "", string(payload), actor))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("org", orgID).Str("job", id).Str("priority", prio.String()).Msg("work order created")
	c.emitter.EmitJobCreated(orgID, id)
	return snap.Jobs[id], nil
}

// RegisterTechnician adds a technician or updates their profile. The
// availability state of an existing technician is left alone; use
// SetTechnicianState for that.
func (c *Coordinator) RegisterTechnician(ctx context.Context, orgID string, in TechnicianIntake, actor string) (*store.Technician, error) {
	if err := c.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTechnician, err)
	}
	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	skills := in.Skills
	if skills == nil {
		skills = []string{}
	}

	_, snap, err := c.mutate(ctx, orgID, func(s *Snapshot) (*proposal, error) {
		t := store.Technician{
			ID:            id,
			Name:          in.Name,
			Skills:        skills,
			CapacityLimit: in.CapacityLimit,
			ShiftStart:    in.ShiftStart.UTC(),
			ShiftEnd:      in.ShiftEnd.UTC(),
			BaseLat:       in.BaseLat,
			BaseLon:       in.BaseLon,
			Active:        active,
			State:         in.State,
		}
		action, old := "registered", ""
		if prev := s.Techs[id]; prev != nil {
			t.State = prev.State
			action = "updated"
			b, _ := json.Marshal(prev)
			old = string(b)
		} else if t.State == "" {
			t.State = TechIdle
		}
		payload, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		p := &proposal{actor: actor}
		p.add(&store.ScheduleEvent{Kind: store.EventTechnicianRegistered, TechnicianID: id, Payload: payload})
		p.audit = append(p.audit, auditEntry("technician", id, action, old, string(payload), actor))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("org", orgID).Str("technician", id).Strs("skills", skills).Msg("technician registered")
	c.emitter.EmitTechnicianRegistered(orgID, id)
	return snap.Techs[id], nil
}

// ApplyStatus applies a technician-reported lifecycle event. Rejected
// transitions leave the schedule untouched.
func (c *Coordinator) ApplyStatus(ctx context.Context, orgID string, upd StatusUpdate) (*store.WorkOrder, error) {
	at := upd.At.UTC()
	if upd.At.IsZero() {
		at = c.now().UTC()
	}
	var techID string
	_, snap, err := c.mutate(ctx, orgID, func(s *Snapshot) (*proposal, error) {
		j := s.Jobs[upd.JobID]
		if j == nil {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, upd.JobID)
		}
		t := s.Techs[upd.TechnicianID]
		if t == nil {
			return nil, fmt.Errorf("%w: technician %s", ErrNotFound, upd.TechnicianID)
		}
		if j.TechnicianID != t.ID {
			return nil, fmt.Errorf("%w: job %s is not assigned to %s", ErrInvalidTransition, j.ID, t.ID)
		}
		techID = t.ID
		stops := s.Routes[t.ID]
		p := &proposal{actor: "technician:" + t.ID}

		switch upd.Event {
		case StatusDeparted:
			if !IsValidTransition(j.State, StateEnRoute) {
				return nil, fmt.Errorf("%w: cannot depart for %s job %s", ErrInvalidTransition, j.State, j.ID)
			}
			if len(stops) == 0 || stops[0].JobID != j.ID {
				return nil, fmt.Errorf("%w: job %s is not next on the route of %s", ErrInvalidTransition, j.ID, t.ID)
			}
			p.add(jobStateEvent(j, StateEnRoute, t.ID, &at, ""))
			if t.State == TechIdle {
				p.add(techStateEvent(t, TechBusy))
			}

		case StatusArrived:
			if !IsValidTransition(j.State, StateInProgress) {
				return nil, fmt.Errorf("%w: cannot arrive at %s job %s", ErrInvalidTransition, j.State, j.ID)
			}
			p.add(jobStateEvent(j, StateInProgress, t.ID, &at, ""))

		case StatusCompleted:
			if !IsValidTransition(j.State, StateCompleted) {
				return nil, fmt.Errorf("%w: cannot complete %s job %s", ErrInvalidTransition, j.State, j.ID)
			}
			p.add(jobStateEvent(j, StateCompleted, t.ID, &at, ""))
			p.add(routeEvent(t.ID, withoutJob(stops, j.ID), nil, false))
			if t.State == TechBusy {
				p.add(techStateEvent(t, TechIdle))
			}

		case StatusBlocked:
			if !IsValidTransition(j.State, StateFailed) {
				return nil, fmt.Errorf("%w: cannot block %s job %s", ErrInvalidTransition, j.State, j.ID)
			}
			p.add(jobStateEvent(j, StateFailed, t.ID, &at, upd.Reason))
			failed := *j
			failed.State = StateFailed
			p.add(jobStateEvent(&failed, StateUnscheduled, t.ID, nil, upd.Reason))
			p.add(routeEvent(t.ID, withoutJob(stops, j.ID), nil, false))
			if t.State == TechBusy {
				p.add(techStateEvent(t, TechIdle))
			}

		default:
			return nil, fmt.Errorf("%w: unknown status event %q", ErrInvalidTransition, upd.Event)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Str("org", orgID).Str("job", upd.JobID).Str("technician", techID).Str("event", upd.Event).Msg("status applied")
	switch upd.Event {
	case StatusCompleted:
		c.emitter.EmitJobCompleted(orgID, upd.JobID, techID)
	case StatusBlocked:
		c.emitter.EmitJobFailed(orgID, upd.JobID, techID, upd.Reason)
	}
	return snap.Jobs[upd.JobID], nil
}

// CancelWorkOrder cancels a job that has not been started on site.
func (c *Coordinator) CancelWorkOrder(ctx context.Context, orgID, jobID, actor string) (*store.WorkOrder, error) {
	var techID string
	_, snap, err := c.mutate(ctx, orgID, func(s *Snapshot) (*proposal, error) {
		j := s.Jobs[jobID]
		if j == nil {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		if !IsValidTransition(j.State, StateCancelled) {
			return nil, fmt.Errorf("%w: cannot cancel %s job %s", ErrInvalidTransition, j.State, jobID)
		}
		techID = j.TechnicianID
		p := &proposal{actor: actor}
		p.add(jobStateEvent(j, StateCancelled, techID, nil, ""))
		if techID != "" {
			stops := s.Routes[techID]
			if routeContains(stops, jobID) {
				p.add(routeEvent(techID, withoutJob(stops, jobID), nil, false))
			}
			if t := s.Techs[techID]; t != nil && j.State == StateEnRoute && t.State == TechBusy {
				p.add(techStateEvent(t, TechIdle))
			}
		}
		p.audit = append(p.audit, auditEntry("work_order", jobID, "cancelled", string(j.State), string(StateCancelled), actor))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("org", orgID).Str("job", jobID).Str("technician", techID).Msg("work order cancelled")
	c.emitter.EmitJobCancelled(orgID, jobID, techID)
	return snap.Jobs[jobID], nil
}

// SetTechnicianState changes availability. Going unavailable or off shift
// releases every job not yet started back to the unscheduled pool.
func (c *Coordinator) SetTechnicianState(ctx context.Context, orgID, techID string, to store.TechState, actor string) (*store.Technician, error) {
	if to == TechBusy {
		return nil, fmt.Errorf("%w: busy is set by departures only", ErrInvalidTransition)
	}
	var released []string
	var changed bool
	_, snap, err := c.mutate(ctx, orgID, func(s *Snapshot) (*proposal, error) {
		released, changed = nil, false
		t := s.Techs[techID]
		if t == nil {
			return nil, fmt.Errorf("%w: technician %s", ErrNotFound, techID)
		}
		if t.State == to {
			return &proposal{}, nil
		}
		if !IsValidTechTransition(t.State, to) || (t.State == TechBusy && to == TechIdle) {
			return nil, fmt.Errorf("%w: technician %s %s -> %s", ErrInvalidTransition, techID, t.State, to)
		}
		changed = true
		p := &proposal{actor: actor}
		if to == TechUnavailable || to == TechOffShift {
			var kept []store.RouteStop
			for _, st := range s.Routes[techID] {
				j := s.Jobs[st.JobID]
				if j.Started() {
					st.Index = len(kept)
					kept = append(kept, st)
					continue
				}
				released = append(released, j.ID)
				p.add(jobStateEvent(j, StateUnscheduled, techID, nil, "technician "+string(to)))
			}
			if len(released) > 0 {
				p.add(routeEvent(techID, kept, nil, false))
			}
		}
		p.add(techStateEvent(t, to))
		p.audit = append(p.audit, auditEntry("technician", techID, "state", string(t.State), string(to), actor))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return snap.Techs[techID], nil
	}

	c.log.Info().Str("org", orgID).Str("technician", techID).Str("state", string(to)).Strs("released", released).Msg("technician state changed")
	switch to {
	case TechUnavailable, TechOffShift:
		c.emitter.EmitTechnicianUnavailable(orgID, techID, released)
	case TechIdle:
		c.emitter.EmitTechnicianAvailable(orgID, techID)
	}
	return snap.Techs[techID], nil
}

// UpdateLocation records a GPS fix. Pings are not schedule events: they
// update the technician's position in place and are dropped when not newer
// than the last one seen.
func (c *Coordinator) UpdateLocation(ctx context.Context, orgID, techID string, lat, lon float64, at time.Time) (bool, error) {
	q, _, err := c.existing(ctx, orgID)
	if err != nil {
		return false, err
	}
	if q == nil {
		return false, fmt.Errorf("%w: technician %s", ErrNotFound, techID)
	}
	at = at.UTC()
	q.mu.Lock()
	defer q.mu.Unlock()

	cur := q.view.Load()
	t := cur.Techs[techID]
	if t == nil {
		return false, fmt.Errorf("%w: technician %s", ErrNotFound, techID)
	}
	if t.LocationAt != nil && !at.After(*t.LocationAt) {
		return false, nil
	}
	moved, err := c.db.UpdateTechnicianLocation(ctx, orgID, techID, lat, lon, at)
	if err != nil {
		return false, fmt.Errorf("store location: %w", err)
	}
	if !moved {
		return false, nil
	}
	ov := cur.overlay()
	mt := ov.mutTech(techID)
	mt.CurrentLat, mt.CurrentLon, mt.LocationAt, mt.LocationStale = &lat, &lon, &at, false
	ov.seal()
	q.view.Store(ov)
	return true, nil
}

// MarkLocationStale flags a technician whose pings stopped arriving.
func (c *Coordinator) MarkLocationStale(ctx context.Context, orgID, techID string, stale bool) error {
	q, _, err := c.existing(ctx, orgID)
	if err != nil {
		return err
	}
	if q == nil {
		return fmt.Errorf("%w: technician %s", ErrNotFound, techID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	cur := q.view.Load()
	t := cur.Techs[techID]
	if t == nil {
		return fmt.Errorf("%w: technician %s", ErrNotFound, techID)
	}
	if t.LocationStale == stale {
		return nil
	}
	if err := c.db.SetLocationStale(ctx, orgID, techID, stale); err != nil {
		return fmt.Errorf("store staleness: %w", err)
	}
	ov := cur.overlay()
	ov.mutTech(techID).LocationStale = stale
	ov.seal()
	q.view.Store(ov)
	return nil
}
