package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"fieldops/route"
	"fieldops/store"
)

// ForceAssignRequest is a dispatcher's manual placement of one job.
type ForceAssignRequest struct {
	JobID        string `json:"job_id" validate:"required"`
	TechnicianID string `json:"technician_id" validate:"required"`
	// Position pins the job to a route index; nil lets the optimizer choose.
	Position    *int  `json:"position,omitempty" validate:"omitempty,gte=0"`
	WaiveSkills bool  `json:"waive_skills"`
	BaseSeq     int64 `json:"base_seq"`
}

// ReorderRequest replaces the visit order of one technician's route.
type ReorderRequest struct {
	TechnicianID string   `json:"technician_id" validate:"required"`
	JobIDs       []string `json:"job_ids" validate:"required,dive,required"`
	BaseSeq      int64    `json:"base_seq"`
}

// override commits a dispatcher change against the snapshot the dispatcher
// acted on: baseSeq when given, else the view current on entry. The proposal
// is checked once and never rebuilt, so of two conflicting overrides one
// commits and the other gets ErrStaleState.
func (c *Coordinator) override(ctx context.Context, orgID string, baseSeq int64, build func(s *Snapshot) (*proposal, error)) (*Snapshot, error) {
	q, snap, err := c.openFor(ctx, orgID, build)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return snap, nil
	}
	if baseSeq <= 0 {
		baseSeq = snap.Seq
	}
	if baseSeq > snap.Seq {
		return nil, fmt.Errorf("%w: base seq %d is ahead of %d", ErrStaleState, baseSeq, snap.Seq)
	}
	p, err := build(snap)
	if err != nil {
		return nil, err
	}
	if len(p.events) == 0 {
		return snap, nil
	}
	p.baseSeq = baseSeq
	if _, err := c.commit(ctx, q, p); err != nil {
		return nil, err
	}
	return q.view.Load(), nil
}

// ForceAssign places a job on a chosen technician, optionally at a fixed
// position and optionally waiving the skill requirement. Capacity, windows
// and double-booking are still enforced.
func (c *Coordinator) ForceAssign(ctx context.Context, orgID string, req ForceAssignRequest, actor string) (*store.WorkOrder, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	snap, err := c.override(ctx, orgID, req.BaseSeq, func(s *Snapshot) (*proposal, error) {
		j := s.Jobs[req.JobID]
		if j == nil {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, req.JobID)
		}
		t := s.Techs[req.TechnicianID]
		if t == nil {
			return nil, fmt.Errorf("%w: technician %s", ErrNotFound, req.TechnicianID)
		}
		if j.State != StateUnscheduled && j.State != StateScheduled {
			return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.State)
		}
		if j.TechnicianID == t.ID {
			return nil, fmt.Errorf("%w: job %s is already on %s; reorder instead", ErrInvalidTransition, j.ID, t.ID)
		}
		if !t.Dispatchable() {
			return nil, fmt.Errorf("%w: technician %s is %s", ErrInvalidTransition, t.ID, t.State)
		}
		waived := false
		if !t.HasSkills(j.Skills) {
			if !req.WaiveSkills {
				return nil, fmt.Errorf("%w: %s lacks %s", ErrNoSkillMatch, t.ID, strings.Join(j.Skills, ","))
			}
			waived = true
		}
		if used := s.UsedCapacity(t.ID); used+j.Capacity > t.CapacityLimit {
			return nil, fmt.Errorf("%w: %s uses %d of %d", ErrNoCapacity, t.ID, used, t.CapacityLimit)
		}

		candidate := *j
		candidate.State = StateScheduled
		current := s.RouteJobs(t.ID)
		v := c.vehicle(t, c.now().UTC())
		var sol *route.Solution
		var err error
		if req.Position != nil {
			pos := *req.Position
			first := 0
			for first < len(current) && current[first].Started() {
				first++
			}
			if pos < first || pos > len(current) {
				return nil, fmt.Errorf("%w: position %d outside %d..%d", ErrInvalidTransition, pos, first, len(current))
			}
			seq := slices.Insert(slices.Clone(current), pos, &candidate)
			sol, err = c.optimizer.Simulate(ctx, v, seq)
		} else {
			sol, err = c.optimizer.Optimize(ctx, v, current, &candidate)
		}
		if errors.Is(err, route.ErrInfeasible) {
			return nil, fmt.Errorf("%w: %v", ErrNoTimeWindowFit, err)
		}
		if err != nil {
			return nil, err
		}

		p := &proposal{actor: actor, degraded: map[string]bool{t.ID: sol.Degraded}}
		prev := j.TechnicianID
		if prev != "" {
			p.add(routeEvent(prev, withoutJob(s.Routes[prev], j.ID), nil, false))
		}
		var waivedIDs []string
		if waived {
			waivedIDs = []string{j.ID}
		}
		p.add(solutionEvent(sol, waivedIDs))
		if j.State == StateUnscheduled {
			ev := jobStateEvent(j, StateScheduled, t.ID, nil, "")
			ev.SkillWaived = waived
			p.add(ev)
		}
		action := "force_assign"
		if waived {
			action = "force_assign_skill_waived"
		}
		p.audit = append(p.audit, auditEntry("work_order", j.ID, action, prev, t.ID, actor))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("org", orgID).Str("job", req.JobID).Str("technician", req.TechnicianID).
		Bool("waived", req.WaiveSkills).Str("actor", actor).Msg("job force-assigned")
	return snap.Jobs[req.JobID], nil
}

// ForceReorder sets the visit order of a technician's route. The order must
// be a permutation of the current route with started jobs left in front.
func (c *Coordinator) ForceReorder(ctx context.Context, orgID string, req ReorderRequest, actor string) ([]store.RouteStop, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	snap, err := c.override(ctx, orgID, req.BaseSeq, func(s *Snapshot) (*proposal, error) {
		t := s.Techs[req.TechnicianID]
		if t == nil {
			return nil, fmt.Errorf("%w: technician %s", ErrNotFound, req.TechnicianID)
		}
		current := s.RouteJobs(t.ID)
		if len(current) != len(req.JobIDs) {
			return nil, fmt.Errorf("%w: route of %s has %d jobs, got %d", ErrInvalidTransition, t.ID, len(current), len(req.JobIDs))
		}
		onRoute := make(map[string]*store.WorkOrder, len(current))
		for _, j := range current {
			onRoute[j.ID] = j
		}
		seq := make([]*store.WorkOrder, 0, len(req.JobIDs))
		for i, id := range req.JobIDs {
			j, ok := onRoute[id]
			if !ok {
				return nil, fmt.Errorf("%w: job %s is not on the route of %s", ErrInvalidTransition, id, t.ID)
			}
			delete(onRoute, id)
			if current[i].Started() && current[i].ID != id {
				return nil, fmt.Errorf("%w: started job %s must stay at %d", ErrInvalidTransition, current[i].ID, i)
			}
			seq = append(seq, j)
		}
		sol, err := c.optimizer.Simulate(ctx, c.vehicle(t, c.now().UTC()), seq)
		if errors.Is(err, route.ErrInfeasible) {
			return nil, fmt.Errorf("%w: %v", ErrNoTimeWindowFit, err)
		}
		if err != nil {
			return nil, err
		}
		p := &proposal{actor: actor, degraded: map[string]bool{t.ID: sol.Degraded}}
		p.add(solutionEvent(sol, nil))
		before := make([]string, len(current))
		for i, j := range current {
			before[i] = j.ID
		}
		p.audit = append(p.audit, auditEntry("technician", t.ID, "reorder",
			strings.Join(before, ","), strings.Join(req.JobIDs, ","), actor))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("org", orgID).Str("technician", req.TechnicianID).Strs("order", req.JobIDs).Str("actor", actor).Msg("route reordered")
	return snap.Routes[req.TechnicianID], nil
}
