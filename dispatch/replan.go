package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fieldops/assign"
	"fieldops/route"
	"fieldops/store"
)

// ReplanResult reports what one re-optimization committed.
type ReplanResult struct {
	Seq          int64                        `json:"seq"`
	Assigned     []assign.CandidateAssignment `json:"assigned,omitempty"`
	Unassignable []assign.Unassignable        `json:"unassignable,omitempty"`
	Rerouted     []string                     `json:"rerouted,omitempty"`
	Released     []string                     `json:"released,omitempty"`
	Degraded     bool                         `json:"degraded,omitempty"`
}

// Replan runs one re-optimization for the trigger and commits the result.
// Stale proposals are recomputed up to the retry limit; after that the
// affected jobs are queued for a human with reason StaleState.
func (c *Coordinator) Replan(ctx context.Context, orgID string, t Trigger) (*ReplanResult, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.replan", trace.WithAttributes(
		attribute.String("org", orgID),
		attribute.Bool("assign", t.Assign),
		attribute.StringSlice("technicians", t.Technicians)))
	defer span.End()

	q, _, err := c.existing(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return &ReplanResult{}, nil
	}
	for attempt := 0; ; attempt++ {
		snap := q.view.Load()
		p, res, err := c.plan(ctx, snap, t)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if len(p.events) == 0 {
			q.settleDegraded(snap.Seq, p.degraded)
			c.recordUnassignable(ctx, orgID, res.Unassignable)
			return res, nil
		}
		p.baseSeq = snap.Seq
		events, err := c.commit(ctx, q, p)
		if err == nil {
			res.Seq = events[len(events)-1].Seq
			c.log.Info().Str("org", orgID).Int64("seq", res.Seq).Int("assigned", len(res.Assigned)).
				Int("unassignable", len(res.Unassignable)).Strs("rerouted", res.Rerouted).Msg("replan committed")
			c.recordUnassignable(ctx, orgID, res.Unassignable)
			return res, nil
		}
		if errors.Is(err, ErrStaleState) && attempt < c.cfg.MaxCommitRetries {
			c.log.Debug().Err(err).Str("org", orgID).Int("attempt", attempt+1).Msg("replan stale, recomputing")
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrStaleState) {
			var stale []assign.Unassignable
			for _, a := range res.Assigned {
				stale = append(stale, assign.Unassignable{JobID: a.JobID, Reason: ReasonStaleState})
			}
			c.recordUnassignable(ctx, orgID, stale)
		}
		return res, err
	}
}

func (c *Coordinator) vehicle(t *store.Technician, now time.Time) route.Vehicle {
	ready := now
	if t.ShiftStart.After(ready) {
		ready = t.ShiftStart
	}
	return route.Vehicle{TechnicianID: t.ID, Start: t.Position(), ReadyAt: ready, ShiftEnd: t.ShiftEnd}
}

// plan computes a proposal against snap without committing it.
func (c *Coordinator) plan(ctx context.Context, snap *Snapshot, t Trigger) (*proposal, *ReplanResult, error) {
	now := c.now().UTC()
	res := &ReplanResult{}
	p := &proposal{actor: ActorSystem, degraded: make(map[string]bool)}

	working := make(map[string][]*store.WorkOrder)
	sols := make(map[string]*route.Solution)
	routeOf := func(techID string) []*store.WorkOrder {
		if w, ok := working[techID]; ok {
			return w
		}
		return snap.RouteJobs(techID)
	}

	scope := append([]string(nil), t.Technicians...)
	sort.Strings(scope)
	released := make(map[string]string)
	for _, id := range scope {
		tech := snap.Techs[id]
		if tech == nil {
			continue
		}
		jobs := snap.RouteJobs(id)
		if len(jobs) == 0 {
			continue
		}
		sol, err := c.optimizer.FullReoptimize(ctx, c.vehicle(tech, now), jobs)
		if err != nil {
			return nil, nil, fmt.Errorf("reoptimize %s: %w", id, err)
		}
		sols[id] = sol
		working[id] = resolve(snap, sol.JobIDs())
		for _, jobID := range sol.Unplaced {
			released[jobID] = id
		}
	}

	// Jobs newly placed this round, by technician.
	placed := make(map[string]string)
	if t.Assign || len(released) > 0 {
		var pool []store.WorkOrder
		for _, j := range snap.SortedJobs() {
			if j.State == StateUnscheduled {
				pool = append(pool, *j)
			}
		}
		for jobID := range released {
			pool = append(pool, *snap.Jobs[jobID])
		}
		sort.Slice(pool, func(a, b int) bool { return pool[a].ID < pool[b].ID })

		used := make(map[string]int)
		var plans []assign.TechnicianPlan
		for _, tech := range snap.SortedTechnicians() {
			u := snap.UsedCapacity(tech.ID)
			for jobID, from := range released {
				if from == tech.ID {
					u -= snap.Jobs[jobID].Capacity
				}
			}
			used[tech.ID] = u
			plan := c.techPlan(snap, tech, routeOf(tech.ID), sols[tech.ID], now)
			plan.UsedCapacity = u
			for _, j := range pool {
				if j.BlockedBy == tech.ID {
					if plan.Exclude == nil {
						plan.Exclude = make(map[string]bool)
					}
					plan.Exclude[j.ID] = true
				}
			}
			plans = append(plans, plan)
		}

		out, err := c.assigner.Assign(pool, plans)
		if err != nil {
			return nil, nil, err
		}
		res.Unassignable = append(res.Unassignable, out.Unassignable...)

		for _, ca := range out.Assignments {
			job := snap.Jobs[ca.JobID]
			ok := false
			for _, techID := range append([]string{ca.TechnicianID}, ca.Alternates...) {
				tech := snap.Techs[techID]
				if used[techID]+job.Capacity > tech.CapacityLimit {
					continue
				}
				candidate := *job
				candidate.State = StateScheduled
				sol, err := c.optimizer.Optimize(ctx, c.vehicle(tech, now), routeOf(techID), &candidate)
				if errors.Is(err, route.ErrInfeasible) {
					continue
				}
				if err != nil {
					return nil, nil, fmt.Errorf("route %s for %s: %w", job.ID, techID, err)
				}
				sols[techID] = sol
				working[techID] = resolveWith(snap, sol.JobIDs(), &candidate)
				used[techID] += job.Capacity
				placed[job.ID] = techID
				ca.TechnicianID = techID
				res.Assigned = append(res.Assigned, ca)
				ok = true
				break
			}
			if !ok {
				res.Unassignable = append(res.Unassignable, assign.Unassignable{JobID: job.ID, Reason: ReasonInfeasible})
			}
		}
	}

	// Released jobs nobody picked up go back to the pool first, so their
	// route slots are free before routes are rewritten.
	releasedIDs := make([]string, 0, len(released))
	for jobID := range released {
		releasedIDs = append(releasedIDs, jobID)
	}
	sort.Strings(releasedIDs)
	for _, jobID := range releasedIDs {
		if _, ok := placed[jobID]; ok {
			continue
		}
		j := snap.Jobs[jobID]
		p.add(jobStateEvent(j, StateUnscheduled, released[jobID], nil, "no longer fits route"))
		res.Released = append(res.Released, jobID)
	}

	techIDs := make([]string, 0, len(sols))
	for id := range sols {
		techIDs = append(techIDs, id)
	}
	sort.Strings(techIDs)
	for _, id := range techIDs {
		sol := sols[id]
		if sameRoute(sol.Stops, snap.Routes[id]) {
			if !sol.Degraded {
				p.degraded[id] = false
			}
			continue
		}
		p.add(solutionEvent(sol, nil))
		p.degraded[id] = sol.Degraded
		res.Rerouted = append(res.Rerouted, id)
		res.Degraded = res.Degraded || sol.Degraded
	}

	for _, a := range res.Assigned {
		j := snap.Jobs[a.JobID]
		if j.State != StateUnscheduled {
			continue
		}
		p.add(jobStateEvent(j, StateScheduled, a.TechnicianID, nil, ""))
	}
	return p, res, nil
}

// techPlan converts a route into the assignment engine's view of it.
func (c *Coordinator) techPlan(snap *Snapshot, tech *store.Technician, jobs []*store.WorkOrder, sol *route.Solution, now time.Time) assign.TechnicianPlan {
	v := c.vehicle(tech, now)
	plan := assign.TechnicianPlan{Tech: tech, Start: v.Start, ReadyAt: v.ReadyAt}
	stops := snap.Routes[tech.ID]
	if sol != nil {
		stops = sol.Stops
	}
	for i, j := range jobs {
		ps := assign.PlannedStop{
			JobID:    j.ID,
			Point:    j.Point(),
			Earliest: j.EarliestStart,
			Latest:   j.LatestStart,
			Duration: j.Duration(),
			Pinned:   j.Started(),
		}
		if i < len(stops) && stops[i].JobID == j.ID {
			ps.Arrival, ps.Departure = stops[i].PlannedArrival, stops[i].PlannedDeparture
		}
		plan.Stops = append(plan.Stops, ps)
	}
	return plan
}

func resolve(snap *Snapshot, ids []string) []*store.WorkOrder {
	return resolveWith(snap, ids, nil)
}

// resolveWith maps job IDs to work orders, substituting extra for its ID.
func resolveWith(snap *Snapshot, ids []string, extra *store.WorkOrder) []*store.WorkOrder {
	out := make([]*store.WorkOrder, 0, len(ids))
	for _, id := range ids {
		if extra != nil && id == extra.ID {
			out = append(out, extra)
			continue
		}
		out = append(out, snap.Jobs[id])
	}
	return out
}

// recordUnassignable queues jobs for human attention and escalates those
// that keep failing.
func (c *Coordinator) recordUnassignable(ctx context.Context, orgID string, list []assign.Unassignable) {
	for _, u := range list {
		entry, err := c.db.UpsertQueueEntry(ctx, orgID, u.JobID, string(u.Reason), "", c.cfg.MaxAssignAttempts)
		if err != nil {
			c.log.Warn().Err(err).Str("org", orgID).Str("job", u.JobID).Msg("queue unassignable job")
			continue
		}
		ev := c.log.Info()
		if entry.Escalated {
			ev = c.log.Warn()
		}
		ev.Str("org", orgID).Str("job", u.JobID).Str("reason", string(u.Reason)).Int("attempts", entry.Attempts).
			Bool("escalated", entry.Escalated).Msg("job unassignable")
		c.emitter.EmitJobUnassignable(orgID, u.JobID, string(u.Reason), entry.Attempts, entry.Escalated)
	}
}
