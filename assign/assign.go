// Package assign matches unscheduled work orders to technicians. It decides
// who does a job, not when; sequencing belongs to the route optimizer.
package assign

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"fieldops/config"
	"fieldops/geo"
	"fieldops/store"
)

// Reason codes for jobs no technician can take.
type Reason string

const (
	NoSkillMatch    Reason = "NoSkillMatch"
	NoCapacity      Reason = "NoCapacity"
	NoTimeWindowFit Reason = "NoTimeWindowFit"
)

// Estimator gives a cheap travel figure between two points. It must not block.
type Estimator interface {
	Estimate(from, to geo.Point) geo.Estimate
}

// PlannedStop is a committed visit as the assignment engine sees it.
type PlannedStop struct {
	JobID     string
	Point     geo.Point
	Earliest  time.Time
	Latest    time.Time
	Duration  time.Duration
	Arrival   time.Time
	Departure time.Time
	// Pinned stops are already started; nothing may be inserted before them.
	Pinned bool
}

// TechnicianPlan is a technician plus their committed route.
type TechnicianPlan struct {
	Tech         *store.Technician
	Start        geo.Point
	ReadyAt      time.Time
	Stops        []PlannedStop
	UsedCapacity int
	// Exclude lists jobs this technician must not receive.
	Exclude map[string]bool
}

// CandidateAssignment proposes a technician for a job. InsertAt is the
// estimated cheapest position; the route optimizer has the final say.
type CandidateAssignment struct {
	JobID         string             `json:"job_id"`
	TechnicianID  string             `json:"technician_id"`
	InsertAt      int                `json:"insert_at"`
	EstimatedCost float64            `json:"estimated_cost_min"`
	Score         float64            `json:"score"`
	Reasoning     map[string]float64 `json:"reasoning"`
	// Alternates are other feasible technicians, cheapest first.
	Alternates []string `json:"alternates,omitempty"`
}

type Unassignable struct {
	JobID  string `json:"job_id"`
	Reason Reason `json:"reason"`
}

type Result struct {
	Assignments  []CandidateAssignment `json:"assignments"`
	Unassignable []Unassignable        `json:"unassignable"`
}

type Engine struct {
	weights config.ScoreWeights
	est     Estimator
}

func New(weights config.ScoreWeights, est Estimator) *Engine {
	return &Engine{weights: weights, est: est}
}

type option struct {
	plan     *TechnicianPlan
	insertAt int
	cost     float64
}

// Assign greedily places jobs in priority order, each on the feasible
// technician with the lowest insertion cost; ties go to the lowest
// technician ID. Plans are copied, never mutated.
func (e *Engine) Assign(jobs []store.WorkOrder, plans []TechnicianPlan) (*Result, error) {
	work := make([]*TechnicianPlan, 0, len(plans))
	for i := range plans {
		if plans[i].Tech == nil {
			return nil, errors.New("assign: technician plan without technician")
		}
		p := plans[i]
		p.Stops = append([]PlannedStop(nil), plans[i].Stops...)
		work = append(work, &p)
	}
	sort.Slice(work, func(i, j int) bool { return work[i].Tech.ID < work[j].Tech.ID })

	ordered := append([]store.WorkOrder(nil), jobs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.LatestStart.Equal(b.LatestStart) {
			return a.LatestStart.Before(b.LatestStart)
		}
		return a.ID < b.ID
	})

	res := &Result{}
	for i := range ordered {
		job := &ordered[i]
		if job.DurationMin <= 0 {
			return nil, fmt.Errorf("assign: job %s has no duration", job.ID)
		}

		var opts []option
		skilled, roomy := false, false
		for _, p := range work {
			if !p.Tech.Dispatchable() || p.Exclude[job.ID] {
				continue
			}
			if !p.Tech.HasSkills(job.Skills) {
				continue
			}
			skilled = true
			if p.Tech.CapacityLimit-p.UsedCapacity < job.Capacity {
				continue
			}
			roomy = true
			if at, cost, ok := e.cheapestInsertion(p, job); ok {
				opts = append(opts, option{plan: p, insertAt: at, cost: cost})
			}
		}

		if len(opts) == 0 {
			reason := NoTimeWindowFit
			switch {
			case !skilled:
				reason = NoSkillMatch
			case !roomy:
				reason = NoCapacity
			}
			res.Unassignable = append(res.Unassignable, Unassignable{JobID: job.ID, Reason: reason})
			continue
		}

		sort.SliceStable(opts, func(a, b int) bool {
			if opts[a].cost != opts[b].cost {
				return opts[a].cost < opts[b].cost
			}
			return opts[a].plan.Tech.ID < opts[b].plan.Tech.ID
		})
		best := opts[0]
		score, reasoning := e.score(job, best)
		ca := CandidateAssignment{
			JobID:         job.ID,
			TechnicianID:  best.plan.Tech.ID,
			InsertAt:      best.insertAt,
			EstimatedCost: best.cost,
			Score:         score,
			Reasoning:     reasoning,
		}
		for _, o := range opts[1:] {
			ca.Alternates = append(ca.Alternates, o.plan.Tech.ID)
		}
		res.Assignments = append(res.Assignments, ca)

		e.place(best.plan, job, best.insertAt)
	}
	return res, nil
}

// cheapestInsertion returns the position with the smallest added travel
// among those passing a local window check. Only the inserted job and its
// immediate successor are checked; the optimizer verifies the whole route.
func (e *Engine) cheapestInsertion(p *TechnicianPlan, job *store.WorkOrder) (int, float64, bool) {
	first := 0
	for first < len(p.Stops) && p.Stops[first].Pinned {
		first++
	}
	pt := job.Point()
	bestAt, bestCost, found := -1, math.Inf(1), false

	for at := first; at <= len(p.Stops); at++ {
		prevPt, prevDep := p.Start, p.ReadyAt
		if at > 0 {
			prevPt, prevDep = p.Stops[at-1].Point, p.Stops[at-1].Departure
		}
		in := e.est.Estimate(prevPt, pt).Minutes
		arrival := laterOf(job.EarliestStart, prevDep.Add(minutes(in)))
		if arrival.After(job.LatestStart) {
			continue
		}
		departure := arrival.Add(job.Duration())
		if departure.After(p.Tech.ShiftEnd) {
			continue
		}

		cost := in
		if at < len(p.Stops) {
			next := p.Stops[at]
			out := e.est.Estimate(pt, next.Point).Minutes
			nextArrival := laterOf(next.Earliest, departure.Add(minutes(out)))
			if nextArrival.After(next.Latest) {
				continue
			}
			cost += out - e.est.Estimate(prevPt, next.Point).Minutes
		}
		if cost < bestCost {
			bestAt, bestCost, found = at, cost, true
		}
	}
	return bestAt, bestCost, found
}

// place tentatively inserts job so later jobs in the same round see the
// reduced capacity and shifted times.
func (e *Engine) place(p *TechnicianPlan, job *store.WorkOrder, at int) {
	stop := PlannedStop{
		JobID:    job.ID,
		Point:    job.Point(),
		Earliest: job.EarliestStart,
		Latest:   job.LatestStart,
		Duration: job.Duration(),
	}
	p.Stops = append(p.Stops, PlannedStop{})
	copy(p.Stops[at+1:], p.Stops[at:])
	p.Stops[at] = stop
	p.UsedCapacity += job.Capacity

	for i := at; i < len(p.Stops); i++ {
		prevPt, prevDep := p.Start, p.ReadyAt
		if i > 0 {
			prevPt, prevDep = p.Stops[i-1].Point, p.Stops[i-1].Departure
		}
		s := &p.Stops[i]
		s.Arrival = laterOf(s.Earliest, prevDep.Add(minutes(e.est.Estimate(prevPt, s.Point).Minutes)))
		s.Departure = s.Arrival.Add(s.Duration)
	}
}

func (e *Engine) score(job *store.WorkOrder, o option) (float64, map[string]float64) {
	idle := o.plan.Tech.ShiftEnd.Sub(o.plan.ReadyAt).Minutes()
	if n := len(o.plan.Stops); n > 0 {
		idle = o.plan.Tech.ShiftEnd.Sub(o.plan.Stops[n-1].Departure).Minutes()
	}
	if idle < 0 {
		idle = 0
	}
	reasoning := map[string]float64{
		"priority":       e.weights.Priority * float64(job.Priority),
		"insertion_cost": -e.weights.Cost * o.cost,
		"idle_remaining": e.weights.Idle * idle,
	}
	var score float64
	for _, v := range reasoning {
		score += v
	}
	return score, reasoning
}

func minutes(m float64) time.Duration {
	return time.Duration(math.Ceil(m)) * time.Minute
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
