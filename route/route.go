// Package route sequences a technician's jobs into a time-feasible visit order.
//
// Times are simulated forward at whole-minute resolution:
//
//	arrival[i]   = max(earliest[i], departure[i-1] + travel(i-1, i))
//	departure[i] = arrival[i] + duration[i]
//
// A route is feasible when every arrival is within its job's window and the
// last departure is no later than the shift end. Jobs already en route or in
// progress form a pinned prefix: they keep their order, are never moved, and
// are exempt from the window check because the visit is already under way.
package route

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"fieldops/geo"
	"fieldops/store"
)

// ErrInfeasible means no position satisfies every time window and the shift end.
var ErrInfeasible = errors.New("infeasible insertion")

// Vehicle is the technician-side input to a pass.
type Vehicle struct {
	TechnicianID string
	Start        geo.Point
	ReadyAt      time.Time
	ShiftEnd     time.Time
}

type Solution struct {
	TechnicianID  string            `json:"technician_id"`
	Stops         []store.RouteStop `json:"stops"`
	TravelMinutes float64           `json:"travel_minutes"`
	// Degraded is set when any leg used a straight-line fallback estimate.
	Degraded bool `json:"degraded,omitempty"`
	// Unplaced lists jobs a full rebuild could not fit.
	Unplaced []string `json:"unplaced,omitempty"`
	// Late lists pinned jobs whose window can no longer be met.
	Late            []string `json:"late,omitempty"`
	Iterations      int      `json:"iterations"`
	BudgetExhausted bool     `json:"budget_exhausted,omitempty"`
}

// JobIDs returns the visit order.
func (s *Solution) JobIDs() []string {
	ids := make([]string, len(s.Stops))
	for i, st := range s.Stops {
		ids[i] = st.JobID
	}
	return ids
}

type Optimizer struct {
	geo           geo.Provider
	budget        time.Duration
	maxIterations int
}

// New returns an optimizer whose rebuild stops after budget wall time and
// whose local search also stops after maxIterations candidate evaluations.
func New(provider geo.Provider, budget time.Duration, maxIterations int) *Optimizer {
	if budget <= 0 {
		budget = 200 * time.Millisecond
	}
	if maxIterations <= 0 {
		maxIterations = 2000
	}
	return &Optimizer{geo: provider, budget: budget, maxIterations: maxIterations}
}

// pass memoizes travel so each origin/destination pair is queried once and
// stays fixed for the rest of the pass.
type pass struct {
	ctx      context.Context
	v        Vehicle
	provider geo.Provider
	memo     map[[2]string]geo.Estimate
	degraded bool
}

func (o *Optimizer) newPass(ctx context.Context, v Vehicle) *pass {
	return &pass{ctx: ctx, v: v, provider: o.geo, memo: make(map[[2]string]geo.Estimate)}
}

func (p *pass) travel(from, to geo.Point) (int, error) {
	key := [2]string{from.Key(), to.Key()}
	e, ok := p.memo[key]
	if !ok {
		if key[0] == key[1] {
			e = geo.Estimate{}
		} else {
			var err error
			e, err = p.provider.Distance(p.ctx, from, to)
			if err != nil {
				return 0, fmt.Errorf("travel %s -> %s: %w", key[0], key[1], err)
			}
		}
		p.memo[key] = e
	}
	if e.Degraded {
		p.degraded = true
	}
	return int(math.Ceil(e.Minutes)), nil
}

type simResult struct {
	stops    []store.RouteStop
	travel   float64
	feasible bool
	late     []string
}

// simulate times seq from the vehicle start.
func (p *pass) simulate(seq []*store.WorkOrder) (*simResult, error) {
	res := &simResult{stops: make([]store.RouteStop, len(seq)), feasible: true}
	cur, clock := p.v.Start, p.v.ReadyAt
	var cumulative float64

	for i, j := range seq {
		var leg int
		var arrival time.Time
		switch {
		case j.State == store.JobInProgress:
			// Already on site.
			arrival = clock
			if j.ArrivedAt != nil {
				arrival = *j.ArrivedAt
			}
		default:
			var err error
			if leg, err = p.travel(cur, j.Point()); err != nil {
				return nil, err
			}
			arrival = laterOf(j.EarliestStart, clock.Add(time.Duration(leg)*time.Minute))
		}
		departure := arrival.Add(j.Duration())
		if j.State == store.JobInProgress {
			departure = laterOf(departure, p.v.ReadyAt)
		}

		if j.Started() {
			if arrival.After(j.LatestStart) {
				res.late = append(res.late, j.ID)
			}
		} else {
			if arrival.After(j.LatestStart) || departure.After(p.v.ShiftEnd) {
				res.feasible = false
			}
		}

		cumulative += float64(leg)
		res.stops[i] = store.RouteStop{
			TechnicianID:      p.v.TechnicianID,
			JobID:             j.ID,
			Index:             i,
			PlannedArrival:    arrival,
			PlannedDeparture:  departure,
			LegMinutes:        float64(leg),
			CumulativeMinutes: cumulative,
		}
		cur, clock = j.Point(), departure
	}
	res.travel = cumulative
	return res, nil
}

func (p *pass) solution(sim *simResult) *Solution {
	return &Solution{
		TechnicianID:  p.v.TechnicianID,
		Stops:         sim.stops,
		TravelMinutes: sim.travel,
		Degraded:      p.degraded,
		Late:          sim.late,
	}
}

// Simulate times an existing order without reordering it. The returned error
// is ErrInfeasible when the order violates a window or the shift end; the
// solution is still returned so callers can inspect the projected times.
func (o *Optimizer) Simulate(ctx context.Context, v Vehicle, seq []*store.WorkOrder) (*Solution, error) {
	p := o.newPass(ctx, v)
	sim, err := p.simulate(seq)
	if err != nil {
		return nil, err
	}
	sol := p.solution(sim)
	if !sim.feasible {
		return sol, ErrInfeasible
	}
	return sol, nil
}

// Optimize inserts newJob into current at the feasible position with the
// smallest added travel, keeping the relative order of current. The pinned
// prefix is never displaced. A nil newJob re-times current as is.
func (o *Optimizer) Optimize(ctx context.Context, v Vehicle, current []*store.WorkOrder, newJob *store.WorkOrder) (*Solution, error) {
	if newJob == nil {
		return o.Simulate(ctx, v, current)
	}
	p := o.newPass(ctx, v)

	base, err := p.simulate(current)
	if err != nil {
		return nil, err
	}
	first := pinnedPrefix(current)

	var best *simResult
	bestDelta := math.Inf(1)
	iterations := 0
	for at := first; at <= len(current); at++ {
		iterations++
		sim, err := p.simulate(insertAt(current, newJob, at))
		if err != nil {
			return nil, err
		}
		if !sim.feasible {
			continue
		}
		if delta := sim.travel - base.travel; delta < bestDelta {
			best, bestDelta = sim, delta
		}
	}
	if best == nil {
		return nil, fmt.Errorf("job %s on %s: %w", newJob.ID, v.TechnicianID, ErrInfeasible)
	}
	sol := p.solution(best)
	sol.Iterations = iterations
	return sol, nil
}

// FullReoptimize rebuilds the route from scratch: pinned jobs first in their
// given order, then cheapest insertion of the rest by priority and deadline,
// then adjacent-swap local search until no swap helps or the budget runs out.
// Jobs that fit nowhere are reported in Unplaced instead of failing the pass.
//
// The given order is the seed. When the budget runs out during construction
// the seed is returned if it is feasible; otherwise the jobs not yet inserted
// are appended at the end where they fit and reported in Unplaced where they
// do not. The result is never worse than a feasible seed.
func (o *Optimizer) FullReoptimize(ctx context.Context, v Vehicle, jobs []*store.WorkOrder) (*Solution, error) {
	p := o.newPass(ctx, v)
	deadline := time.Now().Add(o.budget)
	spent := func() bool { return time.Now().After(deadline) || ctx.Err() != nil }

	var seq, rest []*store.WorkOrder
	for _, j := range jobs {
		if j.Started() {
			seq = append(seq, j)
		} else {
			rest = append(rest, j)
		}
	}
	first := len(seq)

	seedSeq := append(append([]*store.WorkOrder(nil), seq...), rest...)
	seed, err := p.simulate(seedSeq)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(rest, func(a, b int) bool {
		x, y := rest[a], rest[b]
		if x.Priority != y.Priority {
			return x.Priority > y.Priority
		}
		if !x.LatestStart.Equal(y.LatestStart) {
			return x.LatestStart.Before(y.LatestStart)
		}
		return x.ID < y.ID
	})

	var unplaced []string
	iterations := 0
	exhausted := false
	for n, j := range rest {
		if spent() {
			if seed.feasible {
				sol := p.solution(seed)
				sol.Iterations = iterations
				sol.BudgetExhausted = true
				return sol, nil
			}
			exhausted = true
			for _, left := range rest[n:] {
				iterations++
				cand := append(append([]*store.WorkOrder(nil), seq...), left)
				sim, err := p.simulate(cand)
				if err != nil {
					return nil, err
				}
				if sim.feasible {
					seq = cand
				} else {
					unplaced = append(unplaced, left.ID)
				}
			}
			break
		}
		var bestSeq []*store.WorkOrder
		bestTravel := math.Inf(1)
		for at := first; at <= len(seq); at++ {
			iterations++
			cand := insertAt(seq, j, at)
			sim, err := p.simulate(cand)
			if err != nil {
				return nil, err
			}
			if sim.feasible && sim.travel < bestTravel {
				bestSeq, bestTravel = cand, sim.travel
			}
		}
		if bestSeq == nil {
			unplaced = append(unplaced, j.ID)
			continue
		}
		seq = bestSeq
	}

	cur, err := p.simulate(seq)
	if err != nil {
		return nil, err
	}
	if seed.feasible && (len(unplaced) > 0 || seed.travel < cur.travel) {
		seq, cur, unplaced = seedSeq, seed, nil
	}

search:
	for improved := !exhausted; improved; {
		improved = false
		for i := first; i+1 < len(seq); i++ {
			if iterations >= o.maxIterations || spent() {
				exhausted = true
				break search
			}
			iterations++
			seq[i], seq[i+1] = seq[i+1], seq[i]
			sim, err := p.simulate(seq)
			if err != nil {
				return nil, err
			}
			if sim.feasible && sim.travel < cur.travel {
				cur = sim
				improved = true
				continue
			}
			seq[i], seq[i+1] = seq[i+1], seq[i]
		}
	}

	sol := p.solution(cur)
	sol.Unplaced = unplaced
	sol.Iterations = iterations
	sol.BudgetExhausted = exhausted
	return sol, nil
}

func pinnedPrefix(seq []*store.WorkOrder) int {
	n := 0
	for n < len(seq) && seq[n].Started() {
		n++
	}
	return n
}

func insertAt(seq []*store.WorkOrder, j *store.WorkOrder, at int) []*store.WorkOrder {
	out := make([]*store.WorkOrder, 0, len(seq)+1)
	out = append(out, seq[:at]...)
	out = append(out, j)
	return append(out, seq[at:]...)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
