package dispatch

import (
	"fmt"
	"sort"
	"time"
)

// validate checks the schedule invariants for every technician and job the
// overlay touched, plus the global rule that a job sits on at most one route.
func (s *Snapshot) validate() error {
	seen := make(map[string]string)
	for techID, stops := range s.Routes {
		for _, st := range stops {
			if other, dup := seen[st.JobID]; dup {
				return fmt.Errorf("%w: job %s on routes of %s and %s", ErrInvalidTransition, st.JobID, other, techID)
			}
			seen[st.JobID] = techID
		}
	}

	techIDs := make([]string, 0, len(s.ownTechs))
	for id := range s.ownTechs {
		techIDs = append(techIDs, id)
	}
	sort.Strings(techIDs)
	for _, id := range techIDs {
		if err := s.validateTechnician(id); err != nil {
			return err
		}
	}

	for id := range s.ownJobs {
		j := s.Jobs[id]
		switch j.State {
		case StateScheduled, StateEnRoute, StateInProgress:
			stops := s.Routes[j.TechnicianID]
			if j.TechnicianID == "" || j.RouteIndex < 0 || j.RouteIndex >= len(stops) || stops[j.RouteIndex].JobID != j.ID {
				return fmt.Errorf("%w: job %s is %s without a route slot", ErrInvalidTransition, j.ID, j.State)
			}
		case StateUnscheduled, StateCancelled:
			if j.TechnicianID != "" || j.RouteIndex != -1 {
				return fmt.Errorf("%w: job %s is %s but still assigned", ErrInvalidTransition, j.ID, j.State)
			}
		}
		if _, ok := seen[j.ID]; ok && (j.State == StateUnscheduled || IsTerminal(j.State) || j.State == StateFailed) {
			return fmt.Errorf("%w: job %s is %s but still routed", ErrInvalidTransition, j.ID, j.State)
		}
	}
	return nil
}

func (s *Snapshot) validateTechnician(id string) error {
	t := s.Techs[id]
	if t == nil {
		return fmt.Errorf("%w: technician %s", ErrNotFound, id)
	}
	if used := s.UsedCapacity(id); used > t.CapacityLimit {
		return fmt.Errorf("%w: %s uses %d of %d", ErrNoCapacity, id, used, t.CapacityLimit)
	}

	stops := s.Routes[id]
	pinned := true
	var prevDep time.Time
	for i, st := range stops {
		j := s.Jobs[st.JobID]
		if j == nil {
			return fmt.Errorf("%w: job %s in route of %s", ErrNotFound, st.JobID, id)
		}
		if st.Index != i || j.RouteIndex != i || j.TechnicianID != id {
			return fmt.Errorf("%w: route of %s is inconsistent at %d", ErrInvalidTransition, id, i)
		}
		if !j.SkillWaived && !t.HasSkills(j.Skills) {
			return fmt.Errorf("%w: %s cannot do %s", ErrNoSkillMatch, id, j.ID)
		}
		if j.Started() {
			if !pinned {
				return fmt.Errorf("%w: started job %s is behind unstarted work on %s", ErrInvalidTransition, j.ID, id)
			}
		} else {
			pinned = false
			if st.PlannedArrival.Before(j.EarliestStart) || st.PlannedArrival.After(j.LatestStart) {
				return fmt.Errorf("%w: %s arrives %s outside %s..%s", ErrNoTimeWindowFit, j.ID,
					st.PlannedArrival.Format(time.RFC3339), j.EarliestStart.Format(time.RFC3339), j.LatestStart.Format(time.RFC3339))
			}
			if i > 0 {
				earliest := prevDep.Add(time.Duration(st.LegMinutes) * time.Minute)
				if st.PlannedArrival.Before(earliest) {
					return fmt.Errorf("%w: %s arrives before travel from previous stop allows", ErrNoTimeWindowFit, j.ID)
				}
			}
			if st.PlannedDeparture.After(t.ShiftEnd) {
				return fmt.Errorf("%w: %s ends after shift of %s", ErrNoTimeWindowFit, j.ID, id)
			}
		}
		prevDep = st.PlannedDeparture
	}
	return nil
}
