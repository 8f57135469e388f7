package dispatch

import (
	"encoding/json"
	"time"

	"fieldops/route"
	"fieldops/store"
)

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only plain structs are marshalled here.
		panic(err)
	}
	return b
}

func jobStateEvent(j *store.WorkOrder, to store.JobState, techID string, at *time.Time, reason string) *store.ScheduleEvent {
	ev := &store.ScheduleEvent{
		Kind:         store.EventJobState,
		JobID:        j.ID,
		TechnicianID: techID,
		FromState:    string(j.State),
		ToState:      string(to),
	}
	if at != nil || reason != "" {
		ev.Payload = mustJSON(jobStatePayload{At: at, Reason: reason})
	}
	return ev
}

func techStateEvent(t *store.Technician, to store.TechState) *store.ScheduleEvent {
	return &store.ScheduleEvent{
		Kind:         store.EventTechnicianState,
		TechnicianID: t.ID,
		FromState:    string(t.State),
		ToState:      string(to),
	}
}

func routeEvent(techID string, stops []store.RouteStop, waived []string, degraded bool) *store.ScheduleEvent {
	if stops == nil {
		stops = []store.RouteStop{}
	}
	return &store.ScheduleEvent{
		Kind:         store.EventRouteSet,
		TechnicianID: techID,
		SkillWaived:  len(waived) > 0,
		Degraded:     degraded,
		Payload:      mustJSON(routePayload{Stops: stops, Waived: waived}),
	}
}

func solutionEvent(sol *route.Solution, waived []string) *store.ScheduleEvent {
	return routeEvent(sol.TechnicianID, sol.Stops, waived, sol.Degraded)
}

// withoutJob returns stops minus jobID, re-indexed, keeping planned times.
func withoutJob(stops []store.RouteStop, jobID string) []store.RouteStop {
	out := make([]store.RouteStop, 0, len(stops))
	for _, st := range stops {
		if st.JobID == jobID {
			continue
		}
		st.Index = len(out)
		out = append(out, st)
	}
	return out
}

func routeContains(stops []store.RouteStop, jobID string) bool {
	for _, st := range stops {
		if st.JobID == jobID {
			return true
		}
	}
	return false
}

// sameRoute reports whether two routes visit the same jobs at the same times.
func sameRoute(a, b []store.RouteStop) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].JobID != b[i].JobID || !a[i].PlannedArrival.Equal(b[i].PlannedArrival) ||
			!a[i].PlannedDeparture.Equal(b[i].PlannedDeparture) {
			return false
		}
	}
	return true
}

func auditEntry(entityType, entityID, action, oldValue, newValue, actor string) *store.AuditEntry {
	return &store.AuditEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		OldValue:   oldValue,
		NewValue:   newValue,
		Actor:      actor,
	}
}
