package engine

import (
	"time"

	"fieldops/store"
)

// dispatchEmitter bridges the dispatch package's emitter interface to the EventBus.
type dispatchEmitter struct {
	bus *EventBus
}

func (e *dispatchEmitter) EmitScheduleCommitted(orgID string, seq int64, events []*store.ScheduleEvent) {
	e.bus.Emit(Event{Type: EventScheduleCommitted, OrgID: orgID, Payload: ScheduleCommittedEvent{Seq: seq, Events: events}})
}

func (e *dispatchEmitter) EmitJobCreated(orgID, jobID string) {
	e.bus.Emit(Event{Type: EventJobCreated, OrgID: orgID, Payload: JobEvent{JobID: jobID}})
}

func (e *dispatchEmitter) EmitJobCancelled(orgID, jobID, technicianID string) {
	e.bus.Emit(Event{Type: EventJobCancelled, OrgID: orgID, Payload: JobEvent{JobID: jobID, TechnicianID: technicianID}})
}

func (e *dispatchEmitter) EmitJobFailed(orgID, jobID, technicianID, reason string) {
	e.bus.Emit(Event{Type: EventJobFailed, OrgID: orgID, Payload: JobEvent{
		JobID:        jobID,
		TechnicianID: technicianID,
		Reason:       reason,
	}})
}

func (e *dispatchEmitter) EmitJobCompleted(orgID, jobID, technicianID string) {
	e.bus.Emit(Event{Type: EventJobCompleted, OrgID: orgID, Payload: JobEvent{JobID: jobID, TechnicianID: technicianID}})
}

func (e *dispatchEmitter) EmitTechnicianRegistered(orgID, technicianID string) {
	e.bus.Emit(Event{Type: EventTechnicianRegistered, OrgID: orgID, Payload: TechnicianEvent{TechnicianID: technicianID}})
}

func (e *dispatchEmitter) EmitTechnicianAvailable(orgID, technicianID string) {
	e.bus.Emit(Event{Type: EventTechnicianAvailable, OrgID: orgID, Payload: TechnicianEvent{TechnicianID: technicianID}})
}

func (e *dispatchEmitter) EmitTechnicianUnavailable(orgID, technicianID string, released []string) {
	e.bus.Emit(Event{Type: EventTechnicianUnavailable, OrgID: orgID, Payload: TechnicianEvent{
		TechnicianID: technicianID,
		Released:     released,
	}})
}

func (e *dispatchEmitter) EmitJobUnassignable(orgID, jobID, reason string, attempts int, escalated bool) {
	e.bus.Emit(Event{Type: EventJobUnassignable, OrgID: orgID, Payload: JobUnassignableEvent{
		JobID:     jobID,
		Reason:    reason,
		Attempts:  attempts,
		Escalated: escalated,
	}})
}

func (e *dispatchEmitter) EmitRouteDegraded(orgID, technicianID string) {
	e.bus.Emit(Event{Type: EventRouteDegraded, OrgID: orgID, Payload: TechnicianEvent{TechnicianID: technicianID}})
}

func (e *dispatchEmitter) EmitQueueSuspended(orgID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	e.bus.Emit(Event{Type: EventQueueSuspended, OrgID: orgID, Payload: QueueSuspendedEvent{Error: msg}})
}

// trackingNotifier bridges live tracking signals to the EventBus.
type trackingNotifier struct {
	bus *EventBus
}

func (n *trackingNotifier) EmitETADrift(orgID, technicianID, jobID string, drift time.Duration) {
	n.bus.Emit(Event{Type: EventETADrift, OrgID: orgID, Payload: ETADriftEvent{
		TechnicianID: technicianID,
		JobID:        jobID,
		DriftMinutes: drift.Minutes(),
	}})
}

func (n *trackingNotifier) EmitLocationStale(orgID, technicianID string, lastSeen *time.Time) {
	n.bus.Emit(Event{Type: EventLocationStale, OrgID: orgID, Payload: LocationStaleEvent{
		TechnicianID: technicianID,
		LastSeen:     lastSeen,
	}})
}

func (n *trackingNotifier) EmitLocationRestored(orgID, technicianID string) {
	n.bus.Emit(Event{Type: EventLocationRestored, OrgID: orgID, Payload: TechnicianEvent{TechnicianID: technicianID}})
}
