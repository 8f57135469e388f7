package dispatch

import "fieldops/store"

// Emitter is the interface adapters must satisfy to bridge dispatch events to the engine.
type Emitter interface {
	EmitScheduleCommitted(orgID string, seq int64, events []*store.ScheduleEvent)
	EmitJobCreated(orgID, jobID string)
	EmitJobCancelled(orgID, jobID, technicianID string)
	EmitJobFailed(orgID, jobID, technicianID, reason string)
	EmitJobCompleted(orgID, jobID, technicianID string)
	EmitTechnicianRegistered(orgID, technicianID string)
	EmitTechnicianAvailable(orgID, technicianID string)
	EmitTechnicianUnavailable(orgID, technicianID string, released []string)
	EmitJobUnassignable(orgID, jobID, reason string, attempts int, escalated bool)
	EmitRouteDegraded(orgID, technicianID string)
	EmitQueueSuspended(orgID string, err error)
}
