package engine

import (
	"context"
	"fmt"
	"time"

	"fieldops/dispatch"
)

const refreshTimeout = 5 * time.Second

func (e *Engine) wireEventHandlers() {
	// New work: place it somewhere.
	e.Events.SubscribeTypes(func(evt Event) {
		e.coord.Trigger(evt.OrgID, dispatch.Trigger{Kinds: []dispatch.TriggerKind{dispatch.TriggerNewJob}, Assign: true})
	}, EventJobCreated)

	// A cancellation leaves a gap in one route; nothing else moves.
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(JobEvent)
		if ev.TechnicianID == "" {
			return
		}
		e.coord.Trigger(evt.OrgID, dispatch.Trigger{
			Kinds:       []dispatch.TriggerKind{dispatch.TriggerCancelled},
			Technicians: []string{ev.TechnicianID},
		})
	}, EventJobCancelled)

	// A blocked job returns to the pool and the technician's route closes up.
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(JobEvent)
		e.log.Info().Str("org", evt.OrgID).Str("job", ev.JobID).Str("technician", ev.TechnicianID).Str("reason", ev.Reason).Msg("job blocked")
		if err := e.db.AppendAudit(evt.OrgID, "work_order", ev.JobID, "failed", "", ev.Reason, ev.TechnicianID); err != nil {
			e.log.Warn().Err(err).Str("org", evt.OrgID).Str("job", ev.JobID).Msg("audit job failure")
		}
		e.coord.Trigger(evt.OrgID, dispatch.Trigger{
			Kinds:       []dispatch.TriggerKind{dispatch.TriggerFailed},
			Technicians: []string{ev.TechnicianID},
			Assign:      true,
		})
	}, EventJobFailed)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(TechnicianEvent)
		e.coord.Trigger(evt.OrgID, dispatch.Trigger{
			Kinds:  []dispatch.TriggerKind{dispatch.TriggerUnavailable},
			Assign: len(ev.Released) > 0,
		})
	}, EventTechnicianUnavailable)

	// More supply: retry the unassigned pool.
	e.Events.SubscribeTypes(func(evt Event) {
		e.coord.Trigger(evt.OrgID, dispatch.Trigger{Kinds: []dispatch.TriggerKind{dispatch.TriggerAvailable}, Assign: true})
	}, EventTechnicianAvailable, EventTechnicianRegistered)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(ETADriftEvent)
		e.log.Info().Str("org", evt.OrgID).Str("technician", ev.TechnicianID).Str("job", ev.JobID).
			Float64("drift_min", ev.DriftMinutes).Msg("eta drift")
		e.coord.Trigger(evt.OrgID, dispatch.Trigger{
			Kinds:       []dispatch.TriggerKind{dispatch.TriggerDrift},
			Technicians: []string{ev.TechnicianID},
		})
	}, EventETADrift)

	// Committed schedule or a location flag change: refresh the read cache.
	// Location flags change without a new seq.
	e.Events.SubscribeTypes(func(evt Event) {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := e.live.Refresh(ctx, evt.OrgID); err != nil {
			e.log.Warn().Err(err).Str("org", evt.OrgID).Msg("refresh schedule cache")
		}
	}, EventScheduleCommitted, EventLocationStale, EventLocationRestored)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(JobUnassignableEvent)
		if !ev.Escalated {
			return
		}
		e.log.Warn().Str("org", evt.OrgID).Str("job", ev.JobID).Str("reason", ev.Reason).Int("attempts", ev.Attempts).Msg("job escalated to dispatcher")
		if err := e.db.AppendAudit(evt.OrgID, "work_order", ev.JobID, "escalated", "", fmt.Sprintf("%s after %d attempts", ev.Reason, ev.Attempts), dispatch.ActorSystem); err != nil {
			e.log.Warn().Err(err).Str("org", evt.OrgID).Str("job", ev.JobID).Msg("audit escalation")
		}
	}, EventJobUnassignable)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(QueueSuspendedEvent)
		e.log.Error().Str("org", evt.OrgID).Str("error", ev.Error).Msg("dispatch queue suspended")
		if err := e.db.AppendAudit(evt.OrgID, "org", evt.OrgID, "suspended", "", ev.Error, dispatch.ActorSystem); err != nil {
			e.log.Error().Err(err).Str("org", evt.OrgID).Msg("audit queue suspension")
		}
	}, EventQueueSuspended)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(LocationStaleEvent)
		e.log.Info().Str("org", evt.OrgID).Str("technician", ev.TechnicianID).Msg("location stale")
	}, EventLocationStale)
}
