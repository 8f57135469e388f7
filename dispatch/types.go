package dispatch

import (
	"time"

	"fieldops/protocol"
	"fieldops/store"
)

// Job states aliased from store for local use.
const (
	StateUnscheduled = store.JobUnscheduled
	StateScheduled   = store.JobScheduled
	StateEnRoute     = store.JobEnRoute
	StateInProgress  = store.JobInProgress
	StateCompleted   = store.JobCompleted
	StateFailed      = store.JobFailed
	StateCancelled   = store.JobCancelled
)

// Technician states aliased from store for local use.
const (
	TechOffShift    = store.TechOffShift
	TechIdle        = store.TechIdle
	TechBusy        = store.TechBusy
	TechUnavailable = store.TechUnavailable
)

// Status events posted by technicians, aliased from protocol.
const (
	StatusDeparted  = protocol.StatusDeparted
	StatusArrived   = protocol.StatusArrived
	StatusCompleted = protocol.StatusCompleted
	StatusBlocked   = protocol.StatusBlocked
)

// Queue reason codes beyond the assignment engine's own.
const (
	ReasonInfeasible = "Infeasible"
	ReasonStaleState = "StaleState"
)

// ActorSystem marks changes made by automatic dispatch.
const ActorSystem = "system"

// WorkOrderIntake is a work order as received from ticket intake.
type WorkOrderIntake struct {
	ID            string         `json:"id" validate:"max=64"`
	JobNumber     string         `json:"job_number" validate:"max=64"`
	Skills        []string       `json:"skills" validate:"dive,required"`
	DurationMin   int            `json:"duration_min" validate:"gt=0,lte=1440"`
	Priority      store.Priority `json:"priority" validate:"omitempty,min=1,max=4"`
	EarliestStart time.Time      `json:"earliest_start" validate:"required"`
	LatestStart   time.Time      `json:"latest_start" validate:"required,gtefield=EarliestStart"`
	Lat           *float64       `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon           *float64       `json:"lon" validate:"required,gte=-180,lte=180"`
	Capacity      int            `json:"capacity" validate:"gte=0"`
}

// TechnicianIntake is a technician record from workforce management.
type TechnicianIntake struct {
	ID            string          `json:"id" validate:"max=64"`
	Name          string          `json:"name" validate:"max=128"`
	Skills        []string        `json:"skills" validate:"dive,required"`
	CapacityLimit int             `json:"capacity_limit" validate:"gte=0"`
	ShiftStart    time.Time       `json:"shift_start" validate:"required"`
	ShiftEnd      time.Time       `json:"shift_end" validate:"required,gtfield=ShiftStart"`
	BaseLat       float64         `json:"base_lat" validate:"gte=-90,lte=90"`
	BaseLon       float64         `json:"base_lon" validate:"gte=-180,lte=180"`
	Active        *bool           `json:"active"`
	State         store.TechState `json:"state" validate:"omitempty,oneof=off_shift idle unavailable"`
}

// StatusUpdate is a technician-initiated lifecycle event.
type StatusUpdate struct {
	TechnicianID string    `json:"technician_id"`
	JobID        string    `json:"job_id"`
	Event        string    `json:"event"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// TriggerKind names why a re-optimization was requested.
type TriggerKind string

const (
	TriggerNewJob      TriggerKind = "new_job"
	TriggerCancelled   TriggerKind = "cancelled"
	TriggerFailed      TriggerKind = "failed"
	TriggerUnavailable TriggerKind = "unavailable"
	TriggerAvailable   TriggerKind = "available"
	TriggerDrift       TriggerKind = "drift"
	TriggerManual      TriggerKind = "manual"
	TriggerRefine      TriggerKind = "refine"
)

// Trigger is a re-optimization request scoped to the smallest affected set:
// the technicians whose routes must be rebuilt, plus an assignment round
// only when jobs need placing across technicians.
type Trigger struct {
	Kinds       []TriggerKind `json:"kinds"`
	Technicians []string      `json:"technicians,omitempty"`
	Assign      bool          `json:"assign"`
}

func (t *Trigger) merge(o Trigger) {
	t.Kinds = appendUnique(t.Kinds, o.Kinds...)
	t.Technicians = appendUnique(t.Technicians, o.Technicians...)
	t.Assign = t.Assign || o.Assign
}

func appendUnique[T comparable](dst []T, src ...T) []T {
	for _, v := range src {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
