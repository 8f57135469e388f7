package protocol

import (
	"encoding/json"
	"time"
)

// --- Device -> Core payloads ---

// LocationPing is a GPS fix from a technician device.
type LocationPing struct {
	TechnicianID string    `json:"technician_id"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Timestamp    time.Time `json:"timestamp"`
}

// JobStatus is a technician-initiated lifecycle event for a job.
type JobStatus struct {
	TechnicianID string    `json:"technician_id"`
	JobID        string    `json:"job_id"`
	Event        string    `json:"event"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// --- Core -> Device payloads ---

// RouteStop is one planned visit as seen by the device.
type RouteStop struct {
	JobID            string    `json:"job_id"`
	Index            int       `json:"index"`
	PlannedArrival   time.Time `json:"planned_arrival"`
	PlannedDeparture time.Time `json:"planned_departure"`
	Lat              float64   `json:"lat"`
	Lon              float64   `json:"lon"`
	DurationMin      int       `json:"duration_min"`
	State            string    `json:"state"`
}

// RouteUpdate replaces the device's copy of its committed route.
type RouteUpdate struct {
	TechnicianID string      `json:"technician_id"`
	Seq          int64       `json:"seq"`
	Degraded     bool        `json:"degraded,omitempty"`
	Stops        []RouteStop `json:"stops"`
}

// JobStatusRejected answers a JobStatus that the state machine refused.
type JobStatusRejected struct {
	JobID string `json:"job_id"`
	Event string `json:"event"`
	Error string `json:"error"`
}

// --- Core -> Consumer payloads ---

// ScheduleEvent mirrors one committed schedule log entry.
type ScheduleEvent struct {
	Seq          int64           `json:"seq"`
	Kind         string          `json:"kind"`
	JobID        string          `json:"job_id,omitempty"`
	TechnicianID string          `json:"technician_id,omitempty"`
	FromState    string          `json:"from_state,omitempty"`
	ToState      string          `json:"to_state,omitempty"`
	Actor        string          `json:"actor,omitempty"`
	SkillWaived  bool            `json:"skill_waived,omitempty"`
	Degraded     bool            `json:"degraded,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	CommittedAt  time.Time       `json:"committed_at"`
}
