package engine

import (
	"time"

	"fieldops/store"
)

const (
	EventScheduleCommitted EventType = iota + 1
	EventJobCreated
	EventJobCancelled
	EventJobFailed
	EventJobCompleted
	EventJobUnassignable
	EventTechnicianRegistered
	EventTechnicianAvailable
	EventTechnicianUnavailable
	EventRouteDegraded
	EventQueueSuspended
	EventETADrift
	EventLocationStale
	EventLocationRestored
	EventMessagingConnected
	EventMessagingDisconnected
	EventProviderRecovered
)

var eventNames = map[EventType]string{
	EventScheduleCommitted:     "schedule.committed",
	EventJobCreated:            "job.created",
	EventJobCancelled:          "job.cancelled",
	EventJobFailed:             "job.failed",
	EventJobCompleted:          "job.completed",
	EventJobUnassignable:       "job.unassignable",
	EventTechnicianRegistered:  "technician.registered",
	EventTechnicianAvailable:   "technician.available",
	EventTechnicianUnavailable: "technician.unavailable",
	EventRouteDegraded:         "route.degraded",
	EventQueueSuspended:        "queue.suspended",
	EventETADrift:              "eta.drift",
	EventLocationStale:         "location.stale",
	EventLocationRestored:      "location.restored",
	EventMessagingConnected:    "messaging.connected",
	EventMessagingDisconnected: "messaging.disconnected",
	EventProviderRecovered:     "geo.recovered",
}

// String is the name used on the SSE stream.
func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "unknown"
}

// --- Event payloads ---

type ScheduleCommittedEvent struct {
	Seq    int64                  `json:"seq"`
	Events []*store.ScheduleEvent `json:"events"`
}

type JobEvent struct {
	JobID        string `json:"job_id"`
	TechnicianID string `json:"technician_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type JobUnassignableEvent struct {
	JobID     string `json:"job_id"`
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts"`
	Escalated bool   `json:"escalated"`
}

type TechnicianEvent struct {
	TechnicianID string   `json:"technician_id"`
	Released     []string `json:"released,omitempty"`
}

type QueueSuspendedEvent struct {
	Error string `json:"error"`
}

type ETADriftEvent struct {
	TechnicianID string  `json:"technician_id"`
	JobID        string  `json:"job_id"`
	DriftMinutes float64 `json:"drift_minutes"`
}

type LocationStaleEvent struct {
	TechnicianID string     `json:"technician_id"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
}

type ConnectionEvent struct {
	Detail string `json:"detail"`
}
