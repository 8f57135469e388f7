package protocol

// Message type constants for device and consumer traffic.
const (
	// Device -> Core (published on the telemetry topic)
	TypeLocationPing = "location.ping"
	TypeJobStatus    = "job.status"

	// Core -> Device (published on the routes topic)
	TypeRouteUpdate       = "route.update"
	TypeJobStatusRejected = "job.status_rejected"

	// Core -> Consumers (published on the events topic)
	TypeScheduleEvent = "schedule.event"
)

// Roles for Address.Role.
const (
	RoleDevice   = "device"
	RoleCore     = "core"
	RoleConsumer = "consumer"
)

// Status events a technician device may post against a job.
const (
	StatusDeparted  = "departed"
	StatusArrived   = "arrived"
	StatusCompleted = "completed"
	StatusBlocked   = "blocked"
)

// Protocol version.
const Version = 1
