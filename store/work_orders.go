package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fieldops/geo"
)

// JobState is the lifecycle state of a work order.
type JobState string

const (
	JobUnscheduled JobState = "unscheduled"
	JobScheduled   JobState = "scheduled"
	JobEnRoute     JobState = "en_route"
	JobInProgress  JobState = "in_progress"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
	JobCancelled   JobState = "cancelled"
)

// Priority orders work orders; higher is more urgent.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return strconv.Itoa(int(p))
}

// UnmarshalJSON accepts either the numeric level or its name.
func (p *Priority) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("priority: %w", err)
	}
	for k, v := range priorityNames {
		if strings.EqualFold(v, s) {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("priority: unknown level %q", s)
}

type WorkOrder struct {
	OrgID          string     `json:"org_id"`
	ID             string     `json:"id"`
	JobNumber      string     `json:"job_number"`
	Skills         []string   `json:"skills"`
	DurationMin    int        `json:"duration_min"`
	Priority       Priority   `json:"priority"`
	EarliestStart  time.Time  `json:"earliest_start"`
	LatestStart    time.Time  `json:"latest_start"`
	Lat            float64    `json:"lat"`
	Lon            float64    `json:"lon"`
	Capacity       int        `json:"capacity"`
	State          JobState   `json:"state"`
	TechnicianID   string     `json:"technician_id,omitempty"`
	RouteIndex     int        `json:"route_index"`
	SkillWaived    bool       `json:"skill_waived,omitempty"`
	ArrivedAt      *time.Time `json:"arrived_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailedAttempts int        `json:"failed_attempts"`
	BlockedBy      string     `json:"blocked_by,omitempty"`
	LastSeq        int64      `json:"last_seq"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (w *WorkOrder) Point() geo.Point { return geo.Point{Lat: w.Lat, Lon: w.Lon} }

func (w *WorkOrder) Duration() time.Duration {
	return time.Duration(w.DurationMin) * time.Minute
}

// Started reports whether the technician is already committed to the visit.
func (w *WorkOrder) Started() bool {
	return w.State == JobEnRoute || w.State == JobInProgress
}

// Terminal reports whether no further transitions are possible.
func (w *WorkOrder) Terminal() bool {
	return w.State == JobCompleted || w.State == JobCancelled
}

const workOrderSelectCols = `org_id, id, job_number, skills, duration_min, priority, earliest_start, latest_start, lat, lon, capacity, state, technician_id, route_index, skill_waived, arrived_at, completed_at, failed_attempts, blocked_by, last_seq, created_at, updated_at`

func scanWorkOrder(row interface{ Scan(...any) error }) (*WorkOrder, error) {
	var w WorkOrder
	var skills string
	var state string
	var earliest, latest, arrivedAt, completedAt, createdAt, updatedAt any
	err := row.Scan(&w.OrgID, &w.ID, &w.JobNumber, &skills, &w.DurationMin, &w.Priority,
		&earliest, &latest, &w.Lat, &w.Lon, &w.Capacity, &state, &w.TechnicianID,
		&w.RouteIndex, &w.SkillWaived, &arrivedAt, &completedAt, &w.FailedAttempts,
		&w.BlockedBy, &w.LastSeq, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.Skills = decodeSkills(skills)
	w.State = JobState(state)
	w.EarliestStart = parseTime(earliest)
	w.LatestStart = parseTime(latest)
	w.ArrivedAt = parseTimePtr(arrivedAt)
	w.CompletedAt = parseTimePtr(completedAt)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func scanWorkOrders(rows *sql.Rows) ([]*WorkOrder, error) {
	var out []*WorkOrder
	for rows.Next() {
		w, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (db *DB) ListWorkOrders(ctx context.Context, orgID string) ([]*WorkOrder, error) {
	rows, err := db.QueryContext(ctx, db.Q(`SELECT `+workOrderSelectCols+` FROM work_orders WHERE org_id=? ORDER BY id`), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkOrders(rows)
}

func (db *DB) ListWorkOrdersByState(ctx context.Context, orgID string, state JobState) ([]*WorkOrder, error) {
	rows, err := db.QueryContext(ctx, db.Q(`SELECT `+workOrderSelectCols+` FROM work_orders WHERE org_id=? AND state=? ORDER BY id`), orgID, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkOrders(rows)
}

func (db *DB) GetWorkOrder(ctx context.Context, orgID, id string) (*WorkOrder, error) {
	row := db.QueryRowContext(ctx, db.Q(`SELECT `+workOrderSelectCols+` FROM work_orders WHERE org_id=? AND id=?`), orgID, id)
	w, err := scanWorkOrder(row)
	if err != nil {
		return nil, notFound(err)
	}
	return w, nil
}

const upsertWorkOrderSQL = `INSERT INTO work_orders (org_id, id, job_number, skills, duration_min, priority, earliest_start, latest_start, lat, lon, capacity, state, technician_id, route_index, skill_waived, arrived_at, completed_at, failed_attempts, blocked_by, last_seq, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now','localtime'))
ON CONFLICT (org_id, id) DO UPDATE SET
    job_number=excluded.job_number, skills=excluded.skills, duration_min=excluded.duration_min,
    priority=excluded.priority, earliest_start=excluded.earliest_start, latest_start=excluded.latest_start,
    lat=excluded.lat, lon=excluded.lon, capacity=excluded.capacity, state=excluded.state,
    technician_id=excluded.technician_id, route_index=excluded.route_index, skill_waived=excluded.skill_waived,
    arrived_at=excluded.arrived_at, completed_at=excluded.completed_at, failed_attempts=excluded.failed_attempts,
    blocked_by=excluded.blocked_by, last_seq=excluded.last_seq, updated_at=excluded.updated_at`

func (db *DB) upsertWorkOrder(ctx context.Context, tx *sql.Tx, w *WorkOrder) error {
	_, err := tx.ExecContext(ctx, db.Q(upsertWorkOrderSQL),
		w.OrgID, w.ID, w.JobNumber, encodeSkills(w.Skills), w.DurationMin, int(w.Priority),
		timeArg(w.EarliestStart), timeArg(w.LatestStart), w.Lat, w.Lon, w.Capacity, string(w.State),
		w.TechnicianID, w.RouteIndex, w.SkillWaived, timePtrArg(w.ArrivedAt), timePtrArg(w.CompletedAt),
		w.FailedAttempts, w.BlockedBy, w.LastSeq)
	if err != nil {
		return fmt.Errorf("upsert work order %s: %w", w.ID, err)
	}
	return nil
}

func encodeSkills(skills []string) string {
	if len(skills) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(skills)
	return string(b)
}

func decodeSkills(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
