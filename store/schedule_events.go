package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names a committed schedule change.
type EventKind string

const (
	EventJobCreated           EventKind = "job.created"
	EventTechnicianRegistered EventKind = "technician.registered"
	EventRouteSet             EventKind = "route.set"
	EventJobState             EventKind = "job.state"
	EventTechnicianState      EventKind = "technician.state"
)

// ScheduleEvent is one entry of the append-only per-org schedule log.
type ScheduleEvent struct {
	ID           int64           `json:"id"`
	OrgID        string          `json:"org_id"`
	Seq          int64           `json:"seq"`
	Kind         EventKind       `json:"kind"`
	JobID        string          `json:"job_id,omitempty"`
	TechnicianID string          `json:"technician_id,omitempty"`
	FromState    string          `json:"from_state,omitempty"`
	ToState      string          `json:"to_state,omitempty"`
	Actor        string          `json:"actor,omitempty"`
	SkillWaived  bool            `json:"skill_waived,omitempty"`
	Degraded     bool            `json:"degraded,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

const scheduleEventSelectCols = `id, org_id, seq, kind, job_id, technician_id, from_state, to_state, actor, skill_waived, degraded, payload, created_at`

// ListScheduleEvents returns events with seq > after in order. limit <= 0 means all.
func (db *DB) ListScheduleEvents(ctx context.Context, orgID string, after int64, limit int) ([]*ScheduleEvent, error) {
	query := `SELECT ` + scheduleEventSelectCols + ` FROM schedule_events WHERE org_id=? AND seq>? ORDER BY seq`
	args := []any{orgID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ScheduleEvent
	for rows.Next() {
		var e ScheduleEvent
		var kind, payload string
		var createdAt any
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Seq, &kind, &e.JobID, &e.TechnicianID, &e.FromState, &e.ToState,
			&e.Actor, &e.SkillWaived, &e.Degraded, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MaxSeq returns the highest committed sequence number for the org, 0 when empty.
func (db *DB) MaxSeq(ctx context.Context, orgID string) (int64, error) {
	var seq sql.NullInt64
	err := db.QueryRowContext(ctx, db.Q(`SELECT MAX(seq) FROM schedule_events WHERE org_id=?`), orgID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (db *DB) insertScheduleEvent(ctx context.Context, tx *sql.Tx, e *ScheduleEvent) error {
	payload := "{}"
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, db.Q(`INSERT INTO schedule_events (org_id, seq, kind, job_id, technician_id, from_state, to_state, actor, skill_waived, degraded, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.OrgID, e.Seq, string(e.Kind), e.JobID, e.TechnicianID, e.FromState, e.ToState, e.Actor,
		e.SkillWaived, e.Degraded, payload, timeArg(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event seq %d: %w", e.Seq, err)
	}
	return nil
}
