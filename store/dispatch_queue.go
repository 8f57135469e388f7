package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// QueueEntry is a job that automatic dispatch could not place, shown to
// human dispatchers with its reason code.
type QueueEntry struct {
	OrgID     string    `json:"org_id"`
	JobID     string    `json:"job_id"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	Attempts  int       `json:"attempts"`
	Escalated bool      `json:"escalated"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertQueueEntry records another failed placement attempt. The entry is
// flagged escalated once attempts reach escalateAt.
func (db *DB) UpsertQueueEntry(ctx context.Context, orgID, jobID, reason, detail string, escalateAt int) (*QueueEntry, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	attempts := 0
	err = tx.QueryRowContext(ctx, db.Q(`SELECT attempts FROM dispatch_queue WHERE org_id=? AND job_id=?`), orgID, jobID).Scan(&attempts)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	attempts++
	escalated := escalateAt > 0 && attempts >= escalateAt

	_, err = tx.ExecContext(ctx, db.Q(`INSERT INTO dispatch_queue (org_id, job_id, reason, detail, attempts, escalated, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now','localtime'))
		ON CONFLICT (org_id, job_id) DO UPDATE SET reason=excluded.reason, detail=excluded.detail,
		attempts=excluded.attempts, escalated=excluded.escalated, updated_at=excluded.updated_at`),
		orgID, jobID, reason, detail, attempts, escalated)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &QueueEntry{OrgID: orgID, JobID: jobID, Reason: reason, Detail: detail, Attempts: attempts, Escalated: escalated, UpdatedAt: time.Now()}, nil
}

func (db *DB) ClearQueueEntry(ctx context.Context, orgID, jobID string) error {
	_, err := db.ExecContext(ctx, db.Q(`DELETE FROM dispatch_queue WHERE org_id=? AND job_id=?`), orgID, jobID)
	return err
}

func (db *DB) ListQueue(ctx context.Context, orgID string) ([]*QueueEntry, error) {
	rows, err := db.QueryContext(ctx, db.Q(`SELECT org_id, job_id, reason, detail, attempts, escalated, updated_at FROM dispatch_queue WHERE org_id=? ORDER BY escalated DESC, updated_at, job_id`), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var updatedAt any
		if err := rows.Scan(&e.OrgID, &e.JobID, &e.Reason, &e.Detail, &e.Attempts, &e.Escalated, &updatedAt); err != nil {
			return nil, err
		}
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
