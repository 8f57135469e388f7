package store

import (
	"context"
	"database/sql"
	"time"
)

type AuditEntry struct {
	ID         int64     `json:"id"`
	OrgID      string    `json:"org_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

func (db *DB) AppendAudit(orgID, entityType, entityID, action, oldValue, newValue, actor string) error {
	_, err := db.Exec(db.Q(`INSERT INTO audit_log (org_id, entity_type, entity_id, action, old_value, new_value, actor) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		orgID, entityType, entityID, action, oldValue, newValue, actor)
	return err
}

func (db *DB) appendAuditTx(ctx context.Context, tx *sql.Tx, e *AuditEntry) error {
	_, err := tx.ExecContext(ctx, db.Q(`INSERT INTO audit_log (org_id, entity_type, entity_id, action, old_value, new_value, actor) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.OrgID, e.EntityType, e.EntityID, e.Action, e.OldValue, e.NewValue, e.Actor)
	return err
}

func (db *DB) ListAuditLog(orgID string, limit int) ([]*AuditEntry, error) {
	rows, err := db.Query(db.Q(`SELECT id, org_id, entity_type, entity_id, action, old_value, new_value, actor, created_at FROM audit_log WHERE org_id=? ORDER BY id DESC LIMIT ?`), orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAudit(rows)
}

func (db *DB) ListEntityAudit(entityType, entityID string) ([]*AuditEntry, error) {
	rows, err := db.Query(db.Q(`SELECT id, org_id, entity_type, entity_id, action, old_value, new_value, actor, created_at FROM audit_log WHERE entity_type=? AND entity_id=? ORDER BY id DESC`), entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAudit(rows)
}

func scanAudit(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt any
		if err := rows.Scan(&e.ID, &e.OrgID, &e.EntityType, &e.EntityID, &e.Action, &e.OldValue, &e.NewValue, &e.Actor, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
