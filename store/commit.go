package store

import (
	"context"
	"fmt"
	"sort"
)

// Commit is everything one schedule change writes. It is applied in a single
// transaction; on error nothing is visible.
type Commit struct {
	OrgID       string
	Events      []*ScheduleEvent
	Jobs        []*WorkOrder
	Technicians []*Technician
	// Routes holds the full replacement route for each technician it names.
	// An empty slice clears that technician's route.
	Routes     map[string][]RouteStop
	Outbox     []*OutboxMessage
	Audit      []*AuditEntry
	ClearQueue []string
}

func (db *DB) CommitSchedule(ctx context.Context, c *Commit) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	for _, e := range c.Events {
		e.OrgID = c.OrgID
		if err := db.insertScheduleEvent(ctx, tx, e); err != nil {
			return err
		}
	}
	for _, t := range c.Technicians {
		if err := db.upsertTechnician(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, w := range c.Jobs {
		if err := db.upsertWorkOrder(ctx, tx, w); err != nil {
			return err
		}
	}

	// Clear every touched route before inserting so a job can move between
	// technicians without tripping the per-job unique index.
	techIDs := make([]string, 0, len(c.Routes))
	for id := range c.Routes {
		techIDs = append(techIDs, id)
	}
	sort.Strings(techIDs)
	for _, id := range techIDs {
		if err := db.clearRoute(ctx, tx, c.OrgID, id); err != nil {
			return err
		}
	}
	for _, id := range techIDs {
		if err := db.insertRoute(ctx, tx, c.OrgID, id, c.Routes[id]); err != nil {
			return err
		}
	}

	for _, m := range c.Outbox {
		if err := db.enqueueOutboxTx(ctx, tx, m); err != nil {
			return fmt.Errorf("enqueue outbox: %w", err)
		}
	}
	for _, a := range c.Audit {
		a.OrgID = c.OrgID
		if err := db.appendAuditTx(ctx, tx, a); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
	}
	for _, jobID := range c.ClearQueue {
		if _, err := tx.ExecContext(ctx, db.Q(`DELETE FROM dispatch_queue WHERE org_id=? AND job_id=?`), c.OrgID, jobID); err != nil {
			return fmt.Errorf("clear queue %s: %w", jobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schedule: %w", err)
	}
	return nil
}
