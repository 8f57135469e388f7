package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RouteStop is one planned visit on a technician's route. Jobs are referenced
// by ID only.
type RouteStop struct {
	TechnicianID      string    `json:"technician_id"`
	JobID             string    `json:"job_id"`
	Index             int       `json:"index"`
	PlannedArrival    time.Time `json:"planned_arrival"`
	PlannedDeparture  time.Time `json:"planned_departure"`
	LegMinutes        float64   `json:"leg_minutes"`
	CumulativeMinutes float64   `json:"cumulative_minutes"`
}

// ListRouteStops returns every planned stop for the org keyed by technician,
// each route ordered by index.
func (db *DB) ListRouteStops(ctx context.Context, orgID string) (map[string][]RouteStop, error) {
	rows, err := db.QueryContext(ctx, db.Q(`SELECT technician_id, job_id, seq_index, planned_arrival, planned_departure, leg_minutes, cumulative_minutes
		FROM route_stops WHERE org_id=? ORDER BY technician_id, seq_index`), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]RouteStop)
	for rows.Next() {
		var s RouteStop
		var arr, dep any
		if err := rows.Scan(&s.TechnicianID, &s.JobID, &s.Index, &arr, &dep, &s.LegMinutes, &s.CumulativeMinutes); err != nil {
			return nil, err
		}
		s.PlannedArrival = parseTime(arr)
		s.PlannedDeparture = parseTime(dep)
		out[s.TechnicianID] = append(out[s.TechnicianID], s)
	}
	return out, rows.Err()
}

func (db *DB) clearRoute(ctx context.Context, tx *sql.Tx, orgID, techID string) error {
	if _, err := tx.ExecContext(ctx, db.Q(`DELETE FROM route_stops WHERE org_id=? AND technician_id=?`), orgID, techID); err != nil {
		return fmt.Errorf("clear route %s: %w", techID, err)
	}
	return nil
}

// insertRoute writes stops for a technician whose route was cleared in the same tx.
func (db *DB) insertRoute(ctx context.Context, tx *sql.Tx, orgID, techID string, stops []RouteStop) error {
	for _, s := range stops {
		_, err := tx.ExecContext(ctx, db.Q(`INSERT INTO route_stops (org_id, technician_id, seq_index, job_id, planned_arrival, planned_departure, leg_minutes, cumulative_minutes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			orgID, techID, s.Index, s.JobID, timeArg(s.PlannedArrival), timeArg(s.PlannedDeparture), s.LegMinutes, s.CumulativeMinutes)
		if err != nil {
			return fmt.Errorf("insert stop %s/%d: %w", techID, s.Index, err)
		}
	}
	return nil
}
