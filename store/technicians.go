package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fieldops/geo"
)

// TechState is the availability state of a technician.
type TechState string

const (
	TechOffShift    TechState = "off_shift"
	TechIdle        TechState = "idle"
	TechBusy        TechState = "busy"
	TechUnavailable TechState = "unavailable"
)

type Technician struct {
	OrgID         string     `json:"org_id"`
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Skills        []string   `json:"skills"`
	CapacityLimit int        `json:"capacity_limit"`
	ShiftStart    time.Time  `json:"shift_start"`
	ShiftEnd      time.Time  `json:"shift_end"`
	BaseLat       float64    `json:"base_lat"`
	BaseLon       float64    `json:"base_lon"`
	CurrentLat    *float64   `json:"current_lat,omitempty"`
	CurrentLon    *float64   `json:"current_lon,omitempty"`
	LocationAt    *time.Time `json:"location_at,omitempty"`
	LocationStale bool       `json:"location_stale"`
	State         TechState  `json:"state"`
	Active        bool       `json:"active"`
	LastSeq       int64      `json:"last_seq"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Position is the last reported location, or the base when no ping has arrived yet.
func (t *Technician) Position() geo.Point {
	if t.CurrentLat != nil && t.CurrentLon != nil {
		return geo.Point{Lat: *t.CurrentLat, Lon: *t.CurrentLon}
	}
	return geo.Point{Lat: t.BaseLat, Lon: t.BaseLon}
}

// HasSkills reports whether the technician's skill set covers required.
func (t *Technician) HasSkills(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(t.Skills))
	for _, s := range t.Skills {
		have[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

// Dispatchable reports whether new work may be routed to the technician.
func (t *Technician) Dispatchable() bool {
	return t.Active && (t.State == TechIdle || t.State == TechBusy)
}

const technicianSelectCols = `org_id, id, name, skills, capacity_limit, shift_start, shift_end, base_lat, base_lon, current_lat, current_lon, location_at, location_stale, state, active, last_seq, created_at, updated_at`

func scanTechnician(row interface{ Scan(...any) error }) (*Technician, error) {
	var t Technician
	var skills, state string
	var curLat, curLon sql.NullFloat64
	var shiftStart, shiftEnd, locAt, createdAt, updatedAt any
	err := row.Scan(&t.OrgID, &t.ID, &t.Name, &skills, &t.CapacityLimit, &shiftStart, &shiftEnd,
		&t.BaseLat, &t.BaseLon, &curLat, &curLon, &locAt, &t.LocationStale, &state, &t.Active,
		&t.LastSeq, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Skills = decodeSkills(skills)
	t.State = TechState(state)
	t.ShiftStart = parseTime(shiftStart)
	t.ShiftEnd = parseTime(shiftEnd)
	if curLat.Valid && curLon.Valid {
		t.CurrentLat = &curLat.Float64
		t.CurrentLon = &curLon.Float64
	}
	t.LocationAt = parseTimePtr(locAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (db *DB) ListTechnicians(ctx context.Context, orgID string) ([]*Technician, error) {
	rows, err := db.QueryContext(ctx, db.Q(`SELECT `+technicianSelectCols+` FROM technicians WHERE org_id=? ORDER BY id`), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Technician
	for rows.Next() {
		t, err := scanTechnician(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (db *DB) GetTechnician(ctx context.Context, orgID, id string) (*Technician, error) {
	row := db.QueryRowContext(ctx, db.Q(`SELECT `+technicianSelectCols+` FROM technicians WHERE org_id=? AND id=?`), orgID, id)
	t, err := scanTechnician(row)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

const upsertTechnicianSQL = `INSERT INTO technicians (org_id, id, name, skills, capacity_limit, shift_start, shift_end, base_lat, base_lon, current_lat, current_lon, location_at, location_stale, state, active, last_seq, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now','localtime'))
ON CONFLICT (org_id, id) DO UPDATE SET
    name=excluded.name, skills=excluded.skills, capacity_limit=excluded.capacity_limit,
    shift_start=excluded.shift_start, shift_end=excluded.shift_end, base_lat=excluded.base_lat,
    base_lon=excluded.base_lon, state=excluded.state, active=excluded.active,
    last_seq=excluded.last_seq, updated_at=excluded.updated_at`

// upsertTechnician writes schedule-owned fields. Location columns are only
// set on first insert; afterwards they belong to UpdateTechnicianLocation.
func (db *DB) upsertTechnician(ctx context.Context, tx *sql.Tx, t *Technician) error {
	_, err := tx.ExecContext(ctx, db.Q(upsertTechnicianSQL),
		t.OrgID, t.ID, t.Name, encodeSkills(t.Skills), t.CapacityLimit,
		timeArg(t.ShiftStart), timeArg(t.ShiftEnd), t.BaseLat, t.BaseLon,
		floatPtrArg(t.CurrentLat), floatPtrArg(t.CurrentLon), timePtrArg(t.LocationAt),
		t.LocationStale, string(t.State), t.Active, t.LastSeq)
	if err != nil {
		return fmt.Errorf("upsert technician %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTechnicianLocation records a ping. Older or equal timestamps are ignored,
// so redelivery leaves the row unchanged. Reports whether the row moved.
func (db *DB) UpdateTechnicianLocation(ctx context.Context, orgID, id string, lat, lon float64, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, db.Q(`UPDATE technicians SET current_lat=?, current_lon=?, location_at=?, location_stale=?, updated_at=datetime('now','localtime')
		WHERE org_id=? AND id=? AND (location_at IS NULL OR location_at < ?)`),
		lat, lon, timeArg(at), false, orgID, id, timeArg(at))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (db *DB) SetLocationStale(ctx context.Context, orgID, id string, stale bool) error {
	_, err := db.ExecContext(ctx, db.Q(`UPDATE technicians SET location_stale=? WHERE org_id=? AND id=?`), stale, orgID, id)
	return err
}

func floatPtrArg(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
