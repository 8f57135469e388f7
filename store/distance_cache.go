package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fieldops/geo"
)

// DistanceCache implements geo.Cache on the distance_cache table.
type DistanceCache struct {
	db *DB
}

var _ geo.Cache = (*DistanceCache)(nil)

func (db *DB) DistanceCache() *DistanceCache { return &DistanceCache{db: db} }

func (c *DistanceCache) GetDistance(ctx context.Context, origin, destination string) (geo.Estimate, time.Time, bool, error) {
	var e geo.Estimate
	var fetchedAt any
	err := c.db.QueryRowContext(ctx, c.db.Q(`SELECT minutes, km, fetched_at FROM distance_cache WHERE origin=? AND destination=?`),
		origin, destination).Scan(&e.Minutes, &e.Km, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return geo.Estimate{}, time.Time{}, false, nil
	}
	if err != nil {
		return geo.Estimate{}, time.Time{}, false, err
	}
	return e, parseTime(fetchedAt), true, nil
}

func (c *DistanceCache) PutDistance(ctx context.Context, origin, destination string, e geo.Estimate) error {
	_, err := c.db.ExecContext(ctx, c.db.Q(`INSERT INTO distance_cache (origin, destination, minutes, km, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (origin, destination) DO UPDATE SET minutes=excluded.minutes, km=excluded.km, fetched_at=excluded.fetched_at`),
		origin, destination, e.Minutes, e.Km, timeArg(time.Now()))
	return err
}
