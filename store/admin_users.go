package store

import (
	"context"
	"time"
)

// AdminUser is a dispatcher account allowed to issue manual overrides.
type AdminUser struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (db *DB) CreateAdminUser(ctx context.Context, username, passwordHash string) error {
	_, err := db.ExecContext(ctx, db.Q(`INSERT INTO admin_users (username, password_hash) VALUES (?, ?)`),
		username, passwordHash)
	return err
}

func (db *DB) GetAdminUser(ctx context.Context, username string) (*AdminUser, error) {
	var u AdminUser
	var createdAt any
	err := db.QueryRowContext(ctx, db.Q(`SELECT id, username, password_hash, created_at FROM admin_users WHERE username=?`), username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &createdAt)
	if err != nil {
		return nil, notFound(err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// SetAdminPassword replaces a dispatcher's password hash, creating the
// account when it does not exist yet.
func (db *DB) SetAdminPassword(ctx context.Context, username, passwordHash string) (created bool, err error) {
	res, err := db.ExecContext(ctx, db.Q(`UPDATE admin_users SET password_hash=? WHERE username=?`), passwordHash, username)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	return true, db.CreateAdminUser(ctx, username, passwordHash)
}

func (db *DB) ListAdminUsers(ctx context.Context) ([]*AdminUser, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, username, created_at FROM admin_users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AdminUser
	for rows.Next() {
		var u AdminUser
		var createdAt any
		if err := rows.Scan(&u.ID, &u.Username, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(createdAt)
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (db *DB) AdminUserExists(ctx context.Context) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&count)
	return count > 0, err
}
