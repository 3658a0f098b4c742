package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"consult-platform/pkg/utils"
)

// PostgresRepo stores profiles in the profiles table (migrations/0001_init.sql).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const profileColumns = `id, name, email, password_hash, role, status, category, price_per_minute, specialist_mode, created_at, last_login_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(s rowScanner) (Profile, error) {
	var p Profile
	var category sql.NullString
	var lastLogin sql.NullTime
	if err := s.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.PasswordHash,
		&p.Role,
		&p.Status,
		&category,
		&p.PricePerMinute,
		&p.SpecialistMode,
		&p.CreatedAt,
		&lastLogin,
	); err != nil {
		return Profile{}, err
	}
	p.Category = category.String
	if lastLogin.Valid {
		t := lastLogin.Time
		p.LastLoginAt = &t
	}
	return p, nil
}

func (r *PostgresRepo) Create(ctx context.Context, p Profile) error {
	const q = `
INSERT INTO profiles (` + profileColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10,$11)
`
	_, err := r.db.ExecContext(ctx, q,
		p.ID,
		p.Name,
		p.Email,
		p.PasswordHash,
		p.Role,
		p.Status,
		p.Category,
		p.PricePerMinute,
		p.SpecialistMode,
		p.CreatedAt,
		p.LastLoginAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (r *PostgresRepo) GetByID(ctx context.Context, id string) (Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	p, err := scanProfile(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (r *PostgresRepo) GetByEmail(ctx context.Context, email string) (Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles WHERE email = $1`
	p, err := scanProfile(r.db.QueryRowContext(ctx, q, email))
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (r *PostgresRepo) CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	const q = `UPDATE profiles SET status = $3 WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, q, id, from, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish "unknown identity" from "status differs".
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PostgresRepo) SetStatus(ctx context.Context, id string, status Status) error {
	const q = `UPDATE profiles SET status = $2 WHERE id = $1`
	return r.execOne(ctx, q, id, status)
}

func (r *PostgresRepo) RecordLogin(ctx context.Context, id string, at time.Time) error {
	const q = `
UPDATE profiles
SET last_login_at = $2,
    status = CASE WHEN status = 'busy' THEN status ELSE 'online' END
WHERE id = $1
`
	return r.execOne(ctx, q, id, at)
}

func (r *PostgresRepo) UpdateProfile(ctx context.Context, id string, u ProfileUpdate) (Profile, error) {
	q := `
UPDATE profiles
SET name             = COALESCE($2, name),
    specialist_mode  = COALESCE($3, specialist_mode),
    category         = COALESCE($4, category),
    price_per_minute = COALESCE($5, price_per_minute)
WHERE id = $1
RETURNING ` + profileColumns
	p, err := scanProfile(r.db.QueryRowContext(ctx, q, id, u.Name, u.SpecialistMode, u.Category, u.PricePerMinute))
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (r *PostgresRepo) ListSpecialists(ctx context.Context, limit int) ([]Profile, error) {
	q := `
SELECT ` + profileColumns + `
FROM profiles
WHERE specialist_mode AND status IN ('online', 'busy')
ORDER BY name ASC, id ASC
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) execOne(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
