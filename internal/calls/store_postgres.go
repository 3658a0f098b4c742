package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"consult-platform/pkg/utils"
)

// PostgresStore stores calls in the calls table (migrations/0001_init.sql).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const callColumns = `id, caller_id, callee_id, status, created_at, started_at, ended_at, duration_minutes, cost_tokens`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(s rowScanner) (Call, error) {
	var c Call
	var started, ended sql.NullTime
	var duration sql.NullFloat64
	var cost sql.NullInt64
	if err := s.Scan(
		&c.ID,
		&c.CallerID,
		&c.CalleeID,
		&c.Status,
		&c.CreatedAt,
		&started,
		&ended,
		&duration,
		&cost,
	); err != nil {
		return Call{}, err
	}
	if started.Valid {
		t := started.Time
		c.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		c.EndedAt = &t
	}
	if duration.Valid {
		d := duration.Float64
		c.DurationMinutes = &d
	}
	if cost.Valid {
		v := cost.Int64
		c.CostTokens = &v
	}
	return c, nil
}

func (s *PostgresStore) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
	_, err := s.db.ExecContext(ctx, q,
		c.ID,
		c.CallerID,
		c.CalleeID,
		c.Status,
		c.CreatedAt,
		c.StartedAt,
		c.EndedAt,
		c.DurationMinutes,
		c.CostTokens,
	)
	if utils.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

// Transition is a single conditional UPDATE; the WHERE on status is the compare-and-set.
func (s *PostgresStore) Transition(ctx context.Context, next Call, from Status) (bool, error) {
	const q = `
UPDATE calls
SET status = $2, started_at = $3, ended_at = $4, duration_minutes = $5, cost_tokens = $6
WHERE id = $1 AND status = $7
`
	res, err := s.db.ExecContext(ctx, q,
		next.ID,
		next.Status,
		next.StartedAt,
		next.EndedAt,
		next.DurationMinutes,
		next.CostTokens,
		from,
	)
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
	if _, err := s.Get(ctx, next.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) CalleeEngaged(ctx context.Context, identity string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM calls
  WHERE callee_id = $1 AND status IN ('pending', 'active')
)
`
	var engaged bool
	if err := s.db.QueryRowContext(ctx, q, identity).Scan(&engaged); err != nil {
		return false, err
	}
	return engaged, nil
}

func (s *PostgresStore) ListByParticipant(ctx context.Context, identity string, limit int) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE caller_id = $1 OR callee_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, identity, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *PostgresStore) ListBetween(ctx context.Context, identity string, from, to time.Time) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE (caller_id = $1 OR callee_id = $1)
  AND ($2::timestamptz IS NULL OR created_at >= $2)
  AND ($3::timestamptz IS NULL OR created_at < $3)
ORDER BY created_at DESC, id DESC
`
	rows, err := s.db.QueryContext(ctx, q, identity, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Call, error) {
	defer rows.Close()
	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
