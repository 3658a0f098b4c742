package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"consult-platform/pkg/utils"
)

// NOTE: PostgresRepo assumes the tables in migrations/0001_init.sql:
// - wallet_balances (projection, one row per identity)
// - wallet_ledger (immutable append-only, UNIQUE (identity, idempotency_key))
// - admin_wallet_actions

// PostgresRepo is the Repository backed by Postgres. Money operations run in a
// transaction holding the identity's balance row lock.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Post(ctx context.Context, e Entry, allowNegative bool) (Entry, Balance, error) {
	var outEntry Entry
	var outBal Balance

	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		outEntry, outBal, err = postTx(ctx, tx, e, allowNegative)
		return err
	})
	return outEntry, outBal, err
}

func (r *PostgresRepo) PostAdminGrant(ctx context.Context, e Entry, a AdminAction) (AdminAction, Entry, Balance, error) {
	var outAction AdminAction
	var outEntry Entry
	var outBal Balance

	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		posted, b, err := postTx(ctx, tx, e, false)
		if err != nil {
			return err
		}
		outEntry, outBal = posted, b

		// Idempotent replay: the action was recorded with the original entry.
		if existing, ok, err := findAdminActionByEntry(ctx, tx, posted.ID); err != nil {
			return err
		} else if ok {
			outAction = existing
			return nil
		}

		a.RelatedEntryID = posted.ID
		if err := insertAdminAction(ctx, tx, a); err != nil {
			return err
		}
		outAction = a
		return nil
	})
	return outAction, outEntry, outBal, err
}

func (r *PostgresRepo) GetBalance(ctx context.Context, identity string) (Balance, error) {
	const q = `
SELECT identity, tokens, updated_at
FROM wallet_balances
WHERE identity = $1
`
	var b Balance
	if err := r.db.QueryRowContext(ctx, q, identity).Scan(&b.Identity, &b.Tokens, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{Identity: identity}, nil
		}
		return Balance{}, err
	}
	return b, nil
}

func (r *PostgresRepo) ListEntries(ctx context.Context, identity string, from, to time.Time) ([]Entry, error) {
	const q = `
SELECT id, identity, type, amount, external_ref, idempotency_key, metadata, created_at
FROM wallet_ledger
WHERE identity = $1
  AND ($2::timestamptz IS NULL OR created_at >= $2)
  AND ($3::timestamptz IS NULL OR created_at < $3)
ORDER BY created_at ASC, id ASC
`
	rows, err := r.db.QueryContext(ctx, q, identity, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func postTx(ctx context.Context, tx *sql.Tx, e Entry, allowNegative bool) (Entry, Balance, error) {
	b, err := lockBalance(ctx, tx, e.Identity, e.CreatedAt)
	if err != nil {
		return Entry{}, Balance{}, err
	}

	// Idempotency: an entry for this identity+key means the operation already happened.
	if existing, ok, err := findEntryByIdempotency(ctx, tx, e.Identity, e.IdempotencyKey); err != nil {
		return Entry{}, Balance{}, err
	} else if ok {
		return existing, b, nil
	}

	if e.Amount < 0 && !allowNegative && b.Tokens+e.Amount < 0 {
		return Entry{}, Balance{}, ErrInsufficientFunds
	}

	if err := insertEntry(ctx, tx, e); err != nil {
		return Entry{}, Balance{}, err
	}
	out, err := applyBalanceDelta(ctx, tx, e.Identity, e.Amount, e.CreatedAt)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	return e, out, nil
}

// lockBalance creates the identity's balance row on first use and locks it
// to serialize concurrent money operations per identity.
func lockBalance(ctx context.Context, tx *sql.Tx, identity string, now time.Time) (Balance, error) {
	const ensure = `
INSERT INTO wallet_balances (identity, tokens, updated_at)
VALUES ($1, 0, $2)
ON CONFLICT (identity) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ensure, identity, now); err != nil {
		return Balance{}, err
	}

	const q = `
SELECT identity, tokens, updated_at
FROM wallet_balances
WHERE identity = $1
FOR UPDATE
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, identity).Scan(&b.Identity, &b.Tokens, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s rowScanner) (Entry, error) {
	var e Entry
	err := s.Scan(
		&e.ID,
		&e.Identity,
		&e.Type,
		&e.Amount,
		&e.ExternalRef,
		&e.IdempotencyKey,
		&e.Metadata,
		&e.CreatedAt,
	)
	return e, err
}

func findEntryByIdempotency(ctx context.Context, tx *sql.Tx, identity, key string) (Entry, bool, error) {
	const q = `
SELECT id, identity, type, amount, external_ref, idempotency_key, metadata, created_at
FROM wallet_ledger
WHERE identity = $1 AND idempotency_key = $2
LIMIT 1
`
	e, err := scanEntry(tx.QueryRowContext(ctx, q, identity, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e Entry) error {
	const q = `
INSERT INTO wallet_ledger (
  id, identity, type, amount, external_ref, idempotency_key, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.Identity,
		e.Type,
		e.Amount,
		e.ExternalRef,
		e.IdempotencyKey,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, identity string, delta int64, now time.Time) (Balance, error) {
	const q = `
UPDATE wallet_balances
SET tokens = tokens + $2, updated_at = $3
WHERE identity = $1
RETURNING identity, tokens, updated_at
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, identity, delta, now).Scan(&b.Identity, &b.Tokens, &b.UpdatedAt); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func insertAdminAction(ctx context.Context, tx *sql.Tx, a AdminAction) error {
	const q = `
INSERT INTO admin_wallet_actions (
  id, identity, admin_user_id, admin_role, reason, amount, related_entry_id, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := tx.ExecContext(ctx, q,
		a.ID,
		a.Identity,
		a.AdminUserID,
		a.AdminRole,
		a.Reason,
		a.Amount,
		a.RelatedEntryID,
		a.CreatedAt,
	)
	return err
}

func findAdminActionByEntry(ctx context.Context, tx *sql.Tx, entryID string) (AdminAction, bool, error) {
	const q = `
SELECT id, identity, admin_user_id, admin_role, reason, amount, related_entry_id, created_at
FROM admin_wallet_actions
WHERE related_entry_id = $1
LIMIT 1
`
	var a AdminAction
	err := tx.QueryRowContext(ctx, q, entryID).Scan(
		&a.ID,
		&a.Identity,
		&a.AdminUserID,
		&a.AdminRole,
		&a.Reason,
		&a.Amount,
		&a.RelatedEntryID,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AdminAction{}, false, nil
		}
		return AdminAction{}, false, err
	}
	return a, true, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
