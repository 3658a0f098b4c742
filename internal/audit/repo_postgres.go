package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to audit_events. The table has no UPDATE/DELETE grants.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_id, actor_role, ip_address, identity, call_id, message, metadata, created_at
) VALUES (
  $1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),$8,NULLIF($9,'')::jsonb,$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.Type,
		e.ActorID,
		e.ActorRole,
		e.IPAddress,
		e.Identity,
		e.CallID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
