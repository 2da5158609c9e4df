package membership

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"collabtext/internal/session"
)

// DB is the part of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS collaboration_users (
	session_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	user_name  TEXT NOT NULL DEFAULT '',
	joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_active  BOOLEAN NOT NULL DEFAULT true,
	PRIMARY KEY (session_id, user_id)
)`

// Postgres stores membership in the collaboration_users table.
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate collaboration_users: %w", err)
	}
	return nil
}

func (p *Postgres) Join(ctx context.Context, u session.CollaborationUser) (session.CollaborationUser, error) {
	const q = `
INSERT INTO collaboration_users (session_id, user_id, user_name, is_active)
VALUES ($1, $2, $3, true)
ON CONFLICT (session_id, user_id)
DO UPDATE SET user_name = EXCLUDED.user_name, is_active = true
RETURNING user_id, user_name, session_id, joined_at, is_active`
	var out session.CollaborationUser
	err := p.db.QueryRow(ctx, q, u.SessionID, u.UserID, u.UserName).
		Scan(&out.UserID, &out.UserName, &out.SessionID, &out.JoinedAt, &out.IsActive)
	if err != nil {
		return session.CollaborationUser{}, fmt.Errorf("join %s to %s: %w", u.UserID, u.SessionID, err)
	}
	return out, nil
}

func (p *Postgres) Leave(ctx context.Context, sessionID, userID string) error {
	const q = `UPDATE collaboration_users SET is_active = false WHERE session_id = $1 AND user_id = $2`
	if _, err := p.db.Exec(ctx, q, sessionID, userID); err != nil {
		return fmt.Errorf("leave %s from %s: %w", userID, sessionID, err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, sessionID string) ([]session.CollaborationUser, error) {
	const q = `
SELECT user_id, user_name, session_id, joined_at, is_active
FROM collaboration_users WHERE session_id = $1 ORDER BY user_id`
	rows, err := p.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", sessionID, err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.CollaborationUser, error) {
		var u session.CollaborationUser
		err := row.Scan(&u.UserID, &u.UserName, &u.SessionID, &u.JoinedAt, &u.IsActive)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", sessionID, err)
	}
	return users, nil
}
