package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/ocx/gateway/internal/core"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id       TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	pending_requests INT NOT NULL DEFAULT 0,
	transport        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_last_activity_idx ON sessions (last_activity_at);
`

// Postgres persists sessions in a single table. The advisory write lock is
// a transaction-scoped pg_try_advisory_xact_lock keyed by session id, so a
// lost connection can never strand a lock.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects via SESSION_STORE_URL and ensures the schema.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "open postgres", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindInternal, "postgres ping", err)
	}

	if _, err := db.ExecContext(ctx, createSessionsTable); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindInternal, "ensure sessions schema", err)
	}

	return &Postgres{db: db, now: time.Now}, nil
}

func (p *Postgres) Create(ctx context.Context, s *core.Session) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, tenant_id, created_at, last_activity_at, pending_requests, transport)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.SessionID, s.TenantID, s.CreatedAt, s.LastActivityAt, s.PendingRequests, string(s.Transport))
	if err != nil {
		if isUniqueViolation(err) {
			return core.E(core.KindConflict, "session already exists "+s.SessionID)
		}
		return core.Wrap(core.KindInternal, "session insert", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	return scanSession(p.db.QueryRowContext(ctx,
		`SELECT session_id, tenant_id, created_at, last_activity_at, pending_requests, transport
		 FROM sessions WHERE session_id = $1`, sessionID), sessionID)
}

func (p *Postgres) Update(ctx context.Context, sessionID string, fn func(*core.Session) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.KindInternal, "session tx", err)
	}
	defer tx.Rollback()

	var locked bool
	if err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtext($1))`, sessionID).Scan(&locked); err != nil {
		return core.Wrap(core.KindInternal, "session lock", err)
	}
	if !locked {
		return errWriteConflict(sessionID)
	}

	s, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT session_id, tenant_id, created_at, last_activity_at, pending_requests, transport
		 FROM sessions WHERE session_id = $1`, sessionID), sessionID)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = $2, pending_requests = $3, transport = $4
		 WHERE session_id = $1`,
		s.SessionID, s.LastActivityAt, s.PendingRequests, string(s.Transport)); err != nil {
		return core.Wrap(core.KindInternal, "session update", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Wrap(core.KindInternal, "session commit", err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, sessionID string) error {
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return core.Wrap(core.KindInternal, "session delete", err)
	}
	return nil
}

func (p *Postgres) SweepIdle(ctx context.Context, idleTimeout time.Duration) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity_at < $1`, p.now().Add(-idleTimeout))
	if err != nil {
		return 0, core.Wrap(core.KindInternal, "session sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, core.Wrap(core.KindInternal, "session sweep count", err)
	}
	return int(n), nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func scanSession(row *sql.Row, sessionID string) (*core.Session, error) {
	var s core.Session
	var transport string
	err := row.Scan(&s.SessionID, &s.TenantID, &s.CreatedAt, &s.LastActivityAt, &s.PendingRequests, &transport)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound(sessionID)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "session scan", err)
	}
	s.Transport = core.Transport(transport)
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
