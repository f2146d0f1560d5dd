// Package postgres is the durable backing store for the Persistence
// Store: job records and report history, behind pgx/pgxpool the way the
// teacher's internal/db and internal/repo/postgres wire it.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens a bounded connection pool and verifies connectivity
// with a short-lived ping, exactly as the teacher's db.NewPool does.
func NewPool(dbURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 5

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Schema is applied once at startup; CREATE TABLE IF NOT EXISTS keeps
// init idempotent the way the spec requires.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	pipeline_id     TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	input           JSONB,
	result          JSONB,
	error           JSONB,
	git_context     JSONB,
	max_retries     INT NOT NULL DEFAULT 0,
	idempotency_key TEXT,
	retrying        BOOLEAN NOT NULL DEFAULT false,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_pipeline ON jobs (pipeline_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs (idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS reports (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	path        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
