// Package sqlite is the degraded-mode local fallback store, used when
// Postgres is unreachable. Grounded on the pack's use of
// modernc.org/sqlite as a pure-Go, CGO-free embedded store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orchestrator-substrate/jobforge/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	pipeline_id     TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT,
	input           TEXT,
	result          TEXT,
	error           TEXT,
	git_context     TEXT,
	max_retries     INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT,
	retrying        INTEGER NOT NULL DEFAULT 0
);
`

// Store is a local SQLite fallback mirroring the subset of the Postgres
// store's surface the degraded-mode write queue needs.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveJob upserts a job record, satisfying registry.Persister.
func (s *Store) SaveJob(ctx context.Context, job registry.Job) error {
	var errJSON, gitJSON []byte
	if job.Error != nil {
		errJSON, _ = json.Marshal(job.Error)
	}
	if job.GitContext != nil {
		gitJSON, _ = json.Marshal(job.GitContext)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, pipeline_id, status, created_at, started_at, completed_at,
			input, result, error, git_context, max_retries, idempotency_key, retrying)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, started_at=excluded.started_at, completed_at=excluded.completed_at,
			result=excluded.result, error=excluded.error, retrying=excluded.retrying
	`,
		job.ID, job.PipelineID, string(job.Status),
		formatTime(&job.CreatedAt), formatTime(job.StartedAt), formatTime(job.CompletedAt),
		nullableString(job.Input), nullableString(job.Result), nullableBytes(errJSON), nullableBytes(gitJSON),
		job.MaxRetries, job.IdempotencyKey, boolToInt(job.Retrying),
	)
	return err
}

// GetByID mirrors postgres.Store.GetByID for degraded-mode reads.
func (s *Store) GetByID(ctx context.Context, id string) (registry.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,pipeline_id,status,created_at,started_at,completed_at,
		input,result,error,git_context,max_retries,idempotency_key,retrying FROM jobs WHERE id=?`, id)

	var job registry.Job
	var status, createdAt string
	var startedAt, completedAt, input, result, errRaw, gitRaw sql.NullString
	var retrying int
	if err := row.Scan(&job.ID, &job.PipelineID, &status, &createdAt, &startedAt, &completedAt,
		&input, &result, &errRaw, &gitRaw, &job.MaxRetries, &job.IdempotencyKey, &retrying); err != nil {
		if err == sql.ErrNoRows {
			return registry.Job{}, registry.ErrJobNotFound
		}
		return registry.Job{}, err
	}
	job.Status = registry.Status(status)
	job.Retrying = retrying != 0
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		job.CompletedAt = &t
	}
	if input.Valid {
		job.Input = json.RawMessage(input.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errRaw.Valid {
		job.Error = &registry.JobError{}
		_ = json.Unmarshal([]byte(errRaw.String), job.Error)
	}
	if gitRaw.Valid {
		job.GitContext = &registry.GitContext{}
		_ = json.Unmarshal([]byte(gitRaw.String), job.GitContext)
	}
	return job, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullableString(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
