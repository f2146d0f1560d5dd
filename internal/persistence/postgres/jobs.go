package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchestrator-substrate/jobforge/internal/observability"
	"github.com/orchestrator-substrate/jobforge/internal/registry"
)

// Store is the durable job/report store, grounded on the teacher's
// internal/repo/postgres.JobsRepo.
type Store struct {
	pool   *pgxpool.Pool
	prom   *observability.Prom
	logger *slog.Logger
}

func NewStore(pool *pgxpool.Pool, prom *observability.Prom, logger *slog.Logger) *Store {
	return &Store{pool: pool, prom: prom, logger: logger}
}

func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// observe wraps every query in a DB-latency/error metric, mirroring
// JobsRepo.observe in the teacher.
func (s *Store) observe(op string, fn func() error) error {
	return s.prom.ObserveDB(op, fn)
}

// SaveJob upserts by job id, satisfying registry.Persister.
func (s *Store) SaveJob(ctx context.Context, job registry.Job) error {
	return s.observe("save_job", func() error {
		errJSON, gitJSON, err := marshalOptional(job.Error, job.GitContext)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO jobs (id, pipeline_id, status, created_at, started_at, completed_at,
				input, result, error, git_context, max_retries, idempotency_key, retrying, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''),$13, now())
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				started_at = EXCLUDED.started_at,
				completed_at = EXCLUDED.completed_at,
				result = EXCLUDED.result,
				error = EXCLUDED.error,
				retrying = EXCLUDED.retrying,
				updated_at = now()
		`,
			job.ID, job.PipelineID, string(job.Status), job.CreatedAt, job.StartedAt, job.CompletedAt,
			nullableRaw(job.Input), nullableRaw(job.Result), errJSON, gitJSON,
			job.MaxRetries, job.IdempotencyKey, job.Retrying,
		)
		return err
	})
}

func marshalOptional(jobErr *registry.JobError, git *registry.GitContext) ([]byte, []byte, error) {
	var errJSON, gitJSON []byte
	var err error
	if jobErr != nil {
		errJSON, err = json.Marshal(jobErr)
		if err != nil {
			return nil, nil, err
		}
	}
	if git != nil {
		gitJSON, err = json.Marshal(git)
		if err != nil {
			return nil, nil, err
		}
	}
	return errJSON, gitJSON, nil
}

func nullableRaw(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// GetByID fetches a single job row, or registry.ErrJobNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (registry.Job, error) {
	var job registry.Job
	err := s.observe("get_by_id", func() error {
		row := s.pool.QueryRow(ctx, `SELECT id,pipeline_id,status,created_at,started_at,completed_at,
			input,result,error,git_context,max_retries,idempotency_key,retrying FROM jobs WHERE id=$1`, id)
		return scanJob(row, &job)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.Job{}, registry.ErrJobNotFound
	}
	return job, err
}

func scanJob(row pgx.Row, job *registry.Job) error {
	var errRaw, gitRaw []byte
	var status string
	if err := row.Scan(&job.ID, &job.PipelineID, &status, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
		&job.Input, &job.Result, &errRaw, &gitRaw, &job.MaxRetries, &job.IdempotencyKey, &job.Retrying); err != nil {
		return err
	}
	job.Status = registry.Status(status)
	if len(errRaw) > 0 {
		job.Error = &registry.JobError{}
		_ = json.Unmarshal(errRaw, job.Error) // safeJSONParse: best-effort, never fails a read
	}
	if len(gitRaw) > 0 {
		job.GitContext = &registry.GitContext{}
		_ = json.Unmarshal(gitRaw, job.GitContext)
	}
	return nil
}

// GetJobs lists jobs for a pipeline, most-recent first.
func (s *Store) GetJobs(ctx context.Context, pipelineID string, status registry.Status, limit, offset int) ([]registry.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	var jobs []registry.Job
	err := s.observe("get_jobs", func() error {
		query := `SELECT id,pipeline_id,status,created_at,started_at,completed_at,
			input,result,error,git_context,max_retries,idempotency_key,retrying FROM jobs WHERE pipeline_id=$1`
		args := []any{pipelineID}
		if status != "" {
			query += " AND status=$2 ORDER BY created_at DESC LIMIT $3 OFFSET $4"
			args = append(args, string(status), limit, offset)
		} else {
			query += " ORDER BY created_at DESC LIMIT $2 OFFSET $3"
			args = append(args, limit, offset)
		}
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var job registry.Job
			if err := scanJob(rows, &job); err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	return jobs, err
}

// GetLastJob returns the most recent job for a pipeline.
func (s *Store) GetLastJob(ctx context.Context, pipelineID string) (registry.Job, bool, error) {
	jobs, err := s.GetJobs(ctx, pipelineID, "", 1, 0)
	if err != nil || len(jobs) == 0 {
		return registry.Job{}, false, err
	}
	return jobs[0], true, nil
}

// JobCounts summarizes one pipeline's jobs by status.
type JobCounts struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

func (s *Store) GetJobCounts(ctx context.Context, pipelineID string) (JobCounts, error) {
	var c JobCounts
	err := s.observe("get_job_counts", func() error {
		rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs WHERE pipeline_id=$1 GROUP BY status`, pipelineID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			switch registry.Status(status) {
			case registry.StatusQueued:
				c.Queued = n
			case registry.StatusRunning:
				c.Running = n
			case registry.StatusCompleted:
				c.Completed = n
			case registry.StatusFailed:
				c.Failed = n
			case registry.StatusCancelled:
				c.Cancelled = n
			}
		}
		return rows.Err()
	})
	return c, err
}

// GetAllPipelineStats returns counts for every pipeline seen in the
// jobs table.
func (s *Store) GetAllPipelineStats(ctx context.Context) (map[string]JobCounts, error) {
	out := make(map[string]JobCounts)
	err := s.observe("get_all_pipeline_stats", func() error {
		rows, err := s.pool.Query(ctx, `SELECT pipeline_id, status, count(*) FROM jobs GROUP BY pipeline_id, status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var pipelineID, status string
			var n int64
			if err := rows.Scan(&pipelineID, &status, &n); err != nil {
				return err
			}
			c := out[pipelineID]
			switch registry.Status(status) {
			case registry.StatusQueued:
				c.Queued = n
			case registry.StatusRunning:
				c.Running = n
			case registry.StatusCompleted:
				c.Completed = n
			case registry.StatusFailed:
				c.Failed = n
			case registry.StatusCancelled:
				c.Cancelled = n
			}
			out[pipelineID] = c
		}
		return rows.Err()
	})
	return out, err
}

// GetByIdempotencyKey looks up a prior submission by its dedup key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (registry.Job, bool, error) {
	var job registry.Job
	err := s.observe("get_by_idempotency_key", func() error {
		row := s.pool.QueryRow(ctx, `SELECT id,pipeline_id,status,created_at,started_at,completed_at,
			input,result,error,git_context,max_retries,idempotency_key,retrying FROM jobs WHERE idempotency_key=$1`, key)
		return scanJob(row, &job)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.Job{}, false, nil
	}
	return job, err == nil, err
}

// ListCursor pages through all jobs, newest first, via keyset pagination
// on (created_at, id) — grounded on the teacher's ListCursor.
func (s *Store) ListCursor(ctx context.Context, afterCreatedAt *time.Time, afterID string, limit int) ([]registry.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var jobs []registry.Job
	err := s.observe("list_cursor", func() error {
		query := `SELECT id,pipeline_id,status,created_at,started_at,completed_at,
			input,result,error,git_context,max_retries,idempotency_key,retrying FROM jobs`
		args := []any{}
		if afterCreatedAt != nil {
			query += ` WHERE (created_at, id) < ($1, $2)`
			args = append(args, *afterCreatedAt, afterID)
		}
		query += ` ORDER BY created_at DESC, id DESC LIMIT $` + itoa(len(args)+1)
		args = append(args, limit)
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var job registry.Job
			if err := scanJob(rows, &job); err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	return jobs, err
}

// RequeueStaleProcessing resets jobs stuck `running` past lockTTL back
// to `queued`, covering a worker crash mid-job.
func (s *Store) RequeueStaleProcessing(ctx context.Context, lockTTL time.Duration) (int64, error) {
	var n int64
	err := s.observe("requeue_stale_processing", func() error {
		tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status=$1, started_at=NULL, updated_at=now()
			WHERE status=$2 AND started_at < $3`,
			string(registry.StatusQueued), string(registry.StatusRunning), time.Now().Add(-lockTTL))
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// ClaimQueued atomically reserves up to limit queued jobs across the
// given pipelines for this process, marking them running. Grounded on
// the teacher's queue/worker poll loop, translated to a single
// SKIP LOCKED statement so multiple cmd/worker processes can share one
// queue without double-claiming a row.
func (s *Store) ClaimQueued(ctx context.Context, pipelineIDs []string, limit int) ([]registry.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	var jobs []registry.Job
	err := s.observe("claim_queued", func() error {
		rows, err := s.pool.Query(ctx, `
			UPDATE jobs SET status=$1, started_at=now(), updated_at=now()
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status=$2 AND (pipeline_id = ANY($3) OR $3 IS NULL)
				ORDER BY created_at ASC
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id,pipeline_id,status,created_at,started_at,completed_at,
				input,result,error,git_context,max_retries,idempotency_key,retrying`,
			string(registry.StatusRunning), string(registry.StatusQueued), pipelineIDsOrNil(pipelineIDs), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var job registry.Job
			if err := scanJob(rows, &job); err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	return jobs, err
}

func pipelineIDsOrNil(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	return ids
}

// RetryManyFailed resets every failed job for a pipeline back to
// queued, for the admin bulk-retry endpoint.
func (s *Store) RetryManyFailed(ctx context.Context, pipelineID string) (int64, error) {
	var n int64
	err := s.observe("retry_many_failed", func() error {
		tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status=$1, error=NULL, retrying=false, updated_at=now()
			WHERE pipeline_id=$2 AND status=$3`,
			string(registry.StatusQueued), pipelineID, string(registry.StatusFailed))
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
