// Package persistence is the Persistence Store: a single-writer record
// store with a durable Postgres backing and an in-memory fast path that
// degrades gracefully when Postgres is unreachable. Grounded on the
// teacher's internal/repo/postgres.JobsRepo, generalized with the
// degraded-mode write queue and recovery scheduler the spec adds.
package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orchestrator-substrate/jobforge/internal/persistence/postgres"
	"github.com/orchestrator-substrate/jobforge/internal/persistence/sqlite"
	"github.com/orchestrator-substrate/jobforge/internal/registry"
)

// Health states mirror the spec's three-value status.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

const (
	// MaxPersistFailures is the number of consecutive durable-write
	// failures before the store drops into degraded mode.
	MaxPersistFailures = 5
	// MaxRecoveryAttempts is the number of failed recovery sweeps before
	// a degraded store gives up and transitions to down.
	MaxRecoveryAttempts = 10

	recoveryBase = time.Second
	recoveryMax  = 60 * time.Second
)

// Store is the Persistence Store. It satisfies registry.Persister.
type Store struct {
	pg     *postgres.Store
	local  *sqlite.Store
	logger *slog.Logger

	mu               sync.Mutex
	status           HealthStatus
	failureCount     int
	recoveryAttempts int
	lastError        string
	writeQueue       map[string]registry.Job // id -> latest write, dedup

	cron       *cron.Cron
	recoveryID cron.EntryID

	lastAttemptMu sync.Mutex
	lastAttempt   time.Time
}

func New(pg *postgres.Store, local *sqlite.Store, logger *slog.Logger) *Store {
	s := &Store{
		pg:         pg,
		local:      local,
		logger:     logger,
		status:     HealthHealthy,
		writeQueue: make(map[string]registry.Job),
		cron:       cron.New(),
	}
	return s
}

// Init sets up the durable schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	return s.pg.Init(ctx)
}

// StartRecoveryScheduler schedules a recovery attempt every tick while
// degraded, using a cron entry gated by the current exponential-backoff
// delay rather than cron's own interval — cron just supplies the
// periodic heartbeat the teacher already uses for sweep jobs.
func (s *Store) StartRecoveryScheduler() {
	s.recoveryID, _ = s.cron.AddFunc("@every 1s", s.tickRecovery)
	s.cron.Start()
}

func (s *Store) StopRecoveryScheduler() {
	s.cron.Stop()
}

func (s *Store) tickRecovery() {
	s.mu.Lock()
	if s.status == HealthHealthy {
		s.mu.Unlock()
		return
	}
	attempt := s.recoveryAttempts + 1
	delay := backoffFor(attempt)
	s.mu.Unlock()

	// The 1s cron heartbeat is the finest granularity; only actually
	// attempt recovery once the backoff for the current attempt count
	// has elapsed, tracked via lastAttempt.
	if !s.dueForAttempt(delay) {
		return
	}

	s.attemptRecovery()
}

func (s *Store) dueForAttempt(delay time.Duration) bool {
	s.lastAttemptMu.Lock()
	defer s.lastAttemptMu.Unlock()
	if time.Since(s.lastAttempt) < delay {
		return false
	}
	s.lastAttempt = time.Now()
	return true
}

func backoffFor(attempt int) time.Duration {
	d := recoveryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= recoveryMax {
			return recoveryMax
		}
	}
	if d > recoveryMax {
		d = recoveryMax
	}
	return d
}

// SaveJob upserts by job id. On durable-write failure it increments the
// failure count; at MaxPersistFailures it drops the store into degraded
// mode, after which writes go to the in-memory write queue (latest
// write per id wins) and the in-process fallback instead of blocking.
func (s *Store) SaveJob(ctx context.Context, job registry.Job) error {
	s.mu.Lock()
	degraded := s.status != HealthHealthy
	s.mu.Unlock()

	if degraded {
		s.queueWrite(job)
		if s.local != nil {
			_ = s.local.SaveJob(ctx, job) // best-effort; never blocks the caller on failure
		}
		return nil
	}

	err := s.pg.SaveJob(ctx, job)
	if err == nil {
		s.mu.Lock()
		s.failureCount = 0
		s.mu.Unlock()
		return nil
	}

	s.recordFailure(err)
	s.queueWrite(job)
	if s.local != nil {
		_ = s.local.SaveJob(ctx, job)
	}
	return nil
}

func (s *Store) queueWrite(job registry.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeQueue[job.ID] = job
}

func (s *Store) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	s.lastError = err.Error()
	if s.status == HealthHealthy && s.failureCount >= MaxPersistFailures {
		s.status = HealthDegraded
		s.logger.Warn("persistence store entering degraded mode", "failure_count", s.failureCount, "error", err)
	}
}

// attemptRecovery drains the write queue against Postgres; a
// single-record failure leaves that record in the queue and aborts the
// drain. The queue is a map keyed by job id, so records are written in
// no defined order: insertion order is not kept.
func (s *Store) attemptRecovery() {
	s.mu.Lock()
	if s.status == HealthHealthy {
		s.mu.Unlock()
		return
	}
	pending := make([]registry.Job, 0, len(s.writeQueue))
	for _, job := range s.writeQueue {
		pending = append(pending, job)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok := true
	for _, job := range pending {
		if err := s.pg.SaveJob(ctx, job); err != nil {
			ok = false
			break
		}
		s.mu.Lock()
		delete(s.writeQueue, job.ID)
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok && len(s.writeQueue) == 0 {
		s.status = HealthHealthy
		s.failureCount = 0
		s.recoveryAttempts = 0
		s.logger.Info("persistence store recovered")
		return
	}

	s.recoveryAttempts++
	if s.recoveryAttempts >= MaxRecoveryAttempts {
		s.status = HealthDown
		s.logger.Error("persistence store giving up on recovery; alerting", "attempts", s.recoveryAttempts)
	}
}

// HealthReport is what health() returns.
type HealthReport struct {
	Status           HealthStatus `json:"status"`
	Message          string       `json:"message"`
	FailureCount     int          `json:"failureCount"`
	RecoveryAttempts int          `json:"recoveryAttempts"`
	QueuedWrites     int          `json:"queuedWrites"`
	LastError        string       `json:"lastError,omitempty"`
}

func (s *Store) Health() HealthReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := "persistence store is healthy"
	switch s.status {
	case HealthDegraded:
		msg = "persistence store is degraded; writes are queued in memory"
	case HealthDown:
		msg = "persistence store could not recover after repeated attempts"
	}
	return HealthReport{
		Status:           s.status,
		Message:          msg,
		FailureCount:     s.failureCount,
		RecoveryAttempts: s.recoveryAttempts,
		QueuedWrites:     len(s.writeQueue),
		LastError:        s.lastError,
	}
}

// Close is idempotent and attempts a final flush of queued writes even
// in degraded mode.
func (s *Store) Close() error {
	s.StopRecoveryScheduler()
	s.attemptRecovery()
	if s.local != nil {
		return s.local.Close()
	}
	return nil
}

// queuedJobs returns an unordered snapshot of the write queue for
// degraded-mode reads to scan; callers that need an order sort it.
func (s *Store) queuedJobs() []registry.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.Job, 0, len(s.writeQueue))
	for _, job := range s.writeQueue {
		out = append(out, job)
	}
	return out
}

func (s *Store) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != HealthHealthy
}

// GetByID consults the write queue first: a save accepted during an
// outage must be immediately visible to a read-after-write, regardless
// of whether Postgres or the local fallback has caught up yet. Only
// once the id isn't pending does it fall through to the local fallback
// (while degraded) and finally to Postgres.
func (s *Store) GetByID(ctx context.Context, id string) (registry.Job, error) {
	s.mu.Lock()
	job, queued := s.writeQueue[id]
	degraded := s.status != HealthHealthy
	s.mu.Unlock()
	if queued {
		return job, nil
	}

	if degraded && s.local != nil {
		if job, err := s.local.GetByID(ctx, id); err == nil {
			return job, nil
		}
	}
	return s.pg.GetByID(ctx, id)
}

func (s *Store) GetJobs(ctx context.Context, pipelineID string, status registry.Status, limit, offset int) ([]registry.Job, error) {
	if !s.isDegraded() {
		return s.pg.GetJobs(ctx, pipelineID, status, limit, offset)
	}

	matches := make([]registry.Job, 0)
	for _, job := range s.queuedJobs() {
		if job.PipelineID == pipelineID && (status == "" || job.Status == status) {
			matches = append(matches, job)
		}
	}
	sortJobsNewestFirst(matches)
	if offset >= len(matches) {
		return []registry.Job{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matches) {
		end = len(matches)
	}
	return matches[offset:end], nil
}

// GetLastJob returns the most recently created queued-write for the
// pipeline while degraded, since that is the only durable truth a
// recent save-during-outage has reached.
func (s *Store) GetLastJob(ctx context.Context, pipelineID string) (registry.Job, bool, error) {
	if !s.isDegraded() {
		return s.pg.GetLastJob(ctx, pipelineID)
	}

	matches := make([]registry.Job, 0)
	for _, job := range s.queuedJobs() {
		if job.PipelineID == pipelineID {
			matches = append(matches, job)
		}
	}
	if len(matches) == 0 {
		if job, ok, err := s.pg.GetLastJob(ctx, pipelineID); err == nil {
			return job, ok, nil
		}
		return registry.Job{}, false, nil
	}
	sortJobsNewestFirst(matches)
	return matches[0], true, nil
}

func (s *Store) GetJobCounts(ctx context.Context, pipelineID string) (postgres.JobCounts, error) {
	if !s.isDegraded() {
		return s.pg.GetJobCounts(ctx, pipelineID)
	}

	var counts postgres.JobCounts
	for _, job := range s.queuedJobs() {
		if job.PipelineID != pipelineID {
			continue
		}
		addQueuedJobCount(&counts, job.Status)
	}
	return counts, nil
}

func (s *Store) GetAllPipelineStats(ctx context.Context) (map[string]postgres.JobCounts, error) {
	if !s.isDegraded() {
		return s.pg.GetAllPipelineStats(ctx)
	}

	stats := make(map[string]postgres.JobCounts)
	for _, job := range s.queuedJobs() {
		counts := stats[job.PipelineID]
		addQueuedJobCount(&counts, job.Status)
		stats[job.PipelineID] = counts
	}
	return stats, nil
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (registry.Job, bool, error) {
	if key != "" {
		for _, job := range s.queuedJobs() {
			if job.IdempotencyKey == key {
				return job, true, nil
			}
		}
	}
	if s.isDegraded() {
		return registry.Job{}, false, nil
	}
	return s.pg.GetByIdempotencyKey(ctx, key)
}

func (s *Store) ListCursor(ctx context.Context, afterCreatedAt *time.Time, afterID string, limit int) ([]registry.Job, error) {
	if !s.isDegraded() {
		return s.pg.ListCursor(ctx, afterCreatedAt, afterID, limit)
	}

	matches := make([]registry.Job, 0)
	for _, job := range s.queuedJobs() {
		if afterCreatedAt != nil && !job.CreatedAt.Before(*afterCreatedAt) &&
			!(job.CreatedAt.Equal(*afterCreatedAt) && job.ID < afterID) {
			continue
		}
		matches = append(matches, job)
	}
	sortJobsNewestFirst(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// sortJobsNewestFirst orders by CreatedAt descending; degraded-mode
// reads only ever scan the small in-memory write queue so an
// insertion sort is plenty.
func sortJobsNewestFirst(jobs []registry.Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].CreatedAt.After(jobs[j-1].CreatedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

func addQueuedJobCount(counts *postgres.JobCounts, status registry.Status) {
	switch status {
	case registry.StatusQueued:
		counts.Queued++
	case registry.StatusRunning:
		counts.Running++
	case registry.StatusCompleted:
		counts.Completed++
	case registry.StatusFailed:
		counts.Failed++
	case registry.StatusCancelled:
		counts.Cancelled++
	}
}

func (s *Store) RequeueStaleProcessing(ctx context.Context, lockTTL time.Duration) (int64, error) {
	return s.pg.RequeueStaleProcessing(ctx, lockTTL)
}

func (s *Store) RetryManyFailed(ctx context.Context, pipelineID string) (int64, error) {
	return s.pg.RetryManyFailed(ctx, pipelineID)
}

// ClaimQueued lets a standalone cmd/worker process reserve queued jobs
// directly from the durable store, bypassing any orchestrator's
// in-memory registry. Unavailable in degraded mode since there is
// nothing durable left to claim from.
func (s *Store) ClaimQueued(ctx context.Context, pipelineIDs []string, limit int) ([]registry.Job, error) {
	return s.pg.ClaimQueued(ctx, pipelineIDs, limit)
}
