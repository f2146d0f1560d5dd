package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/orchestrator-substrate/jobforge/internal/classify"
)

// Config configures a Registry instance.
type Config struct {
	// QueueCapacity bounds each pipeline's pending queue. 0 means
	// unbounded, matching the spec's default.
	QueueCapacity int
	// DefaultMaxRetries is used when a submission doesn't specify one.
	DefaultMaxRetries int
}

type jobControl struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
	retryTmr  *time.Timer
	// retryDone is closed by Cancel to wake a pending retry-delay wait
	// immediately, rather than letting it sit blocked on a stopped timer.
	retryDone chan struct{}
}

// Registry is the job registry and retry engine: component E. It owns
// every Job record, routes submissions to per-pipeline queues, and
// drives the retry state machine on failure.
type Registry struct {
	cfg       Config
	workers   WorkerSource
	persister Persister
	publisher Publisher

	jobsMu sync.RWMutex
	jobs   map[string]*Job

	queuesMu sync.Mutex
	queues   map[string]*pipelineQueue

	controlsMu sync.Mutex
	controls   map[string]*jobControl

	retries *retryLedger

	idemMu sync.Mutex
	idem   map[string]string // idempotency key -> job id

	stopped atomic.Bool
	wg      sync.WaitGroup
}

func New(workers WorkerSource, persister Persister, publisher Publisher, cfg Config) *Registry {
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	return &Registry{
		cfg:       cfg,
		workers:   workers,
		persister: persister,
		publisher: publisher,
		jobs:      make(map[string]*Job),
		queues:    make(map[string]*pipelineQueue),
		controls:  make(map[string]*jobControl),
		retries:   newRetryLedger(),
		idem:      make(map[string]string),
	}
}

// SubmitOptions customizes a single submission.
type SubmitOptions struct {
	MaxRetries     int
	IdempotencyKey string
	GitContext     *GitContext
}

// Submit assigns a job id, enqueues the job in `queued` state, and
// returns the id. It never blocks on persistence or pipeline startup
// beyond resolving the worker (which may lazily construct it).
func (r *Registry) Submit(ctx context.Context, pipelineID string, input json.RawMessage, opts SubmitOptions) (string, error) {
	if r.stopped.Load() {
		return "", ErrRegistryStopped
	}

	if opts.IdempotencyKey != "" {
		r.idemMu.Lock()
		if existing, ok := r.idem[opts.IdempotencyKey]; ok {
			r.idemMu.Unlock()
			return existing, nil
		}
		r.idemMu.Unlock()
	}

	executor, maxConcurrent, err := r.workers.Resolve(ctx, pipelineID)
	if err != nil {
		return "", err
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.DefaultMaxRetries
	}

	job := &Job{
		ID:             uuid.NewString(),
		PipelineID:     pipelineID,
		Status:         StatusQueued,
		CreatedAt:      time.Now().UTC(),
		Input:          input,
		MaxRetries:     maxRetries,
		IdempotencyKey: opts.IdempotencyKey,
		GitContext:     opts.GitContext,
	}

	q := r.queueFor(pipelineID)
	if !q.push(job) {
		return "", ErrQueueFull
	}

	r.jobsMu.Lock()
	r.jobs[job.ID] = job
	r.jobsMu.Unlock()

	if opts.IdempotencyKey != "" {
		r.idemMu.Lock()
		r.idem[opts.IdempotencyKey] = job.ID
		r.idemMu.Unlock()
	}

	r.workers.RecordQueued(pipelineID, 1)
	_ = r.persister.SaveJob(ctx, job.clone())
	r.emitJobEvent("job:created", job)

	r.dispatch(pipelineID, executor, maxConcurrent)

	return job.ID, nil
}

// Get returns a snapshot of a job, or false if unknown.
func (r *Registry) Get(jobID string) (Job, bool) {
	r.jobsMu.RLock()
	defer r.jobsMu.RUnlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// Cancel marks a job cancelled. Idempotent: a no-op on unknown or
// already-terminal jobs. Queued jobs are pulled off their queue;
// running jobs receive a cooperative cancellation signal; a job whose
// failure is awaiting a retry delay (Status failed, Retrying true) is
// treated as cancellable too — cancel wins and the retry is never
// enqueued, per the retry-delay-waits-are-cancellable invariant.
func (r *Registry) Cancel(jobID string) bool {
	r.jobsMu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.jobsMu.Unlock()
		return false
	}
	pendingRetry := job.Status == StatusFailed && job.Retrying
	if job.Status.Terminal() && !pendingRetry {
		r.jobsMu.Unlock()
		return false
	}
	wasQueued := job.Status == StatusQueued
	job.Status = StatusCancelled
	job.Retrying = false
	now := time.Now().UTC()
	job.CompletedAt = &now
	snapshot := job.clone()
	r.jobsMu.Unlock()

	if wasQueued {
		r.queueFor(job.PipelineID).removeQueued(jobID)
	}

	r.controlsMu.Lock()
	ctrl, hasCtrl := r.controls[jobID]
	r.controlsMu.Unlock()
	if hasCtrl {
		ctrl.cancelled.Store(true)
		if ctrl.cancel != nil {
			ctrl.cancel()
		}
		if ctrl.retryTmr != nil {
			ctrl.retryTmr.Stop()
		}
		if ctrl.retryDone != nil {
			close(ctrl.retryDone)
		}
	}

	_ = r.persister.SaveJob(context.Background(), snapshot)
	return true
}

// PipelineStats summarizes one pipeline's queue.
type PipelineStats struct {
	Queued    int    `json:"queued"`
	Active    int    `json:"active"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// Stats returns per-pipeline counters.
func (r *Registry) Stats() map[string]PipelineStats {
	r.queuesMu.Lock()
	ids := make([]string, 0, len(r.queues))
	queues := make([]*pipelineQueue, 0, len(r.queues))
	for id, q := range r.queues {
		ids = append(ids, id)
		queues = append(queues, q)
	}
	r.queuesMu.Unlock()

	out := make(map[string]PipelineStats, len(ids))
	for i, id := range ids {
		pending, active, completed, failed := queues[i].snapshot()
		out[id] = PipelineStats{Queued: pending, Active: active, Completed: completed, Failed: failed}
	}
	return out
}

// Stop prevents further dequeues. Already-running jobs run to
// completion. If cancelQueued is true, every still-queued job across
// every pipeline is cancelled; otherwise they remain queued (and will
// never run, since this Registry is now permanently stopped) for the
// caller to inspect or resubmit elsewhere.
func (r *Registry) Stop(cancelQueued bool) {
	r.stopped.Store(true)

	if cancelQueued {
		r.jobsMu.RLock()
		ids := make([]string, 0, len(r.jobs))
		for id, j := range r.jobs {
			if j.Status == StatusQueued {
				ids = append(ids, id)
			}
		}
		r.jobsMu.RUnlock()
		for _, id := range ids {
			r.Cancel(id)
		}
	}

	r.wg.Wait()
}

func (r *Registry) queueFor(pipelineID string) *pipelineQueue {
	r.queuesMu.Lock()
	defer r.queuesMu.Unlock()
	q, ok := r.queues[pipelineID]
	if !ok {
		q = &pipelineQueue{capacity: r.cfg.QueueCapacity}
		r.queues[pipelineID] = q
	}
	return q
}

// dispatch pulls as many jobs as the pipeline's concurrency cap allows
// and runs each on its own goroutine.
func (r *Registry) dispatch(pipelineID string, executor Executor, maxConcurrent int) {
	if r.stopped.Load() {
		return
	}
	q := r.queueFor(pipelineID)
	for {
		job := q.popFront(maxConcurrent)
		if job == nil {
			return
		}
		r.wg.Add(1)
		r.workers.RecordActive(pipelineID, 1)
		go r.runJob(executor, maxConcurrent, job)
	}
}

func (r *Registry) runJob(executor Executor, maxConcurrent int, job *Job) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(withJobContext(context.Background(), job.ID, job.PipelineID))
	ctrl := &jobControl{cancel: cancel, retryDone: make(chan struct{})}
	r.controlsMu.Lock()
	r.controls[job.ID] = ctrl
	r.controlsMu.Unlock()

	// retryPending tracks whether handleFailure scheduled a retry-delay
	// wait for this job id; when it did, the control (and its retryDone
	// channel) must survive past this function returning so Cancel can
	// still reach the pending retry, and the retry-wait goroutine itself
	// owns deleting the control once the delay resolves or is cancelled.
	retryPending := false
	defer func() {
		cancel()
		if !retryPending {
			r.controlsMu.Lock()
			delete(r.controls, job.ID)
			r.controlsMu.Unlock()
		}
	}()

	r.jobsMu.Lock()
	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	startedSnapshot := job.clone()
	r.jobsMu.Unlock()

	_ = r.persister.SaveJob(ctx, startedSnapshot)
	r.emitJobEvent("job:started", job)

	result, err := executor(ctx, job.Input)

	q := r.queueFor(job.PipelineID)

	if ctrl.cancelled.Load() {
		// Cancellation won the race: any outcome the executor produced
		// is discarded, the job stays cancelled.
		q.finishOne(false)
		r.workers.RecordActive(job.PipelineID, -1)
		r.dispatch(job.PipelineID, executor, maxConcurrent)
		return
	}

	if err == nil {
		r.jobsMu.Lock()
		completedAt := time.Now().UTC()
		job.Status = StatusCompleted
		job.CompletedAt = &completedAt
		job.Result = result
		snapshot := job.clone()
		r.jobsMu.Unlock()

		_ = r.persister.SaveJob(context.Background(), snapshot)
		r.emitJobEvent("job:completed", job)
		q.finishOne(true)
		r.workers.RecordActive(job.PipelineID, -1)
		r.workers.RecordCompleted(job.PipelineID)
		r.dispatch(job.PipelineID, executor, maxConcurrent)
		return
	}

	retryPending = r.handleFailure(ctx, executor, maxConcurrent, job, ctrl, err)
	q.finishOne(false)
	r.workers.RecordActive(job.PipelineID, -1)
	r.workers.RecordFailed(job.PipelineID)
	r.dispatch(job.PipelineID, executor, maxConcurrent)
}

// handleFailure records the outcome of a failed attempt and, if the
// error classifier's decision is retryable and neither the per-submission
// nor the absolute retry cap has been hit, schedules a delayed retry.
// It returns true when a retry was scheduled, signalling the caller to
// keep ctrl (and its retryDone channel) alive past this job's run.
func (r *Registry) handleFailure(ctx context.Context, executor Executor, maxConcurrent int, job *Job, ctrl *jobControl, execErr error) bool {
	decision := classify.Classify(execErr)
	originalID := StripRetrySuffix(job.ID)
	attempts, maxAttempts := r.retries.recordAttempt(originalID, job.MaxRetries)

	info := classify.ExtractInfo(execErr)
	jobErr := &JobError{Message: info.Message, Code: info.Code, Stack: info.Stack, Cause: info.Cause}
	if jobErr.Message == "" {
		jobErr.Message = "Job failed with no error details"
	}

	circuitBroken := attempts >= AbsoluteCap
	terminal := !decision.IsRetryable() || attempts >= maxAttempts || circuitBroken

	retrying := !terminal

	r.jobsMu.Lock()
	now := time.Now().UTC()
	job.Status = StatusFailed
	job.CompletedAt = &now
	job.Error = jobErr
	job.Retrying = retrying
	snapshot := job.clone()
	r.jobsMu.Unlock()

	_ = r.persister.SaveJob(context.Background(), snapshot)
	r.emitJobEvent("job:failed", job)

	if terminal {
		if circuitBroken && decision.IsRetryable() {
			r.publisher.Publish("retries", map[string]any{
				"type":        "retry:max-attempts",
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
				"job_id":      originalID,
				"original_id": originalID,
				"attempts":    attempts,
			})
		}
		return false
	}

	delay := time.Duration(decision.SuggestedDelayMS) * time.Millisecond
	r.publisher.Publish("retries", map[string]any{
		"type":         "retry:created",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"job_id":       job.ID,
		"original_id":  originalID,
		"attempt":      attempts,
		"max_attempts": maxAttempts,
		"reason":       decision.Reason,
		"delay":        decision.SuggestedDelayMS,
	})

	timer := time.NewTimer(delay)
	r.controlsMu.Lock()
	ctrl.retryTmr = timer
	r.controlsMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// ctrl (and this job's entry in r.controls) was kept alive by
		// runJob specifically so Cancel can reach a pending retry; this
		// goroutine is the one spot responsible for releasing it once
		// the wait resolves, however it resolves.
		defer func() {
			r.controlsMu.Lock()
			delete(r.controls, job.ID)
			r.controlsMu.Unlock()
		}()

		select {
		case <-timer.C:
		case <-ctrl.retryDone:
			return
		}
		if ctrl.cancelled.Load() {
			return
		}

		newID := retryJobID(originalID, attempts)
		newJob := &Job{
			ID:             newID,
			PipelineID:     job.PipelineID,
			Status:         StatusQueued,
			CreatedAt:      time.Now().UTC(),
			Input:          job.Input,
			MaxRetries:     maxAttempts,
			IdempotencyKey: job.IdempotencyKey,
			GitContext:     job.GitContext,
		}

		q := r.queueFor(job.PipelineID)
		if !q.push(newJob) {
			return
		}
		r.jobsMu.Lock()
		r.jobs[newJob.ID] = newJob
		r.jobsMu.Unlock()

		r.workers.RecordQueued(job.PipelineID, 1)
		_ = r.persister.SaveJob(context.Background(), newJob.clone())
		r.emitJobEvent("job:created", newJob)

		r.dispatch(job.PipelineID, executor, maxConcurrent)
	}()
	return true
}

func (r *Registry) emitJobEvent(eventType string, job *Job) {
	r.publisher.Publish("jobs", map[string]any{
		"type":        eventType,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"job_id":      job.ID,
		"pipeline_id": job.PipelineID,
		"status":      job.Status,
	})
}
