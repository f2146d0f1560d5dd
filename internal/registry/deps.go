package registry

import "context"

// Executor runs one job's opaque input and returns its opaque result.
// It must treat ctx cancellation as a cooperative request to stop; the
// registry does not kill the goroutine running it.
type Executor func(ctx context.Context, input []byte) ([]byte, error)

// WorkerSource resolves the executor and concurrency cap for a
// pipeline, lazily constructing workers on first use. It is satisfied
// by *workers.Registry without this package importing it directly,
// keeping the dependency direction the same as the data flow in the
// spec (Worker Registry resolves before Job Registry enqueues).
type WorkerSource interface {
	Resolve(ctx context.Context, pipelineID string) (executor Executor, maxConcurrent int, err error)
	RecordQueued(pipelineID string, delta int)
	RecordActive(pipelineID string, delta int)
	RecordCompleted(pipelineID string)
	RecordFailed(pipelineID string)
}

// Persister is the slice of the Persistence Store the registry needs.
type Persister interface {
	SaveJob(ctx context.Context, job Job) error
}

// Publisher is the narrow fan-out capability the registry needs — a
// single publish method, per the design note on generalizing the
// event-emitter pattern to both in-process and network subscribers.
type Publisher interface {
	Publish(channel string, message any)
}

type jobContextKey struct{}

type jobContextValue struct {
	jobID      string
	pipelineID string
}

// withJobContext attaches the job/pipeline id an executor is running
// under so pipeline-specific executors can emit job-scoped progress
// events (scan:started, scan:progress, ...) without the core needing to
// know anything about those event types.
func withJobContext(ctx context.Context, jobID, pipelineID string) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jobContextValue{jobID: jobID, pipelineID: pipelineID})
}

// WithJobContext is the exported form of withJobContext, for callers
// that execute an Executor outside of Registry.Submit's dispatch loop —
// e.g. a standalone DB-polling worker process that claims jobs directly
// from the Persistence Store.
func WithJobContext(ctx context.Context, jobID, pipelineID string) context.Context {
	return withJobContext(ctx, jobID, pipelineID)
}

// JobIDFromContext returns the id of the job an executor is currently
// running for, if any.
func JobIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(jobContextKey{}).(jobContextValue)
	if !ok {
		return "", false
	}
	return v.jobID, true
}

// PipelineIDFromContext returns the pipeline id an executor is
// currently running under, if any.
func PipelineIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(jobContextKey{}).(jobContextValue)
	if !ok {
		return "", false
	}
	return v.pipelineID, true
}
