// Command worker is a standalone job executor: it claims queued jobs
// directly from the durable store with FOR UPDATE SKIP LOCKED, runs
// them against the same pipeline factories the orchestrator uses, and
// writes results back. Several instances can run against one Postgres
// database without double-processing a job. Grounded on the teacher's
// cmd/worker/main.go poll-loop wiring, adapted from its single-queue
// notifications dispatch to the Job Registry's multi-pipeline claim
// model.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orchestrator-substrate/jobforge/internal/config"
	"github.com/orchestrator-substrate/jobforge/internal/eventbus/redistransport"
	"github.com/orchestrator-substrate/jobforge/internal/observability"
	"github.com/orchestrator-substrate/jobforge/internal/persistence/postgres"
	"github.com/orchestrator-substrate/jobforge/internal/pipelines"
	"github.com/orchestrator-substrate/jobforge/internal/registry"
	"github.com/orchestrator-substrate/jobforge/internal/workers"
)

const (
	pollInterval  = 2 * time.Second
	claimBatch    = 4
	shutdownGrace = 10 * time.Second
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "jobforge-worker", cfg.OtelEndpoint)
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewTraceHandler(base))
	slog.SetDefault(logger)

	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		logger.ErrorContext(ctx, "db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)
	store := postgres.NewStore(pool, prom, logger)

	host, _ := os.Hostname()
	workerID := host + "-" + strconv.Itoa(os.Getpid())

	rc := redistransport.New(redistransport.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rc.Close()
	publisher := redistransport.NewPublisher(rc, "jobs", redistransport.DefaultRetryConfig(), logger)

	factories := map[string]workers.Constructor{
		"duplicate-detection":            pipelines.NewDuplicateDetectionConstructor(publisher, 2),
		"multi-repo-duplicate-detection": pipelines.NewMultiRepoConstructor(publisher, 1),
	}
	workerRegistry := workers.New(factories)
	pipelineIDs := workerRegistry.SupportedPipelines()

	healthAddr := os.Getenv("WORKER_HEALTH_ADDR")
	if healthAddr == "" {
		healthAddr = ":8081"
	}
	healthSrv := startHealthServer(healthAddr, logger)

	logger.InfoContext(ctx, "worker.start", "worker_id", workerID, "health_addr", healthAddr, "pipelines", pipelineIDs)

	runLoop(ctx, store, workerRegistry, publisher, pipelineIDs, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = workerRegistry.Shutdown()

	logger.InfoContext(context.Background(), "worker.shutdown_complete")
}

// runLoop claims batches of queued jobs on a fixed interval and runs
// each claimed job to completion on its own goroutine, writing the
// result back to the durable store directly — there is no in-process
// registry here to own retry bookkeeping, so a job this worker fails to
// complete simply stays failed; the orchestrator's own registry governs
// retries for jobs it submitted.
func runLoop(ctx context.Context, store *postgres.Store, workerRegistry *workers.Registry, publisher registry.Publisher, pipelineIDs []string, logger *slog.Logger) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := store.ClaimQueued(ctx, pipelineIDs, claimBatch)
			if err != nil {
				logger.ErrorContext(ctx, "claim failed", "err", err)
				continue
			}
			for _, job := range jobs {
				wg.Add(1)
				go func(job registry.Job) {
					defer wg.Done()
					executeClaimed(ctx, store, workerRegistry, publisher, job, logger)
				}(job)
			}
		}
	}
}

func executeClaimed(ctx context.Context, store *postgres.Store, workerRegistry *workers.Registry, publisher registry.Publisher, job registry.Job, logger *slog.Logger) {
	jobCtx := registry.WithJobContext(ctx, job.ID, job.PipelineID)

	executor, _, err := workerRegistry.Resolve(jobCtx, job.PipelineID)
	if err != nil {
		job.Status = registry.StatusFailed
		job.Error = &registry.JobError{Message: err.Error()}
		completeAndSave(ctx, store, job, logger)
		return
	}

	publisher.Publish("jobs", map[string]any{
		"type":        "job:started",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"job_id":      job.ID,
		"pipeline_id": job.PipelineID,
	})

	result, execErr := executor(jobCtx, job.Input)
	now := time.Now().UTC()
	job.CompletedAt = &now
	if execErr != nil {
		job.Status = registry.StatusFailed
		job.Error = &registry.JobError{Message: execErr.Error()}
		publisher.Publish("jobs", map[string]any{
			"type":        "job:failed",
			"timestamp":   now.Format(time.RFC3339),
			"job_id":      job.ID,
			"pipeline_id": job.PipelineID,
			"error":       map[string]any{"message": execErr.Error()},
		})
	} else {
		job.Status = registry.StatusCompleted
		job.Result = result
		publisher.Publish("jobs", map[string]any{
			"type":        "job:completed",
			"timestamp":   now.Format(time.RFC3339),
			"job_id":      job.ID,
			"pipeline_id": job.PipelineID,
			"status":      job.Status,
		})
	}
	completeAndSave(ctx, store, job, logger)
}

func completeAndSave(ctx context.Context, store *postgres.Store, job registry.Job, logger *slog.Logger) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.SaveJob(saveCtx, job); err != nil {
		logger.ErrorContext(ctx, "save claimed job failed", "job_id", job.ID, "err", err)
	}
}

func startHealthServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker health server failed", "err", err)
		}
	}()
	return srv
}
