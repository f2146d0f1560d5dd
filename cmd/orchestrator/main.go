// Command orchestrator is the in-process job orchestrator: it serves
// the HTTP surface, dispatches submitted jobs onto pipeline workers,
// and streams lifecycle events to connected subscribers. Grounded on
// the teacher's cmd/api/main.go wiring and graceful-shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orchestrator-substrate/jobforge/internal/activity"
	"github.com/orchestrator-substrate/jobforge/internal/config"
	"github.com/orchestrator-substrate/jobforge/internal/eventbus"
	"github.com/orchestrator-substrate/jobforge/internal/eventbus/redistransport"
	httpapi "github.com/orchestrator-substrate/jobforge/internal/httpapi"
	"github.com/orchestrator-substrate/jobforge/internal/observability"
	"github.com/orchestrator-substrate/jobforge/internal/persistence"
	"github.com/orchestrator-substrate/jobforge/internal/persistence/postgres"
	"github.com/orchestrator-substrate/jobforge/internal/persistence/sqlite"
	"github.com/orchestrator-substrate/jobforge/internal/pipelines"
	"github.com/orchestrator-substrate/jobforge/internal/registry"
	"github.com/orchestrator-substrate/jobforge/internal/reports"
	"github.com/orchestrator-substrate/jobforge/internal/secretresilience"
	"github.com/orchestrator-substrate/jobforge/internal/workers"
)

// fetchUpstreamSecrets stands in for a real secrets-manager call. The
// spec treats the upstream source as abstract; this reads the values
// the orchestrator actually needs to rotate at runtime from the
// environment, so the breaker has something real to protect.
func fetchUpstreamSecrets(ctx context.Context) (map[string]string, error) {
	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("ADMIN_JWT_SECRET not configured upstream")
	}
	return map[string]string{"admin_jwt_secret": secret}, nil
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "jobforge-orchestrator", cfg.OtelEndpoint)
	if err != nil {
		fmt.Fprintln(os.Stderr, "otel init failed:", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	logger := observability.NewLogger(cfg.Env)

	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	pg := postgres.NewStore(pool, prom, logger)
	if err := pg.Init(ctx); err != nil {
		logger.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	local, err := sqlite.Open(cfg.SQLiteFallbackPath)
	if err != nil {
		logger.Error("sqlite fallback open failed", "err", err)
		os.Exit(1)
	}
	defer local.Close()

	store := persistence.New(pg, local, logger)
	store.StartRecoveryScheduler()
	defer store.Close()

	breaker := secretresilience.New(fetchUpstreamSecrets, secretresilience.Config{}, cfg.SecretFallbackPath)

	bus := eventbus.New(logger)
	bus.StartLivenessProbe()
	defer bus.Stop()

	var publisher registry.Publisher = bus
	if cfg.UseRedisBus {
		rc := redistransport.New(redistransport.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rc.Close()
		publisher = redistransport.NewPublisher(rc, "jobs", redistransport.DefaultRetryConfig(), logger)
	}

	feed := activity.New(cfg.ActivityMaxEntries)
	bus.Subscribe("activity-bridge", []string{"jobs", "retries"}, &activityBridge{feed: feed, bus: bus})

	factories := map[string]workers.Constructor{
		"duplicate-detection":            pipelines.NewDuplicateDetectionConstructor(publisher, 2),
		"multi-repo-duplicate-detection": pipelines.NewMultiRepoConstructor(publisher, 1),
	}
	workerRegistry := workers.New(factories)

	reg2 := registry.New(workerRegistry, store, publisher, registry.Config{
		QueueCapacity:     cfg.QueueCapacity,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	})

	reportCoordinator := reports.New(cfg.ReportOutputDir, cfg.ReportMaxAge)
	reportCoordinator.StartPruneSchedule()
	defer reportCoordinator.StopPruneSchedule()
	bus.Subscribe("report-bridge", []string{"jobs"}, &reportBridge{store: store, coordinator: reportCoordinator, logger: logger})

	router := httpapi.NewRouter(httpapi.Deps{
		Config:  cfg,
		Logger:  logger,
		Prom:    prom,
		Store:   store,
		Breaker: breaker,
		Bus:     bus,
		Feed:    feed,
		Reg:     reg2,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("orchestrator starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	stopRequeue := make(chan struct{})
	go requeueStaleLoop(ctx, store, cfg.StaleLockTTL, logger, stopRequeue)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	close(stopRequeue)

	reg2.Stop(false)
	_ = workerRegistry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server graceful shutdown failed", "err", err)
		_ = srv.Close()
	} else {
		logger.Info("server stopped gracefully")
	}
}

// requeueStaleLoop periodically reclaims jobs stuck in "running" past
// lockTTL, e.g. from a crashed worker, per the Persistence Store's
// supplemented recovery surface.
func requeueStaleLoop(ctx context.Context, store *persistence.Store, lockTTL time.Duration, logger interface {
	Info(string, ...any)
	Error(string, ...any)
}, stop <-chan struct{}) {
	ticker := time.NewTicker(lockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			n, err := store.RequeueStaleProcessing(ctx, lockTTL)
			if err != nil {
				logger.Error("requeue stale processing failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("requeued stale jobs", "count", n)
			}
		}
	}
}

// activityBridge adapts the Activity Feed to an eventbus.Transport so it
// can subscribe to "jobs"/"retries" broadcasts and, on a match, publish
// "activity:new" back onto the bus — without internal/activity ever
// importing eventbus itself.
type activityBridge struct {
	feed *activity.Feed
	bus  *eventbus.Bus
}

func (a *activityBridge) Send(message any) error {
	payload, ok := message.(map[string]any)
	if !ok {
		return nil
	}
	eventType, _ := payload["type"].(string)
	if eventType == "" {
		return nil
	}
	act, ok := a.feed.Listen(eventType, payload)
	if !ok {
		return nil
	}
	a.bus.Publish("activity", map[string]any{
		"type":      "activity:new",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"activity":  act,
	})
	return nil
}

func (a *activityBridge) Ping() error  { return nil }
func (a *activityBridge) Close() error { return nil }

// reportBridge listens for job:completed events and emits report
// artifacts for jobs whose result decodes as a scan outcome, so the
// Report Coordinator runs off the same event vocabulary pipelines emit
// rather than needing its own bespoke hook into the registry.
type reportBridge struct {
	store       *persistence.Store
	coordinator *reports.Coordinator
	logger      *slog.Logger
}

type pipelineScanOutcome struct {
	ScanType        string          `json:"scan_type"`
	Repositories    []string        `json:"repositories"`
	DurationSeconds float64         `json:"duration_seconds"`
	Metrics         json.RawMessage `json:"metrics,omitempty"`
}

func (r *reportBridge) Send(message any) error {
	payload, ok := message.(map[string]any)
	if !ok {
		return nil
	}
	if t, _ := payload["type"].(string); t != "job:completed" {
		return nil
	}
	jobID, _ := payload["job_id"].(string)
	if jobID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := r.store.GetByID(ctx, jobID)
	if err != nil || len(job.Result) == 0 {
		return nil
	}

	var outcome pipelineScanOutcome
	if err := json.Unmarshal(job.Result, &outcome); err != nil {
		return nil
	}

	result := reports.ScanResult{
		ScanType:     outcome.ScanType,
		Repositories: outcome.Repositories,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		Metrics:      outcome.Metrics,
	}
	if _, err := r.coordinator.Emit(result); err != nil {
		r.logger.Warn("report emit failed", "job_id", jobID, "err", err)
	}
	return nil
}

func (r *reportBridge) Ping() error  { return nil }
func (r *reportBridge) Close() error { return nil }
