package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/orchestrator-substrate/jobforge/internal/registry"
)

func TestBackoffFor_GrowsExponentiallyAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, recoveryBase},
		{2, 2 * recoveryBase},
		{3, 4 * recoveryBase},
	}
	for _, c := range cases {
		got := backoffFor(c.attempt)
		if got != c.want {
			t.Fatalf("backoffFor(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffFor_NeverExceedsRecoveryMax(t *testing.T) {
	got := backoffFor(20)
	if got != recoveryMax {
		t.Fatalf("expected backoff to cap at %v, got %v", recoveryMax, got)
	}
}

func TestHealth_ReportsDegradedStateAndQueueDepth(t *testing.T) {
	s := testStoreForImport(t)
	s.status = HealthDegraded
	s.failureCount = MaxPersistFailures
	s.writeQueue = map[string]registry.Job{"job-1": {ID: "job-1"}}
	s.lastError = "connection refused"

	report := s.Health()
	if report.Status != HealthDegraded {
		t.Fatalf("expected degraded status, got %s", report.Status)
	}
	if report.QueuedWrites != 1 {
		t.Fatalf("expected one queued write, got %d", report.QueuedWrites)
	}
	if report.LastError != "connection refused" {
		t.Fatalf("expected last error preserved, got %q", report.LastError)
	}
	if report.Message == "" {
		t.Fatalf("expected a non-empty degraded message")
	}
}

func TestHealth_HealthyReportHasNoLastError(t *testing.T) {
	s := testStoreForImport(t)
	report := s.Health()
	if report.Status != HealthHealthy {
		t.Fatalf("expected healthy status by default, got %s", report.Status)
	}
	if report.LastError != "" {
		t.Fatalf("expected no last error on a fresh store")
	}
}

func degradedStoreWithQueue(t *testing.T, jobs ...registry.Job) *Store {
	t.Helper()
	s := testStoreForImport(t)
	s.status = HealthDegraded
	s.writeQueue = make(map[string]registry.Job, len(jobs))
	for _, job := range jobs {
		s.writeQueue[job.ID] = job
	}
	return s
}

func TestGetByID_DegradedModeServesFromWriteQueue(t *testing.T) {
	job := registry.Job{ID: "job-1", PipelineID: "pl-1", Status: registry.StatusQueued, CreatedAt: time.Now().UTC()}
	s := degradedStoreWithQueue(t, job)

	got, err := s.GetByID(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "job-1" {
		t.Fatalf("expected the queued write to be visible, got %+v", got)
	}
}

func TestGetLastJob_DegradedModeReflectsMostRecentQueuedWrite(t *testing.T) {
	older := registry.Job{ID: "job-1", PipelineID: "pl-1", Status: registry.StatusCompleted, CreatedAt: time.Now().UTC().Add(-time.Minute)}
	newer := registry.Job{ID: "job-2", PipelineID: "pl-1", Status: registry.StatusQueued, CreatedAt: time.Now().UTC()}
	s := degradedStoreWithQueue(t, older, newer)

	got, ok, err := s.GetLastJob(context.Background(), "pl-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected a last job to be found")
	}
	if got.ID != "job-2" {
		t.Fatalf("expected the most recently created queued write, got %+v", got)
	}
}

func TestGetByIdempotencyKey_DegradedModeServesFromWriteQueue(t *testing.T) {
	job := registry.Job{ID: "job-1", PipelineID: "pl-1", Status: registry.StatusQueued, IdempotencyKey: "key-1", CreatedAt: time.Now().UTC()}
	s := degradedStoreWithQueue(t, job)

	got, ok, err := s.GetByIdempotencyKey(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || got.ID != "job-1" {
		t.Fatalf("expected the queued write to satisfy the idempotency lookup, got %+v ok=%v", got, ok)
	}
}

func TestGetJobCounts_DegradedModeCountsQueuedWrites(t *testing.T) {
	s := degradedStoreWithQueue(t,
		registry.Job{ID: "job-1", PipelineID: "pl-1", Status: registry.StatusQueued},
		registry.Job{ID: "job-2", PipelineID: "pl-1", Status: registry.StatusFailed},
		registry.Job{ID: "job-3", PipelineID: "pl-2", Status: registry.StatusQueued},
	)

	counts, err := s.GetJobCounts(context.Background(), "pl-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Queued != 1 || counts.Failed != 1 {
		t.Fatalf("expected counts scoped to pl-1 from the write queue, got %+v", counts)
	}
}
