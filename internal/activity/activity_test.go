package activity

import (
	"testing"
)

func TestFeed_AddActivityTrimsToMax(t *testing.T) {
	f := New(3)
	for i := 0; i < 5; i++ {
		f.AddActivity(Partial{Type: "job:created"})
	}

	recent := f.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("expected feed trimmed to max 3, got %d", len(recent))
	}
}

func TestFeed_RecentNewestFirst(t *testing.T) {
	f := New(10)
	first := f.AddActivity(Partial{Type: "job:created", JobID: "a"})
	second := f.AddActivity(Partial{Type: "job:completed", JobID: "a"})

	recent := f.Recent(2)
	if recent[0].ID != second.ID {
		t.Fatalf("expected newest activity first, got id %d want %d", recent[0].ID, second.ID)
	}
	if recent[1].ID != first.ID {
		t.Fatalf("expected oldest activity last, got id %d want %d", recent[1].ID, first.ID)
	}
}

func TestFeed_Stats(t *testing.T) {
	f := New(10)
	f.AddActivity(Partial{Type: "job:created"})
	f.AddActivity(Partial{Type: "job:created"})
	f.AddActivity(Partial{Type: "job:completed"})

	stats := f.Stats()
	if stats.TypeCount["job:created"] != 2 {
		t.Fatalf("expected 2 job:created, got %d", stats.TypeCount["job:created"])
	}
	if stats.RecentActivities.Total != 3 {
		t.Fatalf("expected total 3, got %d", stats.RecentActivities.Total)
	}
	if stats.RecentActivities.LastHour != 3 {
		t.Fatalf("expected 3 activities within the last hour, got %d", stats.RecentActivities.LastHour)
	}
}

func TestFeed_Clear(t *testing.T) {
	f := New(10)
	f.AddActivity(Partial{Type: "job:created"})
	f.Clear()

	if len(f.Recent(10)) != 0 {
		t.Fatalf("expected empty feed after Clear")
	}
	if f.Stats().RecentActivities.Total != 0 {
		t.Fatalf("expected zeroed stats after Clear")
	}
}

func TestFeed_ListenDropsEventsWithoutJobID(t *testing.T) {
	f := New(10)
	_, ok := f.Listen("job:created", map[string]any{})
	if ok {
		t.Fatalf("expected event without job_id to be dropped")
	}
}

func TestFeed_ListenJobFailedNormalizesStructuredError(t *testing.T) {
	f := New(10)
	act, ok := f.Listen("job:failed", map[string]any{
		"job_id":      "job-1",
		"pipeline_id": "duplicate-detection",
		"error":       map[string]any{"message": "disk full", "code": "ENOSPC"},
	})
	if !ok {
		t.Fatalf("expected job:failed with a job id to be recorded")
	}
	if act.Message != "disk full" || act.Code != "ENOSPC" {
		t.Fatalf("unexpected normalized error: %+v", act)
	}
}

func TestFeed_ListenJobFailedToleratesNonStructuredError(t *testing.T) {
	f := New(10)

	act, ok := f.Listen("job:failed", map[string]any{"job_id": "job-1", "error": "boom"})
	if !ok || act.Message != "boom" {
		t.Fatalf("expected string error payload to pass through as message, got %+v ok=%v", act, ok)
	}

	act, ok = f.Listen("job:failed", map[string]any{"job_id": "job-1", "error": nil})
	if !ok || act.Message != "Unknown error" {
		t.Fatalf("expected nil error payload to fall back to Unknown error, got %+v ok=%v", act, ok)
	}

	act, ok = f.Listen("job:failed", map[string]any{"job_id": "job-1", "error": 12345})
	if !ok || act.Message != "Unknown error" {
		t.Fatalf("expected unrecognised error payload shape to fall back to Unknown error, got %+v ok=%v", act, ok)
	}
}

// payload shape matches what Registry.handleFailure actually publishes
// on the circuit-broken branch: job_id/original_id/attempts, no error.
func TestFeed_ListenRetryMaxAttempts(t *testing.T) {
	f := New(10)
	act, ok := f.Listen("retry:max-attempts", map[string]any{
		"type":        "retry:max-attempts",
		"timestamp":   "2026-08-01T00:00:00Z",
		"job_id":      "job-1",
		"original_id": "job-1",
		"attempts":    3,
	})
	if !ok {
		t.Fatalf("expected retry:max-attempts to be recorded")
	}
	if act.JobID != "job-1" {
		t.Fatalf("expected job id extracted from job_id field, got %q", act.JobID)
	}
	if act.Message != "Job failed with no error details" {
		t.Fatalf("unexpected message: %q", act.Message)
	}
}

func TestFeed_ListenAcceptsCamelCaseJobRef(t *testing.T) {
	f := New(10)
	act, ok := f.Listen("job:created", map[string]any{"jobId": "job-9", "pipelineId": "duplicate-detection"})
	if !ok {
		t.Fatalf("expected camelCase job ref to be accepted")
	}
	if act.JobID != "job-9" || act.Pipeline != "duplicate-detection" {
		t.Fatalf("unexpected activity: %+v", act)
	}
}
