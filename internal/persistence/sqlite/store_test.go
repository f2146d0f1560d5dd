package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/orchestrator-substrate/jobforge/internal/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fallback.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndGetByID(t *testing.T) {
	s := openTestStore(t)
	job := registry.Job{
		ID:         "job-1",
		PipelineID: "duplicate-detection",
		Status:     registry.StatusQueued,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		Input:      json.RawMessage(`{"repositoryPath":"/tmp/repo"}`),
		MaxRetries: 3,
	}

	if err := s.SaveJob(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetByID(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PipelineID != job.PipelineID || got.Status != job.Status {
		t.Fatalf("unexpected job round-trip: %+v", got)
	}
	if !got.CreatedAt.Equal(job.CreatedAt) {
		t.Fatalf("expected created_at to round-trip, got %v want %v", got.CreatedAt, job.CreatedAt)
	}
}

func TestStore_SaveJobUpsertsOnConflict(t *testing.T) {
	s := openTestStore(t)
	job := registry.Job{
		ID:         "job-2",
		PipelineID: "duplicate-detection",
		Status:     registry.StatusQueued,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.SaveJob(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job.Status = registry.StatusCompleted
	job.Result = json.RawMessage(`{"duplicateGroups":0}`)
	if err := s.SaveJob(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetByID(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != registry.StatusCompleted {
		t.Fatalf("expected upserted status, got %s", got.Status)
	}
	if string(got.Result) != `{"duplicateGroups":0}` {
		t.Fatalf("expected upserted result, got %s", got.Result)
	}
}

func TestStore_SaveJobPersistsErrorAndGitContext(t *testing.T) {
	s := openTestStore(t)
	job := registry.Job{
		ID:         "job-3",
		PipelineID: "duplicate-detection",
		Status:     registry.StatusFailed,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		Error:      &registry.JobError{Message: "boom", Code: "ENOENT"},
		GitContext: &registry.GitContext{Branch: "main", CommitSHA: "abc123"},
	}
	if err := s.SaveJob(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.GetByID(context.Background(), "job-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Error == nil || got.Error.Code != "ENOENT" {
		t.Fatalf("expected error to round-trip, got %+v", got.Error)
	}
	if got.GitContext == nil || got.GitContext.Branch != "main" {
		t.Fatalf("expected git context to round-trip, got %+v", got.GitContext)
	}
}

func TestStore_GetByIDMissingReturnsErrJobNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetByID(context.Background(), "no-such-job")
	if !errors.Is(err, registry.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
