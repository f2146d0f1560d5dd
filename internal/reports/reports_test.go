package reports

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleResult() ScanResult {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute)
	return ScanResult{
		ScanType:     "intra-project",
		Repositories: []string{"/repos/app"},
		StartedAt:    &start,
		CompletedAt:  &end,
		Metrics:      json.RawMessage(`{"files_scanned":42}`),
		Summary:      "2 duplicate groups found",
	}
}

func TestCoordinator_EmitWritesAllFourArtifacts(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, time.Hour)

	artifacts, err := c.Emit(sampleResult())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, path := range []string{artifacts.HTML, artifacts.Markdown, artifacts.JSON, artifacts.Summary} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected artifact to exist at %s: %v", path, err)
		}
	}
}

func TestCoordinator_EmitJSONRoundTrips(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, time.Hour)

	artifacts, err := c.Emit(sampleResult())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := os.ReadFile(artifacts.JSON)
	if err != nil {
		t.Fatalf("unexpected error reading json artifact: %v", err)
	}
	var decoded ScanResult
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unexpected error decoding json artifact: %v", err)
	}
	if decoded.ScanType != "intra-project" {
		t.Fatalf("unexpected scan type round-trip: %q", decoded.ScanType)
	}
}

func TestCoordinator_EmitSummaryIncludesDuration(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, time.Hour)

	artifacts, err := c.Emit(sampleResult())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := os.ReadFile(artifacts.Summary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var s summary
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unexpected error decoding summary: %v", err)
	}
	if s.DurationMS == nil || *s.DurationMS != 2*60*1000 {
		t.Fatalf("expected duration of 120000ms, got %+v", s.DurationMS)
	}
}

func TestScanResult_DurationNilWithoutBothTimestamps(t *testing.T) {
	r := ScanResult{ScanType: "intra-project"}
	if r.Duration() != nil {
		t.Fatalf("expected nil duration with no timestamps")
	}

	start := time.Now()
	r.StartedAt = &start
	if r.Duration() != nil {
		t.Fatalf("expected nil duration with only a start time")
	}
}

func TestBaseName_SanitizesRepositoryAndScanType(t *testing.T) {
	r := ScanResult{ScanType: "Intra Project!", Repositories: []string{"/repos/My App"}}
	base := baseName(r)
	if !filepathHasPrefix(base, "intra-project-my-app-") {
		t.Fatalf("expected sanitized scan type and repository prefix, got %q", base)
	}
}

func filepathHasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func TestBaseName_MultipleRepositoriesAddsCount(t *testing.T) {
	r := ScanResult{ScanType: "cross-project", Repositories: []string{"/repos/a", "/repos/b", "/repos/c"}}
	base := baseName(r)
	want := "cross-project-a-and-2-more-" + time.Now().UTC().Format("2006-01-02")
	if base != want {
		t.Fatalf("expected %q, got %q", want, base)
	}
}

func TestCoordinator_PruneRemovesOldArtifactsOnly(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, time.Hour)

	oldPath := filepath.Join(dir, "old.json")
	newPath := filepath.Join(dir, "new.json")
	if err := os.WriteFile(oldPath, []byte("{}"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(newPath, []byte("{}"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldPath, old, old); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Prune(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected old artifact to be pruned")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Fatalf("expected new artifact to survive pruning: %v", err)
	}
}

func TestCoordinator_PruneSkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, time.Hour)

	subdir := filepath.Join(dir, "nested")
	if err := os.Mkdir(subdir, 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(subdir, old, old); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Prune(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(subdir); err != nil {
		t.Fatalf("expected subdirectory left untouched: %v", err)
	}
}
