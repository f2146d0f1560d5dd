package pipelines

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/orchestrator-substrate/jobforge/internal/registry"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []map[string]any
}

func (p *recordingPublisher) Publish(channel string, message any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fields, ok := message.(map[string]any); ok {
		p.messages = append(p.messages, fields)
	}
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i], _ = m["type"].(string)
	}
	return out
}

func (p *recordingPublisher) countType(eventType string) int {
	n := 0
	for _, t := range p.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSingleRepoExecutor_FindsDuplicateGroup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "same contents")
	writeFile(t, filepath.Join(dir, "b.txt"), "same contents")
	writeFile(t, filepath.Join(dir, "c.txt"), "different contents")

	pub := &recordingPublisher{}
	exec := singleRepoExecutor(pub)

	input, _ := json.Marshal(scanRequest{RepositoryPath: dir})
	ctx := registry.WithJobContext(context.Background(), "job-1", "duplicate-detection")
	out, err := exec(ctx, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var outcome scanOutcome
	if err := json.Unmarshal(out, &outcome); err != nil {
		t.Fatalf("unexpected error decoding outcome: %v", err)
	}
	if outcome.Metrics.FilesScanned != 3 {
		t.Fatalf("expected 3 files scanned, got %d", outcome.Metrics.FilesScanned)
	}
	if outcome.Metrics.DuplicateGroups != 1 || outcome.Metrics.DuplicateFiles != 2 {
		t.Fatalf("expected 1 duplicate group of 2 files, got groups=%d files=%d",
			outcome.Metrics.DuplicateGroups, outcome.Metrics.DuplicateFiles)
	}

	if pub.countType("scan:started") != 1 {
		t.Fatalf("expected one scan:started event")
	}
	if pub.countType("scan:completed") != 1 {
		t.Fatalf("expected one scan:completed event")
	}
	if pub.countType("duplicate:found") != 1 {
		t.Fatalf("expected one duplicate:found event")
	}
}

func TestSingleRepoExecutor_NoDuplicatesEmitsNoDuplicateEvent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")
	writeFile(t, filepath.Join(dir, "b.txt"), "beta")

	pub := &recordingPublisher{}
	exec := singleRepoExecutor(pub)
	input, _ := json.Marshal(scanRequest{RepositoryPath: dir})

	out, err := exec(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var outcome scanOutcome
	if err := json.Unmarshal(out, &outcome); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Metrics.DuplicateGroups != 0 {
		t.Fatalf("expected no duplicate groups, got %d", outcome.Metrics.DuplicateGroups)
	}
	if pub.countType("duplicate:found") != 0 {
		t.Fatalf("expected no duplicate:found events")
	}
}

func TestSingleRepoExecutor_MissingRepositoryPathIsRejected(t *testing.T) {
	pub := &recordingPublisher{}
	exec := singleRepoExecutor(pub)
	input, _ := json.Marshal(scanRequest{})

	_, err := exec(context.Background(), input)
	if err == nil {
		t.Fatalf("expected an error for a missing repositoryPath")
	}
	var ce *codedErr
	if !asCodedErr(err, &ce) || ce.Code() != "EINVAL" {
		t.Fatalf("expected EINVAL coded error, got %v", err)
	}
}

func TestSingleRepoExecutor_NonExistentRepositoryIsNonRetryable(t *testing.T) {
	pub := &recordingPublisher{}
	exec := singleRepoExecutor(pub)
	input, _ := json.Marshal(scanRequest{RepositoryPath: "/no/such/path/at/all"})

	_, err := exec(context.Background(), input)
	if err == nil {
		t.Fatalf("expected an error scanning a non-existent path")
	}
	var ce *codedErr
	if !asCodedErr(err, &ce) || ce.Code() != "ENOENT" {
		t.Fatalf("expected ENOENT coded error, got %v", err)
	}
}

func TestSingleRepoExecutor_SkipsGitAndNodeModulesDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref: refs/heads/main")
	writeFile(t, filepath.Join(dir, "node_modules", "pkg", "index.js"), "module.exports = {}")
	writeFile(t, filepath.Join(dir, "main.go"), "package main")

	pub := &recordingPublisher{}
	exec := singleRepoExecutor(pub)
	input, _ := json.Marshal(scanRequest{RepositoryPath: dir})

	out, err := exec(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var outcome scanOutcome
	if err := json.Unmarshal(out, &outcome); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Metrics.FilesScanned != 1 {
		t.Fatalf("expected only main.go scanned, got %d files", outcome.Metrics.FilesScanned)
	}
}

func TestMultiRepoExecutor_RequiresAtLeastTwoPaths(t *testing.T) {
	pub := &recordingPublisher{}
	exec := multiRepoExecutor(pub)
	input, _ := json.Marshal(multiScanRequest{RepositoryPaths: []string{"/a"}})

	_, err := exec(context.Background(), input)
	if err == nil {
		t.Fatalf("expected an error with fewer than 2 repository paths")
	}
}

func TestMultiRepoExecutor_FindsDuplicatesAcrossRepositories(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeFile(t, filepath.Join(dirA, "shared.txt"), "identical payload")
	writeFile(t, filepath.Join(dirB, "shared.txt"), "identical payload")

	pub := &recordingPublisher{}
	exec := multiRepoExecutor(pub)
	input, _ := json.Marshal(multiScanRequest{RepositoryPaths: []string{dirA, dirB}, GroupName: "nightly"})

	out, err := exec(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var outcome scanOutcome
	if err := json.Unmarshal(out, &outcome); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.ScanType != "cross-project" {
		t.Fatalf("expected cross-project scan type, got %q", outcome.ScanType)
	}
	if outcome.GroupName != "nightly" {
		t.Fatalf("expected group name preserved, got %q", outcome.GroupName)
	}
	if outcome.Metrics.DuplicateGroups != 1 {
		t.Fatalf("expected 1 duplicate group across repositories, got %d", outcome.Metrics.DuplicateGroups)
	}
}

func TestRunScan_RespectsContextCancellation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "content")

	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runScan(ctx, pub, "intra-project", []string{dir}, "")
	if err == nil {
		t.Fatalf("expected an error from an already-cancelled context")
	}
}

func asCodedErr(err error, target **codedErr) bool {
	ce, ok := err.(*codedErr)
	if !ok {
		return false
	}
	*target = ce
	return true
}
