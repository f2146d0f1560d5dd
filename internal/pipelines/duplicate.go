// Package pipelines holds the reference pipeline executors this
// orchestrator ships with: content-hash duplicate detection over one or
// more repository paths. The core treats every pipeline as a black-box
// function, per the spec's own non-goal on pipeline business logic —
// these exist to give the registry and worker registry something real
// to schedule, and to exercise the scan:* / duplicate:found event
// vocabulary the Event Bus and Activity Feed are built around.
package pipelines

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/orchestrator-substrate/jobforge/internal/registry"
	"github.com/orchestrator-substrate/jobforge/internal/workers"
)

// codedErr lets a plain filesystem error carry the classifier's
// structured code, since *fs.PathError doesn't expose a Code() accessor
// itself.
type codedErr struct {
	code string
	err  error
}

func (e *codedErr) Error() string { return e.err.Error() }
func (e *codedErr) Code() string  { return e.code }
func (e *codedErr) Unwrap() error { return e.err }

func wrapFSError(message string, err error) error {
	code := "ENOENT"
	switch {
	case os.IsPermission(err):
		code = "EACCES"
	case os.IsNotExist(err):
		code = "ENOENT"
	default:
		var pe *fs.PathError
		if pe2, ok := err.(*fs.PathError); ok {
			pe = pe2
		}
		if pe != nil {
			code = "ENOTDIR"
		}
	}
	return &codedErr{code: code, err: fmt.Errorf("%s: %w", message, err)}
}

type scanRequest struct {
	RepositoryPath string          `json:"repositoryPath"`
	Options        json.RawMessage `json:"options,omitempty"`
}

type multiScanRequest struct {
	RepositoryPaths []string `json:"repositoryPaths"`
	GroupName       string   `json:"groupName,omitempty"`
}

type scanMetrics struct {
	FilesScanned    int `json:"files_scanned"`
	DuplicateGroups int `json:"duplicate_groups"`
	DuplicateFiles  int `json:"duplicate_files"`
}

type scanOutcome struct {
	ScanType        string      `json:"scan_type"`
	Repositories    []string    `json:"repositories"`
	GroupName       string      `json:"group_name,omitempty"`
	DurationSeconds float64     `json:"duration_seconds"`
	Metrics         scanMetrics `json:"metrics"`
	DuplicateGroups [][]string  `json:"duplicate_groups,omitempty"`
}

// NewDuplicateDetectionConstructor builds the single-repository
// duplicate-detection worker bound to pipeline id "duplicate-detection".
func NewDuplicateDetectionConstructor(pub registry.Publisher, concurrency int) workers.Constructor {
	return func(ctx context.Context) (*workers.Worker, error) {
		return &workers.Worker{
			Concurrency: concurrency,
			Execute:     singleRepoExecutor(pub),
		}, nil
	}
}

// NewMultiRepoConstructor builds the cross-repository duplicate-
// detection worker bound to pipeline id "multi-repo-duplicate-detection".
func NewMultiRepoConstructor(pub registry.Publisher, concurrency int) workers.Constructor {
	return func(ctx context.Context) (*workers.Worker, error) {
		return &workers.Worker{
			Concurrency: concurrency,
			Execute:     multiRepoExecutor(pub),
		}, nil
	}
}

func singleRepoExecutor(pub registry.Publisher) registry.Executor {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		var req scanRequest
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, &codedErr{code: "EINVAL", err: fmt.Errorf("decode scan request: %w", err)}
		}
		if req.RepositoryPath == "" {
			return nil, &codedErr{code: "EINVAL", err: fmt.Errorf("repositoryPath is required")}
		}
		return runScan(ctx, pub, "intra-project", []string{req.RepositoryPath}, "")
	}
}

func multiRepoExecutor(pub registry.Publisher) registry.Executor {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		var req multiScanRequest
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, &codedErr{code: "EINVAL", err: fmt.Errorf("decode multi-scan request: %w", err)}
		}
		if len(req.RepositoryPaths) < 2 {
			return nil, &codedErr{code: "EINVAL", err: fmt.Errorf("at least 2 repository paths are required")}
		}
		return runScan(ctx, pub, "cross-project", req.RepositoryPaths, req.GroupName)
	}
}

// runScan walks every repository, groups files by content hash, and
// emits the canonical scan:* / duplicate:found events along the way.
// The job id it attaches events to comes from the executor's context,
// per the core's job-context convention.
func runScan(ctx context.Context, pub registry.Publisher, scanType string, repos []string, groupName string) ([]byte, error) {
	jobID, _ := registry.JobIDFromContext(ctx)
	pipelineID, _ := registry.PipelineIDFromContext(ctx)
	start := time.Now()

	publish(pub, "scan:started", map[string]any{
		"job_id":      jobID,
		"pipeline_id": pipelineID,
		"scan_type":   scanType,
		"repository":  repos[0],
	})

	hashes := make(map[string][]string)
	filesScanned := 0

	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := filepath.WalkDir(repo, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == ".git" || d.Name() == "node_modules" {
					return filepath.SkipDir
				}
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			sum, hashErr := hashFile(path)
			if hashErr != nil {
				return hashErr
			}
			hashes[sum] = append(hashes[sum], path)
			filesScanned++
			if filesScanned%25 == 0 {
				publish(pub, "scan:progress", map[string]any{
					"job_id":         jobID,
					"pipeline_id":    pipelineID,
					"stage":          "hashing",
					"files_processed": filesScanned,
				})
			}
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				return nil, wrapFSError("scanning repository "+repo, err)
			}
			publish(pub, "scan:failed", map[string]any{
				"job_id":      jobID,
				"pipeline_id": pipelineID,
				"error":       map[string]any{"message": err.Error()},
			})
			return nil, err
		}
	}

	groups := duplicateGroups(hashes)
	duplicateFiles := 0
	for i, group := range groups {
		duplicateFiles += len(group)
		affected := group
		if len(affected) > 5 {
			affected = affected[:5]
		}
		publish(pub, "duplicate:found", map[string]any{
			"job_id":      jobID,
			"pipeline_id": pipelineID,
			"group_index": i,
			"files":       affected,
			"total_files": len(group),
		})
	}

	duration := time.Since(start).Seconds()
	outcome := scanOutcome{
		ScanType:        scanType,
		Repositories:    repos,
		GroupName:       groupName,
		DurationSeconds: duration,
		Metrics: scanMetrics{
			FilesScanned:    filesScanned,
			DuplicateGroups: len(groups),
			DuplicateFiles:  duplicateFiles,
		},
		DuplicateGroups: groups,
	}

	publish(pub, "scan:completed", map[string]any{
		"job_id":          jobID,
		"pipeline_id":     pipelineID,
		"duration_seconds": duration,
		"metrics": map[string]any{
			"duplicate_groups": len(groups),
			"files_scanned":    filesScanned,
		},
	})

	return json.Marshal(outcome)
}

func duplicateGroups(hashes map[string][]string) [][]string {
	var groups [][]string
	for _, paths := range hashes {
		if len(paths) < 2 {
			continue
		}
		sorted := append([]string(nil), paths...)
		sort.Strings(sorted)
		groups = append(groups, sorted)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func publish(pub registry.Publisher, eventType string, fields map[string]any) {
	if pub == nil {
		return
	}
	fields["type"] = eventType
	fields["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	pub.Publish("scans", fields)
}
