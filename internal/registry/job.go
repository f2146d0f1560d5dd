// Package registry implements the job registry and retry engine: the
// component that accepts submissions, routes them to per-pipeline
// queues, runs them against worker executors, and interprets outcomes
// through the error classifier to decide whether to retry or finish.
package registry

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// JobError is the structured error attached to a failed job. It mirrors
// classify.Info's fields so a failed job's error is self-describing
// without needing the original Go error value (which may not survive a
// persistence round trip).
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

// GitContext is optional metadata pipelines like repository scanning
// attach to a job; the core never interprets it.
type GitContext struct {
	Repository string `json:"repository,omitempty"`
	Branch     string `json:"branch,omitempty"`
	CommitSHA  string `json:"commitSha,omitempty"`
}

// Job is the unit the registry schedules and tracks. Input and Result
// are opaque to the core — only the owning pipeline's codec interprets
// them — per the design note on dynamic typing of opaque payloads.
type Job struct {
	ID             string          `json:"id"`
	PipelineID     string          `json:"pipelineId"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *JobError       `json:"error,omitempty"`
	GitContext     *GitContext     `json:"gitContext,omitempty"`
	MaxRetries     int             `json:"maxRetries"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	// Retrying marks a job whose failure was superseded by a newly
	// enqueued retry job; the retry job, not this one, is authoritative.
	Retrying bool `json:"retrying,omitempty"`
}

func (j Job) clone() Job {
	cp := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.GitContext != nil {
		g := *j.GitContext
		cp.GitContext = &g
	}
	if j.Input != nil {
		cp.Input = append(json.RawMessage(nil), j.Input...)
	}
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	return cp
}
