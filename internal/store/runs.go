package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the job_runs status column.
type RunStatus string

// Run statuses persisted in job_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunRetrying  RunStatus = "retrying"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunRetrying, RunCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// JobRun is one execution attempt sequence of a job. Scheduled jobs produce
// one row per occurrence.
type JobRun struct {
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run completes or fails.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Mode       string     `json:"mode"`
	URL        string     `json:"url"`
	RetryCount int        `json:"retry_count"`
	// ResultStatus is success, partial or failed once finished.
	ResultStatus *string `json:"result_status,omitempty"`
	ItemCount    int     `json:"item_count"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// RunStart describes the opening of a run.
type RunStart struct {
	JobID     string
	Mode      string
	URL       string
	StartedAt time.Time
}

// RunEnd describes a status change of the open run of a job.
type RunEnd struct {
	JobID        string
	At           time.Time
	Status       RunStatus
	RetryCount   int
	ResultStatus *string
	ItemCount    int
	ErrorMessage *string
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	JobID  string
	Status *RunStatus
	Limit  int
	Offset int
}

// RunRepository persists job run history.
type RunRepository interface {
	// StartRun opens a run unless the job already has one open.
	StartRun(ctx context.Context, start RunStart) error
	// UpdateRun records a retry or terminal outcome on the open run.
	UpdateRun(ctx context.Context, end RunEnd) error
	// LatestRun loads the most recent run of a job or returns ErrNotFound.
	LatestRun(ctx context.Context, jobID string) (JobRun, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]JobRun, error)
}
