package progress

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobQueued  Stage = "JOB_QUEUED"
	StageJobStart   Stage = "JOB_START"
	StageJobRetry   Stage = "JOB_RETRY"
	StageJobDone    Stage = "JOB_DONE"
	StageJobError   Stage = "JOB_ERROR"
	StageJobRearmed Stage = "JOB_REARMED"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobError
}

// Event captures one job lifecycle milestone.
type Event struct {
	// JobID is the queue-assigned job identifier.
	JobID string
	// TS is the transition time recorded by the queue.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Mode is single, batch or scheduled.
	Mode scrape.Mode
	// Site is the host of the job's first target.
	Site string
	// URL is the first target; batches report their first member.
	URL        string
	Priority   scrape.Priority
	RetryCount int
	// Items counts extracted items across all categories of the result.
	Items int
	// Note carries the job error text for retry and error stages.
	Note string
	// Result is set on JOB_DONE.
	Result *scrape.Result
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobQueued, StageJobStart, StageJobRetry, StageJobError, StageJobRearmed:
	case StageJobDone:
		if e.Result == nil {
			return errors.New("job done requires result")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.RetryCount < 0 {
		return errors.New("retry count must be >= 0")
	}
	return nil
}

// FromStatus converts a queue transition into a progress Event.
func FromStatus(evt scrape.StatusEvent) Event {
	job := evt.Job
	out := Event{
		JobID:      job.ID,
		TS:         evt.At,
		Stage:      stageOf(job.Status, evt.Previous),
		Mode:       job.Config.Mode(),
		Priority:   job.Config.Priority,
		RetryCount: job.RetryCount,
		Note:       job.Error,
	}
	if targets := job.Config.Targets(); len(targets) > 0 {
		out.URL = targets[0]
		out.Site = SiteOf(targets[0])
	}
	if out.Stage == StageJobDone && job.Result != nil {
		res := job.Result.Clone()
		out.Result = &res
		out.Items = CountItems(res)
	}
	return out
}

func stageOf(status, previous scrape.JobStatus) Stage {
	switch status {
	case scrape.JobStatusProcessing:
		return StageJobStart
	case scrape.JobStatusRetrying:
		return StageJobRetry
	case scrape.JobStatusCompleted:
		return StageJobDone
	case scrape.JobStatusFailed:
		return StageJobError
	}
	if previous == scrape.JobStatusCompleted {
		return StageJobRearmed
	}
	return StageJobQueued
}

// SiteOf returns the lower-cased host of raw, or "unknown".
func SiteOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// CountItems totals the items of every category in res.
func CountItems(res scrape.Result) int {
	n := 0
	for _, cat := range res.Categories {
		n += len(cat.Items)
	}
	return n
}
