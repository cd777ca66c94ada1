package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/combine"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// batchProgressCeiling is the share of progress reported while fetching batch
// members; the rest is left for combining.
const batchProgressCeiling = 80

// wait blocks for d or until ctx ends. Every delay the controller applies
// goes through here so removing a job or closing the controller cuts it short.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("delay canceled: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("delay canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func rateLimitDelay(cfg scrape.JobConfig) time.Duration {
	return time.Duration(cfg.RateLimitDelayMs) * time.Millisecond
}

// retryTask is a pending retry owned by the controller.
type retryTask struct {
	timer *time.Timer
}

// scheduleRetryLocked arms the retry timer for id, replacing any earlier one.
func (c *Controller) scheduleRetryLocked(id string) {
	c.stopTimerLocked(id)
	task := &retryTask{}
	c.timers[id] = task
	task.timer = time.AfterFunc(c.cfg.RetryDelay, func() {
		c.requeue(id, task)
	})
}

func (c *Controller) stopTimerLocked(id string) {
	if task, ok := c.timers[id]; ok {
		task.timer.Stop()
		delete(c.timers, id)
	}
}

// runBatch fetches every member URL in order, isolating failures, then
// combines the per-URL results. A batch where every member failed counts as
// a failed execution for the retry policy.
func (c *Controller) runBatch(job scrape.Job, r *run) (scrape.Result, error) {
	targets := job.Config.Targets()
	results := make([]scrape.Result, 0, len(targets))

	for i, target := range targets {
		c.setProgress(job.ID, r, i*batchProgressCeiling/len(targets))
		if i > 0 {
			if err := wait(r.ctx, c.cfg.BatchDelay); err != nil {
				return scrape.Result{}, err
			}
		}
		res, err := c.runSingle(job.Config.ForURL(target), r)
		if err != nil {
			if r.ctx.Err() != nil {
				return scrape.Result{}, err
			}
			c.logger.Warn("batch member failed",
				zap.String("job_id", job.ID),
				zap.String("url", target),
				zap.Error(err),
			)
			results = append(results, combine.Failed(target, err, c.clock.Now()))
			continue
		}
		results = append(results, res)
	}
	c.setProgress(job.ID, r, batchProgressCeiling)

	resultID, err := c.ids.NewID()
	if err != nil {
		return scrape.Result{}, fmt.Errorf("assign result id: %w", err)
	}
	combined := combine.Combine(results, combine.Options{
		ID:       resultID,
		ConfigID: job.ID,
		URL:      targets[0],
		Now:      c.clock.Now(),
	})
	if combined.Status == scrape.ResultFailed {
		return scrape.Result{}, scrape.NewExecutionError("", fmt.Errorf("all %d batch urls failed", len(targets)))
	}
	return combined, nil
}

// setProgress records advisory progress for a running job. It does not
// notify subscribers; only status transitions do.
func (c *Controller) setProgress(id string, r *run, progress int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[id] != r {
		return
	}
	c.store.Update(id, func(j *scrape.Job) {
		j.Progress = progress
	})
}
