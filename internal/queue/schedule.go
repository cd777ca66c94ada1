package queue

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/recurrence"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// SetScheduleEnabled toggles a scheduled job. Disabled jobs are skipped by
// selection, never failed.
func (c *Controller) SetScheduleEnabled(id string, enabled bool) (scrape.Job, error) {
	c.mu.Lock()
	current, ok := c.store.Get(id)
	if !ok {
		c.mu.Unlock()
		return scrape.Job{}, fmt.Errorf("set schedule %s: %w", id, scrape.ErrJobNotFound)
	}
	if !current.IsScheduled() {
		c.mu.Unlock()
		return scrape.Job{}, fmt.Errorf("set schedule %s: %w", id, scrape.ErrNotScheduled)
	}
	now := c.clock.Now()
	job, _ := c.store.Update(id, func(j *scrape.Job) {
		j.Config.Schedule.Enabled = &enabled
		j.UpdatedAt = now
	})
	c.mu.Unlock()

	c.logger.Info("schedule toggled", zap.String("job_id", id), zap.Bool("enabled", enabled))
	if enabled {
		c.drive()
	}
	return job, nil
}

// ScheduleStatus returns the pending placeholder result of a scheduled job:
// no data, only the next run time and whether it is due now. It also
// refreshes the job's next-run bookkeeping.
func (c *Controller) ScheduleStatus(id string) (scrape.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.store.Get(id)
	if !ok {
		return scrape.Result{}, fmt.Errorf("schedule status %s: %w", id, scrape.ErrJobNotFound)
	}
	if !job.IsScheduled() {
		return scrape.Result{}, fmt.Errorf("schedule status %s: %w", id, scrape.ErrNotScheduled)
	}
	now := c.clock.Now()
	sched := *job.Config.Schedule
	next := recurrence.NextRunAt(sched, now)
	due := sched.IsEnabled() && recurrence.IsDue(sched, lastRun(sched), now)

	meta := map[string]any{
		"enabled": sched.IsEnabled(),
		"due":     due,
		"status":  string(job.Status),
	}
	if !next.IsZero() {
		meta["next_run_at"] = next
		c.store.Update(id, func(j *scrape.Job) {
			j.Config.Schedule.NextRunAt = &next
		})
	}
	if sched.LastRunAt != nil {
		meta["last_run_at"] = *sched.LastRunAt
	}
	return scrape.Result{
		ConfigID:   id,
		URL:        job.Config.URL,
		Timestamp:  now,
		Status:     scrape.ResultPending,
		Categories: map[string]scrape.Category{},
		Metadata:   meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// selectLocked returns the first eligible pending job in store order.
func (c *Controller) selectLocked() (scrape.Job, bool) {
	now := c.clock.Now()
	c.rearmLocked(now)
	for _, job := range c.store.List() {
		if job.Status != scrape.JobStatusPending {
			// Pending jobs sort first; nothing after this can be eligible.
			return scrape.Job{}, false
		}
		if c.eligibleLocked(job, now) {
			return job, true
		}
	}
	return scrape.Job{}, false
}

func (c *Controller) eligibleLocked(job scrape.Job, now time.Time) bool {
	if !job.IsScheduled() {
		return true
	}
	sched := *job.Config.Schedule
	if !sched.IsEnabled() {
		return false
	}
	if job.RetryCount > 0 {
		// A retry whose delay crossed into a day the schedule skips waits
		// for the next scheduled day.
		return recurrence.OnScheduledDay(sched, now)
	}
	if recurrence.IsDue(sched, lastRun(sched), now) {
		return true
	}
	next := recurrence.NextRunAt(sched, now)
	if sched.NextRunAt == nil || !sched.NextRunAt.Equal(next) {
		c.store.Update(job.ID, func(j *scrape.Job) {
			if next.IsZero() {
				j.Config.Schedule.NextRunAt = nil
				return
			}
			j.Config.Schedule.NextRunAt = &next
		})
	}
	return false
}

// rearmLocked returns completed scheduled jobs whose next occurrence is due
// to pending so selection can pick them up.
func (c *Controller) rearmLocked(now time.Time) {
	for _, job := range c.store.List() {
		if job.Status != scrape.JobStatusCompleted || !job.IsScheduled() {
			continue
		}
		sched := *job.Config.Schedule
		if !sched.IsEnabled() || !recurrence.IsDue(sched, lastRun(sched), now) {
			continue
		}
		updated, ok := c.store.Update(job.ID, func(j *scrape.Job) {
			j.Status = scrape.JobStatusPending
			j.Result = nil
			j.Error = ""
			j.RetryCount = 0
			j.Progress = 0
			j.UpdatedAt = now
		})
		if ok {
			c.logger.Debug("scheduled job re-armed", zap.String("job_id", job.ID))
			c.emitLocked(updated, scrape.JobStatusCompleted)
		}
	}
}

// markRun records schedule bookkeeping after a run ends.
func markRun(j *scrape.Job, now time.Time) {
	if j.Config.Schedule == nil {
		return
	}
	ran := now
	j.Config.Schedule.LastRunAt = &ran
	next := recurrence.NextRunAt(*j.Config.Schedule, now)
	if next.IsZero() {
		j.Config.Schedule.NextRunAt = nil
		return
	}
	j.Config.Schedule.NextRunAt = &next
}

func lastRun(s scrape.Schedule) time.Time {
	if s.LastRunAt == nil {
		return time.Time{}
	}
	return *s.LastRunAt
}
