// Package queue runs submitted scraping jobs under a concurrency ceiling,
// with priority ordering, retries, recurring schedules and batch execution.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/clock/system"
	"github.com/JakeFAU/scrape-scheduler/internal/id/uuid"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
	"github.com/JakeFAU/scrape-scheduler/internal/storage/memory"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("queue controller closed")

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultMaxConcurrent = 2
	DefaultRetryDelay    = 5 * time.Second
	DefaultBatchDelay    = 2 * time.Second
	DefaultMaxRetries    = 3
)

// Config tunes a Controller.
type Config struct {
	MaxConcurrent     int
	RetryDelay        time.Duration
	BatchDelay        time.Duration
	DefaultMaxRetries int
	// DefaultMaxRetriesSet allows an explicit default of zero retries.
	DefaultMaxRetriesSet bool
	StartPaused          bool
	Clock                scrape.Clock
	IDs                  scrape.IDGenerator
}

// Stats is a point-in-time snapshot of the controller.
type Stats struct {
	Running       int                      `json:"running"`
	MaxConcurrent int                      `json:"max_concurrent"`
	Paused        bool                     `json:"paused"`
	Total         int                      `json:"total"`
	ByStatus      map[scrape.JobStatus]int `json:"by_status"`
}

// Controller owns a job store, the processing counter, the subscriber
// registry and every delayed task it schedules. It is safe for concurrent use.
type Controller struct {
	exec   scrape.Executor
	store  *memory.JobStore
	clock  scrape.Clock
	ids    scrape.IDGenerator
	cfg    Config
	logger *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	running int
	paused  bool
	closed  bool
	active  map[string]*run
	timers  map[string]*retryTask
	wg      sync.WaitGroup

	listeners  []*subscription
	nextSubID  uint64
	outbox     []scrape.StatusEvent
	delivering bool
}

// run tracks one in-flight execution. Canceling ctx aborts its pending
// delays; the executor call itself is never interrupted by Remove.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Controller around the given executor.
func New(exec scrape.Executor, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	} else if cfg.BatchDelay == 0 {
		cfg.BatchDelay = DefaultBatchDelay
	}
	if !cfg.DefaultMaxRetriesSet && cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		exec:       exec,
		store:      memory.NewJobStore(),
		clock:      cfg.Clock,
		ids:        cfg.IDs,
		cfg:        cfg,
		logger:     logger.Named("queue"),
		baseCtx:    ctx,
		cancelBase: cancel,
		paused:     cfg.StartPaused,
		active:     make(map[string]*run),
		timers:     make(map[string]*retryTask),
	}
}

// Submit validates cfg, records a pending job and starts it if a slot is free.
func (c *Controller) Submit(cfg scrape.JobConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	cfg = cfg.Clone()
	if !cfg.MaxRetriesProvided {
		cfg.MaxRetries = c.cfg.DefaultMaxRetries
		cfg.MaxRetriesProvided = true
	}
	if cfg.Priority == "" {
		cfg.Priority = scrape.PriorityMedium
	}
	if cfg.ID == "" {
		id, err := c.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("assign job id: %w", err)
		}
		cfg.ID = id
	}

	now := c.clock.Now()
	job := scrape.Job{
		ID:        cfg.ID,
		Config:    cfg,
		Status:    scrape.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if err := c.store.Insert(job); err != nil {
		c.mu.Unlock()
		if errors.Is(err, memory.ErrDuplicateID) {
			return "", fmt.Errorf("%w: job id %q has already been used", scrape.ErrInvalidConfig, job.ID)
		}
		return "", fmt.Errorf("submit job: %w", err)
	}
	c.emitLocked(job, "")
	c.mu.Unlock()

	c.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("mode", string(cfg.Mode())),
		zap.String("priority", string(cfg.Priority)),
	)
	c.drive()
	return job.ID, nil
}

// Get returns a copy of the job.
func (c *Controller) Get(id string) (scrape.Job, bool) {
	return c.store.Get(id)
}

// List returns copies of every job in queue order.
func (c *Controller) List() []scrape.Job {
	return c.store.List()
}

// Remove deletes the job record and cancels its pending delays. An in-flight
// executor call keeps running; its outcome is discarded.
func (c *Controller) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	existed := c.store.Remove(id)
	if r, ok := c.active[id]; ok {
		r.cancel()
		delete(c.active, id)
	}
	c.stopTimerLocked(id)
	if existed {
		c.logger.Info("job removed", zap.String("job_id", id))
	}
	return existed
}

// Kick re-enters the drive loop. External tickers call it so scheduled jobs
// fire without waiting for the next submission or completion.
func (c *Controller) Kick() {
	c.drive()
}

// Pause stops new jobs from starting. Running jobs are unaffected.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume lifts a Pause and fills free slots.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.drive()
}

// Stats summarizes the queue.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	running, paused := c.running, c.paused
	c.mu.Unlock()

	jobs := c.store.List()
	byStatus := make(map[scrape.JobStatus]int)
	for _, job := range jobs {
		byStatus[job.Status]++
	}
	return Stats{
		Running:       running,
		MaxConcurrent: c.cfg.MaxConcurrent,
		Paused:        paused,
		Total:         len(jobs),
		ByStatus:      byStatus,
	}
}

// Close stops scheduling, cancels delayed tasks and waits for in-flight
// executions to return or for ctx to finish.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		for id := range c.timers {
			c.stopTimerLocked(id)
		}
		for id, r := range c.active {
			r.cancel()
			delete(c.active, id)
		}
		c.cancelBase()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close queue: %w", ctx.Err())
	}
}

// drive fills free slots with eligible jobs and then delivers queued events.
func (c *Controller) drive() {
	c.mu.Lock()
	for !c.paused && !c.closed && c.running < c.cfg.MaxConcurrent {
		job, ok := c.selectLocked()
		if !ok {
			break
		}
		c.startLocked(job)
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Controller) startLocked(job scrape.Job) {
	now := c.clock.Now()
	updated, ok := c.store.Update(job.ID, func(j *scrape.Job) {
		j.Status = scrape.JobStatusProcessing
		j.Progress = 0
		j.UpdatedAt = now
	})
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	r := &run{ctx: ctx, cancel: cancel}
	c.active[job.ID] = r
	c.running++
	c.wg.Add(1)
	c.emitLocked(updated, scrape.JobStatusPending)

	c.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Int("running", c.running),
	)
	go c.execute(updated, r)
}

func (c *Controller) execute(job scrape.Job, r *run) {
	defer c.wg.Done()

	var (
		result scrape.Result
		err    error
	)
	if job.Config.Mode() == scrape.ModeBatch {
		result, err = c.runBatch(job, r)
	} else {
		result, err = c.runSingle(job.Config, r)
	}
	c.finish(job.ID, r, result, err)
}

func (c *Controller) runSingle(cfg scrape.JobConfig, r *run) (scrape.Result, error) {
	if err := wait(r.ctx, rateLimitDelay(cfg)); err != nil {
		return scrape.Result{}, err
	}
	result, err := c.exec.Execute(c.baseCtx, cfg)
	if err != nil {
		return scrape.Result{}, asExecutionError(cfg.URL, err)
	}
	if !result.Succeeded() {
		return scrape.Result{}, scrape.NewExecutionError(cfg.URL, errors.New("execution reported a failed result"))
	}
	if result.URL == "" {
		result.URL = cfg.URL
	}
	if result.ConfigID == "" {
		result.ConfigID = cfg.ID
	}
	return result, nil
}

// finish applies the outcome of an execution. Outcomes for jobs that were
// removed while running are dropped.
func (c *Controller) finish(id string, r *run, result scrape.Result, execErr error) {
	c.mu.Lock()
	c.running--
	r.cancel()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if current, ok := c.active[id]; !ok || current != r {
		c.mu.Unlock()
		c.logger.Info("discarding outcome of removed job", zap.String("job_id", id), zap.Error(execErr))
		c.drive()
		return
	}
	delete(c.active, id)

	if execErr == nil {
		c.completeLocked(id, result)
	} else {
		c.failLocked(id, execErr)
	}
	c.mu.Unlock()
	c.drive()
}

func (c *Controller) completeLocked(id string, result scrape.Result) {
	now := c.clock.Now()
	if result.ID == "" {
		if rid, err := c.ids.NewID(); err == nil {
			result.ID = rid
		}
	}
	updated, ok := c.store.Update(id, func(j *scrape.Job) {
		j.Status = scrape.JobStatusCompleted
		j.Progress = 100
		j.Result = &result
		j.Error = ""
		j.UpdatedAt = now
		markRun(j, now)
	})
	if !ok {
		return
	}
	c.logger.Info("job completed",
		zap.String("job_id", id),
		zap.String("result_status", string(result.Status)),
		zap.Int("items", result.ItemCount()),
	)
	c.emitLocked(updated, scrape.JobStatusProcessing)
}

func (c *Controller) failLocked(id string, execErr error) {
	now := c.clock.Now()
	job, ok := c.store.Get(id)
	if !ok {
		return
	}
	if job.RetryCount < job.Config.MaxRetries {
		updated, _ := c.store.Update(id, func(j *scrape.Job) {
			j.Status = scrape.JobStatusRetrying
			j.RetryCount++
			j.Error = execErr.Error()
			j.Result = nil
			j.UpdatedAt = now
		})
		c.logger.Warn("job failed, retry scheduled",
			zap.String("job_id", id),
			zap.Int("retry_count", updated.RetryCount),
			zap.Int("max_retries", updated.Config.MaxRetries),
			zap.Duration("delay", c.cfg.RetryDelay),
			zap.Error(execErr),
		)
		c.emitLocked(updated, scrape.JobStatusProcessing)
		c.scheduleRetryLocked(id)
		return
	}

	updated, _ := c.store.Update(id, func(j *scrape.Job) {
		j.Status = scrape.JobStatusFailed
		j.Error = execErr.Error()
		j.Result = nil
		j.UpdatedAt = now
		markRun(j, now)
	})
	c.logger.Error("job failed permanently",
		zap.String("job_id", id),
		zap.Int("retry_count", updated.RetryCount),
		zap.Error(execErr),
	)
	c.emitLocked(updated, scrape.JobStatusProcessing)
}

// requeue moves a retrying job back to pending once its delay elapses.
func (c *Controller) requeue(id string, task *retryTask) {
	c.mu.Lock()
	if c.timers[id] != task {
		c.mu.Unlock()
		return
	}
	delete(c.timers, id)
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	var moved bool
	updated, ok := c.store.Update(id, func(j *scrape.Job) {
		if j.Status != scrape.JobStatusRetrying {
			return
		}
		j.Status = scrape.JobStatusPending
		j.UpdatedAt = now
		moved = true
	})
	if ok && moved {
		c.emitLocked(updated, scrape.JobStatusRetrying)
	}
	c.mu.Unlock()
	c.drive()
}

func asExecutionError(url string, err error) error {
	var execErr *scrape.ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	return scrape.NewExecutionError(url, err)
}
