// Package dispatcher re-enters the queue drive loop on a cron schedule so
// scheduled jobs start close to their time of day even when no other queue
// activity happens.
package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/queue"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// DefaultSpec ticks often enough that a scheduled job starts within a quarter
// minute of its time of day.
const DefaultSpec = "@every 15s"

var allStatuses = []scrape.JobStatus{
	scrape.JobStatusPending,
	scrape.JobStatusProcessing,
	scrape.JobStatusRetrying,
	scrape.JobStatusCompleted,
	scrape.JobStatusFailed,
}

// Queue is the part of the controller the dispatcher drives.
type Queue interface {
	Kick()
	Stats() queue.Stats
}

// Config controls the tick schedule. Spec accepts standard five-field cron
// expressions, an optional leading seconds field, and descriptors such as
// "@every 30s" or "@hourly".
type Config struct {
	Spec     string
	Location *time.Location
}

// Dispatcher owns a cron runner with a single tick entry.
type Dispatcher struct {
	queue  Queue
	cron   *cron.Cron
	entry  cron.EntryID
	logger *zap.Logger
	ticks  atomic.Int64
}

// New validates cfg.Spec and prepares the runner. Nothing runs until Run.
func New(q Queue, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if q == nil {
		return nil, fmt.Errorf("dispatcher: queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	logger = logger.Named("dispatcher")
	metrics.Init()
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Spec); err != nil {
		return nil, fmt.Errorf("dispatcher: parse tick spec %q: %w", cfg.Spec, err)
	}
	cl := cronLogger{logger: logger}
	d := &Dispatcher{
		queue:  q,
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	id, err := d.cron.AddFunc(cfg.Spec, d.Tick)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: add tick: %w", err)
	}
	d.entry = id
	return d, nil
}

// Tick kicks the queue once and publishes queue gauges.
func (d *Dispatcher) Tick() {
	d.ticks.Add(1)
	d.queue.Kick()
	stats := d.queue.Stats()
	byStatus := make(map[string]int, len(allStatuses))
	for _, status := range allStatuses {
		byStatus[string(status)] = stats.ByStatus[status]
	}
	metrics.SetQueueJobs(byStatus)
	d.logger.Debug("tick",
		zap.Int("running", stats.Running),
		zap.Int("total", stats.Total),
		zap.Bool("paused", stats.Paused),
	)
}

// Ticks returns how many ticks have run.
func (d *Dispatcher) Ticks() int64 {
	return d.ticks.Load()
}

// Next returns the next scheduled tick, or the zero time before Run starts.
func (d *Dispatcher) Next() time.Time {
	return d.cron.Entry(d.entry).Next
}

// Run starts ticking and blocks until ctx is canceled, then waits for a
// running tick to return.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	d.cron.Start()
	<-ctx.Done()
	<-d.cron.Stop().Done()
	d.logger.Info("dispatcher stopped", zap.Int64("ticks", d.ticks.Load()))
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
