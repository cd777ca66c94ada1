package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrape-scheduler/internal/progress"
)

// PrometheusSink exports job lifecycle metrics. Runtime is measured from the
// first JOB_START of a run to its terminal event, retries included.
type PrometheusSink struct {
	jobsQueued    *prometheus.CounterVec
	jobsStarted   *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	itemsTotal    *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_queued_total",
			Help: "Jobs entering the pending state, partitioned by reason (submitted or rearmed).",
		}, []string{"reason"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_started_total",
			Help: "Job executions started, partitioned by mode.",
		}, []string{"mode"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_retried_total",
			Help: "Failed executions scheduled for retry, partitioned by site.",
		}, []string{"site"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_finished_total",
			Help: "Jobs reaching a terminal state, partitioned by mode and result.",
		}, []string{"mode", "result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_jobs_running",
			Help: "Runs started and not yet finished.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_job_runtime_seconds",
			Help:    "Wall time from first start to terminal state.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_items_extracted_total",
			Help: "Items extracted by completed jobs, partitioned by site.",
		}, []string{"site"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsQueued,
		s.jobsStarted,
		s.jobsRetried,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.itemsTotal,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobQueued:
		s.jobsQueued.WithLabelValues("submitted").Inc()
	case progress.StageJobRearmed:
		s.jobsQueued.WithLabelValues("rearmed").Inc()
	case progress.StageJobStart:
		s.jobsStarted.WithLabelValues(string(evt.Mode)).Inc()
		if s.tracker.start(evt.JobID, evt.TS) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobRetry:
		s.jobsRetried.WithLabelValues(evt.Site).Inc()
	case progress.StageJobDone:
		result := string(evt.Result.Status)
		s.jobsCompleted.WithLabelValues(string(evt.Mode), result).Inc()
		s.itemsTotal.WithLabelValues(evt.Site).Add(float64(evt.Items))
		s.finish(evt, result)
	case progress.StageJobError:
		s.jobsCompleted.WithLabelValues(string(evt.Mode), "failed").Inc()
		s.finish(evt, "failed")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	started, ok := s.tracker.complete(evt.JobID)
	if !ok {
		return
	}
	s.jobsRunning.Dec()
	if dur := evt.TS.Sub(started); dur >= 0 {
		s.jobRuntime.WithLabelValues(result).Observe(dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]time.Time)}
}

// start records the first start of a run; retries keep the original time.
func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *jobTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.running[id]
	if ok {
		delete(t.running, id)
	}
	return at, ok
}
