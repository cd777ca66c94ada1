package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/config"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/queue"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
	"github.com/JakeFAU/scrape-scheduler/internal/store"
)

const (
	readyTimeout   = 2 * time.Second
	runsTimeout    = 3 * time.Second
	eventBuffer    = 64
	eventKeepAlive = 15 * time.Second
)

// Queue is the controller surface the API drives.
type Queue interface {
	Submit(cfg scrape.JobConfig) (string, error)
	Get(id string) (scrape.Job, bool)
	List() []scrape.Job
	Remove(id string) bool
	Subscribe(fn queue.Listener) func()
	Pause()
	Resume()
	Stats() queue.Stats
	SetScheduleEnabled(id string, enabled bool) (scrape.Job, error)
	ScheduleStatus(id string) (scrape.Result, error)
}

// Server wires HTTP handlers to the queue controller and run history.
type Server struct {
	router    chi.Router
	queue     Queue
	runs      store.RunRepository
	cfg       config.Config
	logger    *zap.Logger
	keepAlive time.Duration
}

// NewServer constructs a Server with middleware and routes. runs may be nil,
// in which case the run history routes answer 503.
func NewServer(q Queue, runs store.RunRepository, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		queue:     q,
		runs:      runs,
		cfg:       cfg,
		logger:    logger.Named("api"),
		keepAlive: eventKeepAlive,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(metricsMiddleware)
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Streaming responses cannot sit behind http.TimeoutHandler.
		r.Get("/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.submitJob)
				r.Get("/", s.listJobs)
				r.Post("/standard", s.submitStandardJob)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Delete("/", s.removeJob)
					r.Get("/result", s.getJobResult)
					r.Get("/schedule", s.getSchedule)
					r.Post("/schedule/enable", s.setSchedule(true))
					r.Post("/schedule/disable", s.setSchedule(false))
					r.Get("/runs/latest", s.latestRun)
				})
			})
			r.Route("/queue", func(r chi.Router) {
				r.Get("/stats", s.queueStats)
				r.Post("/pause", s.pauseQueue)
				r.Post("/resume", s.resumeQueue)
			})
			r.Get("/runs", s.listRuns)
		})
	})

	s.router = r
	return s
}

// Handler returns the router wrapped in OpenTelemetry instrumentation for
// use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "http.server")
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once the run history database answers, when one is
// configured.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.runs != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if _, err := s.runs.ListRuns(ctx, store.RunFilter{Limit: 1}); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": "run store"})
			return
		}
	}
	stats := s.queue.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "paused": stats.Paused})
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) pauseQueue(w http.ResponseWriter, _ *http.Request) {
	s.queue.Pause()
	s.writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) resumeQueue(w http.ResponseWriter, _ *http.Request) {
	s.queue.Resume()
	s.writeJSON(w, http.StatusOK, s.queue.Stats())
}
