package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

const maxRequestBytes = 1 << 20

// jobRequest shadows MaxRetries so an omitted value can be told apart from
// an explicit zero.
type jobRequest struct {
	scrape.JobConfig
	MaxRetries *int `json:"max_retries,omitempty"`
}

func (r jobRequest) config() scrape.JobConfig {
	cfg := r.JobConfig
	if r.MaxRetries != nil {
		cfg.MaxRetries = *r.MaxRetries
		cfg.MaxRetriesProvided = true
	}
	return cfg
}

type standardJobRequest struct {
	Name     string          `json:"name"`
	Priority scrape.Priority `json:"priority,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", scrape.ErrInvalidConfig, err)
	}
	return nil
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.submit(w, r, req.config())
}

func (s *Server) submitStandardJob(w http.ResponseWriter, r *http.Request) {
	var req standardJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	cfg, ok := s.cfg.StandardJob(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown standard job %q", name))
		return
	}
	if req.Priority != "" {
		cfg.Priority = req.Priority
	}
	s.submit(w, r, cfg)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, cfg scrape.JobConfig) {
	id, err := s.queue.Submit(cfg)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("job submitted",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("job_id", id),
		zap.String("mode", string(cfg.Mode())),
	)
	s.writeJSON(w, http.StatusAccepted, submitResponse{JobID: id})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.queue.List()
	status := scrape.JobStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" {
		filtered := jobs[:0]
		for _, job := range jobs {
			if job.Status == status {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Get(chi.URLParam(r, "job_id"))
	if !ok {
		s.writeFailure(w, scrape.ErrJobNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	if !s.queue.Remove(chi.URLParam(r, "job_id")) {
		s.writeFailure(w, scrape.ErrJobNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getJobResult returns the stored result. Scheduled jobs that have not
// produced one yet answer with their pending schedule status.
func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	job, ok := s.queue.Get(id)
	if !ok {
		s.writeFailure(w, scrape.ErrJobNotFound)
		return
	}
	if job.Result != nil {
		s.writeJSON(w, http.StatusOK, job.Result)
		return
	}
	if job.IsScheduled() {
		s.getSchedule(w, r)
		return
	}
	s.writeError(w, http.StatusNotFound, "job has no result yet")
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.ScheduleStatus(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) setSchedule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "job_id")
		job, err := s.queue.SetScheduleEnabled(id, enabled)
		if err != nil {
			if !errors.Is(err, scrape.ErrJobNotFound) && !errors.Is(err, scrape.ErrNotScheduled) {
				s.logger.Warn("schedule toggle failed", zap.String("job_id", id), zap.Error(err))
			}
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, job)
	}
}
