package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

var errSlowSubscriber = errors.New("event stream subscriber is not keeping up")

// streamEvents relays queue status transitions as server-sent events until
// the client disconnects. The optional job_id query parameter filters the
// stream to one job.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	jobID := r.URL.Query().Get("job_id")

	events := make(chan scrape.StatusEvent, eventBuffer)
	unsubscribe := s.queue.Subscribe(func(evt scrape.StatusEvent) error {
		if jobID != "" && evt.Job.ID != jobID {
			return nil
		}
		select {
		case events <- evt:
			return nil
		default:
			return errSlowSubscriber
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("encode status event failed", zap.String("job_id", evt.Job.ID), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Job.Status, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
