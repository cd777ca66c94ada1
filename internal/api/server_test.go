package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/config"
	"github.com/JakeFAU/scrape-scheduler/internal/queue"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
	"github.com/JakeFAU/scrape-scheduler/internal/store"
)

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	rr := doRequest(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.NotEmpty(t, rr.Header().Get(requestIDHeader))
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, "req-123", rr.Header().Get(requestIDHeader))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, queue.Config{StartPaused: true}, &fakeRuns{}, config.Config{})
	rr := doRequest(t, srv, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rr.Code)

	failing, _ := newTestServer(t, queue.Config{StartPaused: true}, &fakeRuns{err: errors.New("db down")}, config.Config{})
	rr = doRequest(t, failing, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	rr := doRequest(t, srv, http.MethodPost, "/v1/jobs", `{"url":"https://example.com","priority":"high"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)

	job, ok := q.Get(resp.JobID)
	require.True(t, ok)
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.Equal(t, scrape.PriorityHigh, job.Config.Priority)
	require.Equal(t, queue.DefaultMaxRetries, job.Config.MaxRetries)
}

func TestSubmitJobExplicitZeroRetries(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	rr := doRequest(t, srv, http.MethodPost, "/v1/jobs", `{"url":"https://example.com","max_retries":0}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	job, ok := q.Get(resp.JobID)
	require.True(t, ok)
	require.Zero(t, job.Config.MaxRetries)
}

func TestSubmitJobRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	cases := map[string]string{
		"malformed":      `{"url":`,
		"unknown field":  `{"url":"https://example.com","bogus":true}`,
		"no target":      `{}`,
		"both targets":   `{"url":"https://a.example","urls":["https://b.example"]}`,
		"bad priority":   `{"url":"https://example.com","priority":"urgent"}`,
		"bad frequency":  `{"url":"https://example.com","schedule":{"frequency":"hourly","time_of_day":"09:00"}}`,
		"negative retry": `{"url":"https://example.com","max_retries":-1}`,
	}
	for name, body := range cases {
		rr := doRequest(t, srv, http.MethodPost, "/v1/jobs", body)
		require.Equal(t, http.StatusBadRequest, rr.Code, name)
	}
}

func TestSubmitStandardJob(t *testing.T) {
	t.Parallel()

	cfg := config.Config{StandardJobs: map[string]scrape.JobConfig{
		"news": {URL: "https://news.example", Priority: scrape.PriorityLow},
	}}
	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, cfg)

	rr := doRequest(t, srv, http.MethodPost, "/v1/jobs/standard", `{"name":"NEWS","priority":"high"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	job, ok := q.Get(resp.JobID)
	require.True(t, ok)
	require.Equal(t, "https://news.example", job.Config.URL)
	require.Equal(t, scrape.PriorityHigh, job.Config.Priority)

	rr = doRequest(t, srv, http.MethodPost, "/v1/jobs/standard", `{"name":"missing"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, srv, http.MethodPost, "/v1/jobs/standard", `{"name":" "}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListAndGetJobs(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	id, err := q.Submit(scrape.JobConfig{URL: "https://example.com"})
	require.NoError(t, err)

	rr := doRequest(t, srv, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Jobs  []scrape.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	require.Equal(t, id, list.Jobs[0].ID)

	rr = doRequest(t, srv, http.MethodGet, "/v1/jobs?status=completed", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Zero(t, list.Count)

	rr = doRequest(t, srv, http.MethodGet, "/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var job scrape.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	require.Equal(t, scrape.JobStatusPending, job.Status)

	rr = doRequest(t, srv, http.MethodGet, "/v1/jobs/nope", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRemoveJob(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	id, err := q.Submit(scrape.JobConfig{URL: "https://example.com"})
	require.NoError(t, err)

	rr := doRequest(t, srv, http.MethodDelete, "/v1/jobs/"+id, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	_, ok := q.Get(id)
	require.False(t, ok)

	rr = doRequest(t, srv, http.MethodDelete, "/v1/jobs/"+id, "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJobResult(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{}, nil, config.Config{})
	id, err := q.Submit(scrape.JobConfig{URL: "https://example.com"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, ok := q.Get(id)
		return ok && job.Status == scrape.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	rr := doRequest(t, srv, http.MethodGet, "/v1/jobs/"+id+"/result", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res scrape.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, scrape.ResultSuccess, res.Status)
	require.Equal(t, "https://example.com", res.URL)
}

func TestJobResultPendingWithoutSchedule(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	id, err := q.Submit(scrape.JobConfig{URL: "https://example.com"})
	require.NoError(t, err)

	rr := doRequest(t, srv, http.MethodGet, "/v1/jobs/"+id+"/result", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestScheduledJobResultAndToggle(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	id, err := q.Submit(scrape.JobConfig{
		URL:      "https://example.com",
		Schedule: &scrape.Schedule{Frequency: scrape.FrequencyDaily, TimeOfDay: "09:00"},
	})
	require.NoError(t, err)

	rr := doRequest(t, srv, http.MethodGet, "/v1/jobs/"+id+"/result", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var res scrape.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, scrape.ResultPending, res.Status)
	require.Empty(t, res.Categories)
	require.Contains(t, res.Metadata, "next_run_at")

	rr = doRequest(t, srv, http.MethodPost, "/v1/jobs/"+id+"/schedule/disable", "")
	require.Equal(t, http.StatusOK, rr.Code)
	job, ok := q.Get(id)
	require.True(t, ok)
	require.False(t, job.Config.Schedule.IsEnabled())

	rr = doRequest(t, srv, http.MethodGet, "/v1/jobs/"+id+"/schedule", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, false, res.Metadata["enabled"])

	rr = doRequest(t, srv, http.MethodPost, "/v1/jobs/"+id+"/schedule/enable", "")
	require.Equal(t, http.StatusOK, rr.Code)
	job, _ = q.Get(id)
	require.True(t, job.Config.Schedule.IsEnabled())
}

func TestScheduleToggleErrors(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	id, err := q.Submit(scrape.JobConfig{URL: "https://example.com"})
	require.NoError(t, err)

	rr := doRequest(t, srv, http.MethodPost, "/v1/jobs/"+id+"/schedule/enable", "")
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = doRequest(t, srv, http.MethodPost, "/v1/jobs/missing/schedule/enable", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQueuePauseResumeStats(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	_, err := q.Submit(scrape.JobConfig{URL: "https://example.com"})
	require.NoError(t, err)

	rr := doRequest(t, srv, http.MethodGet, "/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.True(t, stats.Paused)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.ByStatus[scrape.JobStatusPending])

	rr = doRequest(t, srv, http.MethodPost, "/v1/queue/resume", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Eventually(t, func() bool {
		return q.Stats().ByStatus[scrape.JobStatusCompleted] == 1
	}, time.Second, 5*time.Millisecond)

	rr = doRequest(t, srv, http.MethodPost, "/v1/queue/pause", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, q.Stats().Paused)
}

func TestRunsEndpoints(t *testing.T) {
	t.Parallel()

	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	runs := &fakeRuns{runs: []store.JobRun{{JobID: "job-1", StartedAt: started, Status: store.RunCompleted, Mode: "single"}}}
	srv, _ := newTestServer(t, queue.Config{StartPaused: true}, runs, config.Config{})

	rr := doRequest(t, srv, http.MethodGet, "/v1/runs?job_id=job-1&status=completed&limit=1000&offset=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	filter := runs.lastFilter()
	require.Equal(t, "job-1", filter.JobID)
	require.Equal(t, maxRunLimit, filter.Limit)
	require.Equal(t, 2, filter.Offset)
	require.NotNil(t, filter.Status)
	require.Equal(t, store.RunCompleted, *filter.Status)

	rr = doRequest(t, srv, http.MethodGet, "/v1/runs?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = doRequest(t, srv, http.MethodGet, "/v1/runs?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, srv, http.MethodGet, "/v1/jobs/job-1/runs/latest", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var run store.JobRun
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &run))
	require.Equal(t, "job-1", run.JobID)
	require.True(t, started.Equal(run.StartedAt))

	rr = doRequest(t, srv, http.MethodGet, "/v1/jobs/other/runs/latest", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRunsWithoutRepository(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	rr := doRequest(t, srv, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	srv, _ := newTestServer(t, queue.Config{StartPaused: true}, nil, cfg)

	rr := doRequest(t, srv, http.MethodGet, "/v1/queue/stats", "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	srv.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	rr = doRequest(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	_ = doRequest(t, srv, http.MethodGet, "/healthz", "")
	rr := doRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.JSONEq(t, `{"error":"internal server error"}`, rr.Body.String())
}

func TestEventsStream(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	id, err := q.Submit(scrape.JobConfig{URL: "https://example.com"})
	require.NoError(t, err)

	event, data := readEvent(t, reader)
	require.Equal(t, "pending", event)
	var evt scrape.StatusEvent
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	require.Equal(t, id, evt.Job.ID)
}

func TestEventsStreamFiltersByJob(t *testing.T) {
	t.Parallel()

	srv, q := newTestServer(t, queue.Config{StartPaused: true}, nil, config.Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?job_id=wanted", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	reader := bufio.NewReader(resp.Body)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	_, err = q.Submit(scrape.JobConfig{ID: "other", URL: "https://other.example"})
	require.NoError(t, err)
	_, err = q.Submit(scrape.JobConfig{ID: "wanted", URL: "https://wanted.example"})
	require.NoError(t, err)

	_, data := readEvent(t, reader)
	var evt scrape.StatusEvent
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	require.Equal(t, "wanted", evt.Job.ID)
}

func newTestServer(t *testing.T, qcfg queue.Config, runs store.RunRepository, cfg config.Config) (*Server, *queue.Controller) {
	t.Helper()
	exec := scrape.ExecutorFunc(func(_ context.Context, jc scrape.JobConfig) (scrape.Result, error) {
		return scrape.Result{
			URL:    jc.URL,
			Status: scrape.ResultSuccess,
			Categories: map[string]scrape.Category{
				"links": {Items: []scrape.Item{{Title: "a"}}},
			},
		}, nil
	})
	if qcfg.IDs == nil {
		qcfg.IDs = &seqIDs{}
	}
	q := queue.New(exec, qcfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return NewServer(q, runs, cfg, zap.NewNop()), q
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

// readEvent returns the event name and data of the next non-comment frame.
func readEvent(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			return event, data
		}
	}
}

type fakeRuns struct {
	mu     sync.Mutex
	runs   []store.JobRun
	err    error
	filter store.RunFilter
}

func (f *fakeRuns) StartRun(context.Context, store.RunStart) error { return f.err }

func (f *fakeRuns) UpdateRun(context.Context, store.RunEnd) error { return f.err }

func (f *fakeRuns) LatestRun(_ context.Context, jobID string) (store.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.JobRun{}, f.err
	}
	for _, run := range f.runs {
		if run.JobID == jobID {
			return run, nil
		}
	}
	return store.JobRun{}, fmt.Errorf("latest run %s: %w", jobID, store.ErrNotFound)
}

func (f *fakeRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]store.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return append([]store.JobRun(nil), f.runs...), nil
}

func (f *fakeRuns) lastFilter() store.RunFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}
