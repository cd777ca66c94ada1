package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserversAfterInit(t *testing.T) {
	Init()
	Init()

	ObserveFetch("https://metrics-test.example/a", "success", 128)
	ObserveFetch("https://metrics-test.example/b", "success", 0)
	require.Equal(t, float64(2), testutil.ToFloat64(fetchesTotal.WithLabelValues("metrics-test.example", "success")))
	require.Equal(t, float64(128), testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics-test.example")))

	ObserveHeadlessPromotion("https://spa.example")
	require.Equal(t, float64(1), testutil.ToFloat64(headlessPromotionsTotal.WithLabelValues("spa.example")))

	SetQueueJobs(map[string]int{"pending": 3})
	require.Equal(t, float64(3), testutil.ToFloat64(queueJobs.WithLabelValues("pending")))

	ObserveRateLimitDelay("slow.example", 200*time.Millisecond)
	ObserveHTTPRequest(http.MethodPatch, "/v1/jobs", http.StatusOK, 10*time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPatch, "200")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, rec.Body.String(), "scheduler_fetches_total")
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
