package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		name  string
		body  string
		paths []string
	)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		name = r.URL.Query().Get("name")
		body = string(raw)
		mu.Unlock()
		fmt.Fprintln(w, `{"name": "results/job-1/a.json", "bucket": "archive"}`)
	}))

	store, err := NewWithClient(context.Background(), client, Config{Bucket: "archive", Prefix: "/results/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "job-1/a.json", "application/json", []byte(`{"id":"r"}`))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/results/job-1/a.json", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, paths[0], "/upload/storage/v1/b/archive/o")
	require.Equal(t, "results/job-1/a.json", name)
	require.Contains(t, body, `{"id":"r"}`)
	require.Contains(t, body, "application/json")
	require.NoError(t, store.Close())
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	store, err := NewWithClient(context.Background(), client, Config{Bucket: "archive"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "x.json", "", []byte("{}"))
	require.ErrorContains(t, err, "x.json")
}

func TestNewWithClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithClient(context.Background(), nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = NewWithClient(context.Background(), client, Config{})
	require.ErrorContains(t, err, "bucket")

	_, err = NewWithClient(context.Background(), client, Config{Bucket: "missing", VerifyBucket: true})
	require.Error(t, err)

	store, err := NewWithClient(context.Background(), client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "  ", "", nil)
	require.ErrorContains(t, err, "path is required")
}
