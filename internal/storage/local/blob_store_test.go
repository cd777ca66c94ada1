package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-scheduler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "archive", "nested")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{BaseDir: "  "})
		require.ErrorContains(t, err, "base directory is required")
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "blob")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.ErrorContains(t, err, "not a directory")
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	t.Run("nested path", func(t *testing.T) {
		t.Parallel()
		data := []byte(`{"status":"success"}`)
		uri, err := store.PutObject(context.Background(), "results/job-1/20250101T090000Z.json", "application/json", data)
		require.NoError(t, err)

		full := filepath.Join(dir, "results", "job-1", "20250101T090000Z.json")
		require.Equal(t, "file://"+filepath.ToSlash(full), uri)
		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(full)
		require.NoError(t, err)
		require.Equal(t, data, got)
	})

	t.Run("overwrite", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(context.Background(), "same.json", "application/json", []byte("one"))
		require.NoError(t, err)
		_, err = store.PutObject(context.Background(), "same.json", "application/json", []byte("two"))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(dir, "same.json"))
		require.NoError(t, err)
		require.Equal(t, "two", string(got))
	})

	t.Run("empty path", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(context.Background(), "", "text/plain", []byte("data"))
		require.Error(t, err)
	})

	t.Run("traversal", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(context.Background(), "../escape.json", "application/json", []byte("data"))
		require.ErrorContains(t, err, "escapes the base directory")
		_, err = store.PutObject(context.Background(), "/abs/escape.json", "application/json", []byte("data"))
		require.ErrorContains(t, err, "escapes the base directory")
	})
}
