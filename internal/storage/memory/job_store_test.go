package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	job := newJob("job-1", scrape.PriorityMedium, time.Unix(100, 0))

	require.NoError(t, store.Insert(job))
	require.ErrorIs(t, store.Insert(job), ErrDuplicateID)
	require.Equal(t, 1, store.Len())

	updated, ok := store.Update("job-1", func(j *scrape.Job) {
		j.Status = scrape.JobStatusProcessing
		j.ID = "ignored"
	})
	require.True(t, ok)
	require.Equal(t, "job-1", updated.ID)
	require.Equal(t, scrape.JobStatusProcessing, updated.Status)

	got, ok := store.Get("job-1")
	require.True(t, ok)
	require.Equal(t, scrape.JobStatusProcessing, got.Status)

	_, ok = store.Update("missing", func(*scrape.Job) {})
	require.False(t, ok)

	require.True(t, store.Remove("job-1"))
	require.False(t, store.Remove("job-1"))
	_, ok = store.Get("job-1")
	require.False(t, ok)
	require.Empty(t, store.List())
}

func TestJobStoreRejectsRemovedIDs(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	require.NoError(t, store.Insert(newJob("fixed", scrape.PriorityMedium, time.Unix(100, 0))))
	require.True(t, store.Remove("fixed"))

	err := store.Insert(newJob("fixed", scrape.PriorityHigh, time.Unix(200, 0)))
	require.ErrorIs(t, err, ErrDuplicateID)
	require.Zero(t, store.Len())
	_, ok := store.Get("fixed")
	require.False(t, ok)
}

func TestJobStoreOrdering(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	base := time.Unix(1_000, 0)
	require.NoError(t, store.Insert(newJob("low", scrape.PriorityLow, base)))
	require.NoError(t, store.Insert(newJob("high-late", scrape.PriorityHigh, base.Add(time.Second))))
	require.NoError(t, store.Insert(newJob("medium", "", base)))
	require.NoError(t, store.Insert(newJob("high-early", scrape.PriorityHigh, base)))
	require.NoError(t, store.Insert(newJob("high-tie", scrape.PriorityHigh, base)))

	require.Equal(t, []string{"high-early", "high-tie", "high-late", "medium", "low"}, ids(store.List()))

	store.Update("high-early", func(j *scrape.Job) { j.Status = scrape.JobStatusCompleted })
	require.Equal(t, []string{"high-tie", "high-late", "medium", "low", "high-early"}, ids(store.List()))

	store.Update("high-early", func(j *scrape.Job) { j.Status = scrape.JobStatusPending })
	require.Equal(t, "high-early", store.List()[0].ID)
}

func TestJobStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	job := newJob("job-1", scrape.PriorityHigh, time.Unix(1, 0))
	job.Config.URLs = []string{"https://a.example", "https://b.example"}
	job.Config.URL = ""
	require.NoError(t, store.Insert(job))

	job.Config.URLs[0] = "mutated"
	listed := store.List()
	listed[0].Config.URLs[1] = "mutated"

	got, ok := store.Get("job-1")
	require.True(t, ok)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, got.Config.URLs)
}

func newJob(id string, priority scrape.Priority, created time.Time) scrape.Job {
	return scrape.Job{
		ID:        id,
		Status:    scrape.JobStatusPending,
		Config:    scrape.JobConfig{URL: "https://example.com", Priority: priority},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func ids(jobs []scrape.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.ID)
	}
	return out
}
