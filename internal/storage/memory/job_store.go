package memory

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// ErrDuplicateID is returned by Insert for an ID the store has already held,
// even if that job has since been removed.
var ErrDuplicateID = errors.New("job id already used")

// JobStore is the queue's ordered, in-memory collection of jobs. It is
// re-sorted after every insertion and update: pending jobs first, then by
// priority, then oldest CreatedAt, then insertion order.
type JobStore struct {
	mu    sync.RWMutex
	seq   uint64
	order []*entry
	byID  map[string]*entry
	// issued remembers every inserted ID so removed IDs are never reused.
	issued map[string]struct{}
}

type entry struct {
	seq uint64
	job scrape.Job
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		byID:   make(map[string]*entry),
		issued: make(map[string]struct{}),
	}
}

// Insert adds a job. IDs must be unique for the lifetime of the store.
func (s *JobStore) Insert(job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, used := s.issued[job.ID]; used {
		return fmt.Errorf("insert job %s: %w", job.ID, ErrDuplicateID)
	}
	s.issued[job.ID] = struct{}{}
	s.seq++
	e := &entry{seq: s.seq, job: job.Clone()}
	s.byID[job.ID] = e
	s.order = append(s.order, e)
	s.sortLocked()
	return nil
}

// Get returns a copy of the job with the given ID.
func (s *JobStore) Get(id string) (scrape.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return scrape.Job{}, false
	}
	return e.job.Clone(), true
}

// Update applies fn to the stored job and re-sorts the collection. It
// returns a copy of the updated job, or false when the ID is unknown.
func (s *JobStore) Update(id string, fn func(*scrape.Job)) (scrape.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return scrape.Job{}, false
	}
	fn(&e.job)
	e.job.ID = id
	s.sortLocked()
	return e.job.Clone(), true
}

// Remove deletes the job and reports whether it existed.
func (s *JobStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	s.order = slices.DeleteFunc(s.order, func(candidate *entry) bool { return candidate == e })
	return true
}

// List returns copies of all jobs in store order.
func (s *JobStore) List() []scrape.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Job, 0, len(s.order))
	for _, e := range s.order {
		out = append(out, e.job.Clone())
	}
	return out
}

// Len returns the number of stored jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *JobStore) sortLocked() {
	slices.SortStableFunc(s.order, func(a, b *entry) int {
		if pa, pb := a.job.Status == scrape.JobStatusPending, b.job.Status == scrape.JobStatusPending; pa != pb {
			if pa {
				return -1
			}
			return 1
		}
		if ra, rb := a.job.Config.Priority.Rank(), b.job.Config.Priority.Rank(); ra != rb {
			return ra - rb
		}
		if c := a.job.CreatedAt.Compare(b.job.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
}
