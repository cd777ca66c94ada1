package scrape

import (
	"context"
	"time"
)

// Executor performs the fetch, extraction and categorization for one
// single-URL config. Implementations must be safe to retry and must not
// assume exclusive access to shared resources.
type Executor interface {
	Execute(ctx context.Context, cfg JobConfig) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, cfg JobConfig) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, cfg JobConfig) (Result, error) {
	return f(ctx, cfg)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Limiter throttles outbound fetches.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and result IDs.
type IDGenerator interface {
	NewID() (string, error)
}
