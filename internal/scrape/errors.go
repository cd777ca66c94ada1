package scrape

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig rejects a submission before it enters the job store.
	ErrInvalidConfig = errors.New("invalid job config")
	// ErrJobNotFound signals that no job with the given ID exists.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotScheduled is returned for schedule operations on non-scheduled jobs.
	ErrNotScheduled = errors.New("job has no schedule")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// ExecutionError is returned by an Executor when a fetch or extraction fails.
// The queue absorbs it into its retry policy.
type ExecutionError struct {
	URL     string
	Message string
	Err     error
}

// NewExecutionError wraps err for the given URL.
func NewExecutionError(url string, err error) *ExecutionError {
	msg := "execution failed"
	if err != nil {
		msg = err.Error()
	}
	return &ExecutionError{URL: url, Message: msg, Err: err}
}

func (e *ExecutionError) Error() string {
	if e.URL == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.URL, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
