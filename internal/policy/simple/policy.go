// Package simple contains the pass-through fetch limiter used when per-domain
// rate limiting is disabled.
package simple

import (
	"context"
	"fmt"
)

// Limiter never throttles; it only honours cancellation.
type Limiter struct{}

// New creates a new Limiter.
func New() *Limiter {
	return &Limiter{}
}

// Wait returns immediately unless ctx is already done.
func (Limiter) Wait(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("limiter wait: %w", err)
	}
	return nil
}
