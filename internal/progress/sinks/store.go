package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/progress"
	"github.com/JakeFAU/scrape-scheduler/internal/store"
)

// StoreSink records run history through a store.RunRepository. Queue and
// rearm events are not persisted.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger.Named("progress_store")}
}

// Consume applies the batch in order and stops at the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.apply(ctx, evt); err != nil {
			return fmt.Errorf("persist %s for job %s: %w", evt.Stage, evt.JobID, err)
		}
	}
	return nil
}

func (s *StoreSink) apply(ctx context.Context, evt progress.Event) error {
	end := store.RunEnd{
		JobID:      evt.JobID,
		At:         evt.TS,
		RetryCount: evt.RetryCount,
	}
	switch evt.Stage {
	case progress.StageJobStart:
		return s.repo.StartRun(ctx, store.RunStart{
			JobID:     evt.JobID,
			Mode:      string(evt.Mode),
			URL:       evt.URL,
			StartedAt: evt.TS,
		})
	case progress.StageJobRetry:
		end.Status = store.RunRetrying
		end.ErrorMessage = note(evt)
	case progress.StageJobDone:
		status := string(evt.Result.Status)
		end.Status = store.RunCompleted
		end.ResultStatus = &status
		end.ItemCount = evt.Items
	case progress.StageJobError:
		status := "failed"
		end.Status = store.RunFailed
		end.ResultStatus = &status
		end.ErrorMessage = note(evt)
	default:
		return nil
	}
	return s.repo.UpdateRun(ctx, end)
}

func note(evt progress.Event) *string {
	if evt.Note == "" {
		return nil
	}
	n := evt.Note
	return &n
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
