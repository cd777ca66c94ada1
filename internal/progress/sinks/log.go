package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/progress"
)

// LogSink emits one structured log line per event. Failures and retries log
// at warn level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress_log")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("mode", string(evt.Mode)),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
			zap.Int("retry_count", evt.RetryCount),
			zap.Time("ts", evt.TS),
		}
		switch evt.Stage {
		case progress.StageJobDone:
			s.logger.Info("job progress", append(fields,
				zap.Int("items", evt.Items),
				zap.String("result_status", string(evt.Result.Status)),
			)...)
		case progress.StageJobRetry, progress.StageJobError:
			s.logger.Warn("job progress", append(fields, zap.String("note", evt.Note))...)
		default:
			s.logger.Info("job progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
