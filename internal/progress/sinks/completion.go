package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/progress"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

const hashPrefixLen = 12

// Completion is the message published when a job reaches a terminal state.
type Completion struct {
	JobID        string              `json:"job_id"`
	ResultID     string              `json:"result_id,omitempty"`
	Status       string              `json:"status"`
	ResultStatus scrape.ResultStatus `json:"result_status,omitempty"`
	Mode         scrape.Mode         `json:"mode"`
	URL          string              `json:"url"`
	Items        int                 `json:"items"`
	RetryCount   int                 `json:"retry_count"`
	Error        string              `json:"error,omitempty"`
	ArchiveURI   string              `json:"archive_uri,omitempty"`
	ContentHash  string              `json:"content_hash,omitempty"`
	FinishedAt   time.Time           `json:"finished_at"`
}

// Attributes exposes routing keys as message attributes.
func (c Completion) Attributes() map[string]string {
	return map[string]string{
		"job_id": c.JobID,
		"status": c.Status,
		"mode":   string(c.Mode),
	}
}

// CompletionConfig controls archive paths and the publish topic.
type CompletionConfig struct {
	// Prefix is prepended to archive object paths.
	Prefix string
	// Topic names the publish destination; empty disables publishing.
	Topic string
}

// CompletionSink archives completed results as JSON and publishes a
// Completion for every terminal event. Either dependency may be nil.
type CompletionSink struct {
	blobs     scrape.BlobStore
	hasher    scrape.Hasher
	publisher scrape.Publisher
	cfg       CompletionConfig
	logger    *zap.Logger
}

// NewCompletionSink wires the archive and publish dependencies.
func NewCompletionSink(
	blobs scrape.BlobStore,
	hasher scrape.Hasher,
	publisher scrape.Publisher,
	cfg CompletionConfig,
	logger *zap.Logger,
) *CompletionSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &CompletionSink{
		blobs:     blobs,
		hasher:    hasher,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("progress_completion"),
	}
}

// Consume handles terminal events. A failing event does not prevent the rest
// of the batch from being processed; all errors are joined.
func (s *CompletionSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		if err := s.handle(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *CompletionSink) handle(ctx context.Context, evt progress.Event) error {
	msg := Completion{
		JobID:      evt.JobID,
		Status:     string(scrape.JobStatusFailed),
		Mode:       evt.Mode,
		URL:        evt.URL,
		Items:      evt.Items,
		RetryCount: evt.RetryCount,
		Error:      evt.Note,
		FinishedAt: evt.TS,
	}
	if evt.Stage == progress.StageJobDone {
		msg.Status = string(scrape.JobStatusCompleted)
		msg.ResultID = evt.Result.ID
		msg.ResultStatus = evt.Result.Status
		msg.Error = ""
		if s.blobs != nil {
			uri, hash, err := s.archive(ctx, evt)
			if err != nil {
				return err
			}
			msg.ArchiveURI = uri
			msg.ContentHash = hash
		}
	}
	if s.publisher == nil || s.cfg.Topic == "" {
		return nil
	}
	id, err := s.publisher.Publish(ctx, s.cfg.Topic, msg)
	if err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	s.logger.Debug("completion published", zap.String("job_id", evt.JobID), zap.String("message_id", id))
	return nil
}

func (s *CompletionSink) archive(ctx context.Context, evt progress.Event) (string, string, error) {
	data, err := json.Marshal(evt.Result)
	if err != nil {
		return "", "", fmt.Errorf("marshal result: %w", err)
	}
	hash := ""
	if s.hasher != nil {
		if hash, err = s.hasher.Hash(data); err != nil {
			return "", "", fmt.Errorf("hash result: %w", err)
		}
	}
	uri, err := s.blobs.PutObject(ctx, s.objectPath(evt, hash), "application/json", data)
	if err != nil {
		return "", "", fmt.Errorf("archive result: %w", err)
	}
	return uri, hash, nil
}

// objectPath lays results out as <prefix>/<job>/<utc timestamp>[-<hash>].json
// so scheduled occurrences of one job sort chronologically.
func (s *CompletionSink) objectPath(evt progress.Event, hash string) string {
	name := evt.TS.UTC().Format("20060102T150405Z")
	if len(hash) > hashPrefixLen {
		hash = hash[:hashPrefixLen]
	}
	if hash != "" {
		name += "-" + hash
	}
	return path.Join(s.cfg.Prefix, evt.JobID, name+".json")
}

// Close implements the Sink interface; it performs no action.
func (s *CompletionSink) Close(context.Context) error {
	return nil
}
