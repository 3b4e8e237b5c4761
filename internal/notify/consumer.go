// Package notify consumes upload notifications from Kafka and turns each one
// into an import job.
//
// A notification is the same JSON object the HTTP trigger accepts:
//
//	{"userId": "...", "filePath": "<userId>/<file>.zip"}
//
// Offsets are committed once a job is accepted or the message is known to be
// unusable. A message is never committed while the executor is busy.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pulseboard-io/healthimport/internal/importer"
	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

const (
	minFetchBytes = 1
	maxFetchBytes = 1 << 20
)

type (
	// MessageReader is the subset of *kafka.Reader the consumer needs.
	MessageReader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Submitter starts import jobs.
	Submitter interface {
		Submit(ctx context.Context, req importer.ImportRequest) (*ingestion.Job, error)
	}

	// Consumer reads upload notifications and submits imports.
	Consumer struct {
		reader       MessageReader
		submitter    Submitter
		logger       *slog.Logger
		retryBackoff time.Duration
	}
)

// NewConsumer creates a consumer-group reader for cfg.Topic.
func NewConsumer(cfg *Config, submitter Submitter, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka configuration: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: minFetchBytes,
		MaxBytes: maxFetchBytes,
	})

	return NewConsumerWithReader(reader, submitter, logger, cfg.RetryBackoff), nil
}

// NewConsumerWithReader wires a consumer around an existing reader.
func NewConsumerWithReader(
	reader MessageReader,
	submitter Submitter,
	logger *slog.Logger,
	retryBackoff time.Duration,
) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}

	return &Consumer{
		reader:       reader,
		submitter:    submitter,
		logger:       logger,
		retryBackoff: retryBackoff,
	}
}

// Run consumes until ctx is cancelled or the executor shuts down.
// A cancelled context is a clean stop and returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Upload notification consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to fetch upload notification: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}

// handle returns nil when msg may be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	logger := c.logger.With(
		slog.String("topic", msg.Topic),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
	)

	var req importer.ImportRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		logger.Warn("Skipping malformed upload notification", slog.String("error", err.Error()))

		return nil
	}

	for {
		job, err := c.submitter.Submit(ctx, req)

		switch {
		case err == nil:
			logger.Info("Import started from upload notification",
				slog.String("correlation_id", job.ID),
				slog.String("user_id", job.UserID),
				slog.String("file_path", job.ArchivePath))

			return nil
		case errors.Is(err, importer.ErrInvalidRequest):
			logger.Warn("Skipping invalid upload notification", slog.String("error", err.Error()))

			return nil
		case errors.Is(err, importer.ErrExecutorBusy):
			logger.Debug("Executor busy, retrying upload notification",
				slog.Duration("backoff", c.retryBackoff))

			if err := sleepCtx(ctx, c.retryBackoff); err != nil {
				return err
			}
		default:
			return fmt.Errorf("failed to submit import: %w", err)
		}
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
