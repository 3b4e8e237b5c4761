package importer

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

// Reporter appends job progress and error events to the audit log.
// Report never fails; sink errors are logged and dropped so that
// observability can never break the pipeline it observes.
type Reporter struct {
	sink   ingestion.EventLog
	logger *slog.Logger
	now    func() time.Time
}

// NewReporter creates a Reporter writing to sink.
func NewReporter(sink ingestion.EventLog, logger *slog.Logger) *Reporter {
	return &Reporter{
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Report appends one event for job. details is copied; request_id is always set.
func (r *Reporter) Report(
	ctx context.Context,
	job *ingestion.Job,
	eventType ingestion.EventType,
	message string,
	details map[string]any,
) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Audit log sink panicked",
				slog.String("correlation_id", job.ID),
				slog.String("event_type", string(eventType)),
				slog.Any("panic", rec))
		}
	}()

	payload := make(map[string]any, len(details)+1)
	maps.Copy(payload, details)
	payload["request_id"] = job.ID

	event := ingestion.Event{
		UserID:    job.UserID,
		Type:      eventType,
		Message:   message,
		Details:   payload,
		Source:    ingestion.SourceAppleHealth,
		URL:       job.ArchivePath,
		CreatedAt: r.now().UTC(),
	}

	if err := r.sink.AppendEvent(ctx, event); err != nil {
		r.logger.Warn("Failed to append audit event",
			slog.String("correlation_id", job.ID),
			slog.String("event_type", string(eventType)),
			slog.String("error", err.Error()))
	}
}
