package ingestion

import (
	"context"
	"time"
)

// EventType tags an audit log entry.
type EventType string

const (
	EventProcessingStarted    EventType = "processing_started"
	EventFileFound            EventType = "file_found"
	EventProgress             EventType = "progress"
	EventAggregationFailed    EventType = "aggregation_failed"
	EventArchiveCleanupFailed EventType = "archive_cleanup_failed"
	EventProcessingComplete   EventType = "processing_complete"
	EventProcessingFailed     EventType = "processing_failed"
)

// Event is one append-only audit log entry.
// Details always carries request_id; the remaining keys depend on the stage.
type Event struct {
	UserID    string
	Type      EventType
	Message   string
	Details   map[string]any
	Source    string
	URL       string
	CreatedAt time.Time
}

type (
	// RecordStore persists validated health records.
	//
	// InsertRecords is all-or-nothing: either every record is stored or none is.
	// InsertRecord stores a single record and is used by the per-record fallback path.
	RecordStore interface {
		InsertRecords(ctx context.Context, records []Record) error
		InsertRecord(ctx context.Context, record Record) error
	}

	// AggregateStore recomputes daily rollups from stored records.
	// AggregateDay must be idempotent for a given (user, day) and unchanged records.
	AggregateStore interface {
		AggregateDay(ctx context.Context, userID string, day time.Time) error
	}

	// MetricStore registers import metrics and records one value per completed job.
	// RecordImportMetric is a no-op when the external id already exists.
	MetricStore interface {
		CreateOrGetMetric(ctx context.Context, userID, name, category, unit, source string) (string, error)
		RecordImportMetric(ctx context.Context, metric ImportMetric) error
	}

	// EventLog is the append-only audit log sink.
	EventLog interface {
		AppendEvent(ctx context.Context, event Event) error
	}

	// HealthStore is the full persistence surface used by the import pipeline.
	HealthStore interface {
		RecordStore
		AggregateStore
		MetricStore
		EventLog
		HealthCheck(ctx context.Context) error
		Close() error
	}
)
