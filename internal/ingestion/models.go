// Package ingestion provides the Apple Health import domain models.
//
// Records flow through three shapes:
//   - Candidate: attributes scraped from one <Record .../> element, not yet validated
//   - Record: a validated candidate tagged with its owner and provenance metadata
//   - DailyAggregate: per user, per day, per record type rollup recomputed from Records
package ingestion

import (
	"time"
)

// SourceAppleHealth tags every row and audit event written by the import pipeline.
const SourceAppleHealth = "apple_health"

type (
	// Candidate is an in-flight record extracted from the export XML.
	// Every field is the raw attribute text; empty means the attribute was absent.
	Candidate struct {
		Type          string
		Value         string
		Unit          string
		StartDate     string
		EndDate       string
		SourceName    string
		SourceVersion string
		Device        string
	}

	// Record is the persisted form of a validated Candidate.
	Record struct {
		UserID        string
		RecordType    RecordType
		Value         float64
		Unit          string
		StartDate     time.Time
		EndDate       *time.Time
		SourceName    string
		SourceVersion string
		Device        string
		Metadata      RecordMetadata
	}

	// RecordMetadata is stored alongside each record as a JSON blob.
	RecordMetadata struct {
		RequestID    string `json:"request_id"`   //nolint: tagliatelle
		ImportedFrom string `json:"imported_from"` //nolint: tagliatelle
	}

	// DailyAggregate summarizes one record type for one user on one UTC calendar day.
	DailyAggregate struct {
		UserID     string
		Day        time.Time
		RecordType RecordType
		Count      int
		Sum        float64
		Min        float64
		Max        float64
		Avg        float64
	}

	// ImportMetric is the single audit row written at the end of a successful job.
	ImportMetric struct {
		MetricID        string
		UserID          string
		RequestID       string
		ExternalID      string
		RecordsImported int
		RecordsDropped  int
		RecordsFailed   int
		RecordedAt      time.Time
	}
)

// ImportMetricName is the metric name registered through create_or_get_metric.
const (
	ImportMetricName     = "Apple Health Import"
	ImportMetricCategory = "data_import"
	ImportMetricUnit     = "records"
)

// ExternalIDForRequest derives the unique import metric external id from a correlation id.
// Re-recording a metric for the same request id is a no-op at the store layer.
func ExternalIDForRequest(requestID string) string {
	return SourceAppleHealth + "_import_" + requestID
}
