package importer

import (
	"context"
	"log/slog"

	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

// WriteResult reports how many records of a batch were stored.
type WriteResult struct {
	Written int
	Failed  int
	// FellBack is true when the bulk insert failed and records were written one by one.
	FellBack bool
}

// Writer persists record batches with per-record fault isolation.
//
// Each batch is first attempted as one all-or-nothing insert. When that fails,
// every record is inserted individually; a record that still fails is logged
// and counted, never retried, and never fails the batch.
type Writer struct {
	store  ingestion.RecordStore
	logger *slog.Logger
}

// NewWriter creates a Writer over store.
func NewWriter(store ingestion.RecordStore, logger *slog.Logger) *Writer {
	return &Writer{store: store, logger: logger}
}

// WriteBatch stores records. It only returns an error when ctx is done.
func (w *Writer) WriteBatch(ctx context.Context, records []ingestion.Record) (WriteResult, error) {
	if len(records) == 0 {
		return WriteResult{}, nil
	}

	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	err := w.store.InsertRecords(ctx, records)
	if err == nil {
		return WriteResult{Written: len(records)}, nil
	}

	requestID := records[0].Metadata.RequestID

	w.logger.Warn("Bulk insert failed, falling back to per-record inserts",
		slog.String("correlation_id", requestID),
		slog.Int("batch_size", len(records)),
		slog.String("error", err.Error()))

	result := WriteResult{FellBack: true}

	for i := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := w.store.InsertRecord(ctx, records[i]); err != nil {
			result.Failed++

			w.logger.Error("Failed to insert record",
				slog.String("correlation_id", requestID),
				slog.String("record_type", string(records[i].RecordType)),
				slog.Time("start_date", records[i].StartDate),
				slog.String("error", err.Error()))

			continue
		}

		result.Written++
	}

	return result, nil
}
