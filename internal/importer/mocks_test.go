package importer

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulseboard-io/healthimport/internal/archive"
	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

// mockRecordStore implements ingestion.RecordStore for tests.
type mockRecordStore struct {
	InsertRecordsFunc func(ctx context.Context, records []ingestion.Record) error
	InsertRecordFunc  func(ctx context.Context, record ingestion.Record) error
}

func (m *mockRecordStore) InsertRecords(ctx context.Context, records []ingestion.Record) error {
	if m.InsertRecordsFunc != nil {
		return m.InsertRecordsFunc(ctx, records)
	}

	return nil
}

func (m *mockRecordStore) InsertRecord(ctx context.Context, record ingestion.Record) error {
	if m.InsertRecordFunc != nil {
		return m.InsertRecordFunc(ctx, record)
	}

	return nil
}

// mockAggregateStore implements ingestion.AggregateStore for tests.
type mockAggregateStore struct {
	AggregateDayFunc func(ctx context.Context, userID string, day time.Time) error
}

func (m *mockAggregateStore) AggregateDay(ctx context.Context, userID string, day time.Time) error {
	if m.AggregateDayFunc != nil {
		return m.AggregateDayFunc(ctx, userID, day)
	}

	return nil
}

// mockEventLog records appended events and can be told to fail.
type mockEventLog struct {
	mu              sync.Mutex
	events          []ingestion.Event
	AppendEventFunc func(ctx context.Context, event ingestion.Event) error
}

func (m *mockEventLog) AppendEvent(ctx context.Context, event ingestion.Event) error {
	if m.AppendEventFunc != nil {
		return m.AppendEventFunc(ctx, event)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)

	return nil
}

func (m *mockEventLog) Events() []ingestion.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]ingestion.Event(nil), m.events...)
}

// mockBatchSink collects batches handed over by the parser.
type mockBatchSink struct {
	batches        [][]ingestion.Record
	WriteBatchFunc func(ctx context.Context, records []ingestion.Record) (WriteResult, error)
}

func (m *mockBatchSink) WriteBatch(ctx context.Context, records []ingestion.Record) (WriteResult, error) {
	m.batches = append(m.batches, records)

	if m.WriteBatchFunc != nil {
		return m.WriteBatchFunc(ctx, records)
	}

	return WriteResult{Written: len(records)}, nil
}

func (m *mockBatchSink) total() int {
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}

	return n
}

// removeFailingStore wraps a BlobStore and overrides Remove.
type removeFailingStore struct {
	archive.BlobStore
	RemoveFunc func(ctx context.Context, objectPath string) error
}

func (s *removeFailingStore) Remove(ctx context.Context, objectPath string) error {
	return s.RemoveFunc(ctx, objectPath)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stepRecordXML(value, startDate string) string {
	return `<Record type="HKQuantityTypeIdentifierStepCount" sourceName="iPhone" unit="count" ` +
		`value="` + value + `" startDate="` + startDate + `" endDate="` + startDate + `"/>`
}

func exportXML(records ...string) string {
	var sb strings.Builder

	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	sb.WriteString(`<HealthData locale="en_US">` + "\n")
	sb.WriteString(`<ExportDate value="2024-03-02 10:00:00 +0000"/>` + "\n")

	for _, r := range records {
		sb.WriteString(" " + r + "\n")
	}

	sb.WriteString("</HealthData>\n")

	return sb.String()
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}
