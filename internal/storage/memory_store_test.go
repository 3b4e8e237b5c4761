package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

var errRejected = errors.New("rejected")

func stepRecord(userID string, value float64, start time.Time) ingestion.Record {
	return ingestion.Record{
		UserID:     userID,
		RecordType: ingestion.StepCount,
		Value:      value,
		Unit:       "count",
		StartDate:  start,
		Metadata:   ingestion.RecordMetadata{RequestID: "req-1", ImportedFrom: ingestion.SourceAppleHealth},
	}
}

func TestMemoryStore_InsertRecords(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	day := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("bulk insert stores every record", func(t *testing.T) {
		store := NewMemoryStore()

		err := store.InsertRecords(ctx, []ingestion.Record{
			stepRecord("u1", 100, day),
			stepRecord("u1", 200, day),
		})
		require.NoError(t, err)
		assert.Len(t, store.Records(), 2)
	})

	t.Run("one rejected record fails the whole batch", func(t *testing.T) {
		store := NewMemoryStore(WithRejectFunc(func(r ingestion.Record) error {
			if r.Value == 13 {
				return errRejected
			}

			return nil
		}))

		err := store.InsertRecords(ctx, []ingestion.Record{
			stepRecord("u1", 100, day),
			stepRecord("u1", 13, day),
		})
		require.ErrorIs(t, err, ErrRecordRejected)
		assert.Empty(t, store.Records())

		require.NoError(t, store.InsertRecord(ctx, stepRecord("u1", 100, day)))
		require.ErrorIs(t, store.InsertRecord(ctx, stepRecord("u1", 13, day)), errRejected)
		assert.Len(t, store.Records(), 1)
	})

	t.Run("zero values violate the table constraint", func(t *testing.T) {
		store := NewMemoryStore()

		err := store.InsertRecord(ctx, stepRecord("u1", 0, day))
		require.ErrorIs(t, err, ingestion.ErrZeroValue)
	})

	t.Run("closed store refuses writes", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Close())

		require.ErrorIs(t, store.InsertRecords(ctx, []ingestion.Record{stepRecord("u1", 1, day)}), ErrClosed)
		require.ErrorIs(t, store.HealthCheck(ctx), ErrClosed)
	})
}

func TestMemoryStore_AggregateDay(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	store := NewMemoryStore()
	require.NoError(t, store.InsertRecords(ctx, []ingestion.Record{
		stepRecord("u1", 100, day.Add(time.Hour)),
		stepRecord("u1", 300, day.Add(23*time.Hour)),
		stepRecord("u1", 999, day.Add(24*time.Hour)), // next day
		stepRecord("u2", 50, day.Add(time.Hour)),
	}))

	require.NoError(t, store.AggregateDay(ctx, "u1", day.Add(12*time.Hour)))

	aggregates, err := store.DailyAggregates(ctx, "u1", day)
	require.NoError(t, err)
	require.Len(t, aggregates, 1)

	want := ingestion.DailyAggregate{
		UserID:     "u1",
		Day:        day,
		RecordType: ingestion.StepCount,
		Count:      2,
		Sum:        400,
		Min:        100,
		Max:        300,
		Avg:        200,
	}
	assert.Equal(t, want, aggregates[0])

	t.Run("is idempotent", func(t *testing.T) {
		require.NoError(t, store.AggregateDay(ctx, "u1", day))

		again, err := store.DailyAggregates(ctx, "u1", day)
		require.NoError(t, err)
		assert.Equal(t, aggregates, again)
	})

	t.Run("does not touch other users", func(t *testing.T) {
		other, err := store.DailyAggregates(ctx, "u2", day)
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestMemoryStore_Metrics(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryStore()

	id1, err := store.CreateOrGetMetric(ctx, "u1", ingestion.ImportMetricName,
		ingestion.ImportMetricCategory, ingestion.ImportMetricUnit, ingestion.SourceAppleHealth)
	require.NoError(t, err)

	id2, err := store.CreateOrGetMetric(ctx, "u1", ingestion.ImportMetricName,
		ingestion.ImportMetricCategory, ingestion.ImportMetricUnit, ingestion.SourceAppleHealth)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	metric := ingestion.ImportMetric{
		MetricID:        id1,
		UserID:          "u1",
		RequestID:       "req-1",
		ExternalID:      ingestion.ExternalIDForRequest("req-1"),
		RecordsImported: 3,
	}

	require.NoError(t, store.RecordImportMetric(ctx, metric))

	metric.RecordsImported = 99
	require.NoError(t, store.RecordImportMetric(ctx, metric))

	metrics := store.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, 3, metrics[0].RecordsImported)
}

func TestMemoryStore_ListEvents(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewMemoryStore()

	for _, eventType := range []ingestion.EventType{
		ingestion.EventProcessingStarted,
		ingestion.EventFileFound,
		ingestion.EventProcessingComplete,
	} {
		require.NoError(t, store.AppendEvent(ctx, ingestion.Event{UserID: "u1", Type: eventType}))
	}

	require.NoError(t, store.AppendEvent(ctx, ingestion.Event{UserID: "u2", Type: ingestion.EventProcessingFailed}))

	events, err := store.ListEvents(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ingestion.EventProcessingComplete, events[0].Type)
	assert.Equal(t, ingestion.EventFileFound, events[1].Type)
	assert.False(t, events[0].CreatedAt.IsZero())
}
