package importer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard-io/healthimport/internal/archive"
	"github.com/pulseboard-io/healthimport/internal/ingestion"
	"github.com/pulseboard-io/healthimport/internal/storage"
)

var fixedNow = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

type orchestratorFixture struct {
	blobs *archive.LocalStore
	store *storage.MemoryStore
	orch  *Orchestrator
}

func newTestOrchestrator(t *testing.T, blobs archive.BlobStore, store *storage.MemoryStore) *Orchestrator {
	t.Helper()

	return NewOrchestrator(Dependencies{
		Blobs:      blobs,
		Records:    store,
		Aggregates: store,
		Metrics:    store,
		Events:     store,
		Logger:     quietLogger(),
		HTTPClient: archive.DefaultHTTPClient(),
		Clock:      func() time.Time { return fixedNow },
		NewID:      func() string { return "req-1" },
	}, DefaultPipelineConfig())
}

func setupOrchestrator(t *testing.T, files map[string][]byte) orchestratorFixture {
	t.Helper()

	blobs, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for name, data := range files {
		require.NoError(t, blobs.Put(context.Background(), name, data))
	}

	store := storage.NewMemoryStore()

	return orchestratorFixture{
		blobs: blobs,
		store: store,
		orch:  newTestOrchestrator(t, blobs, store),
	}
}

func sampleArchive(t *testing.T) []byte {
	t.Helper()

	return buildZip(t, map[string]string{
		"apple_health_export/export_cda.xml": "<ClinicalDocument/>",
		"apple_health_export/export.xml": exportXML(
			stepRecordXML("100", "2024-03-01 08:00:00 +0000"),
			stepRecordXML("200", "2024-03-01 09:00:00 +0000"),
			stepRecordXML("300", "2024-03-01 10:00:00 +0000"),
			`<Record type="HKQuantityTypeIdentifierDietaryWater" value="250" startDate="2024-03-01 08:00:00 +0000"/>`,
		),
	})
}

func eventTypes(events []ingestion.Event) []ingestion.EventType {
	types := make([]ingestion.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}

	return types
}

func TestOrchestrator_RunSync(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	fx := setupOrchestrator(t, map[string][]byte{"u1/export.zip": sampleArchive(t)})

	out, err := fx.orch.RunSync(ctx, ImportRequest{UserID: "u1", FilePath: "u1/export.zip"})
	require.NoError(t, err)
	require.NoError(t, out.Err)

	assert.Equal(t, ingestion.JobStateCompleted, out.Job.State)
	assert.Equal(t, ingestion.StrategySmall, out.Job.Strategy)
	assert.Equal(t, 3, out.Parse.Processed)
	assert.Equal(t, 1, out.Parse.Dropped)
	assert.Equal(t, AggregateResult{Days: 31, Succeeded: 31}, out.Aggregate)

	records := fx.store.Records()
	require.Len(t, records, 3)

	for _, r := range records {
		assert.Equal(t, "u1", r.UserID)
		assert.Equal(t, "req-1", r.Metadata.RequestID)
	}

	metrics := fx.store.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, 3, metrics[0].RecordsImported)
	assert.Equal(t, 1, metrics[0].RecordsDropped)
	assert.Equal(t, "apple_health_import_req-1", metrics[0].ExternalID)

	aggregates, err := fx.store.DailyAggregates(ctx, "u1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, aggregates, 1)
	assert.Equal(t, 3, aggregates[0].Count)
	assert.InDelta(t, 600, aggregates[0].Sum, 0)

	_, err = fx.blobs.Download(ctx, "u1/export.zip")
	require.ErrorIs(t, err, archive.ErrObjectNotFound, "archive must be removed after import")

	events := fx.store.Events()
	assert.Equal(t, []ingestion.EventType{
		ingestion.EventProcessingStarted,
		ingestion.EventFileFound,
		ingestion.EventProcessingComplete,
	}, eventTypes(events))

	for _, e := range events {
		assert.Equal(t, "req-1", e.Details["request_id"])
	}

	assert.Equal(t, 3, events[2].Details["records_processed"])
}

func TestOrchestrator_InvalidRequest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fx := setupOrchestrator(t, nil)

	tests := []struct {
		name    string
		req     ImportRequest
		message string
	}{
		{name: "missing file path", req: ImportRequest{UserID: "u1"}, message: "filePath is required"},
		{name: "missing user id", req: ImportRequest{FilePath: "u1/export.zip"}, message: "userId is required"},
		{name: "blank user id", req: ImportRequest{UserID: "  ", FilePath: "u1/export.zip"}, message: "userId is required"},
		{name: "blank file path", req: ImportRequest{UserID: "u1", FilePath: "\t\n"}, message: "filePath is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.orch.Submit(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	assert.Empty(t, fx.store.Events())
}

func TestOrchestrator_Failures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	t.Run("missing archive", func(t *testing.T) {
		fx := setupOrchestrator(t, nil)

		out, err := fx.orch.RunSync(ctx, ImportRequest{UserID: "u1", FilePath: "u1/export.zip"})
		require.NoError(t, err)
		require.ErrorIs(t, out.Err, archive.ErrArchiveNotFound)
		assert.Equal(t, ingestion.JobStateFailed, out.Job.State)

		assert.Equal(t, []ingestion.EventType{
			ingestion.EventProcessingStarted,
			ingestion.EventProcessingFailed,
		}, eventTypes(fx.store.Events()))
	})

	t.Run("archive without payload is removed", func(t *testing.T) {
		fx := setupOrchestrator(t, map[string][]byte{
			"u1/export.zip": buildZip(t, map[string]string{"readme.txt": "nothing here"}),
		})

		out, err := fx.orch.RunSync(ctx, ImportRequest{UserID: "u1", FilePath: "u1/export.zip"})
		require.NoError(t, err)
		require.ErrorIs(t, out.Err, archive.ErrMissingPayload)

		events := fx.store.Events()
		last := events[len(events)-1]
		assert.Equal(t, ingestion.EventProcessingFailed, last.Type)
		assert.Contains(t, last.Details["error"], archive.ErrMissingPayload.Error())

		_, err = fx.blobs.Download(ctx, "u1/export.zip")
		require.ErrorIs(t, err, archive.ErrObjectNotFound)
	})

	t.Run("panicking store fails the job", func(t *testing.T) {
		blobs, err := archive.NewLocalStore(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, blobs.Put(ctx, "u1/export.zip", sampleArchive(t)))

		events := &mockEventLog{}
		orch := NewOrchestrator(Dependencies{
			Blobs: blobs,
			Records: &mockRecordStore{
				InsertRecordsFunc: func(context.Context, []ingestion.Record) error {
					panic("driver bug")
				},
			},
			Aggregates: &mockAggregateStore{},
			Metrics:    storage.NewMemoryStore(),
			Events:     events,
			Logger:     quietLogger(),
			Clock:      func() time.Time { return fixedNow },
		}, DefaultPipelineConfig())

		out, err := orch.RunSync(ctx, ImportRequest{UserID: "u1", FilePath: "u1/export.zip"})
		require.NoError(t, err)
		require.ErrorIs(t, out.Err, ErrJobPanicked)
		assert.Equal(t, ingestion.JobStateFailed, out.Job.State)

		recorded := events.Events()
		assert.Equal(t, ingestion.EventProcessingFailed, recorded[len(recorded)-1].Type)
	})

	t.Run("cleanup failure does not fail the job", func(t *testing.T) {
		local, err := archive.NewLocalStore(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, local.Put(ctx, "u1/export.zip", sampleArchive(t)))

		blobs := &removeFailingStore{
			BlobStore: local,
			RemoveFunc: func(context.Context, string) error {
				return errors.New("access denied")
			},
		}

		store := storage.NewMemoryStore()
		orch := newTestOrchestrator(t, blobs, store)

		out, err := orch.RunSync(ctx, ImportRequest{UserID: "u1", FilePath: "u1/export.zip"})
		require.NoError(t, err)
		require.NoError(t, out.Err)
		assert.Equal(t, ingestion.JobStateCompleted, out.Job.State)

		assert.Equal(t, []ingestion.EventType{
			ingestion.EventProcessingStarted,
			ingestion.EventFileFound,
			ingestion.EventArchiveCleanupFailed,
			ingestion.EventProcessingComplete,
		}, eventTypes(store.Events()))
	})

	t.Run("store outage does not fail the job", func(t *testing.T) {
		fx := setupOrchestrator(t, map[string][]byte{"u1/export.zip": sampleArchive(t)})
		require.NoError(t, fx.store.Close())

		out, err := fx.orch.RunSync(ctx, ImportRequest{UserID: "u1", FilePath: "u1/export.zip"})
		require.NoError(t, err)
		require.NoError(t, out.Err)
		assert.Equal(t, 3, out.Parse.Failed)
		assert.Equal(t, 0, out.Parse.Written)
		assert.Equal(t, AggregateResult{Days: 31, Failed: 31}, out.Aggregate)
	})
}

func TestOrchestrator_Submit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	blobs, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, blobs.Put(context.Background(), "u1/export.zip", sampleArchive(t)))

	store := storage.NewMemoryStore()
	exec := NewExecutor(0, quietLogger())

	orch := NewOrchestrator(Dependencies{
		Blobs:      blobs,
		Records:    store,
		Aggregates: store,
		Metrics:    store,
		Events:     store,
		Executor:   exec,
		Logger:     quietLogger(),
		Clock:      func() time.Time { return fixedNow },
	}, DefaultPipelineConfig())

	// The request context ends immediately; the job must still finish.
	ctx, cancel := context.WithCancel(context.Background())

	job, err := orch.Submit(ctx, ImportRequest{UserID: "u1", FilePath: "u1/export.zip"})
	require.NoError(t, err)
	cancel()

	assert.Equal(t, ingestion.JobStateReceived, job.State)
	assert.NotEmpty(t, job.ID)

	exec.Wait()

	assert.Len(t, store.Records(), 3)

	events := store.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, ingestion.EventProcessingComplete, events[len(events)-1].Type)
	assert.Equal(t, job.ID, events[0].Details["request_id"])
}
