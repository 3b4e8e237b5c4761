// Package importer implements the Apple Health import pipeline: parsing,
// batch writing, daily aggregation, audit reporting and job orchestration.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"

	"github.com/pulseboard-io/healthimport/internal/archive"
	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

// Orchestrator errors.
var (
	ErrInvalidRequest = errors.New("invalid import request")
	ErrJobPanicked    = errors.New("import job panicked")
)

// ImportRequest asks for one uploaded archive to be imported.
type ImportRequest struct {
	UserID   string `json:"userId"   validate:"required,notblank"`
	FilePath string `json:"filePath" validate:"required,notblank"`
}

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}

	return v
}

// Validate checks that both fields are present and not whitespace only.
func (r ImportRequest) Validate() error {
	err := requestValidator.Struct(r)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, jsonFieldName(fieldErrs[0].Field()))
	}

	return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
}

func jsonFieldName(field string) string {
	switch field {
	case "UserID":
		return "userId"
	case "FilePath":
		return "filePath"
	default:
		return field
	}
}

// Outcome is the result of one job run.
type Outcome struct {
	Job       *ingestion.Job
	Parse     ParseResult
	Aggregate AggregateResult
	Err       error
}

// Dependencies are the collaborators of the Orchestrator.
// The process entry point owns their lifecycles.
type Dependencies struct {
	Blobs      archive.BlobStore
	Records    ingestion.RecordStore
	Aggregates ingestion.AggregateStore
	Metrics    ingestion.MetricStore
	Events     ingestion.EventLog
	Executor   *Executor
	Logger     *slog.Logger
	// HTTPClient fetches signed URLs. Defaults to archive.DefaultHTTPClient.
	HTTPClient *http.Client
	// Clock defaults to time.Now.
	Clock func() time.Time
	// NewID defaults to uuid.NewString.
	NewID func() string
}

// Orchestrator accepts import requests and runs the pipeline for each:
// archive read, parse and write, aggregation, import metric, cleanup.
type Orchestrator struct {
	blobs      archive.BlobStore
	reader     *archive.Reader
	parser     *Parser
	writer     *Writer
	aggregator *Aggregator
	metrics    ingestion.MetricStore
	reporter   *Reporter
	executor   *Executor
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewOrchestrator wires the pipeline stages from deps and cfg.
func NewOrchestrator(deps Dependencies, cfg PipelineConfig) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	executor := deps.Executor
	if executor == nil {
		executor = NewExecutor(0, logger)
	}

	readerOpts := []archive.ReaderOption{archive.WithLogger(logger)}
	if deps.HTTPClient != nil {
		readerOpts = append(readerOpts, archive.WithHTTPClient(deps.HTTPClient))
	}

	reporter := NewReporter(deps.Events, logger)
	reporter.now = now

	return &Orchestrator{
		blobs:      deps.Blobs,
		reader:     archive.NewReader(deps.Blobs, cfg.ReaderConfig(), readerOpts...),
		parser:     NewParser(cfg, logger),
		writer:     NewWriter(deps.Records, logger),
		aggregator: NewAggregator(deps.Aggregates, reporter, cfg.AggregationDays, logger, WithClock(now)),
		metrics:    deps.Metrics,
		reporter:   reporter,
		executor:   executor,
		logger:     logger,
		now:        now,
		newID:      newID,
	}
}

// Submit validates req, starts the import in the background and returns the
// job as it was accepted. Invalid requests start nothing and log nothing.
func (o *Orchestrator) Submit(ctx context.Context, req ImportRequest) (*ingestion.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job := ingestion.NewJob(o.newID(), req.UserID, req.FilePath, o.now().UTC())
	accepted := *job
	detached := context.WithoutCancel(ctx)

	err := o.executor.Submit("import:"+job.ID, func() {
		o.Run(detached, job)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule import: %w", err)
	}

	o.logger.Info("Import accepted",
		slog.String("correlation_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("file_path", job.ArchivePath))

	return &accepted, nil
}

// RunSync validates req and runs the import in the calling goroutine.
func (o *Orchestrator) RunSync(ctx context.Context, req ImportRequest) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}

	job := ingestion.NewJob(o.newID(), req.UserID, req.FilePath, o.now().UTC())

	return o.Run(ctx, job), nil
}

// Run executes every stage for job. Errors and panics become a
// processing_failed event. The archive is removed whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context, job *ingestion.Job) (out Outcome) {
	out.Job = job
	logger := o.logger.With(slog.String("correlation_id", job.ID), slog.String("user_id", job.UserID))

	defer func() {
		if rec := recover(); rec != nil {
			out.Err = fmt.Errorf("%w: %v", ErrJobPanicked, rec)

			logger.Error("Import job panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
		}

		if out.Err == nil {
			return
		}

		job.Fail()

		logger.Error("Import job failed", slog.String("error", out.Err.Error()))

		o.reporter.Report(ctx, job, ingestion.EventProcessingFailed, "Apple Health import failed", map[string]any{
			"error":             out.Err.Error(),
			"records_processed": out.Parse.Processed,
			"duration_ms":       o.now().Sub(job.StartedAt).Milliseconds(),
		})

		o.removeArchive(ctx, job, logger)
	}()

	out.Err = o.run(ctx, job, logger, &out)

	return out
}

func (o *Orchestrator) run(ctx context.Context, job *ingestion.Job, logger *slog.Logger, out *Outcome) error {
	o.reporter.Report(ctx, job, ingestion.EventProcessingStarted, "Apple Health import started", map[string]any{
		"file_path": job.ArchivePath,
	})

	loc, err := o.reader.Locate(ctx, job.ArchivePath)
	if err != nil {
		return err
	}

	job.Strategy = loc.Strategy
	if err := job.Transition(ingestion.JobStateStrategySelected); err != nil {
		return err
	}

	o.reporter.Report(ctx, job, ingestion.EventFileFound, "Archive found", map[string]any{
		"file_size": loc.Size,
		"strategy":  string(loc.Strategy),
	})

	data, err := o.reader.Fetch(ctx, loc)
	if err != nil {
		return err
	}

	payload, err := o.reader.Extract(data)
	if err != nil {
		return err
	}
	defer payload.Close()

	if err := job.Transition(ingestion.JobStateParsing); err != nil {
		return err
	}

	logger.Info("Parsing export payload",
		slog.String("entry", payload.EntryName),
		slog.Uint64("entry_bytes", payload.EntrySize),
		slog.String("strategy", string(loc.Strategy)))

	out.Parse, err = o.parser.Parse(ctx, payload.Body, ParseRequest{
		UserID:    job.UserID,
		RequestID: job.ID,
		Sink:      o.writer,
		OnProgress: func(processed int) {
			o.reporter.Report(ctx, job, ingestion.EventProgress, "Import in progress", map[string]any{
				"records_processed": processed,
			})
		},
	})
	if err != nil {
		return err
	}

	logger.Info("Export payload parsed",
		slog.Int("processed", out.Parse.Processed),
		slog.Int("dropped", out.Parse.Dropped),
		slog.Int("failed", out.Parse.Failed),
		slog.Int("batches", out.Parse.Batches),
		slog.Int64("bytes", out.Parse.BytesRead))

	if err := job.Transition(ingestion.JobStateAggregating); err != nil {
		return err
	}

	out.Aggregate = o.aggregator.Aggregate(ctx, job)

	o.recordMetric(ctx, job, out.Parse, logger)

	if err := job.Transition(ingestion.JobStateCleanup); err != nil {
		return err
	}

	o.removeArchive(ctx, job, logger)

	if err := job.Transition(ingestion.JobStateCompleted); err != nil {
		return err
	}

	o.reporter.Report(ctx, job, ingestion.EventProcessingComplete, "Apple Health import completed", map[string]any{
		"records_processed":  out.Parse.Processed,
		"records_dropped":    out.Parse.Dropped,
		"records_failed":     out.Parse.Failed,
		"days_aggregated":    out.Aggregate.Succeeded,
		"aggregation_failed": out.Aggregate.Failed,
		"strategy":           string(job.Strategy),
		"duration_ms":        o.now().Sub(job.StartedAt).Milliseconds(),
	})

	logger.Info("Import job completed", slog.Int("processed", out.Parse.Processed))

	return nil
}

// recordMetric writes the import summary metric. Failures are logged only:
// the records are already stored and the job still completes.
func (o *Orchestrator) recordMetric(ctx context.Context, job *ingestion.Job, parsed ParseResult, logger *slog.Logger) {
	metricID, err := o.metrics.CreateOrGetMetric(ctx, job.UserID,
		ingestion.ImportMetricName, ingestion.ImportMetricCategory, ingestion.ImportMetricUnit,
		ingestion.SourceAppleHealth)
	if err != nil {
		logger.Error("Failed to resolve import metric", slog.String("error", err.Error()))

		return
	}

	err = o.metrics.RecordImportMetric(ctx, ingestion.ImportMetric{
		MetricID:        metricID,
		UserID:          job.UserID,
		RequestID:       job.ID,
		ExternalID:      ingestion.ExternalIDForRequest(job.ID),
		RecordsImported: parsed.Written,
		RecordsDropped:  parsed.Dropped,
		RecordsFailed:   parsed.Failed,
		RecordedAt:      o.now().UTC(),
	})
	if err != nil {
		logger.Error("Failed to record import metric", slog.String("error", err.Error()))
	}
}

// removeArchive deletes the source archive. Failure is non-fatal and an
// archive that is already gone is not a failure.
func (o *Orchestrator) removeArchive(ctx context.Context, job *ingestion.Job, logger *slog.Logger) {
	err := o.blobs.Remove(ctx, job.ArchivePath)
	if err == nil || errors.Is(err, archive.ErrObjectNotFound) {
		return
	}

	logger.Warn("Failed to remove source archive", slog.String("error", err.Error()))

	o.reporter.Report(ctx, job, ingestion.EventArchiveCleanupFailed, "Failed to remove source archive", map[string]any{
		"error": err.Error(),
	})
}
