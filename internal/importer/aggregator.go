package importer

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

// AggregateResult summarizes one aggregation pass.
type AggregateResult struct {
	Days      int
	Succeeded int
	Failed    int
}

// Aggregator recomputes daily aggregates for a trailing window of UTC days.
type Aggregator struct {
	store    ingestion.AggregateStore
	reporter *Reporter
	days     int
	logger   *slog.Logger
	now      func() time.Time
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithClock overrides the aggregator's notion of today.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = now
	}
}

// NewAggregator creates an Aggregator covering [today-days, today].
func NewAggregator(
	store ingestion.AggregateStore,
	reporter *Reporter,
	days int,
	logger *slog.Logger,
	opts ...AggregatorOption,
) *Aggregator {
	a := &Aggregator{
		store:    store,
		reporter: reporter,
		days:     days,
		logger:   logger,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Window returns the days aggregated for the given instant, oldest first.
func (a *Aggregator) Window(now time.Time) []time.Time {
	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	days := make([]time.Time, 0, a.days+1)
	for offset := a.days; offset >= 0; offset-- {
		days = append(days, today.AddDate(0, 0, -offset))
	}

	return days
}

// Aggregate recomputes every day of the window sequentially. A failing day is
// reported as aggregation_failed and the remaining days still run.
func (a *Aggregator) Aggregate(ctx context.Context, job *ingestion.Job) AggregateResult {
	window := a.Window(a.now())
	result := AggregateResult{Days: len(window)}

	for _, day := range window {
		if err := a.store.AggregateDay(ctx, job.UserID, day); err != nil {
			result.Failed++

			a.logger.Warn("Daily aggregation failed",
				slog.String("correlation_id", job.ID),
				slog.String("day", day.Format(time.DateOnly)),
				slog.String("error", err.Error()))

			a.reporter.Report(ctx, job, ingestion.EventAggregationFailed,
				"Daily aggregation failed for "+day.Format(time.DateOnly),
				map[string]any{
					"date":  day.Format(time.DateOnly),
					"error": err.Error(),
				})

			continue
		}

		result.Succeeded++
	}

	return result
}
