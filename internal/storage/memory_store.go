package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

// ErrClosed is returned by a MemoryStore after Close.
var ErrClosed = errors.New("store is closed")

type (
	// MemoryStore is a thread-safe in-memory implementation of ingestion.HealthStore.
	// It mirrors the PostgreSQL semantics the pipeline relies on: bulk inserts are
	// all-or-nothing, aggregation is idempotent and metric values are unique per
	// external id.
	MemoryStore struct {
		mutex      sync.RWMutex
		records    []ingestion.Record
		aggregates map[aggregateKey]ingestion.DailyAggregate
		metrics    map[metricKey]string
		values     map[string]ingestion.ImportMetric // keyed by external id
		events     []ingestion.Event
		reject     func(ingestion.Record) error
		closed     bool
	}

	aggregateKey struct {
		userID     string
		day        string
		recordType ingestion.RecordType
	}

	metricKey struct {
		userID string
		name   string
		source string
	}

	// MemoryStoreOption configures a MemoryStore.
	MemoryStoreOption func(*MemoryStore)
)

// WithRejectFunc installs a hook that refuses individual records, standing in
// for database constraint violations. A rejected record fails the whole bulk
// insert and its own single insert.
func WithRejectFunc(reject func(ingestion.Record) error) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.reject = reject
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		aggregates: make(map[aggregateKey]ingestion.DailyAggregate),
		metrics:    make(map[metricKey]string),
		values:     make(map[string]ingestion.ImportMetric),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// InsertRecords stores all records or none.
func (s *MemoryStore) InsertRecords(ctx context.Context, records []ingestion.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrClosed
	}

	for i := range records {
		if err := s.check(records[i]); err != nil {
			return fmt.Errorf("%w: batch item %d: %w", ErrRecordRejected, i, err)
		}
	}

	s.records = append(s.records, records...)

	return nil
}

// InsertRecord stores a single record.
func (s *MemoryStore) InsertRecord(ctx context.Context, record ingestion.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.check(record); err != nil {
		return fmt.Errorf("%w: %w", ErrRecordRejected, err)
	}

	s.records = append(s.records, record)

	return nil
}

// check mirrors the health_records table constraints plus the reject hook.
func (s *MemoryStore) check(record ingestion.Record) error {
	if record.Value == 0 {
		return ingestion.ErrZeroValue
	}

	if s.reject != nil {
		return s.reject(record)
	}

	return nil
}

// AggregateDay recomputes the aggregates of userID for the UTC day containing day.
func (s *MemoryStore) AggregateDay(ctx context.Context, userID string, day time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrClosed
	}

	start := truncateDay(day)
	end := start.AddDate(0, 0, 1)
	dayKey := start.Format(time.DateOnly)

	for key := range s.aggregates {
		if key.userID == userID && key.day == dayKey {
			delete(s.aggregates, key)
		}
	}

	for _, r := range s.records {
		if r.UserID != userID {
			continue
		}

		startDate := r.StartDate.UTC()
		if startDate.Before(start) || !startDate.Before(end) {
			continue
		}

		key := aggregateKey{userID: userID, day: dayKey, recordType: r.RecordType}

		agg, ok := s.aggregates[key]
		if !ok {
			agg = ingestion.DailyAggregate{
				UserID:     userID,
				Day:        start,
				RecordType: r.RecordType,
				Min:        r.Value,
				Max:        r.Value,
			}
		}

		agg.Count++
		agg.Sum += r.Value
		agg.Min = min(agg.Min, r.Value)
		agg.Max = max(agg.Max, r.Value)
		agg.Avg = agg.Sum / float64(agg.Count)

		s.aggregates[key] = agg
	}

	return nil
}

// CreateOrGetMetric returns the id of the (user, name, source) metric, creating it on first use.
func (s *MemoryStore) CreateOrGetMetric(
	ctx context.Context,
	userID, name, _, _, source string,
) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	key := metricKey{userID: userID, name: name, source: source}
	if id, ok := s.metrics[key]; ok {
		return id, nil
	}

	id := uuid.NewString()
	s.metrics[key] = id

	return id, nil
}

// RecordImportMetric stores the import summary; repeated external ids are ignored.
func (s *MemoryStore) RecordImportMetric(ctx context.Context, metric ingestion.ImportMetric) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, exists := s.values[metric.ExternalID]; exists {
		return nil
	}

	s.values[metric.ExternalID] = metric

	return nil
}

// AppendEvent appends an audit event.
func (s *MemoryStore) AppendEvent(ctx context.Context, event ingestion.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrClosed
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	s.events = append(s.events, event)

	return nil
}

// ListEvents returns the most recent events of userID, newest first.
func (s *MemoryStore) ListEvents(_ context.Context, userID string, limit int) ([]ingestion.Event, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var events []ingestion.Event

	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(events) < limit); i-- {
		if s.events[i].UserID == userID {
			events = append(events, s.events[i])
		}
	}

	return events, nil
}

// DailyAggregates returns the stored aggregates of userID for one UTC day, ordered by record type.
func (s *MemoryStore) DailyAggregates(_ context.Context, userID string, day time.Time) ([]ingestion.DailyAggregate, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	dayKey := truncateDay(day).Format(time.DateOnly)

	var aggregates []ingestion.DailyAggregate

	for key, agg := range s.aggregates {
		if key.userID == userID && key.day == dayKey {
			aggregates = append(aggregates, agg)
		}
	}

	slices.SortFunc(aggregates, func(a, b ingestion.DailyAggregate) int {
		switch {
		case a.RecordType < b.RecordType:
			return -1
		case a.RecordType > b.RecordType:
			return 1
		default:
			return 0
		}
	})

	return aggregates, nil
}

// Records returns a copy of all stored records.
func (s *MemoryStore) Records() []ingestion.Record {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return slices.Clone(s.records)
}

// Metrics returns a copy of all recorded import metrics.
func (s *MemoryStore) Metrics() []ingestion.ImportMetric {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	metrics := make([]ingestion.ImportMetric, 0, len(s.values))
	for _, m := range s.values {
		metrics = append(metrics, m)
	}

	return metrics
}

// Events returns a copy of the audit log in append order.
func (s *MemoryStore) Events() []ingestion.Event {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return slices.Clone(s.events)
}

// HealthCheck fails once the store is closed.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

// Close marks the store closed. Data stays readable through the accessors.
func (s *MemoryStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true

	return nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()

	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
