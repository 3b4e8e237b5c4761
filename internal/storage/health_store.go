package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pulseboard-io/healthimport/internal/config"
	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

const (
	recordColumns = 10
	// PostgreSQL caps bind parameters per statement at 65535.
	maxRecordsPerStatement = 65535 / recordColumns
)

var (
	// ErrRecordRejected wraps row-level data and constraint errors.
	ErrRecordRejected = errors.New("record rejected by database")
	// ErrMetricNotFound is returned when create_or_get_metric yields no id.
	ErrMetricNotFound = errors.New("metric id not returned")
)

// HealthStore implements the import pipeline stores on PostgreSQL.
type HealthStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewHealthStore creates a PostgreSQL-backed store. The connection is owned by the caller.
func NewHealthStore(conn *Connection) (*HealthStore, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &HealthStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("HEALTHIMPORT_LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Close is a no-op; the connection is managed by the caller.
func (s *HealthStore) Close() error {
	return nil
}

// HealthCheck verifies the database connection.
func (s *HealthStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// InsertRecords stores every record in one transaction using multi-row inserts.
func (s *HealthStore) InsertRecords(ctx context.Context, records []ingestion.Record) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := s.conn.withStatementTimeout(ctx)
	defer cancel()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	for start := 0; start < len(records); start += maxRecordsPerStatement {
		end := min(start+maxRecordsPerStatement, len(records))

		query, args, err := buildRecordInsert(records[start:end])
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classifyInsertError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record batch: %w", err)
	}

	return nil
}

// InsertRecord stores a single record.
func (s *HealthStore) InsertRecord(ctx context.Context, record ingestion.Record) error {
	ctx, cancel := s.conn.withStatementTimeout(ctx)
	defer cancel()

	query, args, err := buildRecordInsert([]ingestion.Record{record})
	if err != nil {
		return err
	}

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return classifyInsertError(err)
	}

	return nil
}

func buildRecordInsert(records []ingestion.Record) (string, []any, error) {
	var sb strings.Builder

	sb.WriteString(`INSERT INTO health_records (user_id, record_type, value, unit, start_date, end_date,
		source_name, source_version, device, metadata) VALUES `)

	args := make([]any, 0, len(records)*recordColumns)

	for i, r := range records {
		metadata, err := json.Marshal(r.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal record metadata: %w", err)
		}

		if i > 0 {
			sb.WriteString(", ")
		}

		base := i * recordColumns
		sb.WriteString("(")

		for col := 1; col <= recordColumns; col++ {
			if col > 1 {
				sb.WriteString(", ")
			}

			fmt.Fprintf(&sb, "$%d", base+col)
		}

		sb.WriteString(")")

		var endDate sql.NullTime
		if r.EndDate != nil {
			endDate = sql.NullTime{Time: *r.EndDate, Valid: true}
		}

		args = append(args,
			r.UserID,
			string(r.RecordType),
			r.Value,
			nullString(r.Unit),
			r.StartDate,
			endDate,
			nullString(r.SourceName),
			nullString(r.SourceVersion),
			nullString(r.Device),
			string(metadata),
		)
	}

	return sb.String(), args, nil
}

func classifyInsertError(err error) error {
	if isDataError(err) {
		return fmt.Errorf("%w: %w", ErrRecordRejected, err)
	}

	return fmt.Errorf("failed to insert health records: %w", err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// AggregateDay recomputes daily aggregates through aggregate_daily_health_data.
func (s *HealthStore) AggregateDay(ctx context.Context, userID string, day time.Time) error {
	ctx, cancel := s.conn.withStatementTimeout(ctx)
	defer cancel()

	var rows int

	err := s.conn.QueryRowContext(ctx,
		`SELECT aggregate_daily_health_data($1, $2::date)`,
		userID, day.UTC().Format(time.DateOnly),
	).Scan(&rows)
	if err != nil {
		return fmt.Errorf("failed to aggregate %s for %s: %w", day.Format(time.DateOnly), userID, err)
	}

	s.logger.Debug("Aggregated day",
		slog.String("user_id", userID),
		slog.String("day", day.Format(time.DateOnly)),
		slog.Int("record_types", rows))

	return nil
}

// CreateOrGetMetric resolves a metric id through create_or_get_metric.
func (s *HealthStore) CreateOrGetMetric(
	ctx context.Context,
	userID, name, category, unit, source string,
) (string, error) {
	ctx, cancel := s.conn.withStatementTimeout(ctx)
	defer cancel()

	var id sql.NullString

	err := s.conn.QueryRowContext(ctx,
		`SELECT create_or_get_metric($1, $2, $3, $4, $5)`,
		userID, name, category, unit, source,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to create or get metric %q: %w", name, err)
	}

	if !id.Valid {
		return "", fmt.Errorf("%w: %s", ErrMetricNotFound, name)
	}

	return id.String, nil
}

// RecordImportMetric inserts the import summary value. A second call with the
// same external id is ignored.
func (s *HealthStore) RecordImportMetric(ctx context.Context, metric ingestion.ImportMetric) error {
	ctx, cancel := s.conn.withStatementTimeout(ctx)
	defer cancel()

	metadata, err := json.Marshal(map[string]any{
		"request_id":      metric.RequestID,
		"records_dropped": metric.RecordsDropped,
		"records_failed":  metric.RecordsFailed,
		"source":          ingestion.SourceAppleHealth,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metric metadata: %w", err)
	}

	result, err := s.conn.ExecContext(ctx, `
		INSERT INTO metric_values (metric_id, user_id, value, recorded_at, external_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_id) DO NOTHING`,
		metric.MetricID, metric.UserID, float64(metric.RecordsImported),
		metric.RecordedAt, metric.ExternalID, string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to record import metric: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		s.logger.Info("Import metric already recorded", slog.String("external_id", metric.ExternalID))
	}

	return nil
}

// AppendEvent writes one audit log row.
func (s *HealthStore) AppendEvent(ctx context.Context, event ingestion.Event) error {
	ctx, cancel := s.conn.withStatementTimeout(ctx)
	defer cancel()

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO import_audit_log (user_id, error_type, error_message, error_details, source, url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.UserID, string(event.Type), event.Message, string(details),
		event.Source, nullString(event.URL), createdAt,
	)
	if err != nil {
		if isDatabaseConnectionError(err) {
			return fmt.Errorf("audit log unavailable: %w", err)
		}

		return fmt.Errorf("failed to append audit event: %w", err)
	}

	return nil
}

// ListEvents returns the most recent audit events of a user, newest first.
func (s *HealthStore) ListEvents(ctx context.Context, userID string, limit int) ([]ingestion.Event, error) {
	ctx, cancel := s.conn.withStatementTimeout(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT user_id, error_type, error_message, error_details, source, COALESCE(url, ''), created_at
		FROM import_audit_log
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []ingestion.Event

	for rows.Next() {
		var (
			event     ingestion.Event
			eventType string
			details   []byte
		)

		if err := rows.Scan(&event.UserID, &eventType, &event.Message, &details,
			&event.Source, &event.URL, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Type = ingestion.EventType(eventType)

		if err := json.Unmarshal(details, &event.Details); err != nil {
			return nil, fmt.Errorf("failed to decode event details: %w", err)
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// DailyAggregates returns the stored aggregates of a user for one UTC day.
func (s *HealthStore) DailyAggregates(ctx context.Context, userID string, day time.Time) ([]ingestion.DailyAggregate, error) {
	ctx, cancel := s.conn.withStatementTimeout(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT user_id, day, record_type, record_count, value_sum, value_min, value_max, value_avg
		FROM daily_health_aggregates
		WHERE user_id = $1 AND day = $2::date
		ORDER BY record_type`,
		userID, day.UTC().Format(time.DateOnly),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily aggregates: %w", err)
	}
	defer rows.Close()

	var aggregates []ingestion.DailyAggregate

	for rows.Next() {
		var (
			agg        ingestion.DailyAggregate
			recordType string
		)

		if err := rows.Scan(&agg.UserID, &agg.Day, &recordType, &agg.Count,
			&agg.Sum, &agg.Min, &agg.Max, &agg.Avg); err != nil {
			return nil, fmt.Errorf("failed to scan daily aggregate: %w", err)
		}

		agg.RecordType = ingestion.RecordType(recordType)
		aggregates = append(aggregates, agg)
	}

	return aggregates, rows.Err()
}
