package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

const recordOpen = "<Record "

// ErrReadPayload wraps read failures of the export payload.
var ErrReadPayload = errors.New("failed to read export payload")

// attributePatterns extract one attribute each from a record's opening tag.
// Extraction is independent so a missing attribute never affects the others.
var attributePatterns = struct {
	typ, value, unit, startDate, endDate, sourceName, sourceVersion, device *regexp.Regexp
}{
	typ:           attributePattern("type"),
	value:         attributePattern("value"),
	unit:          attributePattern("unit"),
	startDate:     attributePattern("startDate"),
	endDate:       attributePattern("endDate"),
	sourceName:    attributePattern("sourceName"),
	sourceVersion: attributePattern("sourceVersion"),
	device:        attributePattern("device"),
}

func attributePattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`\s` + name + `\s*=\s*(?:"([^"]*)"|'([^']*)')`)
}

type (
	// BatchSink receives full batches of validated records.
	BatchSink interface {
		WriteBatch(ctx context.Context, records []ingestion.Record) (WriteResult, error)
	}

	// ParseRequest scopes one Parse call to a job.
	ParseRequest struct {
		UserID    string
		RequestID string
		Sink      BatchSink
		// OnProgress is called every ProgressInterval valid records with the running count.
		OnProgress func(processed int)
	}

	// ParseResult summarizes one Parse call.
	ParseResult struct {
		// Processed counts valid records handed to the sink.
		Processed int
		// Dropped counts records that failed validation or could not be delimited.
		Dropped int
		// Batches counts WriteBatch calls.
		Batches int
		// BytesRead counts payload bytes consumed.
		BytesRead int64
		// Written and Failed sum the sink's per-batch results.
		Written int
		Failed  int
	}

	// Parser scans export XML for <Record> elements without building a document tree.
	Parser struct {
		batchSize        int
		chunkSize        int
		bufferCeiling    int
		progressInterval int
		logger           *slog.Logger
	}
)

// NewParser creates a Parser from the pipeline configuration.
func NewParser(cfg PipelineConfig, logger *slog.Logger) *Parser {
	return &Parser{
		batchSize:        cfg.BatchSize,
		chunkSize:        cfg.ChunkSize,
		bufferCeiling:    cfg.BufferCeiling,
		progressInterval: cfg.ProgressInterval,
		logger:           logger,
	}
}

// ParseString parses an in-memory export document.
func (p *Parser) ParseString(ctx context.Context, text string, req ParseRequest) (ParseResult, error) {
	return p.Parse(ctx, strings.NewReader(text), req)
}

// Parse reads r in fixed-size chunks into a sliding buffer and emits batches of
// valid records to req.Sink. A record runs from its "<Record " marker to the
// next "/>" and is only consumed once that terminator is buffered, so records
// straddling chunk boundaries are never split. A marker with no terminator
// before the following marker, or before end of input, is dropped on its own.
// The final partial batch is flushed at end of input.
func (p *Parser) Parse(ctx context.Context, r io.Reader, req ParseRequest) (ParseResult, error) {
	run := &parseRun{
		parser: p,
		req:    req,
		batch:  make([]ingestion.Record, 0, p.batchSize),
	}

	chunk := make([]byte, p.chunkSize)
	buf := make([]byte, 0, 2*p.chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return run.result, err
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			run.result.BytesRead += int64(n)
			buf = append(buf, chunk[:n]...)

			consumed, err := run.scan(ctx, buf, false)
			if err != nil {
				return run.result, err
			}

			buf = p.compact(buf, consumed, run)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			return run.result, fmt.Errorf("%w: %w", ErrReadPayload, readErr)
		}
	}

	if _, err := run.scan(ctx, buf, true); err != nil {
		return run.result, err
	}

	if len(run.batch) > 0 {
		if err := run.flush(ctx); err != nil {
			return run.result, err
		}
	}

	return run.result, nil
}

// compact drops the consumed prefix and enforces the buffer ceiling.
// After scan, the buffer holds at most one unterminated record, starting at
// offset 0, plus possibly a partial marker for the next one.
func (p *Parser) compact(buf []byte, consumed int, run *parseRun) []byte {
	rest := len(buf) - consumed
	copy(buf, buf[consumed:])
	buf = buf[:rest]

	tail := len(recordOpen) - 1
	if len(buf)-tail <= p.bufferCeiling {
		return buf
	}

	// The pending record has outgrown the ceiling. Count it once and keep only
	// a marker-sized tail; the rest of it is skipped until the next marker.
	if bytes.HasPrefix(buf, []byte(recordOpen)) {
		run.result.Dropped++
	}

	p.logger.Warn("Parser buffer exceeded ceiling, truncating",
		slog.String("correlation_id", run.req.RequestID),
		slog.Int("buffer_bytes", len(buf)),
		slog.Int("ceiling_bytes", p.bufferCeiling),
		slog.Int("discarded_bytes", len(buf)-tail))

	copy(buf, buf[len(buf)-tail:])

	return buf[:tail]
}

// parseRun is the per-call state of Parse.
type parseRun struct {
	parser *Parser
	req    ParseRequest
	batch  []ingestion.Record
	result ParseResult
}

// scan processes every complete record in buf and returns the number of bytes
// that may be discarded. At end of input a trailing unterminated record is
// dropped and the whole buffer is consumed.
func (run *parseRun) scan(ctx context.Context, buf []byte, atEOF bool) (int, error) {
	marker := []byte(recordOpen)
	pos := 0

	for {
		i := bytes.Index(buf[pos:], marker)
		if i < 0 {
			if atEOF {
				return len(buf), nil
			}

			// Keep a tail long enough to hold a marker split across chunks.
			return max(pos, len(buf)-(len(marker)-1)), nil
		}

		start := pos + i
		end, next := recordEnd(buf, start)

		switch {
		case end >= 0 && end-start > run.parser.bufferCeiling:
			run.drop(start, end-start, "record exceeds buffer ceiling")
			pos = end
		case end >= 0:
			if err := run.handle(ctx, buf[start:end]); err != nil {
				return start, err
			}

			pos = end
		case next >= 0:
			run.drop(start, next-start, "unterminated record")
			pos = next
		case atEOF:
			run.drop(start, len(buf)-start, "record truncated by end of input")

			return len(buf), nil
		default:
			return start, nil
		}
	}
}

// recordEnd finds the terminator of the record whose marker starts at start.
// end is the offset just past the record's "/>" or -1; next is the offset of
// the following marker or -1. A record whose terminator lies beyond next is
// malformed.
func recordEnd(buf []byte, start int) (end, next int) {
	from := start + len(recordOpen)
	end, next = -1, -1

	if i := bytes.Index(buf[from:], []byte(recordOpen)); i >= 0 {
		next = from + i
	}

	limit := len(buf)
	if next >= 0 {
		limit = next
	}

	if i := bytes.Index(buf[from:limit], []byte("/>")); i >= 0 {
		end = from + i + len("/>")
	}

	return end, next
}

func (run *parseRun) drop(start, size int, reason string) {
	run.result.Dropped++

	run.parser.logger.Debug("Dropping malformed record",
		slog.String("correlation_id", run.req.RequestID),
		slog.String("reason", reason),
		slog.Int("offset", start),
		slog.Int("bytes", size))
}

// openingTag trims a record span to its opening tag so attributes of nested
// children are not mistaken for the record's own. '>' inside quoted values
// does not end the tag; an unbalanced quote leaves the span as is.
func openingTag(span []byte) []byte {
	var quote byte

	for i, c := range span {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return span[:i+1]
		}
	}

	return span
}

func (run *parseRun) handle(ctx context.Context, span []byte) error {
	candidate := ExtractCandidate(openingTag(span))

	record, err := candidate.Validate(run.req.UserID, run.req.RequestID)
	if err != nil {
		run.result.Dropped++

		return nil
	}

	run.batch = append(run.batch, *record)
	run.result.Processed++

	if run.req.OnProgress != nil && run.result.Processed%run.parser.progressInterval == 0 {
		run.req.OnProgress(run.result.Processed)
	}

	if len(run.batch) >= run.parser.batchSize {
		return run.flush(ctx)
	}

	return nil
}

func (run *parseRun) flush(ctx context.Context) error {
	res, err := run.req.Sink.WriteBatch(ctx, run.batch)
	run.result.Batches++
	run.result.Written += res.Written
	run.result.Failed += res.Failed

	if err != nil {
		return fmt.Errorf("failed to write batch %d: %w", run.result.Batches, err)
	}

	// The sink may retain the slice, so start a fresh one.
	run.batch = make([]ingestion.Record, 0, run.parser.batchSize)

	return nil
}

// ExtractCandidate pulls the known attributes out of one record opening tag.
func ExtractCandidate(tag []byte) ingestion.Candidate {
	return ingestion.Candidate{
		Type:          attribute(attributePatterns.typ, tag),
		Value:         attribute(attributePatterns.value, tag),
		Unit:          attribute(attributePatterns.unit, tag),
		StartDate:     attribute(attributePatterns.startDate, tag),
		EndDate:       attribute(attributePatterns.endDate, tag),
		SourceName:    attribute(attributePatterns.sourceName, tag),
		SourceVersion: attribute(attributePatterns.sourceVersion, tag),
		Device:        attribute(attributePatterns.device, tag),
	}
}

func attribute(pattern *regexp.Regexp, tag []byte) string {
	m := pattern.FindSubmatch(tag)
	if m == nil {
		return ""
	}

	raw := m[1]
	if raw == nil {
		raw = m[2]
	}

	return html.UnescapeString(string(raw))
}
