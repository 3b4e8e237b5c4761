package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pulseboard-io/healthimport/internal/api/middleware"
	"github.com/pulseboard-io/healthimport/internal/importer"
	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

const importStartedMessage = "Apple Health import started. Progress is recorded in the import audit log."

type (
	// ImportResponse is the acknowledgment for an accepted import.
	ImportResponse struct {
		Success bool          `json:"success"`
		Results ImportResults `json:"results"`
	}

	// ImportResults carries the correlation id of the background job.
	ImportResults struct {
		Status    string `json:"status"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
		FilePath  string `json:"filePath"`
	}
)

// handleAppleHealthImport accepts {userId, filePath} and starts a background import.
//
// The caller only learns whether the job was accepted. Pipeline outcomes land in
// the audit log.
//
// Response codes:
//   - 200 OK: job accepted
//   - 400 Bad Request: malformed JSON or missing field
//   - 413 Payload Too Large: body exceeds the configured limit
//   - 415 Unsupported Media Type: body is not JSON
//   - 503 Service Unavailable: too many imports in flight or shutting down
//   - 500 Internal Server Error: anything else
func (s *Server) handleAppleHealthImport(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	var req importer.ImportRequest

	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorResponse(w, r, s.logger, PayloadTooLarge("Request body exceeds the size limit"))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Request body must be a JSON object"))

		return
	}

	job, err := s.importer.Submit(r.Context(), req)

	switch {
	case err == nil:
	case errors.Is(err, importer.ErrInvalidRequest):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	case errors.Is(err, importer.ErrExecutorBusy), errors.Is(err, importer.ErrExecutorClosed):
		s.logger.Warn("Import rejected",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable(err.Error()))

		return
	default:
		s.logger.Error("Failed to start import",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.logger.Info("Apple Health import started",
		slog.String("correlation_id", correlationID),
		slog.String("request_id", job.ID),
		slog.String("user_id", job.UserID),
	)

	s.writeJSON(w, r, http.StatusOK, ImportResponse{
		Success: true,
		Results: ImportResults{
			Status:    string(ingestion.EventProcessingStarted),
			Message:   importStartedMessage,
			RequestID: job.ID,
			FilePath:  job.ArchivePath,
		},
	})
}
