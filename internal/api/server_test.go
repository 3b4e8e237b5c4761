package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard-io/healthimport/internal/api/middleware"
	"github.com/pulseboard-io/healthimport/internal/importer"
	"github.com/pulseboard-io/healthimport/internal/ingestion"
)

const importPath = "/api/v1/imports/apple-health"

type mockImporter struct {
	SubmitFunc func(ctx context.Context, req importer.ImportRequest) (*ingestion.Job, error)
	calls      int
}

func (m *mockImporter) Submit(ctx context.Context, req importer.ImportRequest) (*ingestion.Job, error) {
	m.calls++

	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return ingestion.NewJob("req-42", req.UserID, req.FilePath, time.Now()), nil
}

type mockHealth struct {
	HealthCheckFunc func(ctx context.Context) error
}

func (m *mockHealth) HealthCheck(ctx context.Context) error {
	return m.HealthCheckFunc(ctx)
}

func testConfig() *ServerConfig {
	return &ServerConfig{
		Port:               8080,
		Host:               "127.0.0.1",
		ReadTimeout:        time.Second,
		WriteTimeout:       time.Second,
		ShutdownTimeout:    time.Second,
		MaxRequestSize:     256,
		Version:            "test",
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"content-type"},
		CORSMaxAge:         60,
	}
}

func newTestServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	return NewServer(testConfig(), deps)
}

func postImport(t *testing.T, handler http.Handler, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, importPath, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()

	assert.Equal(t, contentTypeProblemJSON, rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))

	return problem
}

func TestAppleHealthImport_Accepted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	imp := &mockImporter{}
	handler := newTestServer(Dependencies{Importer: imp}).Handler()

	rec := postImport(t, handler, "application/json; charset=utf-8", `{"userId":"u1","filePath":"u1/export.zip"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	var resp ImportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.True(t, resp.Success)
	assert.Equal(t, "processing_started", resp.Results.Status)
	assert.Equal(t, "req-42", resp.Results.RequestID)
	assert.Equal(t, "u1/export.zip", resp.Results.FilePath)
	assert.NotEmpty(t, resp.Results.Message)
	assert.Equal(t, 1, imp.calls)
}

func TestAppleHealthImport_Rejections(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name        string
		contentType string
		body        string
		submit      func(context.Context, importer.ImportRequest) (*ingestion.Job, error)
		wantStatus  int
		wantError   string
		wantSubmit  bool
	}{
		{
			name:        "missing filePath",
			contentType: "application/json",
			body:        `{"userId":"u1"}`,
			wantStatus:  http.StatusBadRequest,
			wantError:   "filePath is required",
			wantSubmit:  true,
		},
		{
			name:        "missing userId",
			contentType: "application/json",
			body:        `{"filePath":"u1/export.zip"}`,
			wantStatus:  http.StatusBadRequest,
			wantError:   "userId is required",
			wantSubmit:  true,
		},
		{
			name:        "malformed json",
			contentType: "application/json",
			body:        `{"userId":`,
			wantStatus:  http.StatusBadRequest,
			wantError:   "Request body must be a JSON object",
		},
		{
			name:        "wrong content type",
			contentType: "text/plain",
			body:        `{"userId":"u1","filePath":"x"}`,
			wantStatus:  http.StatusUnsupportedMediaType,
			wantError:   "Content-Type must be application/json",
		},
		{
			name:        "body over limit",
			contentType: "application/json",
			body:        fmt.Sprintf(`{"userId":"%s","filePath":"x"}`, strings.Repeat("u", 512)),
			wantStatus:  http.StatusRequestEntityTooLarge,
			wantError:   "Request body exceeds the size limit",
		},
		{
			name:        "executor busy",
			contentType: "application/json",
			body:        `{"userId":"u1","filePath":"x"}`,
			submit: func(context.Context, importer.ImportRequest) (*ingestion.Job, error) {
				return nil, fmt.Errorf("failed to schedule import: %w", importer.ErrExecutorBusy)
			},
			wantStatus: http.StatusServiceUnavailable,
			wantError:  importer.ErrExecutorBusy.Error(),
			wantSubmit: true,
		},
		{
			name:        "unexpected error",
			contentType: "application/json",
			body:        `{"userId":"u1","filePath":"x"}`,
			submit: func(context.Context, importer.ImportRequest) (*ingestion.Job, error) {
				return nil, errors.New("boom")
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "boom",
			wantSubmit: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imp := &mockImporter{SubmitFunc: tt.submit}
			handler := newTestServer(Dependencies{Importer: imp}).Handler()

			rec := postImport(t, handler, tt.contentType, tt.body)

			require.Equal(t, tt.wantStatus, rec.Code)

			problem := decodeProblem(t, rec)
			assert.Contains(t, problem.Error, tt.wantError)
			assert.Equal(t, importPath, problem.Instance)
			assert.Equal(t, rec.Header().Get("X-Correlation-ID"), problem.CorrelationID)

			if tt.wantSubmit {
				assert.Equal(t, 1, imp.calls)
			} else {
				assert.Zero(t, imp.calls)
			}
		})
	}
}

func TestAppleHealthImport_PanicBecomes500(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	imp := &mockImporter{SubmitFunc: func(context.Context, importer.ImportRequest) (*ingestion.Job, error) {
		panic("store exploded")
	}}
	handler := newTestServer(Dependencies{Importer: imp}).Handler()

	rec := postImport(t, handler, "application/json", `{"userId":"u1","filePath":"x"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestAppleHealthImport_Preflight(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	imp := &mockImporter{}
	handler := newTestServer(Dependencies{Importer: imp}).Handler()

	req := httptest.NewRequest(http.MethodOptions, importPath, nil)
	req.Header.Set("Origin", "https://app.example")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Zero(t, imp.calls)
}

func TestHealthEndpoints(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("ping", func(t *testing.T) {
		handler := newTestServer(Dependencies{Importer: &mockImporter{}}).Handler()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "pong", rec.Body.String())
		assert.Equal(t, "test", rec.Header().Get("X-Healthimport-Version"))
	})

	t.Run("health", func(t *testing.T) {
		handler := newTestServer(Dependencies{Importer: &mockImporter{}}).Handler()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, rec.Code)

		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "healthy", status.Status)
		assert.Equal(t, "healthimport", status.ServiceName)
	})

	t.Run("ready without checker", func(t *testing.T) {
		handler := newTestServer(Dependencies{Importer: &mockImporter{}}).Handler()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("ready with failing storage", func(t *testing.T) {
		health := &mockHealth{HealthCheckFunc: func(context.Context) error {
			return errors.New("connection refused")
		}}
		handler := newTestServer(Dependencies{Importer: &mockImporter{}, Health: health}).Handler()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "storage unavailable", rec.Body.String())
	})

	t.Run("unknown path", func(t *testing.T) {
		handler := newTestServer(Dependencies{Importer: &mockImporter{}}).Handler()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "/nope", decodeProblem(t, rec).Instance)
	})
}

func TestHealthProbesBypassRateLimit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := middleware.NewInMemoryRateLimiter(&middleware.Config{
		GlobalRPS:   1,
		GlobalBurst: 1,
		ClientRPS:   1,
		ClientBurst: 1,
	})
	defer func() { _ = limiter.Close() }()

	handler := newTestServer(Dependencies{Importer: &mockImporter{}, RateLimiter: limiter}).Handler()

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, rec.Code, "probe %d", i+1)
	}

	first := postImport(t, handler, "application/json", `{"userId":"u1","filePath":"x"}`)
	assert.Equal(t, http.StatusOK, first.Code)

	second := postImport(t, handler, "application/json", `{"userId":"u1","filePath":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestServerRun_ShutsDownOnCancel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testConfig()
	cfg.Port = 0

	server := NewServer(cfg, Dependencies{Importer: &mockImporter{}, Logger: slog.New(slog.DiscardHandler)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Port 0 fails validation, so Run must report it before listening.
	err := server.Run(ctx)
	require.ErrorIs(t, err, ErrInvalidPort)

	cfg.Port = 18089
	server = NewServer(cfg, Dependencies{Importer: &mockImporter{}, Logger: slog.New(slog.DiscardHandler)})

	require.NoError(t, server.Run(ctx))
}
