// Package middleware provides HTTP middleware components for the import API.
package middleware

import (
	"log/slog"
	"net/http"
)

type (
	// Option is a function that applies middleware to a handler.
	Option func(http.Handler) http.Handler
)

// Apply wraps handler with options. The first option is the outermost layer,
// so it sees the request first and the response last.
//
// Example:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithCORS(corsConfig),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithCorrelationID tags each request with an X-Correlation-ID.
func WithCorrelationID() Option { return CorrelationID() }

// WithRecovery turns handler panics into 500 problem responses.
func WithRecovery(logger *slog.Logger) Option { return Recovery(logger) }

// WithRateLimit throttles requests through limiter. A nil limiter disables throttling.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger logs request start and completion.
func WithRequestLogger(logger *slog.Logger) Option { return RequestLogger(logger) }

// WithCORS applies the CORS policy and answers preflights.
func WithCORS(config CORSConfig) Option { return CORS(config) }
