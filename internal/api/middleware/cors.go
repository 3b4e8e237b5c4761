package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSConfig supplies the CORS policy. api.CORSConfig implements it.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// exposedHeaders lets browser clients read the ids needed to follow an import.
var exposedHeaders = strings.Join([]string{correlationIDHeader, "X-Healthimport-Version"}, ", ")

// CORS answers preflight requests with 204 and decorates every other response
// with the configured policy. Upload pages call the import endpoint from the
// browser, so preflights never reach the handlers.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			allowOrigin(h, r.Header.Get("Origin"), config.GetAllowedOrigins())

			if methods := config.GetAllowedMethods(); len(methods) > 0 {
				h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			}

			if headers := config.GetAllowedHeaders(); len(headers) > 0 {
				h.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
			}

			if maxAge := config.GetMaxAge(); maxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
			}

			h.Set("Access-Control-Expose-Headers", exposedHeaders)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// allowOrigin sets Access-Control-Allow-Origin to "*" for a wildcard policy,
// or echoes origin when it is listed. Echoed origins vary the response.
func allowOrigin(h http.Header, origin string, allowed []string) {
	switch {
	case len(allowed) == 0:
		return
	case len(allowed) == 1 && allowed[0] == "*":
		h.Set("Access-Control-Allow-Origin", "*")
	case origin != "" && slices.Contains(allowed, origin):
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
}
