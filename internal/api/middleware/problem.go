package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

var (
	publicEndpoints   = map[string]bool{} //nolint: gochecknoglobals
	publicEndpointsMu sync.RWMutex
)

// RegisterPublicEndpoint exempts path from rate limiting.
// Used for health probes that orchestrators poll at a fixed rate.
func RegisterPublicEndpoint(path string) {
	publicEndpointsMu.Lock()
	defer publicEndpointsMu.Unlock()

	publicEndpoints[path] = true
}

// IsPublicEndpoint reports whether path was registered with RegisterPublicEndpoint.
func IsPublicEndpoint(path string) bool {
	publicEndpointsMu.RLock()
	defer publicEndpointsMu.RUnlock()

	return publicEndpoints[path]
}

// writeRFC7807Error writes an RFC 7807 problem body. The detail is repeated in
// the error field, which is what the import clients read.
func writeRFC7807Error(w http.ResponseWriter, r *http.Request, statusCode int, detail, correlationID string) error {
	problem := map[string]any{
		"type":          fmt.Sprintf("https://pulseboard.io/problems/%d", statusCode),
		"title":         http.StatusText(statusCode),
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
		"error":         detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
