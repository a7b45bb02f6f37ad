package httpapi

import (
	"time"

	"github.com/go-chi/cors"
)

// DefaultMaxBodyBytes bounds a query body unless SetMaxBodyBytes says otherwise.
const DefaultMaxBodyBytes int64 = 1 << 20

var maxBodyBytes = DefaultMaxBodyBytes

// SetMaxBodyBytes sets the query body limit; n <= 0 restores the default.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		n = DefaultMaxBodyBytes
	}
	maxBodyBytes = n
}

// queryTimeout bounds a single query end to end. Zero leaves only the
// per-shard call timeout of the dispatch client.
var queryTimeout time.Duration

// SetQueryTimeout sets the query timeout (0 or negative disables).
func SetQueryTimeout(d time.Duration) {
	queryTimeout = max(d, 0)
}

// corsOptions is nil while CORS is disabled.
var corsOptions *cors.Options

// SetCORSOptions turns the CORS middleware on or off for muxes built
// afterwards. Empty methods or headers fall back to what the query route
// needs.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	if !enabled {
		corsOptions = nil
		return
	}
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(headers) == 0 {
		headers = []string{"Content-Type", "X-Log-Level"}
	}
	corsOptions = &cors.Options{
		AllowedOrigins: append([]string(nil), origins...),
		AllowedMethods: append([]string(nil), methods...),
		AllowedHeaders: append([]string(nil), headers...),
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}
}
