// Package middleware wraps the API handler with request metrics and access logging.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/slawatch/internal/metrics"
	"github.com/rs/zerolog/log"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}

	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrap(w)

		next.ServeHTTP(wrapped, r)

		recordHTTPRequest(r.Method, normalizeEndpoint(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// AccessLog logs one line per request. Scrapes of /metrics and /healthz are logged at debug.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrap(w)

		next.ServeHTTP(wrapped, r)

		ev := log.Info()
		switch {
		case r.URL.Path == "/metrics" || r.URL.Path == "/healthz":
			ev = log.Debug()
		case wrapped.statusCode >= http.StatusInternalServerError:
			ev = log.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

var idRoutes = []string{"/api/training/", "/api/services/", "/api/predictions/"}

func normalizeEndpoint(path string) string {
	for _, prefix := range idRoutes {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}

		return prefix + ":id"
	}

	return path
}
