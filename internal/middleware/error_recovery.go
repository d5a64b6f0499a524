package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"fleetcp.sh/internal/ferrors"
)

// Recovery wraps a handler with panic recovery, turning a recovered
// panic into a 500 response instead of killing the listener goroutine
// (spec §5: "a panic in one background task must not kill others" —
// the same invariant applies to one request not killing the server).
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())
			defer func() {
				if rec := recover(); rec != nil {
					stack := string(debug.Stack())
					logger.Error("http handler panic",
						"request_id", requestID,
						"recovered", rec,
						"stack", stack,
						"path", r.URL.Path,
					)
					writeRecoveredError(w, requestID)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeRecoveredError(w http.ResponseWriter, requestID string) {
	message := "internal server error"
	if requestID != "" {
		message = message + " (request_id=" + requestID + ")"
	}
	writeJSONError(w, http.StatusInternalServerError, ferrors.Body{Error: string(ferrors.CodeInternal), Message: message})
}

// LoggingMiddleware logs completed HTTP requests, grounded on the
// teacher's same-named function but built on the shared ResponseWriter
// from response_writer.go instead of a duplicate wrapper type.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := NewResponseWriter(w)

			next.ServeHTTP(rw, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.StatusCode(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}
