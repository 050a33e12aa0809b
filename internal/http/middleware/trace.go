package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Recorder receives one observation per served request.
type Recorder interface {
	ObserveHTTPRequest(method, route string, statusCode int, duration time.Duration)
}

const routeContextKey contextKey = "route"

type routeLabel struct {
	pattern string
}

// SetRoute names the matched route for the trace line and metrics.
func SetRoute(ctx context.Context, pattern string) {
	if label, ok := ctx.Value(routeContextKey).(*routeLabel); ok {
		label.pattern = pattern
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	if w.status == 0 {
		w.status = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(body []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(body)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func Trace(logger *slog.Logger, recorder Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			label := &routeLabel{pattern: "unmatched"}
			writer := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(writer, r.WithContext(context.WithValue(r.Context(), routeContextKey, label)))

			status := writer.status
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(start)
			if recorder != nil {
				recorder.ObserveHTTPRequest(r.Method, label.pattern, status, duration)
			}
			if logger != nil {
				logger.Info("trace",
					slog.String("request_id", GetRequestID(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("route", label.pattern),
					slog.Int("status", status),
					slog.Int64("duration_ms", duration.Milliseconds()),
				)
			}
		})
	}
}
