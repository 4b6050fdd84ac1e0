package telemetry

import (
	"net/http"
	"time"
)

// Middleware wraps plain http.Handlers with tracing and metrics.
type Middleware struct {
	telemetry *Telemetry
	metrics   *Metrics
}

// NewMiddleware builds a Middleware bound to one Telemetry/Metrics pair.
func NewMiddleware(telemetry *Telemetry, metrics *Metrics) *Middleware {
	return &Middleware{
		telemetry: telemetry,
		metrics:   metrics,
	}
}

// WrapHTTP instruments an http.Handler with a server span and the registry
// API request metrics.
func (m *Middleware) WrapHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := m.telemetry.StartHTTPServerSpan(r)
		defer span.End()

		r = r.WithContext(ctx)

		m.metrics.RecordHTTPActiveRequest(ctx, 1)
		defer m.metrics.RecordHTTPActiveRequest(ctx, -1)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(rw, r)
		duration := time.Since(start)

		m.metrics.RecordHTTPRequest(ctx, r.Method, r.URL.Path, rw.statusCode, duration)
		EndHTTPServerSpan(span, rw.statusCode)
	})
}

// responseWriter captures the status code written by the wrapped handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}
