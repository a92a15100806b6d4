package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ObservabilityMiddleware wraps each request in a span named after its route
// pattern and records the request metric. Event streams are traced but left
// out of the duration histogram since they stay open for the client's lifetime.
func ObservabilityMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := observability.StartSpan(r.Context(), "http.request")
			defer span.End()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			req := r.WithContext(ctx)
			next.ServeHTTP(sw, req)

			// The mux sets Pattern on the request it was handed.
			route := routeLabel(req)
			span.SetName(fmt.Sprintf("%s %s", r.Method, route))
			observability.SetSpanAttributes(span,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", sw.status),
				attribute.String("correlation_id", observability.CorrelationID(ctx)),
			)
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}

			if sw.streaming {
				return
			}
			observability.RecordRequestMetric(ctx, metrics, r.Method, route, sw.status, time.Since(start))
		})
	}
}

// routeLabel keeps metric cardinality bounded: patterns when matched, a fixed
// label for anything the mux did not route.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

type statusWriter struct {
	http.ResponseWriter
	status    int
	streaming bool
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	if strings.HasPrefix(sw.Header().Get("Content-Type"), "text/event-stream") {
		sw.streaming = true
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Flush() {
	if !sw.streaming && strings.HasPrefix(sw.Header().Get("Content-Type"), "text/event-stream") {
		sw.streaming = true
	}
	if flusher, ok := sw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
