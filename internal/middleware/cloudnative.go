package middleware

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SkynetNext/port-dispatcher/internal/observability"
)

// TracingMiddleware wraps the admin API: one span per request, trace
// context propagated back in the response headers.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.ExtractTraceContext(r.Context(), r)

		ctx, span := observability.StartSpan(ctx, "admin.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()

		if podName := os.Getenv("POD_NAME"); podName != "" {
			span.SetAttributes(
				attribute.String("k8s.pod.name", podName),
				attribute.String("k8s.namespace", os.Getenv("POD_NAMESPACE")),
				attribute.String("k8s.node.name", os.Getenv("NODE_NAME")),
			)
		}

		observability.InjectTraceContext(ctx, w.Header())
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			w.Header().Set("X-Request-ID", sc.TraceID().String())
		}

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		duration := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", ww.statusCode),
			attribute.Int64("http.duration_ms", duration.Milliseconds()),
		)
		AdminRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(ww.statusCode)).Inc()
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
