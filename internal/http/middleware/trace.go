package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/gbassaragh/APEX-sub002/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Trace opens a server span per request, logs the outcome and counts it by
// route pattern.
func Trace(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	tracer := otel.Tracer("github.com/gbassaragh/APEX-sub002/internal/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(recorder, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.status_code", recorder.status),
			)
			metrics.Get().HTTPRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"request_id":  GetRequestID(r.Context()),
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      recorder.status,
					"duration_ms": time.Since(start).Milliseconds(),
				}).Info("request handled")
			}
		})
	}
}
