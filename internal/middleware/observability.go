package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"lightfriend/internal/httputil"
	"lightfriend/internal/metrics"
	"lightfriend/internal/service"
	"lightfriend/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// RequestIDHeader is echoed back so callers can correlate logs.
const RequestIDHeader = "X-Request-ID"

// Observability adds a request id, a span, metrics and a completion log line
// to every request. Metrics and spans are labelled with the route template,
// never the raw path, so user ids do not leak into label values.
// trustProxy lets forwarding headers name the client address in logs.
func Observability(logger *logrus.Logger, trustProxy bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := routeTemplate(r)

			ctx := tracing.NewRequestContext(r.Context(), r.Header.Get(RequestIDHeader))
			ctx, span := tracing.StartSpan(ctx, "HTTP "+r.Method+" "+endpoint,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", endpoint),
			)
			r = r.WithContext(ctx)

			requestID := tracing.GetRequestID(ctx)
			w.Header().Set(RequestIDHeader, requestID)

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

			metrics.AddToGauge("http_requests_active", 1, nil, "Currently active HTTP requests")
			next.ServeHTTP(wrapper, r)
			metrics.AddToGauge("http_requests_active", -1, nil, "Currently active HTTP requests")

			duration := tracing.Duration(ctx)
			status := strconv.Itoa(wrapper.statusCode)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			var spanErr error
			if wrapper.statusCode >= 500 {
				spanErr = fmt.Errorf("HTTP %d", wrapper.statusCode)
			}
			tracing.EndSpan(span, spanErr)

			labels := map[string]string{"method": r.Method, "endpoint": endpoint, "status_code": status}
			metrics.IncrementCounter("http_responses_total", labels, "HTTP responses by status code")
			metrics.RecordTimer("http_request_duration", duration, labels, "HTTP request duration")

			level := logrus.InfoLevel
			switch {
			case wrapper.statusCode >= 500:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= 400:
				level = logrus.WarnLevel
			case endpoint == "/health" || endpoint == "/metrics":
				level = logrus.DebugLevel
			}

			logger.WithFields(logrus.Fields{
				"request_id":               requestID,
				"method":                   r.Method,
				service.LogFieldURL:        endpoint,
				service.LogFieldStatusCode: wrapper.statusCode,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldSize:       wrapper.responseSize,
				service.LogFieldClientIP:   httputil.ClientIP(r, trustProxy),
			}).Log(level, "HTTP request completed")
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWrapper captures response metrics
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}
