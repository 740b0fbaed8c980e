package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// QuietPaths are request paths polled by infrastructure. Their completion
// logs are emitted at debug level.
var QuietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// CallControlPrefix is the path of the call control routes. Requests under
// it are tagged with the current call and counted by outcome.
const CallControlPrefix = "/v1/call"

// IsCallControl reports whether path is a call control route. The history
// routes under /v1/calls are not.
func IsCallControl(path string) bool {
	return path == CallControlPrefix || strings.HasPrefix(path, CallControlPrefix+"/")
}

// Outcome classifies an HTTP status for [Metrics.CallControl].
func Outcome(status int) string {
	switch {
	case status >= 500:
		return "failed"
	case status >= 400:
		return "rejected"
	default:
		return "ok"
	}
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithCallID sets the source of the current call ID. It is consulted before
// and after a call control request, so a request that starts a call is
// tagged with the new ID and one that stops it with the old one.
func WithCallID(fn func() string) MiddlewareOption {
	return func(mw *middleware) { mw.callID = fn }
}

type middleware struct {
	metrics *Metrics
	callID  func() string
	prop    propagation.TextMapPropagator
}

// statusRecorder captures the status code written by the next handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps the control API. Every request gets a server span joined
// to any incoming W3C trace context, an X-Correlation-ID response header, a
// duration sample keyed by route pattern and a completion log ([QuietPaths]
// at debug). Call control requests also carry call_id on the span and the
// log line and are counted in [Metrics.CallControl].
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, prop: propagation.TraceContext{}}
	for _, opt := range opts {
		opt(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		control := IsCallControl(r.URL.Path)

		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		var callID string
		if control && mw.callID != nil {
			callID = mw.callID()
		}

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		// ServeMux fills in the pattern; it keeps /v1/calls/{id} to one series.
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		mw.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", route),
			),
		)
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

		attrs := []slog.Attr{
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.statusCode),
			slog.Duration("duration", duration),
		}
		if control {
			if mw.callID != nil {
				if now := mw.callID(); now != "" {
					callID = now
				}
			}
			if callID != "" {
				span.SetAttributes(AttrCallID.String(callID))
				attrs = append(attrs, slog.String("call_id", callID))
			}
			mw.metrics.CallControl.Add(ctx, 1, metric.WithAttributes(
				attribute.String("route", route),
				attribute.String("outcome", Outcome(rec.statusCode)),
			))
		}

		level := slog.LevelInfo
		if QuietPaths[r.URL.Path] {
			level = slog.LevelDebug
		}
		slog.LogAttrs(ctx, level, "request completed", attrs...)
	})
}
