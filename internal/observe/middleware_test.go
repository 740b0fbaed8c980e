package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates metrics and a global in-memory tracer for middleware
// tests. Tests using it must not run in parallel.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func status(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(code) })
}

func spanAttr(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_CorrelationID(t *testing.T) {
	tests := []struct {
		name        string
		traceparent string
		want        string // empty accepts any generated ID
	}{
		{name: "generated"},
		{
			name:        "from traceparent",
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			want:        "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _ := testSetup(t)

			var seen string
			h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationID(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/v1/call", nil)
			if tc.traceparent != "" {
				req.Header.Set("traceparent", tc.traceparent)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if len(seen) != 32 {
				t.Fatalf("correlation ID = %q, want 32 hex characters", seen)
			}
			if tc.want != "" && seen != tc.want {
				t.Errorf("correlation ID = %q, want %q", seen, tc.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
			}
		})
	}
}

func TestMiddleware_SpanCarriesStatus(t *testing.T) {
	m, _, exp := testSetup(t)

	Middleware(m)(status(http.StatusConflict)).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodPost, "/v1/call/start", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP POST /v1/call/start" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if v, ok := spanAttr(spans[0], "http.response.status_code"); !ok || v.AsInt64() != http.StatusConflict {
		t.Errorf("status attribute = %v, %v; want 409", v.AsInt64(), ok)
	}
}

func TestMiddleware_DurationKeyedByRoutePattern(t *testing.T) {
	m, reader, _ := testSetup(t)

	mux := http.NewServeMux()
	mux.Handle("GET /v1/calls/{id}", status(http.StatusOK))
	h := Middleware(m)(mux)
	for _, id := range []string{"a", "b", "c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/calls/"+id, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "callwright.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want one series for the pattern", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "GET /v1/calls/{id}" {
		t.Errorf("path = %q, want the route pattern", v.AsString())
	}
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
}

func TestMiddleware_CallControlTagsCall(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		before      string
		after       string
		code        int
		wantCallID  string
		wantOutcome string
		wantCounted bool
	}{
		{"start assigns id", "/v1/call/start", "", "call-1", http.StatusAccepted, "call-1", "ok", true},
		{"stop keeps id", "/v1/call/stop", "call-1", "", http.StatusOK, "call-1", "ok", true},
		{"rejected start", "/v1/call/start", "call-1", "call-1", http.StatusConflict, "call-1", "rejected", true},
		{"failed read", "/v1/call/recording", "", "", http.StatusInternalServerError, "", "failed", true},
		{"history is not control", "/v1/calls", "call-1", "call-1", http.StatusOK, "", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, reader, exp := testSetup(t)

			var buf bytes.Buffer
			orig := slog.Default()
			slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
			t.Cleanup(func() { slog.SetDefault(orig) })

			current := tc.before
			h := Middleware(m, WithCallID(func() string { return current }))(
				http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					current = tc.after
					w.WriteHeader(tc.code)
				}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, tc.path, nil))

			span := exp.GetSpans()[0]
			v, ok := spanAttr(span, AttrCallID)
			if tc.wantCallID == "" {
				if ok {
					t.Errorf("span tagged with call %q", v.AsString())
				}
				if strings.Contains(buf.String(), "call_id=") {
					t.Errorf("log tagged with a call: %s", buf.String())
				}
			} else {
				if v.AsString() != tc.wantCallID {
					t.Errorf("span call.id = %q, want %q", v.AsString(), tc.wantCallID)
				}
				if !strings.Contains(buf.String(), "call_id="+tc.wantCallID) {
					t.Errorf("log missing call_id=%s: %s", tc.wantCallID, buf.String())
				}
			}

			var rm metricdata.ResourceMetrics
			if err := reader.Collect(context.Background(), &rm); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			met := findMetric(rm, "callwright.http.call_control")
			if !tc.wantCounted {
				if met != nil && len(met.Data.(metricdata.Sum[int64]).DataPoints) > 0 {
					t.Error("history request counted as call control")
				}
				return
			}
			if got := sumFor(t, rm, "callwright.http.call_control", "outcome", tc.wantOutcome); got != 1 {
				t.Errorf("call_control{outcome=%s} = %d, want 1", tc.wantOutcome, got)
			}
		})
	}
}

func TestMiddleware_QuietPathsLogAtDebug(t *testing.T) {
	m, _, _ := testSetup(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	h := Middleware(m)(status(http.StatusOK))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("probe request logged at info: %q", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/call", nil))
	if !strings.Contains(buf.String(), "path=/v1/call") {
		t.Errorf("API request not logged: %q", buf.String())
	}
}

func TestIsCallControl(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		"/v1/call":           true,
		"/v1/call/start":     true,
		"/v1/call/recording": true,
		"/v1/calls":          false,
		"/v1/calls/abc":      false,
		"/healthz":           false,
	} {
		if got := IsCallControl(path); got != want {
			t.Errorf("IsCallControl(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	for code, want := range map[int]string{
		http.StatusOK:                  "ok",
		http.StatusAccepted:            "ok",
		http.StatusNotFound:            "rejected",
		http.StatusConflict:            "rejected",
		http.StatusInternalServerError: "failed",
		http.StatusServiceUnavailable:  "failed",
	} {
		if got := Outcome(code); got != want {
			t.Errorf("Outcome(%d) = %q, want %q", code, got, want)
		}
	}
}
