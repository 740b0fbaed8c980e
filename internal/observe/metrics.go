// Package observe provides application-wide observability primitives for
// callwright: OpenTelemetry metrics, tracing helpers, trace-aware logging and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Init] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callwright metrics.
const meterName = "github.com/MrWong99/callwright"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Call lifecycle ---

	// CallsStarted counts start attempts. Use with attribute:
	//   attribute.String("status", "ok"|"device_error"|"connect_error"|"cancelled")
	CallsStarted metric.Int64Counter

	// CallsEnded counts completed teardowns. Use with attribute:
	//   attribute.String("reason", "user"|"remote_close"|"remote_error"|"shutdown")
	CallsEnded metric.Int64Counter

	// ActiveCalls tracks calls between CONNECTING and teardown.
	ActiveCalls metric.Int64UpDownCounter

	// CallDuration tracks wall time from start to teardown.
	CallDuration metric.Float64Histogram

	// ConnectDuration tracks time from start until the line reported open.
	ConnectDuration metric.Float64Histogram

	// --- Capture ---

	// PacketsSent counts media packets handed to the line.
	PacketsSent metric.Int64Counter

	// PacketsDropped counts capture frames not sent. Use with attribute:
	//   attribute.String("reason", "muted"|"closing"|"no_line"|"send_error")
	PacketsDropped metric.Int64Counter

	// --- Playback ---

	// ChunksScheduled counts inbound audio chunks scheduled for playback.
	ChunksScheduled metric.Int64Counter

	// ChunkDecodeErrors counts inbound chunks dropped because they did not
	// decode.
	ChunkDecodeErrors metric.Int64Counter

	// Interruptions counts barge-in signals that cleared playback.
	Interruptions metric.Int64Counter

	// ScheduleLead tracks how far ahead of the playback clock a chunk was
	// scheduled (nextStart - now, zero when playback had drained).
	ScheduleLead metric.Float64Histogram

	// --- Transcript ---

	// TurnsCommitted counts committed transcript entries. Use with attribute:
	//   attribute.String("role", "user"|"agent")
	TurnsCommitted metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", route pattern)
	HTTPRequestDuration metric.Float64Histogram

	// CallControl counts call control requests. Use with attributes:
	//   attribute.String("route", ...), attribute.String("outcome", "ok"|"rejected"|"failed")
	CallControl metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connect and scheduling latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call
// lengths.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Call lifecycle.
	if met.CallsStarted, err = m.Int64Counter("callwright.calls.started",
		metric.WithDescription("Total call start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("callwright.calls.ended",
		metric.WithDescription("Total call teardowns by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("callwright.active_calls",
		metric.WithDescription("Number of calls currently connecting or connected."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("callwright.call.duration",
		metric.WithDescription("Wall time from call start to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("callwright.connect.duration",
		metric.WithDescription("Time from call start until the line opened."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Capture.
	if met.PacketsSent, err = m.Int64Counter("callwright.capture.packets_sent",
		metric.WithDescription("Total media packets sent to the line."),
	); err != nil {
		return nil, err
	}
	if met.PacketsDropped, err = m.Int64Counter("callwright.capture.packets_dropped",
		metric.WithDescription("Total capture frames not sent, by reason."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.ChunksScheduled, err = m.Int64Counter("callwright.playback.chunks_scheduled",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ChunkDecodeErrors, err = m.Int64Counter("callwright.playback.decode_errors",
		metric.WithDescription("Total inbound audio chunks dropped on decode failure."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("callwright.playback.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.ScheduleLead, err = m.Float64Histogram("callwright.playback.schedule_lead",
		metric.WithDescription("Distance between a chunk's scheduled start and the playback clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Transcript.
	if met.TurnsCommitted, err = m.Int64Counter("callwright.transcript.entries",
		metric.WithDescription("Total committed transcript entries by role."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callwright.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.CallControl, err = m.Int64Counter("callwright.http.call_control",
		metric.WithDescription("Total call control requests by route and outcome."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCallStart records a start attempt with its outcome.
func (m *Metrics) RecordCallStart(ctx context.Context, status string) {
	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCallEnd records a teardown with its reason and the call length in
// seconds.
func (m *Metrics) RecordCallEnd(ctx context.Context, reason string, seconds float64) {
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.CallDuration.Record(ctx, seconds)
}

// RecordPacketDropped records a capture frame that was not sent.
func (m *Metrics) RecordPacketDropped(ctx context.Context, reason string) {
	m.PacketsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTurn records a committed transcript entry.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.TurnsCommitted.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
