// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Directions for audio counters.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveCalls tracks the number of calls currently being bridged.
	ActiveCalls metric.Int64UpDownCounter

	// --- Counters ---

	// CallsTotal counts completed calls. Use with attributes:
	//   attribute.String("variant", ...), attribute.String("close_reason", ...)
	CallsTotal metric.Int64Counter

	// ConnectFailures counts failed remote session connects. Use with attributes:
	//   attribute.String("variant", ...), attribute.String("kind", ...)
	ConnectFailures metric.Int64Counter

	// AudioFrames counts paced audio frames. Use with attribute:
	//   attribute.String("direction", "up"|"down")
	AudioFrames metric.Int64Counter

	// AudioBytes counts bridged audio payload bytes. Use with attribute:
	//   attribute.String("direction", "up"|"down")
	AudioBytes metric.Int64Counter

	// SendErrors counts uplink frames dropped after a failed remote send.
	SendErrors metric.Int64Counter

	// --- Latency histograms ---

	// ConnectDuration tracks how long the remote session connect takes.
	ConnectDuration metric.Float64Histogram

	// CallDuration tracks full call duration from connect to cleanup.
	CallDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) optimised for
// phone-call durations.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxbridge.calls.active",
		metric.WithDescription("Number of calls currently being bridged."),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsTotal, err = m.Int64Counter("voxbridge.calls.total",
		metric.WithDescription("Total completed calls by variant and close reason."),
	); err != nil {
		return nil, err
	}
	if met.ConnectFailures, err = m.Int64Counter("voxbridge.connect.failures",
		metric.WithDescription("Total failed remote connects by variant and error kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("voxbridge.audio.frames",
		metric.WithDescription("Total paced audio frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voxbridge.audio.bytes",
		metric.WithDescription("Total bridged audio payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("voxbridge.send.errors",
		metric.WithDescription("Total uplink frames dropped after a failed remote send."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voxbridge.connect.duration",
		metric.WithDescription("Latency of remote session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voxbridge.call.duration",
		metric.WithDescription("Call duration from connect to cleanup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordCallStart marks a call as active.
func (m *Metrics) RecordCallStart(ctx context.Context) {
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnd marks a call as finished and records its outcome and
// duration with the standard attribute set.
func (m *Metrics) RecordCallEnd(ctx context.Context, variant, closeReason string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("variant", variant),
		attribute.String("close_reason", closeReason),
	)
	m.ActiveCalls.Add(ctx, -1)
	m.CallsTotal.Add(ctx, 1, attrs)
	m.CallDuration.Record(ctx, seconds, attrs)
}

// RecordConnect records a successful remote session connect.
func (m *Metrics) RecordConnect(ctx context.Context, variant string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("variant", variant)),
	)
}

// RecordConnectFailure records a failed remote session connect.
func (m *Metrics) RecordConnectFailure(ctx context.Context, variant, kind string) {
	m.ConnectFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("variant", variant),
			attribute.String("kind", kind),
		),
	)
}

// RecordAudio records paced frames and payload bytes for one direction.
func (m *Metrics) RecordAudio(ctx context.Context, direction string, frames, bytes int64) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.AudioFrames.Add(ctx, frames, attrs)
	m.AudioBytes.Add(ctx, bytes, attrs)
}

// RecordSendErrors records uplink frames dropped after failed sends.
func (m *Metrics) RecordSendErrors(ctx context.Context, n int64) {
	if n > 0 {
		m.SendErrors.Add(ctx, n)
	}
}
