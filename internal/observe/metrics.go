// Package observe provides application-wide observability primitives for
// Verbly: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Verbly metrics.
const meterName = "github.com/verbly-ai/verbly"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long establishing a live session takes,
	// from credential acquisition through setup acknowledgment.
	ConnectDuration metric.Float64Histogram

	// MintDuration tracks upstream token mint latency.
	MintDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// SessionConnects counts connection attempts. Use with attributes:
	//   attribute.String("status", ...), attribute.Bool("resumed", ...)
	SessionConnects metric.Int64Counter

	// SessionReconnects counts automatic reconnection attempts after
	// transport loss.
	SessionReconnects metric.Int64Counter

	// TokenMints counts credential mints. Use with attribute:
	//   attribute.String("status", ...)
	TokenMints metric.Int64Counter

	// UsageUnits counts consumed model units. Use with attribute:
	//   attribute.String("direction", "input"|"output")
	UsageUnits metric.Int64Counter

	// AudioFrames counts audio frames moved through the pipeline. Use with
	// attribute: attribute.String("direction", "capture"|"playback")
	AudioFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live tutoring sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for session-setup and token-mint latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("verbly.session.connect.duration",
		metric.WithDescription("Latency of live session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MintDuration, err = m.Float64Histogram("verbly.token.mint.duration",
		metric.WithDescription("Latency of upstream credential mints."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("verbly.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionConnects, err = m.Int64Counter("verbly.session.connects",
		metric.WithDescription("Total session connection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionReconnects, err = m.Int64Counter("verbly.session.reconnects",
		metric.WithDescription("Total automatic reconnection attempts after transport loss."),
	); err != nil {
		return nil, err
	}
	if met.TokenMints, err = m.Int64Counter("verbly.token.mints",
		metric.WithDescription("Total credential mints by status."),
	); err != nil {
		return nil, err
	}
	if met.UsageUnits, err = m.Int64Counter("verbly.usage.units",
		metric.WithDescription("Total consumed model units by direction."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("verbly.audio.frames",
		metric.WithDescription("Total audio frames by direction."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("verbly.active_sessions",
		metric.WithDescription("Number of live tutoring sessions."),
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

// RecordConnect records one session connection attempt.
func (m *Metrics) RecordConnect(ctx context.Context, status string, resumed bool, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("resumed", resumed),
	)
	m.SessionConnects.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, seconds, attrs)
}

// RecordMint records one credential mint.
func (m *Metrics) RecordMint(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.TokenMints.Add(ctx, 1, attrs)
	m.MintDuration.Record(ctx, seconds, attrs)
}

// RecordUsage records one usage delta split by direction.
func (m *Metrics) RecordUsage(ctx context.Context, inputUnits, outputUnits int64) {
	m.UsageUnits.Add(ctx, inputUnits,
		metric.WithAttributes(attribute.String("direction", "input")))
	m.UsageUnits.Add(ctx, outputUnits,
		metric.WithAttributes(attribute.String("direction", "output")))
}

// RecordAudioFrame counts one frame moved through the pipeline.
func (m *Metrics) RecordAudioFrame(ctx context.Context, direction string) {
	m.AudioFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)))
}
