// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks how long session negotiation took, from the
	// request until the ephemeral credential arrived.
	NegotiationDuration metric.Float64Histogram

	// SessionDuration tracks the wall-clock length of finished voice sessions.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finalized conversation turns. Use with attribute:
	//   attribute.String("role", ...)
	Turns metric.Int64Counter

	// BargeIns counts playback interruptions caused by user speech.
	BargeIns metric.Int64Counter

	// QuotaExhausted counts sessions force-stopped by the usage governor.
	QuotaExhausted metric.Int64Counter

	// SessionStarts counts Start attempts. Use with attribute:
	//   attribute.String("status", ...)
	SessionStarts metric.Int64Counter

	// UpstreamRequests counts calls to the upstream session API. Use with
	// attribute:
	//   attribute.String("status", ...)
	UpstreamRequests metric.Int64Counter

	// --- Drop / error counters ---

	// CaptureFramesDropped counts microphone frames discarded because the
	// outbound queue was full.
	CaptureFramesDropped metric.Int64Counter

	// PlaybackFragmentsDropped counts inbound audio fragments that failed to
	// decode or schedule.
	PlaybackFragmentsDropped metric.Int64Counter

	// StoreErrors counts failed best-effort store writes. Use with attribute:
	//   attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// ProtocolErrors counts error events reported by the realtime service.
	// Use with attribute:
	//   attribute.String("code", ...)
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// negotiation round trips, which include cold starts of the broker.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// voice sessions.
var sessionBuckets = []float64{
	10, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.NegotiationDuration, err = m.Float64Histogram("parley.negotiation.duration",
		metric.WithDescription("Latency of session negotiation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("parley.session.duration",
		metric.WithDescription("Wall-clock length of finished voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("parley.turns",
		metric.WithDescription("Total finalized conversation turns by role."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("parley.bargeins",
		metric.WithDescription("Total playback interruptions caused by user speech."),
	); err != nil {
		return nil, err
	}
	if met.QuotaExhausted, err = m.Int64Counter("parley.quota.exhausted",
		metric.WithDescription("Total sessions force-stopped on quota exhaustion."),
	); err != nil {
		return nil, err
	}
	if met.SessionStarts, err = m.Int64Counter("parley.session.starts",
		metric.WithDescription("Total session start attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamRequests, err = m.Int64Counter("parley.upstream.requests",
		metric.WithDescription("Total upstream session API requests by status."),
	); err != nil {
		return nil, err
	}

	// Drop and error counters.
	if met.CaptureFramesDropped, err = m.Int64Counter("parley.capture.frames_dropped",
		metric.WithDescription("Microphone frames dropped because the outbound queue was full."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFragmentsDropped, err = m.Int64Counter("parley.playback.fragments_dropped",
		metric.WithDescription("Inbound audio fragments dropped by the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("parley.store.errors",
		metric.WithDescription("Failed best-effort store writes by operation."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("parley.protocol.errors",
		metric.WithDescription("Error events reported by the realtime service by code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.sessions.active",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordTurn records a finalized conversation turn for role.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordSessionStart records a Start attempt with its outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, status string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordUpstreamRequest records an upstream session API call with its outcome.
func (m *Metrics) RecordUpstreamRequest(ctx context.Context, status string) {
	m.UpstreamRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStoreError records a failed store write for op.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordProtocolError records a service-reported error event.
func (m *Metrics) RecordProtocolError(ctx context.Context, code string) {
	if code == "" {
		code = "unknown"
	}
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
