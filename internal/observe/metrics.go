// Package observe provides application-wide observability primitives for
// Voicewire: OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter is wired via [InitProvider] so that metrics can be scraped from
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voicewire metrics.
const meterName = "github.com/voicewire/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// TurnLatency tracks final-transcript-to-first-audio latency.
	TurnLatency metric.Float64Histogram

	// DebounceDuration tracks the silence debounce in effect when a turn
	// committed, exposing the adaptive controller's behavior over time.
	DebounceDuration metric.Float64Histogram

	// --- Counters ---

	// SpeculativeCommits counts speculation attempts that reached COMMITTED.
	SpeculativeCommits metric.Int64Counter

	// SpeculativeCancels counts speculation attempts that were silently
	// canceled before the silence timer fired.
	SpeculativeCancels metric.Int64Counter

	// Interruptions counts user barge-ins during COMMITTED or SPEAKING.
	Interruptions metric.Int64Counter

	// TokensWasted counts estimated LLM tokens discarded by speculative
	// cancellation.
	TokensWasted metric.Int64Counter

	// BufferOverflows counts inbound audio frames dropped by the ring buffer.
	BufferOverflows metric.Int64Counter

	// DroppedRecords counts turn records lost because the async store writer
	// was full or the insert failed past its retry.
	DroppedRecords metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// debounceBuckets covers the allowed debounce range in milliseconds.
var debounceBuckets = []float64{
	400, 450, 500, 600, 700, 800, 900, 1000, 1100, 1200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnLatency, err = m.Float64Histogram("voicewire.turn.latency",
		metric.WithDescription("Latency from final transcript to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DebounceDuration, err = m.Float64Histogram("voicewire.turn.debounce",
		metric.WithDescription("Silence debounce in effect at turn commit."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(debounceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SpeculativeCommits, err = m.Int64Counter("voicewire.speculation.commits",
		metric.WithDescription("Speculation attempts that reached COMMITTED."),
	); err != nil {
		return nil, err
	}
	if met.SpeculativeCancels, err = m.Int64Counter("voicewire.speculation.cancels",
		metric.WithDescription("Speculation attempts silently canceled before commit."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voicewire.turn.interruptions",
		metric.WithDescription("User barge-ins during COMMITTED or SPEAKING."),
	); err != nil {
		return nil, err
	}
	if met.TokensWasted, err = m.Int64Counter("voicewire.speculation.tokens_wasted",
		metric.WithDescription("Estimated LLM tokens discarded by speculative cancellation."),
	); err != nil {
		return nil, err
	}
	if met.BufferOverflows, err = m.Int64Counter("voicewire.audio.buffer_overflows",
		metric.WithDescription("Inbound audio frames dropped by the ring buffer."),
	); err != nil {
		return nil, err
	}
	if met.DroppedRecords, err = m.Int64Counter("voicewire.store.dropped_records",
		metric.WithDescription("Turn records lost by the async store writer."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voicewire.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicewire.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicewire.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordTurnLatency records one turn's commit latency in seconds.
func (m *Metrics) RecordTurnLatency(ctx context.Context, seconds float64) {
	m.TurnLatency.Record(ctx, seconds)
}

// RecordDebounce records the debounce (in milliseconds) used by a committed
// turn.
func (m *Metrics) RecordDebounce(ctx context.Context, ms float64) {
	m.DebounceDuration.Record(ctx, ms)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
