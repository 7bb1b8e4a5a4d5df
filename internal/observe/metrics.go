// Package observe provides application-wide observability primitives for the
// voice gateway: OpenTelemetry metrics, a Prometheus exporter bridge, and
// HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported via
// Prometheus so the standard /metrics endpoint keeps working. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/AroonSharma/woic-agent-server-sub000"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ─── Latency histograms per turn stage ───

	// STTFinalLatency tracks last-audio-to-final transcript latency.
	STTFinalLatency metric.Float64Histogram

	// LLMFirstToken tracks turn-start-to-first-LLM-delta latency.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstAudio tracks turn-start-to-first-synthesized-chunk latency.
	TTSFirstAudio metric.Float64Histogram

	// TurnDuration tracks full user-final-to-tts.end latency.
	TurnDuration metric.Float64Histogram

	// ActionDuration tracks action (tool call) execution latency.
	ActionDuration metric.Float64Histogram

	// ─── Counters ───

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// BargeAttempts counts barge-in evaluations. Use with attributes:
	//   attribute.Bool("allowed", ...), attribute.String("reason", ...)
	BargeAttempts metric.Int64Counter

	// DroppedAudioFrames counts client audio frames dropped by the per-
	// connection rate limiter.
	DroppedAudioFrames metric.Int64Counter

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("capability", ...), attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// ─── Gauges ───

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks accepted WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ─── HTTP middleware ───

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.STTFinalLatency, err = m.Float64Histogram("woic.stt.final_latency",
		metric.WithDescription("Latency from last received audio to the promoted final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("woic.llm.first_token",
		metric.WithDescription("Latency from turn start to the first LLM delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstAudio, err = m.Float64Histogram("woic.tts.first_audio",
		metric.WithDescription("Latency from turn start to the first synthesized audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("woic.turn.duration",
		metric.WithDescription("Full user-final to tts.end turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActionDuration, err = m.Float64Histogram("woic.action.duration",
		metric.WithDescription("Latency of action (tool call) execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("woic.turns",
		metric.WithDescription("Total completed turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeAttempts, err = m.Int64Counter("woic.barge.attempts",
		metric.WithDescription("Total barge-in evaluations by decision and reason."),
	); err != nil {
		return nil, err
	}
	if met.DroppedAudioFrames, err = m.Int64Counter("woic.audio.dropped_frames",
		metric.WithDescription("Client audio frames dropped by the rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("woic.provider.errors",
		metric.WithDescription("Total provider errors by capability and provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("woic.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("woic.active_connections",
		metric.WithDescription("Number of accepted WebSocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("woic.http.request.duration",
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

// RecordTurn records a completed turn with its outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBarge records one barge-in evaluation.
func (m *Metrics) RecordBarge(ctx context.Context, allowed bool, reason string) {
	m.BargeAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Bool("allowed", allowed),
			attribute.String("reason", reason),
		),
	)
}

// RecordProviderError records a provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, capability, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("capability", capability),
			attribute.String("provider", provider),
		),
	)
}
