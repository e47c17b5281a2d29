// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to a
// Prometheus registry by [InitProvider] so they can be scraped at /metrics. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks utterance transcription latency, retries included.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks reply generation latency, retries included.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency from request to the last frame
	// queued for playback.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end of user speech to first reply audio queued.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts capability calls. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderRetries counts retry attempts scheduled after a transient
	// failure. Use with attribute: attribute.String("stage", ...)
	ProviderRetries metric.Int64Counter

	// ProviderErrors counts calls that failed after the retry loop. Use with
	// attributes: attribute.String("stage", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// TurnsCompleted counts committed conversation turns. Use with attribute:
	//   attribute.String("role", ...)
	TurnsCompleted metric.Int64Counter

	// SessionsRejected counts connections refused at admission. Use with
	// attribute: attribute.String("reason", ...)
	SessionsRejected metric.Int64Counter

	// InboundFramesDropped counts microphone frames evicted from a full
	// inbound bus.
	InboundFramesDropped metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("provider", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

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

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "parley.stt.duration", "Latency of utterance transcription."},
		{&met.LLMDuration, "parley.llm.duration", "Latency of reply generation."},
		{&met.TTSDuration, "parley.tts.duration", "Latency of speech synthesis until the last frame is queued."},
		{&met.TurnDuration, "parley.turn.duration", "End of user speech to first reply audio."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "parley.provider.requests", "Total capability calls by stage and status."},
		{&met.ProviderRetries, "parley.provider.retries", "Total retries scheduled after transient failures, by stage."},
		{&met.ProviderErrors, "parley.provider.errors", "Total capability calls that failed after retries, by stage and kind."},
		{&met.TurnsCompleted, "parley.turns.completed", "Total committed conversation turns by role."},
		{&met.SessionsRejected, "parley.sessions.rejected", "Total connections refused at admission by reason."},
		{&met.InboundFramesDropped, "parley.inbound.frames_dropped", "Total microphone frames dropped on inbound overflow."},
		{&met.BreakerTransitions, "parley.breaker.transitions", "Total circuit breaker state changes by provider and target state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

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

// RecordStage records one finished capability call: its latency on the
// stage histogram and a request counter increment with status "ok" or
// "error".
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
	if h := m.stageHistogram(stage); h != nil {
		h.Record(ctx, d.Seconds())
	}
}

func (m *Metrics) stageHistogram(stage string) metric.Float64Histogram {
	switch stage {
	case "stt":
		return m.STTDuration
	case "llm", "greeting":
		return m.LLMDuration
	case "tts":
		return m.TTSDuration
	}
	return nil
}

// RecordRetry is a convenience method that records a scheduled retry.
func (m *Metrics) RecordRetry(ctx context.Context, stage string) {
	m.ProviderRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, stage, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn is a convenience method that records a committed turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.TurnsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordRejected is a convenience method that records a refused connection.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.SessionsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition is a convenience method that records a circuit
// breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("to", to),
	))
}
