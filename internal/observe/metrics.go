// Package observe provides OpenTelemetry metrics for the subtitle pipeline.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that an embedding shell
// can scrape /metrics. A package-level default [Metrics] instance
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/subweave/subweave"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StageDuration tracks per-stage pipeline latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// JobDuration tracks end-to-end job latency by final status.
	JobDuration metric.Float64Histogram

	// JobsFinished counts terminal job transitions. Use with attribute:
	//   attribute.String("status", ...)
	JobsFinished metric.Int64Counter

	// ProviderAttempts counts ASR and LLM provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderAttempts metric.Int64Counter

	// ProviderErrors counts provider failures by provider and error code.
	ProviderErrors metric.Int64Counter

	// TranslationTokens counts LLM tokens consumed. Use with attribute:
	//   attribute.String("type", "prompt"|"completion")
	TranslationTokens metric.Int64Counter

	// CacheLookups counts URL source cache lookups by outcome (hit / miss).
	CacheLookups metric.Int64Counter

	// ActiveJobs tracks the number of currently running jobs.
	ActiveJobs metric.Int64UpDownCounter
}

// stageBuckets defines histogram bucket boundaries (in seconds) sized for
// media-length pipeline stages.
var stageBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("subweave.stage.duration",
		metric.WithDescription("Latency of one pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobDuration, err = m.Float64Histogram("subweave.job.duration",
		metric.WithDescription("End-to-end job latency by final status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobsFinished, err = m.Int64Counter("subweave.jobs.finished",
		metric.WithDescription("Terminal job transitions by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderAttempts, err = m.Int64Counter("subweave.provider.attempts",
		metric.WithDescription("Provider API attempts by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("subweave.provider.errors",
		metric.WithDescription("Provider failures by provider and error code."),
	); err != nil {
		return nil, err
	}
	if met.TranslationTokens, err = m.Int64Counter("subweave.translation.tokens",
		metric.WithDescription("LLM tokens consumed by type."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("subweave.cache.lookups",
		metric.WithDescription("URL source cache lookups by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveJobs, err = m.Int64UpDownCounter("subweave.active_jobs",
		metric.WithDescription("Number of currently running jobs."),
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

// RecordStage records one stage completion.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordJobFinished records a terminal transition and its end-to-end latency.
func (m *Metrics) RecordJobFinished(ctx context.Context, status string, seconds float64) {
	m.JobsFinished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
	m.JobDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderAttempt records one provider call with the standard attribute
// set. kind is "asr" or "llm".
func (m *Metrics) RecordProviderAttempt(ctx context.Context, provider, kind, status string) {
	m.ProviderAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one provider failure by error code.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, code string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("code", code),
		),
	)
}

// RecordTokens records consumed LLM token counts.
func (m *Metrics) RecordTokens(ctx context.Context, prompt, completion int) {
	if prompt > 0 {
		m.TranslationTokens.Add(ctx, int64(prompt),
			metric.WithAttributes(attribute.String("type", "prompt")))
	}
	if completion > 0 {
		m.TranslationTokens.Add(ctx, int64(completion),
			metric.WithAttributes(attribute.String("type", "completion")))
	}
}

// RecordCacheLookup records one source-cache lookup outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
