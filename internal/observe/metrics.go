// Package observe provides application-wide observability primitives for
// Encore: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Encore metrics.
const meterName = "github.com/MrWong99/encore"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// VoiceAcquireDuration tracks how long voice acquisition took, including
	// backoff sleeps. Use with attribute:
	//   attribute.String("outcome", ...)
	VoiceAcquireDuration metric.Float64Histogram

	// SourcePrepareDuration tracks audio source preparation latency. Use with
	// attribute:
	//   attribute.String("source", "local"|"stream")
	SourcePrepareDuration metric.Float64Histogram

	// ResolveDuration tracks resolver latency. Use with attributes:
	//   attribute.String("op", "resolve"|"search"|"stream"), attribute.String("status", ...)
	ResolveDuration metric.Float64Histogram

	// --- Counters ---

	// VoiceAttempts counts individual connection attempts. Use with attribute:
	//   attribute.String("outcome", "connected"|"invalid_session"|"timeout"|"error")
	VoiceAttempts metric.Int64Counter

	// VoiceRejected counts acquisitions rejected because one was in flight.
	VoiceRejected metric.Int64Counter

	// TracksStarted counts tracks handed to the playback device.
	TracksStarted metric.Int64Counter

	// TracksFailed counts failed track attempts. Use with attribute:
	//   attribute.Bool("silent", ...)
	TracksFailed metric.Int64Counter

	// TracksSkipped counts tracks skipped after exhausting retries.
	TracksSkipped metric.Int64Counter

	// ResolverCache counts resolver cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	ResolverCache metric.Int64Counter

	// ReaperReleases counts connections released by the idle reaper. Use with
	// attribute:
	//   attribute.String("reason", "empty_channel"|"idle")
	ReaperReleases metric.Int64Counter

	// PersistenceErrors counts failed best-effort persistence calls. Use with
	// attribute:
	//   attribute.String("op", ...)
	PersistenceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of guild sessions in the store.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of held voice connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks operational HTTP latency by mux route and
	// status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// fast cache hits up to fully backed-off voice acquisitions.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.VoiceAcquireDuration, err = m.Float64Histogram("encore.voice.acquire.duration",
		metric.WithDescription("Latency of voice connection acquisition including backoff."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SourcePrepareDuration, err = m.Float64Histogram("encore.source.prepare.duration",
		metric.WithDescription("Latency of audio source preparation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResolveDuration, err = m.Float64Histogram("encore.resolver.duration",
		metric.WithDescription("Latency of track resolution calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.VoiceAttempts, err = m.Int64Counter("encore.voice.attempts",
		metric.WithDescription("Voice connection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.VoiceRejected, err = m.Int64Counter("encore.voice.rejected",
		metric.WithDescription("Voice acquisitions rejected while another was in flight."),
	); err != nil {
		return nil, err
	}
	if met.TracksStarted, err = m.Int64Counter("encore.tracks.started",
		metric.WithDescription("Tracks started on a playback device."),
	); err != nil {
		return nil, err
	}
	if met.TracksFailed, err = m.Int64Counter("encore.tracks.failed",
		metric.WithDescription("Failed track attempts, split by silent failure detection."),
	); err != nil {
		return nil, err
	}
	if met.TracksSkipped, err = m.Int64Counter("encore.tracks.skipped",
		metric.WithDescription("Tracks skipped after exhausting retries."),
	); err != nil {
		return nil, err
	}
	if met.ResolverCache, err = m.Int64Counter("encore.resolver.cache",
		metric.WithDescription("Resolver cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.ReaperReleases, err = m.Int64Counter("encore.reaper.releases",
		metric.WithDescription("Voice connections released by the idle reaper by reason."),
	); err != nil {
		return nil, err
	}
	if met.PersistenceErrors, err = m.Int64Counter("encore.persistence.errors",
		metric.WithDescription("Failed best-effort persistence calls by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("encore.active_sessions",
		metric.WithDescription("Number of guild sessions in the store."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("encore.voice.active_connections",
		metric.WithDescription("Number of held voice connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("encore.http.request.duration",
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

// RecordVoiceAttempt records one connection attempt with its outcome.
func (m *Metrics) RecordVoiceAttempt(ctx context.Context, outcome string) {
	m.VoiceAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordVoiceAcquire records the total duration of an acquisition.
func (m *Metrics) RecordVoiceAcquire(ctx context.Context, d time.Duration, outcome string) {
	m.VoiceAcquireDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTrackFailed records a failed track attempt.
func (m *Metrics) RecordTrackFailed(ctx context.Context, silent bool) {
	m.TracksFailed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("silent", silent)))
}

// RecordSourcePrepare records the latency of preparing a source of the given kind.
func (m *Metrics) RecordSourcePrepare(ctx context.Context, d time.Duration, kind string) {
	m.SourcePrepareDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", kind)))
}

// RecordResolve records one resolver call.
func (m *Metrics) RecordResolve(ctx context.Context, op string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ResolveDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	))
}

// RecordCacheLookup records a resolver cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ResolverCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordReaperRelease records a reaper disconnect.
func (m *Metrics) RecordReaperRelease(ctx context.Context, reason string) {
	m.ReaperReleases.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPersistenceError records a failed best-effort persistence call.
func (m *Metrics) RecordPersistenceError(ctx context.Context, op string) {
	m.PersistenceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
