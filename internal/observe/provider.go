package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the process-wide telemetry providers.
type ProviderConfig struct {
	// ServiceName defaults to "encore".
	ServiceName    string
	ServiceVersion string

	// TraceExporter receives finished spans in batches. Nil keeps spans
	// in-process only, which still yields trace IDs for log correlation.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRatio is the fraction of new traces sampled, in (0, 1].
	// Zero samples everything. Incoming sampled parents are always honoured.
	TraceSampleRatio float64
}

// InitProvider installs a Prometheus-backed meter provider, a tracer provider
// and the W3C trace-context propagator as the OpenTelemetry globals. Metrics
// created afterwards through [DefaultMetrics] are scraped from the default
// Prometheus registry, which promhttp serves on /metrics.
//
// The returned function flushes and stops both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "encore"
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))

	sampler := sdktrace.AlwaysSample()
	if r := cfg.TraceSampleRatio; r > 0 && r < 1 {
		sampler = sdktrace.TraceIDRatioBased(r)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// newResource describes the service on top of the SDK defaults. The service
// attributes carry no schema URL, so merging never conflicts with whatever
// semconv version the SDK's default resource was built against.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}
