// Package observability provides OpenTelemetry tracing and RED metrics for
// skimport runs.
//
// Telemetry is off by default. When disabled the global no-op providers stay
// in place and every call here is cheap.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/SpatialKey/skdm-sub000/pkg/logging"
)

const instrumentationName = "github.com/SpatialKey/skdm-sub000"

// Metric names.
const (
	MetricOperations = "skimport.operations.total"
	MetricErrors     = "skimport.errors.total"
	MetricDuration   = "skimport.operation.duration"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
	Logger         *slog.Logger
}

// DefaultConfig returns the defaults: telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "skimport",
		ServiceVersion: "dev",
		OTLPEndpoint:   "localhost:4317",
	}
}

// Provider manages the trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates a provider. A nil config means DefaultConfig.
//
// Every span is sampled and exported in batches; a run is short, so
// Shutdown is what flushes them.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: logging.Component(config.Logger, "observability"),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	)

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spanExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spanExporter.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(spanExporter))
	p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("RED metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability enabled", "endpoint", config.OTLPEndpoint, "insecure", config.Insecure)
	return p, nil
}

func (p *Provider) initREDMetrics() error {
	var err error

	p.operations, err = p.meter.Int64Counter(MetricOperations,
		metric.WithDescription("Operations started"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	p.errors, err = p.meter.Int64Counter(MetricErrors,
		metric.WithDescription("Operations that ended in an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	// Imports wait on server-side processing, so buckets reach into minutes.
	p.duration, err = p.meter.Float64Histogram(MetricDuration,
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	return err
}

// Shutdown flushes and stops the providers. Errors are logged.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// TrackOperation starts a span and counts the operation. The returned
// function ends both and must be called exactly once with the outcome.
// A nil Provider tracks through the global providers only.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	opAttrs := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	if p != nil && p.operations != nil {
		p.operations.Add(ctx, 1, metric.WithAttributes(opAttrs...))
	}

	return ctx, func(err error) {
		if p != nil && p.duration != nil {
			p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(opAttrs...))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if p != nil && p.errors != nil {
				errAttrs := append(opAttrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
				p.errors.Add(ctx, 1, metric.WithAttributes(errAttrs...))
			}
		}
		span.End()
	}
}
