// Package observability provides OpenTelemetry-based telemetry for the
// mnemos event pipeline: OTLP trace export plus counters for minted events,
// webhook deliveries, and backpressure drops. Disabled by default so a
// local-first install carries no collector dependency.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns local-first defaults: telemetry off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mnemos",
		ServiceVersion: "0.1.0",
		Environment:    "local",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus pipeline metrics.
type Provider struct {
	config         *Config
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	metrics        *Metrics
}

// Metrics holds the pipeline counters. A nil *Metrics is valid and records
// nothing, so components take it without caring whether telemetry is on.
type Metrics struct {
	eventsMinted    metric.Int64Counter
	deliveries      metric.Int64Counter
	streamDrops     metric.Int64Counter
	dispatchDrops   metric.Int64Counter
	deliveryLatency metric.Float64Histogram
}

// New creates a provider. When config.Enabled is false it returns a provider
// whose Metrics() is nil and whose Shutdown is a no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("mnemos", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("mnemos", metric.WithInstrumentationVersion(config.ServiceVersion))

	if p.metrics, err = newMetrics(p.meter); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.eventsMinted, err = meter.Int64Counter("mnemos.events.minted",
		metric.WithDescription("Events minted by the router"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("mnemos.webhook.deliveries",
		metric.WithDescription("Webhook delivery attempts by outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.streamDrops, err = meter.Int64Counter("mnemos.stream.drops",
		metric.WithDescription("Events dropped from saturated live-stream queues"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.dispatchDrops, err = meter.Int64Counter("mnemos.webhook.queue_drops",
		metric.WithDescription("Deliveries dropped because the dispatch queue was full"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.deliveryLatency, err = meter.Float64Histogram("mnemos.webhook.delivery_duration",
		metric.WithDescription("Webhook POST duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Metrics returns the pipeline counters, or nil when telemetry is disabled.
func (p *Provider) Metrics() *Metrics { return p.metrics }

// Tracer returns the service tracer, or a no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("mnemos")
	}
	return p.tracer
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EventMinted records one minted event.
func (m *Metrics) EventMinted(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsMinted.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

// DeliveryAttempt records one webhook attempt outcome
// ("success", "retry", "failure").
func (m *Metrics) DeliveryAttempt(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, seconds, attrs)
}

// StreamDrop records an event dropped from a live-stream queue.
func (m *Metrics) StreamDrop(ctx context.Context, subscriberID string) {
	if m == nil {
		return
	}
	m.streamDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber.id", subscriberID)))
}

// DispatchDrop records a delivery dropped at enqueue time.
func (m *Metrics) DispatchDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.dispatchDrops.Add(ctx, 1)
}
