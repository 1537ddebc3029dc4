package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Span names of the threat path. They are recorded at any sampling rate.
const (
	SpanDetectThreat    = "guardian.DetectThreat"
	SpanRespondToThreat = "guardian.RespondToThreat"
)

// Export deadlines are derived from the engine's per-call deadline.
const (
	exportDeadlineFactor = 5
	minExportTimeout     = time.Second
	minBatchTimeout      = 500 * time.Millisecond
	maxBatchTimeout      = 5 * time.Second
)

// Config controls tracing and metric export for the engine
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool

	// SamplingRate is the trace ratio in [0,1] for spans not listed in
	// AlwaysSample.
	SamplingRate float64
	AlwaysSample []string

	// EvaluationTimeout is the engine's per-call deadline. Unset export
	// and batch timeouts are derived from it.
	EvaluationTimeout time.Duration
	ExportTimeout     time.Duration
	BatchTimeout      time.Duration
	MetricInterval    time.Duration

	// Attributes describe the engine deployment and are added to the
	// resource under the "guardian." prefix.
	Attributes map[string]string
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:       "policy-guardian",
		ServiceVersion:    "0.1.0",
		Environment:       "development",
		OTLPEndpoint:      "localhost:4317",
		SamplingRate:      1.0,
		AlwaysSample:      []string{SpanDetectThreat, SpanRespondToThreat},
		EvaluationTimeout: 2 * time.Second,
		MetricInterval:    10 * time.Second,
	}
}

// exportTimeout bounds one exporter call
func (c *Config) exportTimeout() time.Duration {
	if c.ExportTimeout > 0 {
		return c.ExportTimeout
	}
	if d := exportDeadlineFactor * c.EvaluationTimeout; d > minExportTimeout {
		return d
	}
	return minExportTimeout
}

// batchTimeout flushes finished spans about once per evaluation deadline
func (c *Config) batchTimeout() time.Duration {
	d := c.BatchTimeout
	if d <= 0 {
		d = c.EvaluationTimeout
	}
	switch {
	case d < minBatchTimeout:
		return minBatchTimeout
	case d > maxBatchTimeout:
		return maxBatchTimeout
	default:
		return d
	}
}

// Provider holds the OpenTelemetry providers
type Provider struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Resource       *resource.Resource
	shutdown       []func(context.Context) error
}

// Tracer returns a tracer from the provider's tracer provider
func (p *Provider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return p.TracerProvider.Tracer(name, opts...)
}

// Shutdown flushes and stops every provider, in reverse order of creation
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InitializeOpenTelemetry builds the engine's providers. Disabled telemetry
// gets a no-op tracer and a local meter provider, so engine instruments and
// the scrape surface keep working without a collector.
func InitializeOpenTelemetry(ctx context.Context, cfg *Config) (*Provider, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{Resource: res}

	if !cfg.Enabled {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.TracerProvider = tracenoop.NewTracerProvider()
		p.MeterProvider = mp
		p.shutdown = append(p.shutdown, mp.Shutdown)
		return p, nil
	}

	traceExporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(cfg.exportTimeout()),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(cfg.batchTimeout()),
			sdktrace.WithExportTimeout(cfg.exportTimeout()),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.SamplingRate, cfg.AlwaysSample)),
	)
	p.TracerProvider = tp
	p.shutdown = append(p.shutdown, tp.Shutdown)

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(cfg.exportTimeout()),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create metric exporter: %w", err), p.Shutdown(ctx))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(cfg.MetricInterval),
			sdkmetric.WithTimeout(cfg.exportTimeout()),
		)),
		sdkmetric.WithResource(res),
	)
	p.MeterProvider = mp
	p.shutdown = append(p.shutdown, mp.Shutdown)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// newResource describes the service plus the engine deployment attributes.
// It carries no schema URL so it never conflicts with detector resources.
func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
		attribute.String("service.namespace", "guardian"),
		attribute.Int64("guardian.evaluation_timeout_ms", cfg.EvaluationTimeout.Milliseconds()),
	}

	keys := make([]string, 0, len(cfg.Attributes))
	for k := range cfg.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String("guardian."+strings.TrimPrefix(k, "guardian."), cfg.Attributes[k]))
	}

	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
}

// sampler records threat path spans unconditionally and applies a parent
// based ratio to everything else
type sampler struct {
	always map[string]bool
	ratio  sdktrace.Sampler
}

// NewSampler returns the engine sampler
func NewSampler(rate float64, always []string) sdktrace.Sampler {
	var base sdktrace.Sampler
	switch {
	case rate >= 1:
		base = sdktrace.AlwaysSample()
	case rate <= 0:
		base = sdktrace.NeverSample()
	default:
		base = sdktrace.TraceIDRatioBased(rate)
	}

	s := sampler{
		always: make(map[string]bool, len(always)),
		ratio:  sdktrace.ParentBased(base),
	}
	for _, name := range always {
		s.always[name] = true
	}
	return s
}

func (s sampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if s.always[p.Name] {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.RecordAndSample,
			Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
		}
	}
	return s.ratio.ShouldSample(p)
}

func (s sampler) Description() string {
	return fmt.Sprintf("GuardianSampler{always=%d,%s}", len(s.always), s.ratio.Description())
}

// Tracer returns a tracer for the given name from the global provider
func Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return otel.Tracer(name, opts...)
}

// RecordError records an error on the span with additional context
func RecordError(span trace.Span, err error, opts ...trace.EventOption) {
	if err != nil {
		span.RecordError(err, opts...)
		span.SetStatus(codes.Error, err.Error())
	}
}
