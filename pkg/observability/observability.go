// Package observability wires distributed tracing and RED (Rate,
// Errors, Duration) metrics for the control plane: OTLP trace export
// via go.opentelemetry.io/otel, metrics served to Prometheus.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegis-control/plane/pkg/apierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aegisd",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace provider and the Prometheus registry
// backing the RED metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	registry       *prometheus.Registry
	logger         *slog.Logger

	requestCounter   *prometheus.CounterVec
	errorCounter     *prometheus.CounterVec
	durationHist     *prometheus.HistogramVec
	activeOperations *prometheus.GaugeVec
}

// New creates a provider and, if enabled, dials the OTLP trace
// collector and registers the RED metrics with a fresh registry.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config:   config,
		logger:   slog.Default().With("component", "observability"),
		registry: prometheus.NewRegistry(),
	}

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("init RED metrics: %w", err)
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("aegis.component", "control-plane"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}

	p.tracer = otel.Tracer("aegis.control-plane", trace.WithInstrumentationVersion(config.ServiceVersion))

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *sdkresource.Resource) error {
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

func (p *Provider) initREDMetrics() error {
	p.requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_requests_total",
		Help: "Total number of requests processed, by operation.",
	}, []string{"operation"})

	p.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_errors_total",
		Help: "Total number of errors, by operation and error kind.",
	}, []string{"operation", "kind"})

	p.durationHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aegis_request_duration_seconds",
		Help:    "Request duration in seconds, by operation.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"operation"})

	p.activeOperations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aegis_operations_active",
		Help: "Number of currently in-flight operations, by operation.",
	}, []string{"operation"})

	for _, c := range []prometheus.Collector{p.requestCounter, p.errorCounter, p.durationHist, p.activeOperations} {
		if err := p.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Registry exposes the Prometheus registry for a /metrics handler.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// Shutdown drains the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		return err
	}
	return nil
}

// Tracer returns the configured tracer, falling back to the global
// no-op tracer if tracing is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("aegis.control-plane")
	}
	return p.tracer
}

// StartSpan starts a span under the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackOperation starts a span and RED-instruments it, returning a
// completion function the caller invokes with the operation's error
// (nil on success).
func (p *Provider) TrackOperation(ctx context.Context, operation string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, operation, trace.WithSpanKind(trace.SpanKindInternal))

	p.activeOperations.WithLabelValues(operation).Inc()
	p.requestCounter.WithLabelValues(operation).Inc()

	return ctx, func(err error) {
		p.activeOperations.WithLabelValues(operation).Dec()
		p.durationHist.WithLabelValues(operation).Observe(time.Since(start).Seconds())

		if err != nil {
			span.RecordError(err)
			p.errorCounter.WithLabelValues(operation, errorKind(err)).Inc()
		}
		span.End()
	}
}

// errorKind names an error for the error-counter's "kind" label. A
// *apierror.ProblemDetail contributes its own §7 kind; everything else
// is "unknown".
func errorKind(err error) string {
	var problem *apierror.ProblemDetail
	if errors.As(err, &problem) {
		return string(problem.Kind)
	}
	return "unknown"
}
