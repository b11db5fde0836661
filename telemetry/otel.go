// Package telemetry provides an OpenTelemetry-backed implementation of
// core.Telemetry. It is entirely optional: no other package imports it,
// and hosts that already run their own OpenTelemetry setup can implement
// core.Telemetry directly instead.
//
// Spans export over OTLP/gRPC when an endpoint is configured and to
// stdout otherwise; metrics follow the same split. The provider also
// installs itself as the process-global OpenTelemetry provider so the
// instrumented HTTP transport picks it up.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/spooled/spooled-go/core"
)

var _ core.Telemetry = (*Provider)(nil)

// Provider implements core.Telemetry over the OpenTelemetry SDK.
type Provider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider

	mu         sync.RWMutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewProvider builds a provider for the given service name. With an
// endpoint the exporters speak OTLP/gRPC; without one they write to
// stdout, which is the local-development mode.
func NewProvider(serviceName string, cfg core.TelemetryConfig) (*Provider, error) {
	if serviceName == "" {
		serviceName = "spooled-go"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(core.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	ctx := context.Background()
	traceExporter, metricReader, err := buildExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(metricReader),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		tracer:        tp.Tracer("spooled-go"),
		meter:         mp.Meter("spooled-go"),
		traceProvider: tp,
		meterProvider: mp,
		counters:      make(map[string]metric.Float64Counter),
		histograms:    make(map[string]metric.Float64Histogram),
	}, nil
}

func buildExporters(ctx context.Context, cfg core.TelemetryConfig) (sdktrace.SpanExporter, sdkmetric.Reader, error) {
	if cfg.Endpoint == "" {
		traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		metricExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		return traceExporter, sdkmetric.NewPeriodicReader(metricExporter), nil
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	return traceExporter, sdkmetric.NewPeriodicReader(metricExporter), nil
}

// Enable builds a provider from cfg.Telemetry, injects it as cfg.Tracer,
// and switches the HTTP transport to its instrumented mode. Call it
// before constructing the client. serviceName is the host service's
// name, not the SDK's.
func Enable(cfg *core.Config, serviceName string) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", core.ErrInvalidConfiguration)
	}
	p, err := NewProvider(serviceName, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	cfg.Tracer = p
	cfg.Telemetry.Enabled = true

	if cfg.Logger != nil {
		cfg.Logger.Info("Telemetry enabled", map[string]interface{}{
			"operation": "telemetry_enable",
			"endpoint":  cfg.Telemetry.Endpoint,
			"service":   serviceName,
		})
	}
	return p, nil
}

// StartSpan begins a traced operation.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a named measurement. Names that read as durations
// (suffix _ms or _seconds, or containing duration or latency) become
// histogram samples; everything else increments a counter.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	ctx := context.Background()

	if isDurationMetric(name) {
		h, err := p.histogram(name)
		if err != nil {
			return
		}
		h.Record(ctx, value, metric.WithAttributes(attrs...))
		return
	}
	c, err := p.counter(name)
	if err != nil {
		return
	}
	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

func isDurationMetric(name string) bool {
	return strings.HasSuffix(name, "_ms") ||
		strings.HasSuffix(name, "_seconds") ||
		strings.Contains(name, "duration") ||
		strings.Contains(name, "latency")
}

func (p *Provider) counter(name string) (metric.Float64Counter, error) {
	p.mu.RLock()
	c, ok := p.counters[name]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Double-check after acquiring the write lock.
	if c, ok = p.counters[name]; ok {
		return c, nil
	}
	c, err := p.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	p.counters[name] = c
	return c, nil
}

func (p *Provider) histogram(name string) (metric.Float64Histogram, error) {
	p.mu.RLock()
	h, ok := p.histograms[name]
	p.mu.RUnlock()
	if ok {
		return h, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.histograms[name]; ok {
		return h, nil
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	p.histograms[name] = h
	return h, nil
}

// Shutdown flushes and stops both pipelines. Spans or metrics recorded
// after Shutdown are dropped.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.traceProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	return errors.Join(errs...)
}

// otelSpan adapts an OpenTelemetry span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
