package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/spooled/spooled-go/core"
)

// newRecordingProvider builds a provider over in-memory trace and metric
// pipelines so tests can inspect what was exported.
func newRecordingProvider() (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &Provider{
		tracer:        tp.Tracer("test"),
		meter:         mp.Meter("test"),
		traceProvider: tp,
		meterProvider: mp,
		counters:      make(map[string]metric.Float64Counter),
		histograms:    make(map[string]metric.Float64Histogram),
	}, sr, reader
}

func TestIsDurationMetric(t *testing.T) {
	cases := map[string]bool{
		"request_duration_ms":     true,
		"claim_latency":           true,
		"poll_interval_seconds":   true,
		"jobs_claimed":            false,
		"circuit_breaker.calls":   false,
		"worker_heartbeats_total": false,
	}
	for name, want := range cases {
		if got := isDurationMetric(name); got != want {
			t.Errorf("isDurationMetric(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestRecordMetricRoutesByName(t *testing.T) {
	p, _, reader := newRecordingProvider()

	p.RecordMetric("jobs_claimed", 1, map[string]string{"queue": "emails"})
	p.RecordMetric("jobs_claimed", 2, map[string]string{"queue": "emails"})
	p.RecordMetric("claim_duration_ms", 12.5, nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	var sawCounter, sawHistogram bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "jobs_claimed":
				sum, ok := m.Data.(metricdata.Sum[float64])
				if !ok {
					t.Fatalf("jobs_claimed exported as %T, want a counter sum", m.Data)
				}
				if len(sum.DataPoints) != 1 {
					t.Fatalf("Expected 1 data point, got %d", len(sum.DataPoints))
				}
				dp := sum.DataPoints[0]
				if dp.Value != 3 {
					t.Errorf("Counter value = %v, want 3", dp.Value)
				}
				if v, _ := dp.Attributes.Value(attribute.Key("queue")); v.AsString() != "emails" {
					t.Errorf("queue label = %q", v.AsString())
				}
				sawCounter = true
			case "claim_duration_ms":
				hist, ok := m.Data.(metricdata.Histogram[float64])
				if !ok {
					t.Fatalf("claim_duration_ms exported as %T, want a histogram", m.Data)
				}
				if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
					t.Fatalf("Histogram data points = %+v", hist.DataPoints)
				}
				if hist.DataPoints[0].Sum != 12.5 {
					t.Errorf("Histogram sum = %v, want 12.5", hist.DataPoints[0].Sum)
				}
				sawHistogram = true
			}
		}
	}
	if !sawCounter || !sawHistogram {
		t.Errorf("Exported metrics missing: counter=%v histogram=%v", sawCounter, sawHistogram)
	}
}

func TestInstrumentsCachedByName(t *testing.T) {
	p, _, _ := newRecordingProvider()

	p.RecordMetric("jobs_claimed", 1, nil)
	p.RecordMetric("jobs_claimed", 1, nil)
	p.RecordMetric("jobs_failed", 1, nil)
	p.RecordMetric("claim_duration_ms", 5, nil)
	p.RecordMetric("claim_duration_ms", 6, nil)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.counters) != 2 {
		t.Errorf("Expected 2 cached counters, got %d", len(p.counters))
	}
	if len(p.histograms) != 1 {
		t.Errorf("Expected 1 cached histogram, got %d", len(p.histograms))
	}
}

func TestSpanAttributeTypes(t *testing.T) {
	p, sr, _ := newRecordingProvider()

	_, span := p.StartSpan(context.Background(), "jobs.enqueue")
	span.SetAttribute("queue", "emails")
	span.SetAttribute("attempts", 2)
	span.SetAttribute("inflight", int64(7))
	span.SetAttribute("fraction", 0.5)
	span.SetAttribute("retryable", true)
	span.SetAttribute("extras", []string{"a"})
	span.RecordError(errors.New("boom"))
	span.End()

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("Expected 1 ended span, got %d", len(ended))
	}
	if ended[0].Name() != "jobs.enqueue" {
		t.Errorf("Span name = %q", ended[0].Name())
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["queue"].AsString() != "emails" {
		t.Errorf("queue = %v", attrs["queue"])
	}
	if attrs["attempts"].AsInt64() != 2 || attrs["inflight"].AsInt64() != 7 {
		t.Errorf("ints = %v/%v", attrs["attempts"], attrs["inflight"])
	}
	if attrs["fraction"].AsFloat64() != 0.5 {
		t.Errorf("fraction = %v", attrs["fraction"])
	}
	if !attrs["retryable"].AsBool() {
		t.Errorf("retryable = %v", attrs["retryable"])
	}
	// Unhandled types are stringified rather than dropped.
	if attrs["extras"].AsString() != "[a]" {
		t.Errorf("extras = %v", attrs["extras"])
	}

	events := ended[0].Events()
	if len(events) != 1 || events[0].Name != "exception" {
		t.Errorf("Expected one exception event, got %+v", events)
	}
}

func TestNewProviderStdoutMode(t *testing.T) {
	p, err := NewProvider("", core.TelemetryConfig{})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	_, span := p.StartSpan(context.Background(), "op")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestEnableInjectsProvider(t *testing.T) {
	if _, err := Enable(nil, "billing"); !core.IsConfigurationError(err) {
		t.Fatalf("Expected a configuration error for nil config, got: %v", err)
	}

	cfg := core.DefaultConfig()
	p, err := Enable(cfg, "billing")
	if err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	if cfg.Tracer != core.Telemetry(p) {
		t.Error("Expected the provider injected as cfg.Tracer")
	}
	if !cfg.Telemetry.Enabled {
		t.Error("Expected telemetry marked enabled")
	}
}
