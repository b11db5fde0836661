package resilience

import "github.com/spooled/spooled-go/core"

// TelemetryMetrics forwards breaker activity to a core.Telemetry sink.
// The metric names are stable; dashboards key on them.
type TelemetryMetrics struct {
	sink core.Telemetry
}

var _ MetricsCollector = (*TelemetryMetrics)(nil)

// NewTelemetryMetrics builds a collector over the given sink.
func NewTelemetryMetrics(sink core.Telemetry) *TelemetryMetrics {
	if sink == nil {
		sink = &core.NoOpTelemetry{}
	}
	return &TelemetryMetrics{sink: sink}
}

func (t *TelemetryMetrics) RecordSuccess(name string) {
	t.sink.RecordMetric("circuit_breaker.calls", 1, map[string]string{
		"name":  name,
		"state": "success",
	})
}

func (t *TelemetryMetrics) RecordFailure(name string) {
	t.sink.RecordMetric("circuit_breaker.calls", 1, map[string]string{
		"name":  name,
		"state": "failure",
	})
	t.sink.RecordMetric("circuit_breaker.failures", 1, map[string]string{
		"name": name,
	})
}

func (t *TelemetryMetrics) RecordStateChange(name string, from, to string) {
	t.sink.RecordMetric("circuit_breaker.state_changes", 1, map[string]string{
		"name":       name,
		"from_state": from,
		"to_state":   to,
	})

	// Encode the new position so a panel can plot it: closed 0,
	// half-open 0.5, open 1.
	stateValue := 0.0
	switch to {
	case StateHalfOpen.String():
		stateValue = 0.5
	case StateOpen.String():
		stateValue = 1.0
	}
	t.sink.RecordMetric("circuit_breaker.current_state", stateValue, map[string]string{
		"name": name,
	})
}

func (t *TelemetryMetrics) RecordRejection(name string) {
	t.sink.RecordMetric("circuit_breaker.rejected", 1, map[string]string{
		"name": name,
	})
}
