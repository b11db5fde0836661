package resilience

import "github.com/spooled/spooled-go/core"

// Dependencies holds the optional collaborators a breaker is wired to.
// Zero values fall back to no-op implementations.
type Dependencies struct {
	Logger    core.Logger
	Telemetry core.Telemetry
}

// CreateCircuitBreaker builds a breaker wired to the host's logger and
// telemetry sink. The transports construct theirs through here;
// NewCircuitBreaker alone gives an unwired breaker for tests and custom
// setups.
func CreateCircuitBreaker(name string, cfg core.CircuitConfig, deps Dependencies) *CircuitBreaker {
	cb := NewCircuitBreaker(name, cfg)
	if deps.Logger != nil {
		cb.SetLogger(deps.Logger)
	}
	if deps.Telemetry != nil {
		cb.SetMetrics(NewTelemetryMetrics(deps.Telemetry))
	}
	return cb
}
