package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spooled/spooled-go/core"
)

// State is the position of the circuit breaker.
type State int

const (
	// StateClosed allows all requests through, counting consecutive
	// countable failures.
	StateClosed State = iota
	// StateOpen rejects every request without contacting the executor.
	StateOpen
	// StateHalfOpen allows requests through while counting consecutive
	// successes toward recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker telemetry.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(name string)                      {}
func (noopMetrics) RecordFailure(name string)                      {}
func (noopMetrics) RecordStateChange(name string, from, to string) {}
func (noopMetrics) RecordRejection(name string)                    {}

// Classifier determines which errors count toward the failure
// threshold.
type Classifier func(error) bool

// DefaultClassifier counts infrastructure failures only: connectivity
// errors, timeouts, rate limiting, and 5xx responses. Client errors
// (other 4xx), cancellation, configuration and lifecycle mistakes never
// trip the breaker.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := core.AsError(err); ok {
		switch e.Kind {
		case core.KindNetwork, core.KindTimeout, core.KindRateLimit:
			return true
		case core.KindGeneric:
			return e.StatusCode >= 500
		default:
			return false
		}
	}
	if core.IsConfigurationError(err) || core.IsStateError(err) {
		return false
	}
	// Unclassified errors from the wire are treated as connectivity
	// problems.
	return true
}

// CircuitBreaker is a process-local three-state failure gate protecting
// all outbound calls. Closed counts consecutive countable failures and
// opens at the threshold; open rejects until the cooldown elapses, then
// probes in half-open; half-open closes after enough consecutive
// successes and reopens on any countable failure.
//
// State reads are lock-free; transitions take a short mutex.
type CircuitBreaker struct {
	name       string
	cfg        core.CircuitConfig
	logger     core.Logger
	metrics    MetricsCollector
	classifier Classifier

	state    atomic.Value // State
	openedAt atomic.Value // time.Time

	failures  atomic.Int32 // consecutive countable failures while closed
	successes atomic.Int32 // consecutive successes while half-open

	rejected atomic.Uint64

	mu        sync.Mutex // guards transitions and listeners
	listeners []func(name string, from, to State)
}

// NewCircuitBreaker creates a breaker from the shared circuit
// configuration. Zero thresholds fall back to the package defaults so a
// partially filled config still behaves.
func NewCircuitBreaker(name string, cfg core.CircuitConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = core.DefaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = core.DefaultSuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = core.DefaultCooldown
	}
	cb := &CircuitBreaker{
		name:       name,
		cfg:        cfg,
		logger:     &core.NoOpLogger{},
		metrics:    noopMetrics{},
		classifier: DefaultClassifier,
	}
	cb.state.Store(StateClosed)
	cb.openedAt.Store(time.Time{})
	return cb
}

// SetLogger injects the structured logger used for state transitions.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	cb.logger = logger
}

// SetMetrics injects a metrics collector.
func (cb *CircuitBreaker) SetMetrics(m MetricsCollector) {
	if m == nil {
		m = noopMetrics{}
	}
	cb.metrics = m
}

// SetClassifier replaces the failure classifier.
func (cb *CircuitBreaker) SetClassifier(fn Classifier) {
	if fn == nil {
		fn = DefaultClassifier
	}
	cb.classifier = fn
}

// OnStateChange registers a listener invoked after every transition.
// Listeners run synchronously on the transitioning goroutine and must
// not block.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// State returns the current position. A disabled breaker always reads
// closed.
func (cb *CircuitBreaker) State() State {
	if !cb.cfg.Enabled {
		return StateClosed
	}
	return cb.state.Load().(State)
}

// Snapshot exposes the observable breaker state for diagnostics and for
// circuit-open errors.
func (cb *CircuitBreaker) Snapshot() *core.CircuitSnapshot {
	snap := &core.CircuitSnapshot{
		State:     cb.State().String(),
		Failures:  int(cb.failures.Load()),
		Successes: int(cb.successes.Load()),
	}
	if t, ok := cb.openedAt.Load().(time.Time); ok && !t.IsZero() {
		snap.OpenedAt = t
	}
	return snap
}

// Allow reports whether a call may proceed. It returns nil for closed,
// half-open, and disabled breakers. For an open breaker it flips to
// half-open once the cooldown has elapsed, otherwise it rejects with a
// circuit-open error carrying the state snapshot.
func (cb *CircuitBreaker) Allow() error {
	if !cb.cfg.Enabled {
		return nil
	}
	switch cb.state.Load().(State) {
	case StateClosed, StateHalfOpen:
		return nil
	default:
	}

	openedAt, _ := cb.openedAt.Load().(time.Time)
	if time.Since(openedAt) >= cb.cfg.Cooldown {
		cb.transition(StateOpen, StateHalfOpen)
		return nil
	}

	cb.rejected.Add(1)
	cb.metrics.RecordRejection(cb.name)
	cb.logger.Debug("Circuit breaker rejected call", map[string]interface{}{
		"operation": "circuit_reject",
		"name":      cb.name,
		"opened_at": openedAt,
		"cooldown":  cb.cfg.Cooldown.String(),
	})
	return core.NewCircuitOpenError(cb.name, cb.Snapshot())
}

// RecordSuccess feeds a successful call outcome into the state machine.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.cfg.Enabled {
		return
	}
	cb.metrics.RecordSuccess(cb.name)
	switch cb.state.Load().(State) {
	case StateClosed:
		cb.failures.Store(0)
	case StateHalfOpen:
		if cb.successes.Add(1) >= int32(cb.cfg.SuccessThreshold) {
			cb.transition(StateHalfOpen, StateClosed)
		}
	}
}

// RecordFailure feeds a failed call outcome into the state machine.
// Errors the classifier rejects (client errors, cancellation) leave the
// state untouched.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.cfg.Enabled || !cb.classifier(err) {
		return
	}
	cb.metrics.RecordFailure(cb.name)
	switch cb.state.Load().(State) {
	case StateClosed:
		if cb.failures.Add(1) >= int32(cb.cfg.FailureThreshold) {
			cb.transition(StateClosed, StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateHalfOpen, StateOpen)
	}
}

// Execute runs fn gated by the breaker and records its outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		cb.RecordFailure(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Reset returns the breaker to closed with zeroed counters regardless
// of its current state.
func (cb *CircuitBreaker) Reset() {
	from := cb.state.Load().(State)
	if from != StateClosed {
		cb.transition(from, StateClosed)
		return
	}
	cb.failures.Store(0)
	cb.successes.Store(0)
}

// transition moves from -> to if the breaker is still in from, then
// notifies listeners. Double-checked under the mutex so concurrent
// observers of the same trigger produce one transition.
func (cb *CircuitBreaker) transition(from, to State) {
	cb.mu.Lock()
	if cb.state.Load().(State) != from {
		cb.mu.Unlock()
		return
	}
	cb.state.Store(to)
	switch to {
	case StateOpen:
		cb.openedAt.Store(time.Now())
		cb.successes.Store(0)
	case StateHalfOpen:
		cb.successes.Store(0)
	case StateClosed:
		cb.failures.Store(0)
		cb.successes.Store(0)
		cb.openedAt.Store(time.Time{})
	}
	listeners := make([]func(string, State, State), len(cb.listeners))
	copy(listeners, cb.listeners)
	cb.mu.Unlock()

	cb.metrics.RecordStateChange(cb.name, from.String(), to.String())
	cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_transition",
		"name":      cb.name,
		"from":      from.String(),
		"to":        to.String(),
	})
	for _, fn := range listeners {
		fn(cb.name, from, to)
	}
}
