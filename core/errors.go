package core

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic conditions that structured errors wrap with context.
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrMissingCredentials   = errors.New("no credentials configured")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrClientClosed   = errors.New("client closed")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitOpen        = errors.New("circuit breaker open")

	// Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// ErrorKind classifies every error the SDK surfaces to callers.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindNotFound       ErrorKind = "not_found"
	KindValidation     ErrorKind = "validation"
	KindConflict       ErrorKind = "conflict"
	KindRateLimit      ErrorKind = "rate_limit"
	KindPlanLimit      ErrorKind = "plan_limit"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindNetwork        ErrorKind = "network"
	KindTimeout        ErrorKind = "timeout"
	KindGeneric        ErrorKind = "generic"
)

// CircuitSnapshot is the breaker state attached to circuit-open errors
// and exposed for diagnostics.
type CircuitSnapshot struct {
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Successes int       `json:"successes"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
}

// Error is the structured error type surfaced by the transport and the
// runtimes built on it. It wraps an underlying cause where one exists
// and carries enough context for callers to branch without string
// matching.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RequestID  string

	// Retryable is a hint for callers; the retry policy computes its
	// own decision from kind, status, and request method.
	Retryable bool

	// RetryAfter is populated for rate-limit responses that carried a
	// server wait hint.
	RetryAfter time.Duration

	// Fields holds per-field validation detail for validation errors.
	Fields map[string]string

	// Plan limit detail (403 with limit payload).
	Limit    int
	Current  int
	PlanTier string

	// Circuit holds the breaker snapshot for circuit-open errors.
	Circuit *CircuitSnapshot

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind) + " error"
	}
	if e.StatusCode > 0 {
		if e.RequestID != "" {
			return fmt.Sprintf("spooled: %s (status %d, request %s)", msg, e.StatusCode, e.RequestID)
		}
		return fmt.Sprintf("spooled: %s (status %d)", msg, e.StatusCode)
	}
	return fmt.Sprintf("spooled: %s", msg)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports the retry hint carried by the error.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewError builds a structured error from a kind and HTTP status,
// deriving the retry hint from both.
func NewError(kind ErrorKind, statusCode int, message string) *Error {
	return &Error{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  retryableKind(kind, statusCode),
		Err:        sentinelFor(kind),
	}
}

// NewAuthenticationError reports invalid or expired credentials (401).
func NewAuthenticationError(message, requestID string) *Error {
	e := NewError(KindAuthentication, 401, message)
	e.RequestID = requestID
	return e
}

// NewNotFoundError reports an absent resource (404).
func NewNotFoundError(message, requestID string) *Error {
	e := NewError(KindNotFound, 404, message)
	e.RequestID = requestID
	return e
}

// NewValidationError reports rejected input (400/422) with optional
// per-field detail.
func NewValidationError(statusCode int, message, requestID string, fields map[string]string) *Error {
	e := NewError(KindValidation, statusCode, message)
	e.RequestID = requestID
	e.Fields = fields
	return e
}

// NewConflictError reports a state conflict (409).
func NewConflictError(message, requestID string) *Error {
	e := NewError(KindConflict, 409, message)
	e.RequestID = requestID
	return e
}

// NewRateLimitError reports throttling (429) with the server wait hint.
func NewRateLimitError(message, requestID string, retryAfter time.Duration) *Error {
	e := NewError(KindRateLimit, 429, message)
	e.RequestID = requestID
	e.RetryAfter = retryAfter
	return e
}

// NewPlanLimitError reports a plan quota rejection (403 with limit payload).
func NewPlanLimitError(message, requestID string, limit, current int, planTier string) *Error {
	e := NewError(KindPlanLimit, 403, message)
	e.RequestID = requestID
	e.Limit = limit
	e.Current = current
	e.PlanTier = planTier
	return e
}

// NewCircuitOpenError is synthesised locally when the breaker rejects a
// call. It never reflects a server response.
func NewCircuitOpenError(name string, snapshot *CircuitSnapshot) *Error {
	return &Error{
		Kind:    KindCircuitOpen,
		Message: fmt.Sprintf("circuit breaker %q is open", name),
		Circuit: snapshot,
		Err:     ErrCircuitOpen,
	}
}

// NewNetworkError wraps a transport-level connectivity failure.
func NewNetworkError(err error) *Error {
	return &Error{
		Kind:      KindNetwork,
		Message:   "network error",
		Retryable: true,
		Err:       fmt.Errorf("%w: %w", ErrConnectionFailed, err),
	}
}

// NewTimeoutError wraps a connect or read timeout.
func NewTimeoutError(err error) *Error {
	return &Error{
		Kind:      KindTimeout,
		Message:   "request timed out",
		Retryable: true,
		Err:       fmt.Errorf("%w: %w", ErrTimeout, err),
	}
}

// sentinelFor maps kinds onto sentinels so errors.Is works across the
// taxonomy without callers needing *Error.
func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindTimeout:
		return ErrTimeout
	case KindNetwork:
		return ErrConnectionFailed
	default:
		return nil
	}
}

func retryableKind(kind ErrorKind, statusCode int) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	case KindGeneric:
		return statusCode >= 500 && statusCode != 501
	default:
		return false
	}
}

// AsError extracts the structured error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func kindIs(err error, kind ErrorKind) bool {
	if e, ok := AsError(err); ok {
		return e.Kind == kind
	}
	return false
}

// IsRetryable checks whether an error carries a positive retry hint.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrTimeout)
}

// IsAuthentication checks for credential failures.
func IsAuthentication(err error) bool { return kindIs(err, KindAuthentication) }

// IsNotFound checks for absent-resource errors.
func IsNotFound(err error) bool { return kindIs(err, KindNotFound) }

// IsValidation checks for rejected-input errors.
func IsValidation(err error) bool { return kindIs(err, KindValidation) }

// IsConflict checks for state-conflict errors.
func IsConflict(err error) bool { return kindIs(err, KindConflict) }

// IsRateLimit checks for throttling errors.
func IsRateLimit(err error) bool { return kindIs(err, KindRateLimit) }

// IsPlanLimit checks for plan quota errors.
func IsPlanLimit(err error) bool { return kindIs(err, KindPlanLimit) }

// IsCircuitOpen checks whether the local breaker rejected the call.
func IsCircuitOpen(err error) bool {
	return kindIs(err, KindCircuitOpen) || errors.Is(err, ErrCircuitOpen)
}

// IsTimeout checks for connect/read timeouts.
func IsTimeout(err error) bool {
	return kindIs(err, KindTimeout) || errors.Is(err, ErrTimeout)
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration) ||
		errors.Is(err, ErrMissingCredentials)
}

// IsStateError checks if an error is related to invalid lifecycle state.
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotStarted) ||
		errors.Is(err, ErrClientClosed)
}
