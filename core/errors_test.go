package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestErrorMessage verifies the rendered form carries status and request
// id when present.
func TestErrorMessage(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want string
	}{
		{
			"message with status and request id",
			&Error{Kind: KindNotFound, StatusCode: 404, Message: "job not found", RequestID: "req-1"},
			"spooled: job not found (status 404, request req-1)",
		},
		{
			"message with status only",
			&Error{Kind: KindValidation, StatusCode: 422, Message: "queue_name is required"},
			"spooled: queue_name is required (status 422)",
		},
		{
			"local error without status",
			&Error{Kind: KindCircuitOpen, Message: "circuit breaker \"api\" is open"},
			"spooled: circuit breaker \"api\" is open",
		},
		{
			"falls back to cause",
			&Error{Kind: KindNetwork, Err: errors.New("dial tcp: refused")},
			"spooled: dial tcp: refused",
		},
		{
			"falls back to kind",
			&Error{Kind: KindGeneric},
			"spooled: generic error",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Error())
		})
	}
}

// TestConstructors verifies each constructor sets kind, status, and the
// kind-specific payload.
func TestConstructors(t *testing.T) {
	t.Run("authentication", func(t *testing.T) {
		e := NewAuthenticationError("token expired", "req-1")
		assert.Equal(t, KindAuthentication, e.Kind)
		assert.Equal(t, 401, e.StatusCode)
		assert.Equal(t, "req-1", e.RequestID)
		assert.False(t, e.Retryable)
	})

	t.Run("not found", func(t *testing.T) {
		e := NewNotFoundError("no such job", "")
		assert.Equal(t, KindNotFound, e.Kind)
		assert.Equal(t, 404, e.StatusCode)
		assert.False(t, e.Retryable)
	})

	t.Run("validation with fields", func(t *testing.T) {
		e := NewValidationError(422, "bad input", "req-2", map[string]string{"priority": "must be >= 0"})
		assert.Equal(t, KindValidation, e.Kind)
		assert.Equal(t, 422, e.StatusCode)
		assert.Equal(t, "must be >= 0", e.Fields["priority"])
		assert.False(t, e.Retryable)
	})

	t.Run("conflict", func(t *testing.T) {
		e := NewConflictError("idempotency key replay", "")
		assert.Equal(t, KindConflict, e.Kind)
		assert.Equal(t, 409, e.StatusCode)
	})

	t.Run("rate limit carries wait hint", func(t *testing.T) {
		e := NewRateLimitError("throttled", "", 7*time.Second)
		assert.Equal(t, KindRateLimit, e.Kind)
		assert.Equal(t, 429, e.StatusCode)
		assert.Equal(t, 7*time.Second, e.RetryAfter)
		assert.True(t, e.Retryable)
	})

	t.Run("plan limit carries quota detail", func(t *testing.T) {
		e := NewPlanLimitError("queue quota reached", "", 10, 10, "free")
		assert.Equal(t, KindPlanLimit, e.Kind)
		assert.Equal(t, 403, e.StatusCode)
		assert.Equal(t, 10, e.Limit)
		assert.Equal(t, 10, e.Current)
		assert.Equal(t, "free", e.PlanTier)
		assert.False(t, e.Retryable)
	})

	t.Run("circuit open carries snapshot", func(t *testing.T) {
		snap := &CircuitSnapshot{State: "open", Failures: 5}
		e := NewCircuitOpenError("api", snap)
		assert.Equal(t, KindCircuitOpen, e.Kind)
		assert.Zero(t, e.StatusCode)
		require.NotNil(t, e.Circuit)
		assert.Equal(t, "open", e.Circuit.State)
	})

	t.Run("network and timeout are retryable", func(t *testing.T) {
		assert.True(t, NewNetworkError(errors.New("refused")).Retryable)
		assert.True(t, NewTimeoutError(errors.New("deadline")).Retryable)
	})
}

// TestGenericRetryability verifies the 5xx rule with its 501 exception.
func TestGenericRetryability(t *testing.T) {
	assert.True(t, NewError(KindGeneric, 500, "boom").Retryable)
	assert.True(t, NewError(KindGeneric, 503, "unavailable").Retryable)
	assert.False(t, NewError(KindGeneric, 501, "not implemented").Retryable)
	assert.False(t, NewError(KindGeneric, 418, "teapot").Retryable)
}

// TestSentinelChains verifies errors.Is reaches the sentinels through
// the structured error.
func TestSentinelChains(t *testing.T) {
	assert.ErrorIs(t, NewCircuitOpenError("api", nil), ErrCircuitOpen)
	assert.ErrorIs(t, NewTimeoutError(errors.New("deadline")), ErrTimeout)
	assert.ErrorIs(t, NewNetworkError(errors.New("refused")), ErrConnectionFailed)

	// The original cause stays reachable behind the sentinel.
	cause := errors.New("dial tcp 10.0.0.1: connect: connection refused")
	assert.ErrorIs(t, NewNetworkError(cause), cause)
}

// TestClassificationHelpers verifies the Is* helpers see through
// wrapping.
func TestClassificationHelpers(t *testing.T) {
	wrapped := fmt.Errorf("enqueue failed: %w", NewRateLimitError("throttled", "", time.Second))

	assert.True(t, IsRateLimit(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsNotFound(wrapped))

	e, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindRateLimit, e.Kind)

	assert.True(t, IsAuthentication(NewAuthenticationError("expired", "")))
	assert.True(t, IsNotFound(NewNotFoundError("gone", "")))
	assert.True(t, IsValidation(NewValidationError(400, "bad", "", nil)))
	assert.True(t, IsConflict(NewConflictError("dupe", "")))
	assert.True(t, IsPlanLimit(NewPlanLimitError("quota", "", 1, 1, "free")))
	assert.True(t, IsCircuitOpen(NewCircuitOpenError("api", nil)))
	assert.True(t, IsTimeout(NewTimeoutError(errors.New("deadline"))))

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
}

// TestConfigurationAndStateHelpers verifies the sentinel groupings used
// by the breaker classifier.
func TestConfigurationAndStateHelpers(t *testing.T) {
	assert.True(t, IsConfigurationError(fmt.Errorf("load: %w", ErrMissingConfiguration)))
	assert.True(t, IsConfigurationError(ErrMissingCredentials))
	assert.False(t, IsConfigurationError(ErrTimeout))

	assert.True(t, IsStateError(fmt.Errorf("start: %w", ErrAlreadyStarted)))
	assert.True(t, IsStateError(ErrClientClosed))
	assert.False(t, IsStateError(ErrRequestFailed))
}

// TestIsRetryableFallback verifies bare sentinels count as retryable
// even outside a structured error.
func TestIsRetryableFallback(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("call: %w", ErrConnectionFailed)))
	assert.True(t, IsRetryable(fmt.Errorf("call: %w", ErrTimeout)))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}
