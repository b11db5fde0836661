// Package resilience implements the failure-handling layer the
// transport wraps around every outbound call: a bounded exponential
// backoff retry policy and a three-state circuit breaker. Both consume
// their configuration from the core package and log through the
// injected core.Logger.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spooled/spooled-go/core"
)

// ShouldRetry decides whether a failed attempt may be retried and
// supplies the server wait hint when one was present (zero otherwise).
type ShouldRetry func(err error) (retry bool, hint time.Duration)

// RetryableMethod reports whether a request method is safe to retry.
// GET, PUT and DELETE are idempotent against the API; POST and PATCH
// are retried only when the caller explicitly opts in.
func RetryableMethod(method string, force bool) bool {
	if force {
		return true
	}
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// RetryableStatus reports whether a response status is worth retrying:
// 429 and all 5xx except 501. Client errors (400, 401, 403, 404, 409,
// 422) are never retried.
func RetryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusNotImplemented:
		return false
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// RetryableError reports whether an error alone (absent method/status
// context) is retryable: connectivity failures, timeouts, and any
// taxonomy error carrying a positive retry hint.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	return core.IsRetryable(err)
}

// Delay computes the sleep before retry attempt+1. The base follows
// min(maxDelay, baseDelay*factor^attempt); a positive server hint
// replaces the computed base (still capped at maxDelay). Multiplicative
// jitter widens the result into [d, d*(1+jitter)] so synchronized
// clients spread out, including on the hint path.
func Delay(cfg core.RetryConfig, attempt int, hint time.Duration) time.Duration {
	var d time.Duration
	if hint > 0 {
		d = hint
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
	} else {
		f := float64(cfg.BaseDelay) * math.Pow(cfg.Factor, float64(attempt))
		if f > float64(cfg.MaxDelay) {
			f = float64(cfg.MaxDelay)
		}
		d = time.Duration(f)
	}
	if cfg.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + rand.Float64()*cfg.Jitter))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Do executes fn under the retry policy. At most cfg.MaxRetries+1
// physical calls happen. After each failure shouldRetry decides
// eligibility and supplies the server wait hint; the sleep between
// attempts is context-aware, so cancellation aborts it and surfaces
// the cancellation wrapped around the last attempt's error.
func Do(ctx context.Context, cfg core.RetryConfig, shouldRetry ShouldRetry, fn func() error) error {
	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry aborted: %w: %w", err, lastErr)
			}
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		retry, hint := shouldRetry(err)
		if !retry {
			return err
		}

		delay := Delay(cfg, attempt, hint)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w: %w", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	if cfg.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("%w after %d attempts: %w", core.ErrMaxRetriesExceeded, attempts, lastErr)
}

// ParseRetryAfter interprets a Retry-After header value, which the API
// sends either as integer seconds or as an HTTP-date. Returns zero when
// the value is absent or unparseable.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if n < 0 {
			n = 0
		}
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
