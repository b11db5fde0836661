package worker

import (
	"context"
	"errors"

	"github.com/spooled/spooled-go/core"
)

// JobContext is what a handler sees of its claimed job. It is valid for
// the duration of the handler call.
type JobContext struct {
	worker *Worker
	job    *core.Job
}

// JobID returns the job identifier.
func (c *JobContext) JobID() string { return c.job.ID }

// QueueName returns the queue the job was claimed from.
func (c *JobContext) QueueName() string { return c.job.Queue }

// Payload returns the job payload with caller-form keys.
func (c *JobContext) Payload() map[string]interface{} { return c.job.Payload }

// RetryCount returns how many times this job has been attempted before.
func (c *JobContext) RetryCount() int { return c.job.RetryCount }

// MaxRetries returns the server-side attempt budget.
func (c *JobContext) MaxRetries() int { return c.job.MaxRetries }

// WorkerID returns the registered worker identity.
func (c *JobContext) WorkerID() string { return c.worker.WorkerID() }

// Job returns the claimed job record.
func (c *JobContext) Job() *core.Job { return c.job }

// IsShuttingDown reports whether the worker is draining. Long-running
// handlers should check this and wind down early where possible.
func (c *JobContext) IsShuttingDown() bool { return c.worker.draining.Load() }

// Progress reports handler progress to the server. Failures are returned
// so the handler can decide whether they matter; they never affect the
// job outcome.
func (c *JobContext) Progress(ctx context.Context, percent int, note string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return c.worker.jobs.Progress(ctx, c.job.ID, c.worker.WorkerID(), percent, note)
}

// nonRetryableError marks a handler failure that must not be retried by
// the server.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps a handler error so the resulting fail call suppresses
// server-side retry and the job moves straight to its terminal state.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether an error carries the NonRetryable marker.
func IsNonRetryable(err error) bool {
	var target *nonRetryableError
	return errors.As(err, &target)
}
