package spooled

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/spooled/spooled-go/core"
	"github.com/spooled/spooled-go/transport"
	"github.com/spooled/spooled-go/worker"
)

// EnqueueOption customizes one job submission.
type EnqueueOption func(*transport.EnqueueRequest)

// WithPriority sets the job priority. Higher values are claimed sooner.
func WithPriority(p int) EnqueueOption {
	return func(r *transport.EnqueueRequest) { r.Priority = p }
}

// WithMaxRetries caps how often the server re-runs the job after
// failures before dead-lettering it.
func WithMaxRetries(n int) EnqueueOption {
	return func(r *transport.EnqueueRequest) { r.MaxRetries = n }
}

// WithScheduledAt delays the job until t. The time is sent as RFC 3339
// in UTC.
func WithScheduledAt(t time.Time) EnqueueOption {
	return func(r *transport.EnqueueRequest) { r.ScheduledFor = t.UTC().Format(time.RFC3339) }
}

// WithSchedule sets a raw schedule expression, for example a cron
// string. The value passes through verbatim; the server owns parsing.
func WithSchedule(expr string) EnqueueOption {
	return func(r *transport.EnqueueRequest) { r.ScheduledFor = expr }
}

// WithIdempotencyKey deduplicates submissions sharing the key. The key
// rides in the body and the Idempotency-Key header, and it opts the
// submission into the retry policy since replays are safe.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(r *transport.EnqueueRequest) { r.IdempotencyKey = key }
}

// WithGeneratedIdempotencyKey sets a fresh UUID as the idempotency key,
// for callers that want safe retries without minting keys themselves.
func WithGeneratedIdempotencyKey() EnqueueOption {
	return func(r *transport.EnqueueRequest) { r.IdempotencyKey = uuid.NewString() }
}

// JobsService submits, inspects, and settles jobs over the HTTP
// transport. It implements the worker runtime's JobAPI, so workers built
// by the client settle jobs through the same pipeline as every other
// call.
type JobsService struct {
	client *Client
}

var _ worker.JobAPI = (*JobsService)(nil)

// Enqueue submits payload to queue and returns the stored job. Payload
// keys are converted to wire form on the way out and back on results, so
// callers never see snake_case.
func (s *JobsService) Enqueue(ctx context.Context, queue string, payload map[string]interface{}, opts ...EnqueueOption) (*core.Job, error) {
	if queue == "" {
		return nil, fmt.Errorf("%w: queue name is required", core.ErrInvalidConfiguration)
	}
	req := transport.EnqueueRequest{Queue: queue, Payload: payload}
	for _, opt := range opts {
		opt(&req)
	}
	if req.Payload != nil {
		req.Payload, _ = core.ToWireKeys(req.Payload).(map[string]interface{})
	}

	var reqOpts []transport.RequestOption
	if req.IdempotencyKey != "" {
		reqOpts = append(reqOpts,
			transport.WithIdempotencyKey(req.IdempotencyKey),
			transport.ForceRetry(),
		)
	}

	var job core.Job
	if err := s.client.http.Do(ctx, http.MethodPost, "jobs", &req, &job, nil, reqOpts...); err != nil {
		return nil, err
	}
	rekeyJob(&job)
	return &job, nil
}

// Get fetches one job by id.
func (s *JobsService) Get(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	if err := s.client.http.Do(ctx, http.MethodGet, jobPath(jobID), nil, &job, nil); err != nil {
		return nil, err
	}
	rekeyJob(&job)
	return &job, nil
}

// Claim leases up to limit jobs from queue for workerID. The lease is
// sent in whole seconds. An empty claim returns an empty slice, not an
// error.
func (s *JobsService) Claim(ctx context.Context, queue, workerID string, limit int, lease time.Duration) ([]*core.Job, error) {
	req := transport.DequeueRequest{
		Queue:     queue,
		WorkerID:  workerID,
		Limit:     limit,
		LeaseSecs: int(lease / time.Second),
	}
	var resp struct {
		Jobs []*core.Job `json:"jobs"`
	}
	if err := s.client.http.Do(ctx, http.MethodPost, "jobs/claim", &req, &resp, nil); err != nil {
		return nil, err
	}
	for _, job := range resp.Jobs {
		rekeyJob(job)
	}
	return resp.Jobs, nil
}

// Complete settles a job successfully. result is optional and has its
// keys converted to wire form.
func (s *JobsService) Complete(ctx context.Context, jobID, workerID string, result map[string]interface{}) error {
	if result != nil {
		result, _ = core.ToWireKeys(result).(map[string]interface{})
	}
	body := transport.CompleteRequest{JobID: jobID, WorkerID: workerID, Result: result}
	return s.client.http.Do(ctx, http.MethodPost, jobPath(jobID)+"/complete", &body, nil, nil)
}

// Fail settles a job unsuccessfully. retryable false sends the job
// straight to its terminal state regardless of remaining retries.
func (s *JobsService) Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) error {
	body := transport.FailRequest{JobID: jobID, WorkerID: workerID, Error: reason, Retryable: retryable}
	return s.client.http.Do(ctx, http.MethodPost, jobPath(jobID)+"/fail", &body, nil, nil)
}

// Heartbeat extends the lease on an in-flight job by the given duration.
// The worker runtime calls this on its renewal cadence. Renewal is
// idempotent, so the call opts into the retry policy.
func (s *JobsService) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	body := transport.RenewLeaseRequest{
		JobID:      jobID,
		WorkerID:   workerID,
		ExtendSecs: int(lease / time.Second),
	}
	return s.client.http.Do(ctx, http.MethodPost, jobPath(jobID)+"/heartbeat", &body, nil, nil, transport.ForceRetry())
}

// Progress reports handler progress for an in-flight job. percent is
// 0-100; note is optional operator-facing text. Progress is advisory and
// losing one report is harmless.
func (s *JobsService) Progress(ctx context.Context, jobID, workerID string, percent int, note string) error {
	body := progressRequest{WorkerID: workerID, Percent: percent, Note: note}
	return s.client.http.Do(ctx, http.MethodPost, jobPath(jobID)+"/progress", &body, nil, nil)
}

// Cancel asks the server to cancel a job that has not reached a worker
// yet. Jobs already processing finish their current attempt; the updated
// job is returned either way.
func (s *JobsService) Cancel(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	if err := s.client.http.Do(ctx, http.MethodPost, jobPath(jobID)+"/cancel", nil, &job, nil); err != nil {
		return nil, err
	}
	rekeyJob(&job)
	return &job, nil
}

// BoostPriority raises a waiting job's priority by the given amount.
// Clamping and plan gating happen server-side; the call is a plain
// pass-through.
func (s *JobsService) BoostPriority(ctx context.Context, jobID string, by int) (*core.Job, error) {
	body := map[string]interface{}{"by": by}
	var job core.Job
	if err := s.client.http.Do(ctx, http.MethodPost, jobPath(jobID)+"/boost", body, &job, nil); err != nil {
		return nil, err
	}
	rekeyJob(&job)
	return &job, nil
}

type progressRequest struct {
	WorkerID string `json:"worker_id,omitempty"`
	Percent  int    `json:"percent"`
	Note     string `json:"note,omitempty"`
}

func jobPath(jobID string) string {
	return "jobs/" + url.PathEscape(jobID)
}

// rekeyJob converts a job's dynamic maps to caller-form keys, matching
// what the generic map path does for every response.
func rekeyJob(job *core.Job) {
	if job == nil {
		return
	}
	if job.Payload != nil {
		job.Payload, _ = core.FromWireKeys(job.Payload).(map[string]interface{})
	}
	if job.Result != nil {
		job.Result, _ = core.FromWireKeys(job.Result).(map[string]interface{})
	}
}
