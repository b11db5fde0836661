package spooled

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spooled/spooled-go/core"
	"github.com/spooled/spooled-go/transport"
	"github.com/spooled/spooled-go/worker"
)

// WorkersService manages worker registrations. The worker runtime drives
// it; calling it directly is for hosts running their own claim loop.
type WorkersService struct {
	client *Client
}

var _ worker.WorkerAPI = (*WorkersService)(nil)

// Register announces a worker and returns the server-held record,
// including the assigned id and any server-advised heartbeat and lease
// intervals.
func (s *WorkersService) Register(ctx context.Context, reg *core.WorkerRegistration) (*core.WorkerRegistration, error) {
	if reg == nil || reg.Queue == "" {
		return nil, fmt.Errorf("%w: registration requires a queue name", core.ErrInvalidConfiguration)
	}
	var out core.WorkerRegistration
	if err := s.client.http.Do(ctx, http.MethodPost, "workers/register", reg, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports worker liveness: the current status (healthy,
// draining, degraded) and the in-flight job count. Heartbeats are
// idempotent, so the call opts into the retry policy.
func (s *WorkersService) Heartbeat(ctx context.Context, workerID string, inflight int, status core.WorkerStatus) error {
	body := transport.HeartbeatRequest{
		WorkerID:    workerID,
		Status:      string(status),
		CurrentJobs: inflight,
	}
	return s.client.http.Do(ctx, http.MethodPost, workerPath(workerID)+"/heartbeat", &body, nil, nil, transport.ForceRetry())
}

// Deregister removes the registration. The server treats a missing
// registration as success, so repeated calls are safe.
func (s *WorkersService) Deregister(ctx context.Context, workerID string) error {
	return s.client.http.Do(ctx, http.MethodPost, workerPath(workerID)+"/deregister", nil, nil, nil)
}

func workerPath(workerID string) string {
	return "workers/" + url.PathEscape(workerID)
}
