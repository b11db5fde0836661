package spooled

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spooled/spooled-go/core"
)

// QueuesService reads queue-level state. Queues come into existence on
// first enqueue; there is no create or delete call.
type QueuesService struct {
	client *Client
}

// Stats fetches the counter snapshot for one queue.
func (s *QueuesService) Stats(ctx context.Context, queue string) (*core.QueueStats, error) {
	if queue == "" {
		return nil, fmt.Errorf("%w: queue name is required", core.ErrInvalidConfiguration)
	}
	var stats core.QueueStats
	if err := s.client.http.Do(ctx, http.MethodGet, "queues/"+url.PathEscape(queue)+"/stats", nil, &stats, nil); err != nil {
		return nil, err
	}
	return &stats, nil
}

// List returns the snapshot for every queue visible to the credentials.
func (s *QueuesService) List(ctx context.Context) ([]*core.QueueStats, error) {
	var resp struct {
		Queues []*core.QueueStats `json:"queues"`
	}
	if err := s.client.http.Do(ctx, http.MethodGet, "queues", nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}
