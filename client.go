package spooled

import (
	"context"
	"fmt"
	"sync"

	"github.com/spooled/spooled-go/core"
	"github.com/spooled/spooled-go/realtime"
	"github.com/spooled/spooled-go/transport"
	"github.com/spooled/spooled-go/worker"
)

// Client is the top-level handle on the Spooled service. It owns the
// configuration, the shared credential set, and the transports, and it
// exposes the resource services as fields. A Client is safe for
// concurrent use; create one per process and share it.
type Client struct {
	cfg    *core.Config
	auth   *transport.Authenticator
	http   *transport.HTTPTransport
	logger core.Logger

	rpcMu sync.Mutex
	rpc   *transport.RPCTransport

	// Jobs submits, inspects, and settles jobs.
	Jobs *JobsService

	// Queues reads queue statistics.
	Queues *QueuesService

	// Workers manages worker registrations.
	Workers *WorkersService
}

// New builds a Client from defaults, environment variables, and options,
// in that order. See core.NewConfig for the precedence rules.
func New(opts ...core.Option) (*Client, error) {
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg)
}

// NewFromConfig builds a Client from an already-assembled configuration.
// Most callers want New; this exists for hosts that manage configuration
// themselves.
func NewFromConfig(cfg *core.Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", core.ErrInvalidConfiguration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	auth := transport.NewAuthenticator(cfg)
	httpTransport, err := transport.NewHTTPTransport(cfg, auth)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		auth:   auth,
		http:   httpTransport,
		logger: logger,
	}
	c.Jobs = &JobsService{client: c}
	c.Queues = &QueuesService{client: c}
	c.Workers = &WorkersService{client: c}

	logger.Info("Spooled client ready", map[string]interface{}{
		"operation":   "client_init",
		"base_url":    cfg.BaseURL,
		"sdk_version": core.Version,
	})
	return c, nil
}

// Config returns the client configuration. Treat it as read-only after
// construction; credential rotation goes through the Set methods.
func (c *Client) Config() *core.Config { return c.cfg }

// HTTP exposes the underlying HTTP transport for calls the facades do
// not cover. It shares the client's breaker, retry policy, and
// credentials.
func (c *Client) HTTP() *transport.HTTPTransport { return c.http }

// RPC returns the binary transport, building it on first use. It fails
// while no RPC address is configured. The connection itself is dialed
// lazily on the first call.
func (c *Client) RPC() (*transport.RPCTransport, error) {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()
	if c.rpc != nil {
		return c.rpc, nil
	}
	rpc, err := transport.NewRPCTransport(c.cfg, c.auth)
	if err != nil {
		return nil, err
	}
	c.rpc = rpc
	return rpc, nil
}

// SetAccessToken rotates the bearer token. Every transport, including
// live realtime subscriptions on their next reconnect, observes the new
// value.
func (c *Client) SetAccessToken(token string) { c.auth.SetAccessToken(token) }

// SetRefreshToken stores the refresh token for host-driven auth flows.
// The SDK never sends it; it is held for the host to read back.
func (c *Client) SetRefreshToken(token string) { c.auth.SetRefreshToken(token) }

// SetAPIKey rotates the API key.
func (c *Client) SetAPIKey(key string) { c.auth.SetAPIKey(key) }

// NewWorker builds a worker runtime over this client's job and worker
// services, so settles and heartbeats flow through the same pipeline as
// every other call. The queue comes from the worker configuration
// (core.WithQueue or SPOOLED_QUEUE).
func (c *Client) NewWorker() (*worker.Worker, error) {
	w, err := worker.New(c.Jobs, c.Workers, c.cfg.Worker)
	if err != nil {
		return nil, err
	}
	w.SetLogger(c.logger)
	return w, nil
}

// NewSubscription builds a realtime event subscription sharing this
// client's credentials, so token rotation carries over to reconnects.
// The subscription is inert until Start.
func (c *Client) NewSubscription() (*realtime.Subscription, error) {
	s, err := realtime.New(c.cfg, c.auth)
	if err != nil {
		return nil, err
	}
	s.SetLogger(c.logger)
	return s, nil
}

// Health fetches the service health summary from the unprefixed
// endpoint.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	return c.http.Health(ctx)
}

// HealthLive fetches the liveness probe.
func (c *Client) HealthLive(ctx context.Context) (map[string]interface{}, error) {
	return c.http.HealthLive(ctx)
}

// HealthReady fetches the readiness probe.
func (c *Client) HealthReady(ctx context.Context) (map[string]interface{}, error) {
	return c.http.HealthReady(ctx)
}

// Close releases transport resources. The HTTP transport needs no
// teardown; the RPC connection is closed when one was opened. The client
// must not be used after Close.
func (c *Client) Close() error {
	c.rpcMu.Lock()
	defer c.rpcMu.Unlock()
	if c.rpc == nil {
		return nil
	}
	err := c.rpc.Close()
	c.rpc = nil
	return err
}
