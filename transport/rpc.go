package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/spooled/spooled-go/core"
)

// Full method names of the binary RPC surface. The services mirror the
// HTTP semantics for the queue and worker hot paths.
const (
	rpcEnqueue       = "/spooled.v1.QueueService/Enqueue"
	rpcDequeue       = "/spooled.v1.QueueService/Dequeue"
	rpcComplete      = "/spooled.v1.QueueService/Complete"
	rpcFail          = "/spooled.v1.QueueService/Fail"
	rpcRenewLease    = "/spooled.v1.QueueService/RenewLease"
	rpcGetQueueStats = "/spooled.v1.QueueService/GetQueueStats"
	rpcGetJob        = "/spooled.v1.QueueService/GetJob"
	rpcRegister      = "/spooled.v1.WorkerService/Register"
	rpcHeartbeat     = "/spooled.v1.WorkerService/Heartbeat"
	rpcDeregister    = "/spooled.v1.WorkerService/Deregister"
)

// jsonCodec carries request and response messages as JSON so payload maps
// cross the boundary as structured values without generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// RPC message shapes. Field names are the wire form shared with HTTP.
type (
	// EnqueueRequest submits one job.
	EnqueueRequest struct {
		Queue          string                 `json:"queue_name"`
		Payload        map[string]interface{} `json:"payload,omitempty"`
		Priority       int                    `json:"priority,omitempty"`
		MaxRetries     int                    `json:"max_retries,omitempty"`
		ScheduledFor   string                 `json:"scheduled_for,omitempty"`
		IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	}

	// DequeueRequest claims up to Limit jobs under a lease.
	DequeueRequest struct {
		Queue     string `json:"queue_name"`
		WorkerID  string `json:"worker_id"`
		Limit     int    `json:"limit,omitempty"`
		LeaseSecs int    `json:"lease_duration_secs,omitempty"`
	}

	// CompleteRequest finishes a job with an optional result.
	CompleteRequest struct {
		JobID    string                 `json:"job_id"`
		WorkerID string                 `json:"worker_id,omitempty"`
		Result   map[string]interface{} `json:"result,omitempty"`
	}

	// FailRequest reports a handler failure. Retryable false moves the
	// job straight to its terminal state.
	FailRequest struct {
		JobID     string `json:"job_id"`
		WorkerID  string `json:"worker_id,omitempty"`
		Error     string `json:"error,omitempty"`
		Retryable bool   `json:"retryable"`
	}

	// RenewLeaseRequest extends the lease on an in-flight job.
	RenewLeaseRequest struct {
		JobID      string `json:"job_id"`
		WorkerID   string `json:"worker_id,omitempty"`
		ExtendSecs int    `json:"extend_secs,omitempty"`
	}

	// HeartbeatRequest reports worker liveness and drain state.
	HeartbeatRequest struct {
		WorkerID    string `json:"worker_id"`
		Status      string `json:"status,omitempty"`
		CurrentJobs int    `json:"current_jobs,omitempty"`
	}

	jobResponse     struct{ Job *core.Job `json:"job"` }
	jobsResponse    struct{ Jobs []*core.Job `json:"jobs"` }
	statsResponse   struct{ Stats *core.QueueStats `json:"stats"` }
	workerResponse  struct{ Worker *core.WorkerRegistration `json:"worker"` }
	getJobRequest   struct{ JobID string `json:"job_id"` }
	statsRequest    struct{ Queue string `json:"queue_name"` }
	workerIDRequest struct{ WorkerID string `json:"worker_id"` }
	emptyResponse   struct{}
)

// RPCTransport mirrors the queue and worker hot paths over gRPC. The
// connection is established lazily on first use and reused until Close.
// Errors map onto the same taxonomy the HTTP pipeline produces, so
// callers can switch transports without changing their handling.
type RPCTransport struct {
	address  string
	insecure bool
	timeout  time.Duration
	auth     *Authenticator
	logger   core.Logger

	mu     sync.Mutex
	conn   *grpc.ClientConn
	closed bool
}

// NewRPCTransport prepares a lazy RPC transport. No connection is made
// until the first call or an explicit WaitForReady.
func NewRPCTransport(cfg *core.Config, auth *Authenticator) (*RPCTransport, error) {
	if cfg.RPCAddress == "" {
		return nil, fmt.Errorf("%w: rpc_address is empty", core.ErrMissingConfiguration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RPCTransport{
		address:  cfg.RPCAddress,
		insecure: cfg.RPCInsecure,
		timeout:  cfg.RequestTimeout,
		auth:     auth,
		logger:   logger,
	}, nil
}

// connect returns the shared connection, dialing on first use.
func (r *RPCTransport) connect() (*grpc.ClientConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, core.ErrClientClosed
	}
	if r.conn != nil {
		return r.conn, nil
	}

	creds := credentials.NewClientTLSFromCert(nil, "")
	if r.insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(
		r.address,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, core.NewNetworkError(fmt.Errorf("rpc dial %s: %w", r.address, err))
	}
	r.conn = conn
	r.logger.Debug("RPC connection created", map[string]interface{}{
		"operation": "rpc_connect",
		"address":   r.address,
	})
	return conn, nil
}

// WaitForReady blocks until the connection reaches the ready state or the
// context expires. Optional; calls made before readiness dial on demand.
func (r *RPCTransport) WaitForReady(ctx context.Context) error {
	conn, err := r.connect()
	if err != nil {
		return err
	}
	conn.Connect()
	for {
		s := conn.GetState()
		if s == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, s) {
			return core.NewTimeoutError(fmt.Errorf("rpc not ready: %w", ctx.Err()))
		}
	}
}

// Close tears down the connection. Subsequent calls fail with
// ErrClientClosed. Safe to call more than once.
func (r *RPCTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// invoke performs one unary call with auth metadata and a per-call
// deadline, translating failures onto the error taxonomy.
func (r *RPCTransport) invoke(ctx context.Context, method string, in, out interface{}) error {
	conn, err := r.connect()
	if err != nil {
		return err
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	for k, v := range r.auth.Metadata() {
		ctx = metadata.AppendToOutgoingContext(ctx, k, v)
	}
	if err := conn.Invoke(ctx, method, in, out); err != nil {
		return rpcError(err)
	}
	return nil
}

// rpcError maps a gRPC status onto the shared taxonomy.
func rpcError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return core.NewNetworkError(err)
	}
	msg := st.Message()
	switch st.Code() {
	case codes.NotFound:
		return core.NewNotFoundError(msg, "")
	case codes.Unauthenticated:
		return core.NewAuthenticationError(msg, "")
	case codes.InvalidArgument:
		return core.NewValidationError(400, msg, "", nil)
	case codes.ResourceExhausted:
		return core.NewPlanLimitError(msg, "", 0, 0, "")
	case codes.AlreadyExists, codes.Aborted:
		return core.NewConflictError(msg, "")
	case codes.DeadlineExceeded:
		return core.NewTimeoutError(err)
	case codes.Unavailable:
		return core.NewNetworkError(err)
	default:
		return core.NewError(core.KindGeneric, 0, fmt.Sprintf("rpc %s: %s", st.Code(), msg))
	}
}

// fromWirePayloads converts a job's dynamic maps to caller-form keys.
func fromWirePayloads(job *core.Job) {
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

// Enqueue submits a job and returns the stored form.
func (r *RPCTransport) Enqueue(ctx context.Context, req *EnqueueRequest) (*core.Job, error) {
	wire := *req
	if wire.Payload != nil {
		wire.Payload, _ = core.ToWireKeys(wire.Payload).(map[string]interface{})
	}
	var resp jobResponse
	if err := r.invoke(ctx, rpcEnqueue, &wire, &resp); err != nil {
		return nil, err
	}
	fromWirePayloads(resp.Job)
	return resp.Job, nil
}

// Dequeue claims up to req.Limit jobs under a lease.
func (r *RPCTransport) Dequeue(ctx context.Context, req *DequeueRequest) ([]*core.Job, error) {
	var resp jobsResponse
	if err := r.invoke(ctx, rpcDequeue, req, &resp); err != nil {
		return nil, err
	}
	for _, job := range resp.Jobs {
		fromWirePayloads(job)
	}
	return resp.Jobs, nil
}

// Complete finishes a job with an optional result.
func (r *RPCTransport) Complete(ctx context.Context, req *CompleteRequest) error {
	wire := *req
	if wire.Result != nil {
		wire.Result, _ = core.ToWireKeys(wire.Result).(map[string]interface{})
	}
	var resp emptyResponse
	return r.invoke(ctx, rpcComplete, &wire, &resp)
}

// Fail reports a handler failure for a claimed job.
func (r *RPCTransport) Fail(ctx context.Context, req *FailRequest) error {
	var resp emptyResponse
	return r.invoke(ctx, rpcFail, req, &resp)
}

// RenewLease extends the lease on an in-flight job.
func (r *RPCTransport) RenewLease(ctx context.Context, req *RenewLeaseRequest) (*core.Job, error) {
	var resp jobResponse
	if err := r.invoke(ctx, rpcRenewLease, req, &resp); err != nil {
		return nil, err
	}
	fromWirePayloads(resp.Job)
	return resp.Job, nil
}

// GetQueueStats fetches counters for one queue.
func (r *RPCTransport) GetQueueStats(ctx context.Context, queue string) (*core.QueueStats, error) {
	var resp statsResponse
	if err := r.invoke(ctx, rpcGetQueueStats, &statsRequest{Queue: queue}, &resp); err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

// GetJob fetches one job by id.
func (r *RPCTransport) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var resp jobResponse
	if err := r.invoke(ctx, rpcGetJob, &getJobRequest{JobID: jobID}, &resp); err != nil {
		return nil, err
	}
	fromWirePayloads(resp.Job)
	return resp.Job, nil
}

// RegisterWorker announces a worker and returns the server-assigned
// registration, including any adjusted intervals.
func (r *RPCTransport) RegisterWorker(ctx context.Context, reg *core.WorkerRegistration) (*core.WorkerRegistration, error) {
	var resp workerResponse
	if err := r.invoke(ctx, rpcRegister, reg, &resp); err != nil {
		return nil, err
	}
	if resp.Worker == nil {
		return reg, nil
	}
	return resp.Worker, nil
}

// WorkerHeartbeat reports liveness and drain state for a worker.
func (r *RPCTransport) WorkerHeartbeat(ctx context.Context, req *HeartbeatRequest) error {
	var resp emptyResponse
	return r.invoke(ctx, rpcHeartbeat, req, &resp)
}

// DeregisterWorker removes a worker registration.
func (r *RPCTransport) DeregisterWorker(ctx context.Context, workerID string) error {
	var resp emptyResponse
	return r.invoke(ctx, rpcDeregister, &workerIDRequest{WorkerID: workerID}, &resp)
}
