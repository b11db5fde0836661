// Package spooled is the official Go client for the Spooled hosted
// job-queue service. It is the main entry point for the SDK; users who
// want a narrower dependency surface can import specific packages:
//   - github.com/spooled/spooled-go/core - configuration, errors, data model
//   - github.com/spooled/spooled-go/worker - the job-processing runtime
//   - github.com/spooled/spooled-go/realtime - the streaming event client
//   - github.com/spooled/spooled-go/telemetry - optional OpenTelemetry provider
//
// The usual flow is New(...) for a Client, Client.Jobs/Queues/Workers for
// resource calls, Client.NewWorker for processing, and
// Client.NewSubscription for event streams.
package spooled

import (
	"github.com/spooled/spooled-go/core"
	"github.com/spooled/spooled-go/realtime"
	"github.com/spooled/spooled-go/worker"
)

// Re-export core types so common use needs only this package.
type (
	// Configuration types
	Config         = core.Config
	Option         = core.Option
	RetryConfig    = core.RetryConfig
	CircuitConfig  = core.CircuitConfig
	WorkerConfig   = core.WorkerConfig
	RealtimeConfig = core.RealtimeConfig

	// Capability interfaces injected by the host
	Logger    = core.Logger
	Telemetry = core.Telemetry
	Span      = core.Span

	// Data model
	Job                = core.Job
	JobStatus          = core.JobStatus
	QueueStats         = core.QueueStats
	WorkerRegistration = core.WorkerRegistration
	WorkerStatus       = core.WorkerStatus

	// Error taxonomy
	Error           = core.Error
	ErrorKind       = core.ErrorKind
	CircuitSnapshot = core.CircuitSnapshot

	// Worker runtime
	Worker          = worker.Worker
	JobContext      = worker.JobContext
	JobHandler      = worker.JobHandler
	WorkerEvent     = worker.Event
	WorkerEventType = worker.EventType
	WorkerEventFunc = worker.EventHandler

	// Realtime subscription
	Subscription = realtime.Subscription
	StreamEvent  = realtime.Event
	StreamFunc   = realtime.Handler
)

// Re-export job status constants.
const (
	JobStatusPending    = core.JobStatusPending
	JobStatusScheduled  = core.JobStatusScheduled
	JobStatusClaimed    = core.JobStatusClaimed
	JobStatusProcessing = core.JobStatusProcessing
	JobStatusCompleted  = core.JobStatusCompleted
	JobStatusFailed     = core.JobStatusFailed
	JobStatusCancelled  = core.JobStatusCancelled
	JobStatusDeadletter = core.JobStatusDeadletter
)

// Re-export worker lifecycle event types.
const (
	WorkerStarted      = worker.EventStarted
	WorkerStopped      = worker.EventStopped
	WorkerErrored      = worker.EventError
	WorkerJobClaimed   = worker.EventJobClaimed
	WorkerJobStarted   = worker.EventJobStarted
	WorkerJobCompleted = worker.EventJobCompleted
	WorkerJobFailed    = worker.EventJobFailed
)

// Re-export realtime transport modes and the wildcard topic.
const (
	TransportAuto      = core.TransportAuto
	TransportSSE       = core.TransportSSE
	TransportWebSocket = core.TransportWebSocket
	TopicAll           = realtime.TopicAll
)

// Re-export configuration constructors and options.
var (
	NewConfig     = core.NewConfig
	DefaultConfig = core.DefaultConfig

	WithAPIKey                 = core.WithAPIKey
	WithAccessToken            = core.WithAccessToken
	WithRefreshToken           = core.WithRefreshToken
	WithAdminKey               = core.WithAdminKey
	WithBaseURL                = core.WithBaseURL
	WithWSURL                  = core.WithWSURL
	WithRPCAddress             = core.WithRPCAddress
	WithTimeout                = core.WithTimeout
	WithConnectTimeout         = core.WithConnectTimeout
	WithRequestTimeout         = core.WithRequestTimeout
	WithRetry                  = core.WithRetry
	WithRetryConfig            = core.WithRetryConfig
	WithCircuitBreaker         = core.WithCircuitBreaker
	WithCircuitBreakerDisabled = core.WithCircuitBreakerDisabled
	WithHeader                 = core.WithHeader
	WithHeaders                = core.WithHeaders
	WithLogger                 = core.WithLogger
	WithTelemetry              = core.WithTelemetry
	WithQueue                  = core.WithQueue
	WithWorkerConcurrency      = core.WithWorkerConcurrency
	WithWorkerConfig           = core.WithWorkerConfig
	WithRealtimeTransport      = core.WithRealtimeTransport
)

// Re-export error classification helpers.
var (
	IsRetryable      = core.IsRetryable
	IsAuthentication = core.IsAuthentication
	IsNotFound       = core.IsNotFound
	IsValidation     = core.IsValidation
	IsConflict       = core.IsConflict
	IsRateLimit      = core.IsRateLimit
	IsPlanLimit      = core.IsPlanLimit
	IsCircuitOpen    = core.IsCircuitOpen
	IsTimeout        = core.IsTimeout
	AsError          = core.AsError
)

// Re-export handler failure markers.
var (
	// NonRetryable wraps a handler error so the job is not retried
	// server-side.
	NonRetryable = worker.NonRetryable

	// IsNonRetryable reports whether an error carries the NonRetryable
	// marker.
	IsNonRetryable = worker.IsNonRetryable
)
