package core

import "time"

// Version is the client library version reported in the User-Agent header
// and worker registrations.
const Version = "0.9.0"

// Environment variables read by Config.LoadFromEnv.
const (
	// Credential set
	EnvAPIKey      = "SPOOLED_API_KEY"
	EnvAccessToken = "SPOOLED_ACCESS_TOKEN"
	EnvAdminKey    = "SPOOLED_ADMIN_KEY"

	// Endpoints
	EnvAPIURL     = "SPOOLED_API_URL"
	EnvWSURL      = "SPOOLED_WS_URL"
	EnvRPCAddress = "SPOOLED_RPC_ADDRESS"

	// EnvTimeout sets both connect and request timeouts, in seconds or
	// as a Go duration string.
	EnvTimeout = "SPOOLED_TIMEOUT"
)

// HTTP header names used on every request.
const (
	HeaderAuthorization  = "Authorization"
	HeaderAdminKey       = "X-Admin-Key"
	HeaderRequestID      = "X-Request-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRetryAfter     = "Retry-After"
	HeaderUserAgent      = "User-Agent"
	HeaderContentType    = "Content-Type"
	HeaderAccept         = "Accept"
)

// Wire defaults.
const (
	// DefaultBaseURL is the hosted API endpoint.
	DefaultBaseURL = "https://api.spooled.io"

	// DefaultPathPrefix is prepended to resource paths. Health endpoints
	// are served under the root prefix instead.
	DefaultPathPrefix = "api/v1/"

	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"
)

// Transport defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// Retry defaults (see RetryConfig).
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultFactor     = 2.0
	DefaultJitter     = 0.1
)

// Circuit breaker defaults (see CircuitConfig).
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultCooldown         = 30 * time.Second
)

// Worker runtime defaults (see WorkerConfig).
const (
	DefaultConcurrency       = 5
	DefaultPollInterval      = 1 * time.Second
	DefaultLeaseDuration     = 30 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatFraction = 0.5
	DefaultShutdownTimeout   = 30 * time.Second
)

// Realtime defaults (see RealtimeConfig).
const (
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
)
