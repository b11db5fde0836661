// Package core holds the shared kernel of the Spooled SDK: the
// configuration surface, the error taxonomy, the injected capability
// interfaces (Logger, Telemetry), the job data model, and the wire
// case converter. Every other package in the module builds on core and
// core depends only on the standard library plus YAML for file loading.
package core

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Option is a functional option for Config.
type Option func(*Config) error

// Realtime transport selection modes.
const (
	TransportAuto      = "auto"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Config is the complete configuration surface of the SDK. One Config
// is built per client; components read their own sub-structs.
//
// Precedence: defaults, then environment variables, then functional
// options. See NewConfig.
type Config struct {
	// BaseURL is the HTTP endpoint of the Spooled API.
	BaseURL string `json:"base_url" yaml:"base_url" env:"SPOOLED_API_URL"`

	// WSURL is the duplex endpoint. When empty it is derived from
	// BaseURL by swapping the scheme to ws/wss.
	WSURL string `json:"ws_url" yaml:"ws_url" env:"SPOOLED_WS_URL"`

	// RPCAddress is the host:port of the binary RPC endpoint. The RPC
	// transport stays disabled while this is empty.
	RPCAddress string `json:"rpc_address" yaml:"rpc_address" env:"SPOOLED_RPC_ADDRESS"`

	// RPCInsecure dials the RPC endpoint without TLS. Local development
	// only; the hosted endpoint requires TLS.
	RPCInsecure bool `json:"rpc_insecure" yaml:"rpc_insecure" env:"SPOOLED_RPC_INSECURE"`

	// Credential set. At most one of APIKey/AccessToken is used per
	// request (access token wins); AdminKey is additive on admin
	// resources only.
	APIKey       string `json:"api_key" yaml:"api_key" env:"SPOOLED_API_KEY"`
	AccessToken  string `json:"access_token" yaml:"access_token" env:"SPOOLED_ACCESS_TOKEN"`
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
	AdminKey     string `json:"admin_key" yaml:"admin_key" env:"SPOOLED_ADMIN_KEY"`

	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" env:"SPOOLED_TIMEOUT"`

	// Headers are merged into every request. Caller headers win over
	// these; these win over computed defaults.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	Retry    RetryConfig    `json:"retry" yaml:"retry"`
	Circuit  CircuitConfig  `json:"circuit" yaml:"circuit"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime"`

	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logger receives structured log records from every component.
	// Never serialized; injected by the host.
	Logger Logger `json:"-" yaml:"-"`

	// Tracer is the optional telemetry capability.
	Tracer Telemetry `json:"-" yaml:"-"`
}

// RetryConfig drives the transport retry policy.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt, so
	// at most MaxRetries+1 physical calls happen per logical request.
	MaxRetries int `json:"max_retries" yaml:"max_retries" env:"SPOOLED_RETRY_MAX"`

	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay" yaml:"max_delay"`

	// Factor is the exponential backoff multiplier, >= 1.0.
	Factor float64 `json:"factor" yaml:"factor"`

	// Jitter in [0, 1] widens each delay multiplicatively into
	// [d, d*(1+Jitter)].
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

// CircuitConfig drives the outbound circuit breaker.
type CircuitConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// FailureThreshold is the consecutive countable failure count that
	// opens the breaker from closed.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// SuccessThreshold is the consecutive success count that closes the
	// breaker from half-open.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// WorkerConfig drives the worker runtime. QueueName is required before
// a worker can start; everything else has defaults.
type WorkerConfig struct {
	QueueName         string            `json:"queue_name" yaml:"queue_name" env:"SPOOLED_QUEUE"`
	Concurrency       int               `json:"concurrency" yaml:"concurrency"`
	PollInterval      time.Duration     `json:"poll_interval" yaml:"poll_interval"`
	LeaseDuration     time.Duration     `json:"lease_duration" yaml:"lease_duration"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatFraction float64           `json:"heartbeat_fraction" yaml:"heartbeat_fraction"`
	ShutdownTimeout   time.Duration     `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Hostname          string            `json:"hostname" yaml:"hostname"`
	WorkerType        string            `json:"worker_type" yaml:"worker_type"`
	Version           string            `json:"version" yaml:"version"`
	Metadata          map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	AutoStart         bool              `json:"auto_start" yaml:"auto_start"`
}

// RealtimeConfig drives the streaming subscription client.
type RealtimeConfig struct {
	// Transport selects the streaming transport: auto, sse, websocket.
	// Auto prefers the duplex socket when a WS endpoint is reachable.
	Transport string `json:"transport" yaml:"transport"`

	ReconnectBaseDelay time.Duration `json:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `json:"reconnect_max_delay" yaml:"reconnect_max_delay"`

	// QueryAuth forces credential delivery via query parameter instead
	// of the Authorization header, for proxies that strip headers from
	// streaming requests.
	QueryAuth bool `json:"query_auth" yaml:"query_auth"`
}

// TelemetryConfig drives the optional OpenTelemetry provider and the
// instrumented HTTP transport.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure bool   `json:"insecure" yaml:"insecure"`
}

// DefaultConfig returns the configuration used when the host supplies
// nothing: hosted endpoint, conservative timeouts, retry and breaker
// enabled, no credentials.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        DefaultBaseURL,
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
		Retry: RetryConfig{
			MaxRetries: DefaultMaxRetries,
			BaseDelay:  DefaultBaseDelay,
			MaxDelay:   DefaultMaxDelay,
			Factor:     DefaultFactor,
			Jitter:     DefaultJitter,
		},
		Circuit: CircuitConfig{
			Enabled:          true,
			FailureThreshold: DefaultFailureThreshold,
			SuccessThreshold: DefaultSuccessThreshold,
			Cooldown:         DefaultCooldown,
		},
		Worker: WorkerConfig{
			Concurrency:       DefaultConcurrency,
			PollInterval:      DefaultPollInterval,
			LeaseDuration:     DefaultLeaseDuration,
			HeartbeatInterval: DefaultHeartbeatInterval,
			HeartbeatFraction: DefaultHeartbeatFraction,
			ShutdownTimeout:   DefaultShutdownTimeout,
		},
		Realtime: RealtimeConfig{
			Transport:          TransportAuto,
			ReconnectBaseDelay: DefaultReconnectBaseDelay,
			ReconnectMaxDelay:  DefaultReconnectMaxDelay,
		},
		Telemetry: TelemetryConfig{
			Insecure: true,
		},
		Logger: &NoOpLogger{},
	}
}

// LoadFromEnv applies SPOOLED_* environment variables. Environment
// values override defaults but lose to functional options.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvWSURL); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv(EnvRPCAddress); v != "" {
		c.RPCAddress = v
	}
	if v := os.Getenv("SPOOLED_RPC_INSECURE"); v != "" {
		c.RPCInsecure = parseBool(v)
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv(EnvAccessToken); v != "" {
		c.AccessToken = v
	}
	if v := os.Getenv(EnvAdminKey); v != "" {
		c.AdminKey = v
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		d, err := parseDurationOrSeconds(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.RequestTimeout = d
	}
	if v := os.Getenv("SPOOLED_QUEUE"); v != "" {
		c.Worker.QueueName = v
	}
	if v := os.Getenv("SPOOLED_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("SPOOLED_CIRCUIT_ENABLED"); v != "" {
		c.Circuit.Enabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	return nil
}

// LoadFromFile merges a YAML or JSON file into the configuration.
// The format is chosen by extension; .yaml/.yml parse as YAML,
// everything else as JSON.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w: %w", path, ErrInvalidConfiguration, err)
		}
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w: %w", path, ErrInvalidConfiguration, err)
		}
	}
	return nil
}

// Validate checks the configuration for contradictions. It is called
// by NewConfig after all sources have been applied.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required: %w", ErrMissingConfiguration)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base URL %q is not an absolute URL: %w", c.BaseURL, ErrInvalidConfiguration)
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.maxRetries must be >= 0: %w", ErrInvalidConfiguration)
	}
	if c.Retry.Factor < 1.0 {
		return fmt.Errorf("retry.factor must be >= 1.0: %w", ErrInvalidConfiguration)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1]: %w", ErrInvalidConfiguration)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < baseDelay <= maxDelay: %w", ErrInvalidConfiguration)
	}
	if c.Circuit.Enabled {
		if c.Circuit.FailureThreshold < 1 || c.Circuit.SuccessThreshold < 1 {
			return fmt.Errorf("circuit thresholds must be >= 1: %w", ErrInvalidConfiguration)
		}
		if c.Circuit.Cooldown <= 0 {
			return fmt.Errorf("circuit.cooldown must be positive: %w", ErrInvalidConfiguration)
		}
	}
	if c.Worker.QueueName != "" {
		if c.Worker.Concurrency < 1 {
			return fmt.Errorf("worker.concurrency must be >= 1: %w", ErrInvalidConfiguration)
		}
		if c.Worker.HeartbeatFraction <= 0 || c.Worker.HeartbeatFraction > 1 {
			return fmt.Errorf("worker.heartbeatFraction must be within (0, 1]: %w", ErrInvalidConfiguration)
		}
		if c.Worker.PollInterval <= 0 || c.Worker.LeaseDuration <= 0 {
			return fmt.Errorf("worker intervals must be positive: %w", ErrInvalidConfiguration)
		}
	}
	switch c.Realtime.Transport {
	case TransportAuto, TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("realtime.transport %q is not one of auto/sse/websocket: %w",
			c.Realtime.Transport, ErrInvalidConfiguration)
	}
	return nil
}

// EffectiveWSURL returns the configured duplex endpoint, deriving one
// from BaseURL (http -> ws, https -> wss) when unset.
func (c *Config) EffectiveWSURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	switch {
	case strings.HasPrefix(c.BaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.BaseURL, "https://")
	case strings.HasPrefix(c.BaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.BaseURL, "http://")
	default:
		return c.BaseURL
	}
}

// parseDurationOrSeconds accepts either a bare number of seconds
// ("30") or a Go duration string ("30s", "1m30s").
func parseDurationOrSeconds(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%q is neither seconds nor a duration: %w", s, ErrInvalidConfiguration)
	}
	return d, nil
}

// parseBool converts a string to a boolean value. Accepts "true", "1",
// "yes", "on" (case-insensitive) as true; everything else is false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithAPIKey sets the long-lived API key credential.
func WithAPIKey(key string) Option {
	return func(c *Config) error {
		c.APIKey = key
		return nil
	}
}

// WithAccessToken sets the short-lived access token credential, which
// takes precedence over the API key.
func WithAccessToken(token string) Option {
	return func(c *Config) error {
		c.AccessToken = token
		return nil
	}
}

// WithRefreshToken stores the refresh token paired with the access token.
func WithRefreshToken(token string) Option {
	return func(c *Config) error {
		c.RefreshToken = token
		return nil
	}
}

// WithAdminKey sets the administrative key attached to admin resources.
func WithAdminKey(key string) Option {
	return func(c *Config) error {
		c.AdminKey = key
		return nil
	}
}

// WithBaseURL sets the HTTP endpoint.
func WithBaseURL(u string) Option {
	return func(c *Config) error {
		if u == "" {
			return fmt.Errorf("base URL cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.BaseURL = strings.TrimRight(u, "/")
		return nil
	}
}

// WithWSURL sets the duplex endpoint explicitly.
func WithWSURL(u string) Option {
	return func(c *Config) error {
		c.WSURL = u
		return nil
	}
}

// WithRPCAddress enables the RPC transport against host:port.
func WithRPCAddress(addr string) Option {
	return func(c *Config) error {
		c.RPCAddress = addr
		return nil
	}
}

// WithTimeout sets both the connect and the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive: %w", ErrInvalidConfiguration)
		}
		c.ConnectTimeout = d
		c.RequestTimeout = d
		return nil
	}
}

// WithConnectTimeout sets the dial timeout only.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.ConnectTimeout = d
		return nil
	}
}

// WithRequestTimeout sets the per-attempt request timeout only.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.RequestTimeout = d
		return nil
	}
}

// WithRetry adjusts the retry envelope while keeping the remaining
// retry knobs at their current values.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Config) error {
		c.Retry.MaxRetries = maxRetries
		c.Retry.BaseDelay = baseDelay
		c.Retry.MaxDelay = maxDelay
		return nil
	}
}

// WithRetryConfig replaces the whole retry configuration.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Config) error {
		c.Retry = rc
		return nil
	}
}

// WithCircuitBreaker adjusts the breaker thresholds and enables it.
func WithCircuitBreaker(failureThreshold, successThreshold int, cooldown time.Duration) Option {
	return func(c *Config) error {
		c.Circuit.Enabled = true
		c.Circuit.FailureThreshold = failureThreshold
		c.Circuit.SuccessThreshold = successThreshold
		c.Circuit.Cooldown = cooldown
		return nil
	}
}

// WithCircuitBreakerDisabled turns the breaker into a pass-through.
func WithCircuitBreakerDisabled() Option {
	return func(c *Config) error {
		c.Circuit.Enabled = false
		return nil
	}
}

// WithHeader merges one header into every request.
func WithHeader(key, value string) Option {
	return func(c *Config) error {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers[key] = value
		return nil
	}
}

// WithHeaders merges a header set into every request.
func WithHeaders(h map[string]string) Option {
	return func(c *Config) error {
		if c.Headers == nil {
			c.Headers = make(map[string]string, len(h))
		}
		for k, v := range h {
			c.Headers[k] = v
		}
		return nil
	}
}

// WithLogger injects the host's structured logger.
func WithLogger(l Logger) Option {
	return func(c *Config) error {
		if l == nil {
			l = &NoOpLogger{}
		}
		c.Logger = l
		return nil
	}
}

// WithTelemetry injects a telemetry capability and enables the
// instrumented HTTP transport.
func WithTelemetry(t Telemetry) Option {
	return func(c *Config) error {
		c.Tracer = t
		c.Telemetry.Enabled = t != nil
		return nil
	}
}

// WithQueue sets the worker queue name.
func WithQueue(name string) Option {
	return func(c *Config) error {
		c.Worker.QueueName = name
		return nil
	}
}

// WithWorkerConcurrency caps in-flight jobs for the worker runtime.
func WithWorkerConcurrency(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("worker concurrency must be >= 1: %w", ErrInvalidConfiguration)
		}
		c.Worker.Concurrency = n
		return nil
	}
}

// WithWorkerConfig replaces the whole worker configuration.
func WithWorkerConfig(wc WorkerConfig) Option {
	return func(c *Config) error {
		c.Worker = wc
		return nil
	}
}

// WithRealtimeTransport pins the streaming transport: auto, sse, websocket.
func WithRealtimeTransport(mode string) Option {
	return func(c *Config) error {
		switch mode {
		case TransportAuto, TransportSSE, TransportWebSocket:
			c.Realtime.Transport = mode
			return nil
		default:
			return fmt.Errorf("unknown realtime transport %q: %w", mode, ErrInvalidConfiguration)
		}
	}
}

// NewConfig creates a configuration with the provided options.
// Application order:
//  1. Default values from DefaultConfig()
//  2. Environment variables via LoadFromEnv()
//  3. Functional options (highest priority)
//  4. Validation via Validate()
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
