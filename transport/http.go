// Package transport implements the request paths shared by every Spooled
// resource and runtime: a generic HTTP pipeline (case conversion, URL and
// header assembly, circuit breaker, retry, error taxonomy) and an RPC mirror
// of the queue and worker operations. Resource facades and the worker
// runtime are thin layers over this package.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/spooled/spooled-go/core"
	"github.com/spooled/spooled-go/resilience"
)

// RequestFlags adjust how a single request moves through the pipeline.
// Zero value means: prefixed path, JSON body with key conversion, retry
// eligibility by method, no admin header.
type RequestFlags struct {
	// SkipPathPrefix addresses the path under the host root instead of
	// the api/v1 prefix. Health endpoints use this.
	SkipPathPrefix bool

	// ForceRetry opts a non-idempotent method into the retry policy.
	ForceRetry bool

	// AdminResource marks the target as administrative so the X-Admin-Key
	// header is attached when configured.
	AdminResource bool

	// RawBody sends these bytes verbatim: no key conversion, no JSON
	// encoding. ContentType should be set alongside.
	RawBody []byte

	// ContentType overrides the Content-Type header for raw bodies.
	ContentType string

	// Header carries per-call extras, applied after defaults, configured
	// headers, and auth.
	Header http.Header

	// Timeout overrides the configured per-attempt request timeout.
	Timeout time.Duration
}

// RequestOption mutates the flags for one request.
type RequestOption func(*RequestFlags)

// SkipPrefix addresses the path under the host root (no api/v1).
func SkipPrefix() RequestOption {
	return func(f *RequestFlags) { f.SkipPathPrefix = true }
}

// ForceRetry opts the request into the retry policy regardless of method.
func ForceRetry() RequestOption {
	return func(f *RequestFlags) { f.ForceRetry = true }
}

// AdminResource marks the request as targeting an administrative resource.
func AdminResource() RequestOption {
	return func(f *RequestFlags) { f.AdminResource = true }
}

// WithHeader attaches a header to this request only.
func WithHeader(key, value string) RequestOption {
	return func(f *RequestFlags) {
		if f.Header == nil {
			f.Header = make(http.Header)
		}
		f.Header.Set(key, value)
	}
}

// WithIdempotencyKey attaches an Idempotency-Key header to this request.
func WithIdempotencyKey(key string) RequestOption {
	return WithHeader(core.HeaderIdempotencyKey, key)
}

// WithTimeout overrides the per-attempt request timeout for this request.
func WithTimeout(d time.Duration) RequestOption {
	return func(f *RequestFlags) { f.Timeout = d }
}

// HTTPTransport is the generic HTTP pipeline. All REST traffic, including
// the resource facades and the worker runtime, flows through Request or its
// convenience wrappers. An HTTPTransport is safe for concurrent use.
type HTTPTransport struct {
	baseURL        *url.URL
	client         *http.Client
	auth           *Authenticator
	breaker        *resilience.CircuitBreaker
	retry          core.RetryConfig
	headers        map[string]string
	requestTimeout time.Duration
	userAgent      string
	logger         core.Logger
}

// NewHTTPTransport builds the pipeline from a validated configuration.
func NewHTTPTransport(cfg *core.Config, auth *Authenticator) (*HTTPTransport, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base URL %q: %v", core.ErrInvalidConfiguration, cfg.BaseURL, err)
	}

	pool := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	var rt http.RoundTripper = pool
	if cfg.Telemetry.Enabled {
		rt = otelhttp.NewTransport(pool)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	breaker := resilience.CreateCircuitBreaker("spooled-api", cfg.Circuit, resilience.Dependencies{
		Logger:    logger,
		Telemetry: cfg.Tracer,
	})

	return &HTTPTransport{
		baseURL:        base,
		client:         &http.Client{Transport: rt},
		auth:           auth,
		breaker:        breaker,
		retry:          cfg.Retry,
		headers:        cfg.Headers,
		requestTimeout: cfg.RequestTimeout,
		userAgent:      "spooled-go/" + core.Version,
		logger:         logger,
	}, nil
}

// Breaker exposes the circuit breaker for diagnostics and reset.
func (t *HTTPTransport) Breaker() *resilience.CircuitBreaker { return t.breaker }

// Auth exposes the credential set for rotation.
func (t *HTTPTransport) Auth() *Authenticator { return t.auth }

// BaseURL returns the configured endpoint.
func (t *HTTPTransport) BaseURL() *url.URL { return t.baseURL }

// buildURL joins base, optional prefix, path, and wire-form query.
func (t *HTTPTransport) buildURL(path string, query url.Values, skipPrefix bool) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(t.baseURL.String(), "/"))
	b.WriteByte('/')
	if !skipPrefix {
		b.WriteString(core.DefaultPathPrefix)
	}
	b.WriteString(strings.TrimPrefix(path, "/"))
	if len(query) > 0 {
		b.WriteByte('?')
		b.WriteString(query.Encode())
	}
	return b.String()
}

// wireQuery converts query keys to wire form.
func wireQuery(query url.Values) url.Values {
	if len(query) == 0 {
		return query
	}
	out := make(url.Values, len(query))
	for k, vs := range query {
		out[core.ToSnakeCase(k)] = vs
	}
	return out
}

// Request performs one logical call through the full pipeline and returns
// the decoded response with keys converted to lowerCamel form. body may be
// nil, a map (keys converted to wire form), or any JSON-encodable value.
// An empty response body decodes to an empty map.
func (t *HTTPTransport) Request(ctx context.Context, method, path string, body interface{}, query url.Values, opts ...RequestOption) (map[string]interface{}, error) {
	data, _, err := t.roundTrip(ctx, method, path, body, query, opts...)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, core.NewError(core.KindGeneric, 0, fmt.Sprintf("decoding response: %v", err))
	}
	converted := core.FromWireKeys(decoded)
	if m, ok := converted.(map[string]interface{}); ok {
		return m, nil
	}
	// Arrays and scalars are wrapped so the return shape stays uniform.
	return map[string]interface{}{"data": converted}, nil
}

// Do performs one logical call and decodes the raw wire response into out.
// Struct fields bind by their snake_case JSON tags; no key conversion is
// applied. out may be nil to discard the response. Map bodies still have
// their keys converted to wire form.
func (t *HTTPTransport) Do(ctx context.Context, method, path string, body, out interface{}, query url.Values, opts ...RequestOption) error {
	data, _, err := t.roundTrip(ctx, method, path, body, query, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return core.NewError(core.KindGeneric, 0, fmt.Sprintf("decoding response: %v", err))
	}
	return nil
}

// Get issues a GET through the pipeline.
func (t *HTTPTransport) Get(ctx context.Context, path string, query url.Values, opts ...RequestOption) (map[string]interface{}, error) {
	return t.Request(ctx, http.MethodGet, path, nil, query, opts...)
}

// Post issues a POST through the pipeline.
func (t *HTTPTransport) Post(ctx context.Context, path string, body interface{}, opts ...RequestOption) (map[string]interface{}, error) {
	return t.Request(ctx, http.MethodPost, path, body, nil, opts...)
}

// Put issues a PUT through the pipeline.
func (t *HTTPTransport) Put(ctx context.Context, path string, body interface{}, opts ...RequestOption) (map[string]interface{}, error) {
	return t.Request(ctx, http.MethodPut, path, body, nil, opts...)
}

// Patch issues a PATCH through the pipeline.
func (t *HTTPTransport) Patch(ctx context.Context, path string, body interface{}, opts ...RequestOption) (map[string]interface{}, error) {
	return t.Request(ctx, http.MethodPatch, path, body, nil, opts...)
}

// Delete issues a DELETE through the pipeline.
func (t *HTTPTransport) Delete(ctx context.Context, path string, opts ...RequestOption) (map[string]interface{}, error) {
	return t.Request(ctx, http.MethodDelete, path, nil, nil, opts...)
}

// RawPost sends caller-supplied bytes verbatim. No key conversion or JSON
// encoding is applied, and the request is retry-eligible because the body
// bytes are reproducible. Used for signed webhook forwarding where the
// bytes are part of the signature.
func (t *HTTPTransport) RawPost(ctx context.Context, path string, raw []byte, contentType string, opts ...RequestOption) (map[string]interface{}, error) {
	opts = append(opts, func(f *RequestFlags) {
		f.RawBody = raw
		f.ContentType = contentType
		f.ForceRetry = true
	})
	return t.Request(ctx, http.MethodPost, path, nil, nil, opts...)
}

// Health fetches the root-prefixed health summary.
func (t *HTTPTransport) Health(ctx context.Context) (map[string]interface{}, error) {
	return t.Get(ctx, "health", nil, SkipPrefix())
}

// HealthLive fetches the liveness probe.
func (t *HTTPTransport) HealthLive(ctx context.Context) (map[string]interface{}, error) {
	return t.Get(ctx, "health/live", nil, SkipPrefix())
}

// HealthReady fetches the readiness probe.
func (t *HTTPTransport) HealthReady(ctx context.Context) (map[string]interface{}, error) {
	return t.Get(ctx, "health/ready", nil, SkipPrefix())
}

// roundTrip runs the pipeline: encode, build URL and headers, then execute
// breaker{retry{one physical call}}. It returns the raw response body.
func (t *HTTPTransport) roundTrip(ctx context.Context, method, path string, body interface{}, query url.Values, opts ...RequestOption) ([]byte, http.Header, error) {
	var flags RequestFlags
	for _, opt := range opts {
		opt(&flags)
	}

	encoded, contentType, err := encodeBody(body, &flags)
	if err != nil {
		return nil, nil, err
	}

	target := t.buildURL(path, wireQuery(query), flags.SkipPathPrefix)
	requestID := uuid.NewString()

	timeout := t.requestTimeout
	if flags.Timeout > 0 {
		timeout = flags.Timeout
	}

	eligible := resilience.RetryableMethod(method, flags.ForceRetry)
	shouldRetry := func(err error) (bool, time.Duration) {
		if !eligible || !resilience.RetryableError(err) {
			return false, 0
		}
		if e, ok := core.AsError(err); ok {
			return true, e.RetryAfter
		}
		return true, 0
	}

	var (
		respBody   []byte
		respHeader http.Header
		attempts   int
	)
	attempt := func() error {
		attempts++
		actx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(actx, method, target, reader)
		if err != nil {
			return core.NewError(core.KindGeneric, 0, fmt.Sprintf("building request: %v", err))
		}
		t.applyHeaders(req.Header, contentType, requestID, &flags)

		resp, err := t.client.Do(req)
		if err != nil {
			return t.classifyTransportError(ctx, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return core.NewNetworkError(fmt.Errorf("reading response: %w", err))
		}
		if resp.StatusCode >= 400 {
			return errorFromResponse(resp, data, requestID)
		}
		respBody = data
		respHeader = resp.Header
		return nil
	}

	start := time.Now()
	err = t.breaker.Execute(ctx, func() error {
		return resilience.Do(ctx, t.retry, shouldRetry, attempt)
	})
	if err != nil {
		t.logger.Debug("Request failed", map[string]interface{}{
			"operation":  "http_request",
			"method":     method,
			"path":       path,
			"request_id": requestID,
			"attempts":   attempts,
			"error":      err.Error(),
		})
		return nil, nil, err
	}

	t.logger.Debug("Request completed", map[string]interface{}{
		"operation":   "http_request",
		"method":      method,
		"path":        path,
		"request_id":  requestID,
		"attempts":    attempts,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return respBody, respHeader, nil
}

// encodeBody prepares the request bytes. Raw bodies pass through verbatim;
// maps get wire-form keys; other values marshal as-is.
func encodeBody(body interface{}, flags *RequestFlags) ([]byte, string, error) {
	if flags.RawBody != nil {
		ct := flags.ContentType
		if ct == "" {
			ct = core.ContentTypeJSON
		}
		return flags.RawBody, ct, nil
	}
	if body == nil {
		return nil, "", nil
	}
	payload := body
	if m, ok := body.(map[string]interface{}); ok {
		payload = core.ToWireKeys(m)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, "", core.NewError(core.KindGeneric, 0, fmt.Sprintf("encoding request body: %v", err))
	}
	return encoded, core.ContentTypeJSON, nil
}

// applyHeaders assembles the header set in precedence order: defaults,
// configured, auth, caller.
func (t *HTTPTransport) applyHeaders(h http.Header, contentType, requestID string, flags *RequestFlags) {
	h.Set(core.HeaderAccept, core.ContentTypeJSON)
	h.Set(core.HeaderUserAgent, t.userAgent)
	h.Set(core.HeaderRequestID, requestID)
	if contentType != "" {
		h.Set(core.HeaderContentType, contentType)
	}
	for k, v := range t.headers {
		h.Set(k, v)
	}
	t.auth.Apply(h, flags.AdminResource)
	for k, vs := range flags.Header {
		for _, v := range vs {
			h.Set(k, v)
		}
	}
}

// classifyTransportError maps a client.Do failure onto the taxonomy.
// Caller-initiated cancellation passes through untouched so it is never
// retried or counted by the breaker.
func (t *HTTPTransport) classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return core.NewTimeoutError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTimeoutError(err)
	}
	return core.NewNetworkError(err)
}

// errorEnvelope is the wire shape of error responses. The service emits a
// nested error object; a few older endpoints use flat fields, so both are
// accepted.
type errorEnvelope struct {
	Error struct {
		Message string            `json:"message"`
		Code    string            `json:"code"`
		Fields  map[string]string `json:"fields"`
	} `json:"error"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id"`
	Fields    map[string]string `json:"fields"`
	Limit     int               `json:"limit"`
	Current   int               `json:"current"`
	PlanTier  string            `json:"plan_tier"`
}

// errorFromResponse maps a non-2xx response onto the error taxonomy.
func errorFromResponse(resp *http.Response, body []byte, fallbackID string) error {
	var env errorEnvelope
	if len(body) > 0 {
		// A non-JSON error body falls back to the status text below.
		_ = json.Unmarshal(body, &env)
	}

	message := env.Error.Message
	if message == "" {
		message = env.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	requestID := resp.Header.Get(core.HeaderRequestID)
	if requestID == "" {
		requestID = env.RequestID
	}
	if requestID == "" {
		requestID = fallbackID
	}
	fields := env.Error.Fields
	if fields == nil {
		fields = env.Fields
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return core.NewAuthenticationError(message, requestID)
	case http.StatusNotFound:
		return core.NewNotFoundError(message, requestID)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return core.NewValidationError(resp.StatusCode, message, requestID, fields)
	case http.StatusConflict:
		return core.NewConflictError(message, requestID)
	case http.StatusTooManyRequests:
		hint := resilience.ParseRetryAfter(resp.Header.Get(core.HeaderRetryAfter))
		return core.NewRateLimitError(message, requestID, hint)
	case http.StatusForbidden:
		return core.NewPlanLimitError(message, requestID, env.Limit, env.Current, env.PlanTier)
	default:
		err := core.NewError(core.KindGeneric, resp.StatusCode, message)
		err.RequestID = requestID
		if hint := resilience.ParseRetryAfter(resp.Header.Get(core.HeaderRetryAfter)); hint > 0 {
			err.RetryAfter = hint
		}
		return err
	}
}
