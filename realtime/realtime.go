// Package realtime streams server-push events over either a line-delimited
// event stream or a duplex socket, behind one subscription facade. The
// facade reconnects with exponential backoff, routes events to type and
// topic handlers, and contains callback panics.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spooled/spooled-go/core"
	"github.com/spooled/spooled-go/transport"
)

// Internal event types emitted by the subscription itself.
const (
	// DefaultEventType is assumed when a frame names no type.
	DefaultEventType = "message"

	EventConnected    = "connected"
	EventReconnecting = "reconnecting"
	EventError        = "error"
)

// TopicAll subscribes to every event on the stream.
const TopicAll = "*"

// After this many consecutive failed socket dials in auto mode the
// subscription settles on the push transport.
const wsFallbackThreshold = 3

// Event is one decoded stream event. Data holds the JSON-decoded payload
// rekeyed to lowerCamel, or the raw string when the payload is not JSON.
// Err is set on error events only.
type Event struct {
	Type string
	ID   string
	Data interface{}
	Err  error
}

// Handler receives dispatched events. Handlers run on the read loop, so
// long work should be handed off.
type Handler func(Event)

// streamConn is one live connection over either transport.
type streamConn interface {
	ReadEvent() (*Event, error)
	Close() error
}

// Subscription is a reconnecting event stream with topic-routed dispatch.
type Subscription struct {
	cfg       *core.Config
	auth      *transport.Authenticator
	logger    core.Logger
	userAgent string

	httpClient *http.Client
	streamURL  *url.URL
	socketURL  *url.URL
	mode       string

	mu            sync.Mutex
	typeHandlers  map[string][]Handler
	topicHandlers map[string][]Handler
	conn          streamConn
	cancel        context.CancelFunc
	done          chan struct{}
	started       bool

	running   atomic.Bool
	connected atomic.Bool

	// Touched only on the run goroutine.
	baseDelay       time.Duration
	maxDelay        time.Duration
	lastEventID     string
	activeTransport string
	wsFailures      int
	sseOnly         bool
}

// New builds a subscription over the configured endpoints. Credentials come
// from the shared authenticator so token rotation applies to reconnects.
func New(cfg *core.Config, auth *transport.Authenticator) (*Subscription, error) {
	if cfg == nil || auth == nil {
		return nil, fmt.Errorf("%w: realtime requires config and authenticator", core.ErrInvalidConfiguration)
	}

	streamURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/api/v1/events")
	if err != nil {
		return nil, fmt.Errorf("stream URL: %w", core.ErrInvalidConfiguration)
	}
	socketURL, err := url.Parse(cfg.EffectiveWSURL())
	if err != nil {
		return nil, fmt.Errorf("socket URL: %w", core.ErrInvalidConfiguration)
	}
	if socketURL.Path == "" || socketURL.Path == "/" {
		socketURL.Path = "/api/v1/ws"
	}

	mode := cfg.Realtime.Transport
	if mode == "" {
		mode = core.TransportAuto
	}
	baseDelay := cfg.Realtime.ReconnectBaseDelay
	if baseDelay <= 0 {
		baseDelay = core.DefaultReconnectBaseDelay
	}
	maxDelay := cfg.Realtime.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = core.DefaultReconnectMaxDelay
	}

	return &Subscription{
		cfg:       cfg,
		auth:      auth,
		logger:    &core.NoOpLogger{},
		userAgent: "spooled-go/" + core.Version,
		httpClient: &http.Client{
			// No overall timeout: the stream response stays open. The
			// handshake is bounded by ResponseHeaderTimeout.
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ForceAttemptHTTP2:     true,
				ResponseHeaderTimeout: cfg.ConnectTimeout,
			},
		},
		streamURL:     streamURL,
		socketURL:     socketURL,
		mode:          mode,
		typeHandlers:  make(map[string][]Handler),
		topicHandlers: make(map[string][]Handler),
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}, nil
}

// SetLogger replaces the logger. Call before Start.
func (s *Subscription) SetLogger(logger core.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// On registers a handler for events of the given type. Internal lifecycle
// events (connected, reconnecting, error) are addressable the same way.
func (s *Subscription) On(eventType string, fn Handler) {
	if fn == nil || eventType == "" {
		return
	}
	s.mu.Lock()
	s.typeHandlers[eventType] = append(s.typeHandlers[eventType], fn)
	s.mu.Unlock()
}

// OnTopic registers a handler for a topic: "job:<id>", "queue:<name>", or
// "*" for every event. Matching runs against the decoded payload.
func (s *Subscription) OnTopic(topic string, fn Handler) {
	if fn == nil || topic == "" {
		return
	}
	s.mu.Lock()
	s.topicHandlers[topic] = append(s.topicHandlers[topic], fn)
	conn := s.conn
	s.mu.Unlock()

	// A live duplex connection learns about new topics immediately.
	if ws, ok := conn.(*wsConn); ok {
		ws.Subscribe(s.subscriptionTopics())
	}
}

// IsRunning reports whether the subscription loop is active.
func (s *Subscription) IsRunning() bool { return s.running.Load() }

// IsConnected reports whether a stream is currently open.
func (s *Subscription) IsConnected() bool { return s.connected.Load() }

// Start opens the stream and keeps it open until Stop or ctx cancellation.
// It returns once the loop is launched.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.running.Store(true)
	s.logger.Info("Realtime subscription starting", map[string]interface{}{
		"operation": "realtime_start",
		"transport": s.mode,
	})

	go func() {
		defer func() {
			s.running.Store(false)
			s.connected.Store(false)
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			close(done)
		}()
		s.run(runCtx)
	}()
	return nil
}

// Stop closes the stream and waits for the loop to exit. It is safe to
// call more than once.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	s.running.Store(false)
	cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	<-done
	s.logger.Info("Realtime subscription stopped", map[string]interface{}{
		"operation": "realtime_stop",
	})
}

// run dials, reads, and backs off until stopped. The attempt counter
// resets on every successful connect.
func (s *Subscription) run(ctx context.Context) {
	attempt := 0
	for {
		if !s.running.Load() || ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err == nil {
			attempt = 0
			s.setConn(conn)
			s.connected.Store(true)
			s.dispatch(Event{Type: EventConnected, Data: map[string]interface{}{
				"transport": s.activeTransport,
			}})

			err = s.readLoop(conn)

			s.connected.Store(false)
			s.setConn(nil)
			conn.Close()
		}

		if !s.running.Load() || ctx.Err() != nil {
			return
		}

		s.logger.Warn("Stream disconnected", map[string]interface{}{
			"operation": "realtime_reconnect",
			"error":     errString(err),
		})
		s.dispatch(Event{Type: EventError, Err: err})

		delay := s.reconnectDelay(attempt)
		attempt++
		s.dispatch(Event{Type: EventReconnecting, Data: map[string]interface{}{
			"attempt": attempt,
			"delay":   delay,
		}})

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Subscription) readLoop(conn streamConn) error {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		if ev.ID != "" {
			s.lastEventID = ev.ID
		}
		s.dispatch(*ev)
	}
}

// dial picks the transport. Auto prefers the duplex socket and settles on
// the push stream after repeated dial failures.
func (s *Subscription) dial(ctx context.Context) (streamConn, error) {
	useSocket := s.mode == core.TransportWebSocket ||
		(s.mode == core.TransportAuto && !s.sseOnly)

	if useSocket {
		conn, err := s.dialWS(ctx)
		if err != nil {
			if s.mode == core.TransportAuto && ctx.Err() == nil {
				s.wsFailures++
				if s.wsFailures >= wsFallbackThreshold {
					s.sseOnly = true
					s.logger.Info("Falling back to push stream", map[string]interface{}{
						"operation": "realtime_fallback",
						"failures":  s.wsFailures,
					})
				}
			}
			return nil, err
		}
		s.wsFailures = 0
		s.activeTransport = core.TransportWebSocket
		return conn, nil
	}

	conn, err := s.dialSSE(ctx)
	if err != nil {
		return nil, err
	}
	s.activeTransport = core.TransportSSE
	return conn, nil
}

// setConn publishes the live connection for Stop and OnTopic. A connection
// established as Stop runs is closed here instead of leaking.
func (s *Subscription) setConn(conn streamConn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if conn != nil && !s.running.Load() {
		conn.Close()
	}
}

// setBaseDelay applies a server retry hint to the backoff base.
func (s *Subscription) setBaseDelay(d time.Duration) {
	if d > 0 {
		s.baseDelay = d
	}
}

// reconnectDelay returns min(maxDelay, baseDelay * 2^attempt).
func (s *Subscription) reconnectDelay(attempt int) time.Duration {
	if attempt > 32 {
		return s.maxDelay
	}
	d := s.baseDelay << uint(attempt)
	if d <= 0 || d > s.maxDelay {
		return s.maxDelay
	}
	return d
}

// dispatch fans an event out to its type handlers, the wildcard, and every
// matching topic. Handler panics are logged and contained.
func (s *Subscription) dispatch(ev Event) {
	s.mu.Lock()
	handlers := append([]Handler(nil), s.typeHandlers[ev.Type]...)
	handlers = append(handlers, s.topicHandlers[TopicAll]...)
	for topic, hs := range s.topicHandlers {
		if topic == TopicAll {
			continue
		}
		if eventMatchesTopic(ev, topic) {
			handlers = append(handlers, hs...)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		s.invoke(h, ev)
	}
}

func (s *Subscription) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event callback panicked", map[string]interface{}{
				"operation":  "realtime_dispatch",
				"event_type": ev.Type,
				"panic":      fmt.Sprintf("%v", r),
			})
		}
	}()
	h(ev)
}

// eventMatchesTopic checks whether the decoded payload references the
// topic's job id or queue name.
func eventMatchesTopic(ev Event, topic string) bool {
	kind, name, ok := strings.Cut(topic, ":")
	if !ok || name == "" {
		return false
	}
	data, ok := ev.Data.(map[string]interface{})
	if !ok {
		return false
	}
	switch kind {
	case "job":
		return payloadJobID(data) == name
	case "queue":
		return payloadQueue(data) == name
	}
	return false
}

func payloadJobID(data map[string]interface{}) string {
	if id, ok := data["jobId"].(string); ok {
		return id
	}
	if id, ok := data["id"].(string); ok {
		return id
	}
	if job, ok := data["job"].(map[string]interface{}); ok {
		if id, ok := job["id"].(string); ok {
			return id
		}
	}
	return ""
}

func payloadQueue(data map[string]interface{}) string {
	if q, ok := data["queueName"].(string); ok {
		return q
	}
	if q, ok := data["queue"].(string); ok {
		return q
	}
	if job, ok := data["job"].(map[string]interface{}); ok {
		if q, ok := job["queueName"].(string); ok {
			return q
		}
	}
	return ""
}

// subscriptionTopics is the topic set announced over the duplex socket.
// Type handlers need the unfiltered stream, so their presence widens the
// set to the wildcard.
func (s *Subscription) subscriptionTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	wildcard := false
	for t := range s.typeHandlers {
		if t != EventConnected && t != EventReconnecting && t != EventError {
			wildcard = true
			break
		}
	}
	topics := make([]string, 0, len(s.topicHandlers))
	for t := range s.topicHandlers {
		if t == TopicAll {
			wildcard = true
			continue
		}
		topics = append(topics, t)
	}
	if wildcard || len(topics) == 0 {
		return []string{TopicAll}
	}
	sort.Strings(topics)
	return topics
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
