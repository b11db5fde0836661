package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spooled/spooled-go/core"
)

// sseConn reads one long-lived text/event-stream response. Parsing follows
// the usual framing: events end at a blank line, "data:" lines accumulate,
// "retry:" lines adjust the reconnect base through the hint callback.
type sseConn struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	onRetry func(time.Duration)
}

func (c *sseConn) ReadEvent() (*Event, error) {
	var (
		eventType string
		eventID   string
		data      []string
	)
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line dispatches the buffered event. Events that
			// accumulated no data are dropped.
			if len(data) == 0 {
				eventType, eventID = "", ""
				continue
			}
			ev := &Event{
				Type: eventType,
				ID:   eventID,
				Data: decodePayload(strings.Join(data, "\n")),
			}
			if ev.Type == "" {
				ev.Type = DefaultEventType
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitSSEField(line)
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
		case "id":
			eventID = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 && c.onRetry != nil {
				c.onRetry(time.Duration(ms) * time.Millisecond)
			}
		}
	}
}

func (c *sseConn) Close() error {
	return c.body.Close()
}

// splitSSEField separates "field: value", stripping the single optional
// space after the colon. A line without a colon is a field with no value.
func splitSSEField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}

// decodePayload JSON-decodes event data, falling back to the raw string.
// Decoded maps are rekeyed to the lowerCamel form the rest of the client
// exposes.
func decodePayload(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return core.FromWireKeys(v)
}

// dialSSE opens the event stream with a long-lived GET.
func (s *Subscription) dialSSE(ctx context.Context) (streamConn, error) {
	u := *s.streamURL
	if s.cfg.Realtime.QueryAuth {
		q := u.Query()
		s.auth.StreamParams(q)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, core.NewNetworkError(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", s.userAgent)
	if !s.cfg.Realtime.QueryAuth {
		s.auth.Apply(req.Header, false)
	}
	if s.lastEventID != "" {
		req.Header.Set("Last-Event-ID", s.lastEventID)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, classifyStreamError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, handshakeError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, core.NewNetworkError(fmt.Errorf("unexpected stream content type %q", ct))
	}

	return &sseConn{
		body:    resp.Body,
		reader:  bufio.NewReader(resp.Body),
		onRetry: s.setBaseDelay,
	}, nil
}

// handshakeError maps a failed stream handshake onto the error taxonomy.
func handshakeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = resp.Status
	}
	requestID := resp.Header.Get("X-Request-ID")

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return core.NewAuthenticationError(message, requestID)
	case http.StatusNotFound:
		return core.NewNotFoundError(message, requestID)
	case http.StatusTooManyRequests:
		return core.NewRateLimitError(message, requestID, 0)
	default:
		err := core.NewError(core.KindGeneric, resp.StatusCode, message)
		err.RequestID = requestID
		return err
	}
}

func classifyStreamError(err error) error {
	if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
		return core.NewTimeoutError(err)
	}
	return core.NewNetworkError(err)
}
