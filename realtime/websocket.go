package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spooled/spooled-go/core"
)

const (
	// pongWait bounds silence on the socket; the server answers pings.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second

	writeWait = 10 * time.Second
)

// wsEnvelope is the duplex frame shape in both directions.
type wsEnvelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Topics []string        `json:"topics,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// wsConn adapts a dialed socket to the streamConn read contract. A write
// pump keeps the connection alive and carries outgoing frames.
type wsConn struct {
	conn *websocket.Conn
	send chan wsEnvelope
	done chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn: conn,
		send: make(chan wsEnvelope, 8),
		done: make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.writePump()
	return c
}

// writePump sends queued frames and periodic pings until the connection
// closes.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadEvent blocks for the next data-bearing frame. Frames without data
// are dropped to keep push and duplex semantics identical.
func (c *wsConn) ReadEvent() (*Event, error) {
	for {
		var env wsEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return nil, err
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if len(env.Data) == 0 {
			continue
		}
		ev := &Event{
			Type: env.Type,
			ID:   env.ID,
			Data: decodePayload(string(env.Data)),
		}
		if ev.Type == "" {
			ev.Type = DefaultEventType
		}
		return ev, nil
	}
}

// Subscribe queues a topic registration frame for the server-side filter.
func (c *wsConn) Subscribe(topics []string) {
	select {
	case c.send <- wsEnvelope{Type: "subscribe", Topics: topics}:
	case <-c.done:
	}
}

func (c *wsConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}

// dialWS opens the duplex socket and announces the current topic set.
func (s *Subscription) dialWS(ctx context.Context) (streamConn, error) {
	u := *s.socketURL
	if s.cfg.Realtime.QueryAuth {
		q := u.Query()
		s.auth.StreamParams(q)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	header.Set("User-Agent", s.userAgent)
	if !s.cfg.Realtime.QueryAuth {
		s.auth.Apply(header, false)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.ConnectTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, handshakeError(resp)
		}
		return nil, core.NewNetworkError(err)
	}

	c := newWSConn(conn)
	c.Subscribe(s.subscriptionTopics())
	return c, nil
}
