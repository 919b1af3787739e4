// Package homeassistant implements the sink side of the bridge: a persistent
// authenticated websocket to the Home Assistant API with an exponential
// backoff reconnect loop.
package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goodlucknow/kodi2home/backoff"
	"github.com/goodlucknow/kodi2home/metrics"
	"github.com/goodlucknow/kodi2home/proto"
)

var (
	// ErrConnectFailed covers transport and timeout failures; always retried.
	ErrConnectFailed = errors.New("home assistant connect failed")
	// ErrStillStarting is the 5xx handshake sub-case seen while Home
	// Assistant restarts. Expected, logged at reduced severity, same backoff.
	ErrStillStarting = errors.New("home assistant still starting")
	// ErrAuthFailed means the access token was rejected. Retryable on this
	// link: the token may become valid again after a Home Assistant restart.
	ErrAuthFailed = errors.New("home assistant authentication failed")
	// ErrSendFailed means the transport closed mid-write. The in-flight
	// command is dropped by the caller, never retried.
	ErrSendFailed = errors.New("home assistant send failed")
	// ErrTimedOut is the expected steady-state result of Receive when no
	// frame arrives within the timeout. Not a connection problem.
	ErrTimedOut = errors.New("home assistant receive timed out")
	// ErrConnectionClosed means the socket is gone and a reconnect is needed.
	ErrConnectionClosed = errors.New("home assistant connection closed")
)

const handshakeTimeout = 5 * time.Second

// Client owns the Home Assistant socket exclusively. The dispatcher is the
// only writer (Send) and the keepalive listener the only reader (Receive);
// both re-check Connected instead of caching the handle.
type Client struct {
	url    string
	token  string
	policy backoff.Policy
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	frames    chan []byte
	delay     time.Duration

	// Serializes Reconnect so the dispatcher and the keepalive listener
	// never race two dials onto the same socket handle.
	reconnectMu sync.Mutex
}

// New creates a client for the given websocket URL (ws:// or wss://).
func New(url, token string, policy backoff.Policy) *Client {
	return &Client{
		url:    url,
		token:  token,
		policy: policy,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		delay:  policy.Reset(),
	}
}

// Connected reports whether the socket is live and authenticated.
func (c *Client) Connected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RetryDelay returns the current backoff delay for this link.
func (c *Client) RetryDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// Connect dials Home Assistant and performs the auth handshake: receive
// auth_required, send the access token, receive the result. On success the
// read pump is started and the retry delay resets to minimum.
func (c *Client) Connect(ctx context.Context) error {
	slog.Info("Connecting to Home Assistant", "url", c.url)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d", ErrStillStarting, resp.StatusCode)
		}
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	frames := make(chan []byte, 16)
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.frames = frames
	c.delay = c.policy.Reset()
	c.mu.Unlock()

	go c.readPump(conn, frames)

	metrics.SetLinkUp(metrics.LinkHomeAssistant, true)
	slog.Info("Home Assistant connected and authenticated")
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	greeting, err := readHandshakeFrame(conn)
	if err != nil {
		return fmt.Errorf("%w: reading auth_required: %v", ErrConnectFailed, err)
	}
	if greeting.Type != proto.HATypeAuthRequired {
		slog.Warn("Unexpected handshake greeting from Home Assistant", "type", greeting.Type)
	}

	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	auth := proto.AuthRequest{Type: proto.HATypeAuth, AccessToken: c.token}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("%w: sending auth: %v", ErrConnectFailed, err)
	}
	conn.SetWriteDeadline(time.Time{})

	result, err := readHandshakeFrame(conn)
	if err != nil {
		return fmt.Errorf("%w: reading auth result: %v", ErrConnectFailed, err)
	}
	if result.Type != proto.HATypeAuthOK {
		return fmt.Errorf("%w: %s (%s)", ErrAuthFailed, result.Type, result.Message)
	}
	return nil
}

func readHandshakeFrame(conn *websocket.Conn) (proto.HAMessage, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var msg proto.HAMessage
	_, data, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("invalid JSON: %w", err)
	}
	return msg, nil
}

// readPump is the single reader of the underlying socket. Frames are handed
// to Receive through a channel so a Receive timeout leaves the connection
// healthy; a gorilla read error is permanent, so the pump exits and marks
// the link disconnected.
func (c *Client) readPump(conn *websocket.Conn, frames chan []byte) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.markDisconnected(conn)
			close(frames)
			return
		}
		frames <- data
	}
}

func (c *Client) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.connected = false
	}
	c.mu.Unlock()
	metrics.SetLinkUp(metrics.LinkHomeAssistant, false)
}

// Send serializes and transmits one command. At most one send is ever in
// flight: the dispatcher is the sole caller.
func (c *Client) Send(cmd proto.Command) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if conn == nil || !connected {
		return fmt.Errorf("%w: not connected", ErrSendFailed)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.markDisconnected(conn)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	slog.Debug("Sent to Home Assistant", "id", cmd.ID, "entity_id", cmd.ServiceData.EntityID)
	return nil
}

// Receive waits up to timeout for an inbound frame. ErrTimedOut lets the
// caller re-check the shutdown flag; ErrConnectionClosed forces a reconnect.
func (c *Client) Receive(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	frames, connected := c.frames, c.connected
	c.mu.Unlock()

	if frames == nil || !connected {
		return nil, ErrConnectionClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data, ok := <-frames:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return data, nil
	case <-timer.C:
		return nil, ErrTimedOut
	}
}

// Close tears down the socket. Idempotent and nil-safe: shutdown may close a
// link that a failed reconnect already left closed.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn == nil {
		return
	}

	deadline := time.Now().Add(time.Second)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		slog.Debug("Failed to send close message to Home Assistant", "error", err)
	}
	conn.Close()
	metrics.SetLinkUp(metrics.LinkHomeAssistant, false)
}

// Reconnect closes any live socket and retries Connect with exponential
// backoff until it succeeds or ctx is cancelled. Concurrent callers are
// coalesced: the loser of the race finds the link connected and returns.
func (c *Client) Reconnect(ctx context.Context) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.Connected() {
		return nil
	}
	c.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.Connect(ctx)
		if err == nil {
			metrics.Reconnects.WithLabelValues(metrics.LinkHomeAssistant).Inc()
			slog.Info("Home Assistant reconnected successfully")
			return nil
		}

		switch {
		case errors.Is(err, ErrStillStarting):
			slog.Warn("Home Assistant starting up or restarting", "error", err)
		case errors.Is(err, ErrAuthFailed):
			slog.Error("Home Assistant authentication failed", "error", err)
		default:
			slog.Error("Home Assistant connection error", "error", err)
		}

		delay := c.RetryDelay()
		slog.Info("Retrying Home Assistant connection", "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		c.mu.Lock()
		c.delay = c.policy.Next(c.delay)
		c.mu.Unlock()
	}
}
