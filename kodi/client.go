// Package kodi implements the source side of the bridge: a JSON-RPC client
// over Kodi's websocket interface that turns NotifyAll keymap messages into
// callback invocations, with a monitor loop that pings and reconnects.
package kodi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goodlucknow/kodi2home/backoff"
	"github.com/goodlucknow/kodi2home/metrics"
	"github.com/goodlucknow/kodi2home/proto"
)

var (
	// ErrConnectFailed covers transport and timeout failures; retried with
	// backoff by the monitor loop.
	ErrConnectFailed = errors.New("kodi connect failed")
	// ErrAuthFailed means Kodi rejected our credentials. Terminal: the
	// monitor loop stops permanently, credentials will not self-correct.
	ErrAuthFailed = errors.New("kodi authentication failed")
	// ErrHandlerRegistered is returned when a second notification handler is
	// registered; the callback slot holds exactly one.
	ErrHandlerRegistered = errors.New("kodi notification handler already registered")
)

const (
	connectTimeout      = 5 * time.Second
	callTimeout         = 5 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// NotificationHandler receives NotifyAll payloads. The read pump invokes it
// sequentially, so at most one invocation runs at a time. It must not block.
type NotificationHandler func(sender string, data map[string]any)

// Client owns the Kodi socket exclusively. All JSON-RPC writes go through
// call(); the read pump is the only reader and routes responses back to
// waiting callers by request id.
type Client struct {
	host         string
	wsPort       int
	username     string
	password     string
	policy       backoff.Policy
	pingInterval time.Duration
	dialer       *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	delay     time.Duration

	wmu sync.Mutex // one writer on the websocket at a time

	handlerMu sync.RWMutex
	handler   NotificationHandler

	resMu    sync.Mutex
	resChans map[int64]chan proto.KodiFrame
	nextID   atomic.Int64
}

// New creates a client for Kodi's websocket JSON-RPC interface. Credentials
// are optional; Kodi only enforces them when its webserver requires auth.
func New(host string, wsPort int, username, password string, policy backoff.Policy) *Client {
	return &Client{
		host:         host,
		wsPort:       wsPort,
		username:     username,
		password:     password,
		policy:       policy,
		pingInterval: DefaultPingInterval,
		dialer:       &websocket.Dialer{HandshakeTimeout: connectTimeout},
		delay:        policy.Reset(),
		resChans:     make(map[int64]chan proto.KodiFrame),
	}
}

// SetPingInterval overrides the liveness probe interval (default 30s).
func (c *Client) SetPingInterval(d time.Duration) {
	if d > 0 {
		c.pingInterval = d
	}
}

// OnNotification registers the single notification handler. Registering a
// second handler is an error.
func (c *Client) OnNotification(handler NotificationHandler) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.handler != nil {
		return ErrHandlerRegistered
	}
	c.handler = handler
	return nil
}

// Connected reports whether the socket is live.
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

// Connect dials Kodi, starts the read pump, verifies the connection with a
// ping, logs the application properties and reloads keymaps so keymap edits
// take effect without restarting Kodi.
func (c *Client) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("ws://%s:%d/jsonrpc", c.host, c.wsPort)
	slog.Info("Connecting to Kodi", "addr", addr)

	var header http.Header
	if c.username != "" {
		header = http.Header{}
		credentials := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
		header.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := c.dialer.DialContext(ctx, addr, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
		}
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readPump(conn)

	if err := c.verify(ctx); err != nil {
		c.Close()
		return err
	}

	c.mu.Lock()
	c.delay = c.policy.Reset()
	c.mu.Unlock()

	metrics.SetLinkUp(metrics.LinkKodi, true)
	return nil
}

// verify runs the post-dial application handshake.
func (c *Client) verify(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}

	props, err := c.call(ctx, "Application.GetProperties", map[string]any{
		"properties": []string{"name", "version"},
	})
	if err != nil {
		return fmt.Errorf("%w: reading application properties: %v", ErrConnectFailed, err)
	}
	slog.Info("Kodi connected", "properties", string(props))

	if _, err := c.call(ctx, "Input.ExecuteAction", map[string]any{"action": "reloadkeymaps"}); err != nil {
		return fmt.Errorf("%w: reloading keymaps: %v", ErrConnectFailed, err)
	}
	slog.Info("Kodi keymaps reloaded")
	return nil
}

// Ping sends the JSONRPC.Ping liveness probe and waits for its response.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.call(ctx, "JSONRPC.Ping", nil); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrConnectFailed, err)
	}
	return nil
}

// call performs one JSON-RPC request/response round trip. The response is
// routed back from the read pump through a per-request channel.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return nil, fmt.Errorf("not connected")
	}

	id := c.nextID.Add(1)
	respChan := make(chan proto.KodiFrame, 1)

	c.resMu.Lock()
	c.resChans[id] = respChan
	c.resMu.Unlock()
	defer func() {
		c.resMu.Lock()
		delete(c.resChans, id)
		c.resMu.Unlock()
	}()

	req := proto.NewKodiRequest(id, method, params)
	c.wmu.Lock()
	err := conn.WriteJSON(req)
	c.wmu.Unlock()
	if err != nil {
		c.markDisconnected(conn)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()

	select {
	case frame := <-respChan:
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for %s response", method)
	}
}

// readPump is the single reader of the Kodi socket. It routes responses to
// waiting calls and dispatches kodi_call_home notifications to the handler.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.markDisconnected(conn)
			return
		}

		var frame proto.KodiFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid JSON frame from Kodi", "error", err, "frame", string(data))
			continue
		}

		switch {
		case frame.IsNotification():
			c.dispatchNotification(frame)
		case frame.ID != nil:
			c.resMu.Lock()
			respChan, ok := c.resChans[*frame.ID]
			c.resMu.Unlock()
			if ok {
				respChan <- frame
			} else {
				slog.Debug("Response for unknown request id", "id", *frame.ID)
			}
		default:
			slog.Debug("Ignoring frame from Kodi", "frame", string(data))
		}
	}
}

func (c *Client) dispatchNotification(frame proto.KodiFrame) {
	if frame.Method != proto.NotifyMethod {
		slog.Debug("Ignoring Kodi notification", "method", frame.Method)
		return
	}

	var params proto.NotificationParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		slog.Warn("Invalid notification params from Kodi", "error", err, "params", string(frame.Params))
		return
	}

	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()
	if handler == nil {
		slog.Warn("Kodi notification received but no handler registered", "sender", params.Sender)
		return
	}
	handler(params.Sender, params.Data)
}

func (c *Client) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.connected = false
	}
	c.mu.Unlock()
	metrics.SetLinkUp(metrics.LinkKodi, false)
}

// Close tears down the socket. Idempotent and nil-safe.
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
		slog.Debug("Failed to send close message to Kodi", "error", err)
	}
	conn.Close()
	metrics.SetLinkUp(metrics.LinkKodi, false)
}

// Monitor is the source link's task: connect with backoff, then ping at the
// configured interval, reconnecting on any failure. It returns nil on
// shutdown and ErrAuthFailed when Kodi rejects our credentials, which is
// fatal for the whole bridge.
func (c *Client) Monitor(ctx context.Context) error {
	// Initial connect: attempt first, back off after failures.
	for ctx.Err() == nil && !c.Connected() {
		err := c.Connect(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, ErrAuthFailed) {
			slog.Error("Kodi authentication error - stopping monitor", "error", err)
			return err
		}
		slog.Error("Cannot connect to Kodi", "error", err)

		delay := c.RetryDelay()
		slog.Info("Retrying Kodi connection", "delay", delay)
		if !sleep(ctx, delay) {
			return nil
		}
		c.mu.Lock()
		c.delay = c.policy.Next(c.delay)
		c.mu.Unlock()
	}

	for ctx.Err() == nil {
		if c.Connected() {
			pingCtx, cancel := context.WithTimeout(ctx, callTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("Kodi ping failed, reconnecting", "error", err)
				if err := c.reconnect(ctx); err != nil {
					return err
				}
				continue
			}
			if !sleep(ctx, c.pingInterval) {
				return nil
			}
		} else {
			slog.Warn("Kodi connection lost, reconnecting")
			if err := c.reconnect(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// reconnect retries with exponential backoff, waiting before each attempt to
// avoid a tight loop right after a detected failure. ErrAuthFailed aborts.
func (c *Client) reconnect(ctx context.Context) error {
	c.Close()

	for ctx.Err() == nil {
		delay := c.RetryDelay()
		slog.Info("Reconnecting to Kodi", "delay", delay)
		if !sleep(ctx, delay) {
			return nil
		}

		err := c.Connect(ctx)
		if err == nil {
			metrics.Reconnects.WithLabelValues(metrics.LinkKodi).Inc()
			slog.Info("Kodi reconnected successfully")
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			slog.Error("Kodi authentication error - stopping monitor", "error", err)
			return err
		}
		slog.Error("Cannot connect to Kodi", "error", err)

		c.mu.Lock()
		c.delay = c.policy.Next(c.delay)
		c.mu.Unlock()
	}
	return nil
}

// sleep waits for d or until ctx is done; it reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
