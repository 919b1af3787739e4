package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goodlucknow/kodi2home/backoff"
	"github.com/goodlucknow/kodi2home/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const testToken = "test-token"

// fakeHA runs a minimal Home Assistant websocket endpoint: it performs the
// auth handshake and records every frame received afterwards.
type fakeHA struct {
	server *httptest.Server

	mu       sync.Mutex
	received []proto.Command
	conns    []*websocket.Conn
}

func newFakeHA(t *testing.T) *fakeHA {
	t.Helper()
	f := &fakeHA{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		conn.WriteJSON(map[string]string{"type": proto.HATypeAuthRequired, "ha_version": "2024.1.0"})

		var auth proto.AuthRequest
		if err := conn.ReadJSON(&auth); err != nil {
			conn.Close()
			return
		}
		if auth.AccessToken != testToken {
			conn.WriteJSON(map[string]string{"type": proto.HATypeAuthInvalid, "message": "Invalid access token"})
			conn.Close()
			return
		}
		conn.WriteJSON(map[string]string{"type": proto.HATypeAuthOK, "ha_version": "2024.1.0"})

		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		for {
			var cmd proto.Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, cmd)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeHA) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeHA) receivedCommands() []proto.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]proto.Command, len(f.received))
	copy(result, f.received)
	return result
}

func (f *fakeHA) push(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return errors.New("no connection")
	}
	return f.conns[len(f.conns)-1].WriteJSON(v)
}

func (f *fakeHA) closeConns() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		conn.Close()
	}
}

func testPolicy() backoff.Policy {
	return backoff.Policy{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestClient_ConnectAndAuthenticate(t *testing.T) {
	ha := newFakeHA(t)
	client := New(ha.url(), testToken, testPolicy())
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}
	if !client.Connected() {
		t.Error("Expected client to be connected")
	}
}

func TestClient_ConnectAuthRejected(t *testing.T) {
	ha := newFakeHA(t)
	client := New(ha.url(), "wrong-token", testPolicy())

	err := client.Connect(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
	if client.Connected() {
		t.Error("Expected client not connected after auth failure")
	}
}

func TestClient_ConnectStillStarting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New("ws"+strings.TrimPrefix(server.URL, "http"), testToken, testPolicy())

	err := client.Connect(context.Background())
	if !errors.Is(err, ErrStillStarting) {
		t.Errorf("Expected ErrStillStarting for 502 handshake, got %v", err)
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	client := New("ws"+strings.TrimPrefix(server.URL, "http"), testToken, testPolicy())

	err := client.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("Expected ErrConnectFailed, got %v", err)
	}
}

func TestClient_SendDeliversCommand(t *testing.T) {
	ha := newFakeHA(t)
	client := New(ha.url(), testToken, testPolicy())
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	cmd := proto.NewCommand(2, "automation.volume_up")
	if err := client.Send(cmd); err != nil {
		t.Fatalf("Unexpected send error: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(ha.receivedCommands()) == 1 })

	got := ha.receivedCommands()[0]
	if got.ServiceData.EntityID != "automation.volume_up" {
		t.Errorf("Expected entity automation.volume_up, got %s", got.ServiceData.EntityID)
	}
	if got.Type != "call_service" {
		t.Errorf("Expected type call_service, got %s", got.Type)
	}
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	client := New("ws://localhost:1/api/websocket", testToken, testPolicy())

	err := client.Send(proto.NewCommand(2, "automation.test"))
	if !errors.Is(err, ErrSendFailed) {
		t.Errorf("Expected ErrSendFailed, got %v", err)
	}
}

func TestClient_ReceiveFrameAndTimeout(t *testing.T) {
	ha := newFakeHA(t)
	client := New(ha.url(), testToken, testPolicy())
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	if err := ha.push(map[string]any{"id": 2, "type": "result", "success": true}); err != nil {
		t.Fatalf("Failed to push frame: %v", err)
	}

	frame, err := client.Receive(time.Second)
	if err != nil {
		t.Fatalf("Unexpected receive error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("Invalid frame JSON: %v", err)
	}
	if decoded["type"] != "result" {
		t.Errorf("Expected result frame, got %v", decoded["type"])
	}

	// No more frames: timeout is the expected steady state, and the
	// connection stays healthy afterwards.
	_, err = client.Receive(20 * time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Errorf("Expected ErrTimedOut, got %v", err)
	}
	if !client.Connected() {
		t.Error("Expected connection to survive a receive timeout")
	}
}

func TestClient_ReceiveConnectionClosed(t *testing.T) {
	ha := newFakeHA(t)
	client := New(ha.url(), testToken, testPolicy())
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	ha.closeConns()

	waitFor(t, time.Second, func() bool {
		_, err := client.Receive(20 * time.Millisecond)
		return errors.Is(err, ErrConnectionClosed)
	})

	if client.Connected() {
		t.Error("Expected client disconnected after peer close")
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	ha := newFakeHA(t)
	client := New(ha.url(), testToken, testPolicy())

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	client.Close()
	client.Close() // second close must be a no-op

	if client.Connected() {
		t.Error("Expected client disconnected after close")
	}

	var nilClient *Client
	nilClient.Close() // nil-safe
}

func TestClient_ReconnectAfterPeerRestart(t *testing.T) {
	ha := newFakeHA(t)
	client := New(ha.url(), testToken, testPolicy())
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	ha.closeConns()
	waitFor(t, time.Second, func() bool { return !client.Connected() })

	if err := client.Reconnect(context.Background()); err != nil {
		t.Fatalf("Unexpected reconnect error: %v", err)
	}
	if !client.Connected() {
		t.Error("Expected client connected after reconnect")
	}
	if got := client.RetryDelay(); got != testPolicy().Min {
		t.Errorf("Expected retry delay reset to %v, got %v", testPolicy().Min, got)
	}
}

func TestClient_ReconnectAlreadyConnectedIsNoop(t *testing.T) {
	ha := newFakeHA(t)
	client := New(ha.url(), testToken, testPolicy())
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	if err := client.Reconnect(context.Background()); err != nil {
		t.Errorf("Expected coalesced reconnect to succeed immediately, got %v", err)
	}
}

func TestClient_ReconnectAbortsOnShutdown(t *testing.T) {
	client := New("ws://localhost:1/api/websocket", testToken, testPolicy())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- client.Reconnect(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected reconnect to fail once shutdown is requested")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reconnect did not return after cancellation")
	}
}

func TestClient_BackoffGrowsAcrossFailures(t *testing.T) {
	client := New("ws://localhost:1/api/websocket", testToken, testPolicy())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client.Reconnect(ctx)

	if got := client.RetryDelay(); got <= testPolicy().Min {
		t.Errorf("Expected retry delay to have grown beyond %v, got %v", testPolicy().Min, got)
	}
	if got := client.RetryDelay(); got > testPolicy().Max {
		t.Errorf("Expected retry delay capped at %v, got %v", testPolicy().Max, got)
	}
}
