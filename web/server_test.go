package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goodlucknow/kodi2home/bridge"
	"github.com/goodlucknow/kodi2home/homeassistant"
	"github.com/goodlucknow/kodi2home/proto"
	"github.com/goodlucknow/kodi2home/queue"
)

type stubSource struct{}

func (s *stubSource) Monitor(ctx context.Context) error { <-ctx.Done(); return nil }
func (s *stubSource) Connected() bool                   { return true }
func (s *stubSource) Close()                            {}

type stubSink struct {
	mu   sync.Mutex
	sent []proto.Command
}

func (s *stubSink) Connected() bool { return true }

func (s *stubSink) Send(cmd proto.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *stubSink) Receive(timeout time.Duration) ([]byte, error) {
	time.Sleep(timeout)
	return nil, homeassistant.ErrTimedOut
}

func (s *stubSink) Reconnect(ctx context.Context) error { return nil }
func (s *stubSink) RetryDelay() time.Duration           { return 10 * time.Millisecond }
func (s *stubSink) Close()                              {}

func newTestServer(t *testing.T, queueSize int) (*Server, *queue.Queue) {
	t.Helper()
	q := queue.New(queueSize)
	b := bridge.New(&stubSource{}, &stubSink{}, q)
	return NewServer("127.0.0.1:0", b), q
}

func TestServer_Healthz(t *testing.T) {
	server, _ := newTestServer(t, 5)

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestServer_Status(t *testing.T) {
	server, q := newTestServer(t, 5)
	q.TryEnqueue(proto.NewCommand(2, "automation.pending"))

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var status bridge.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Invalid status JSON: %v", err)
	}
	if status.InstanceID == "" {
		t.Error("Expected non-empty instance id")
	}
	if status.QueueLength != 1 {
		t.Errorf("Expected queue length 1, got %d", status.QueueLength)
	}
	if status.QueueCapacity != 5 {
		t.Errorf("Expected queue capacity 5, got %d", status.QueueCapacity)
	}
	if !status.KodiConnected || !status.HomeAssistantConnected {
		t.Errorf("Expected both links connected, got %+v", status)
	}
}

func TestServer_TriggerEnqueues(t *testing.T) {
	server, q := newTestServer(t, 5)

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger/automation.volume_up", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rec.Code)
	}
	if q.Len() != 1 {
		t.Fatalf("Expected queue length 1, got %d", q.Len())
	}

	cmd, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Unexpected dequeue error: %v", err)
	}
	if cmd.ServiceData.EntityID != "automation.volume_up" {
		t.Errorf("Expected entity automation.volume_up, got %s", cmd.ServiceData.EntityID)
	}
}

func TestServer_TriggerQueueFull(t *testing.T) {
	server, q := newTestServer(t, 1)
	q.TryEnqueue(proto.NewCommand(2, "automation.pending"))

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger/automation.volume_up", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if q.Len() != 1 {
		t.Errorf("Expected queue unchanged, got length %d", q.Len())
	}
}

func TestServer_Metrics(t *testing.T) {
	server, _ := newTestServer(t, 5)

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}
