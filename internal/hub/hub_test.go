package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"printqueue/internal/router"
	"printqueue/internal/websocket"
	"printqueue/pkg/types"
)

type routed struct {
	connID     string
	event      string
	registered bool
}

type mockRouter struct {
	registry *websocket.Registry
	routeErr error

	mu        sync.Mutex
	routed    []routed
	forgotten []string
	cleanups  int
}

func (m *mockRouter) Route(conn *websocket.Connection, event *types.Event) error {
	_, registered := m.registry.GetConnection(conn.GetID())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routed = append(m.routed, routed{conn.GetID(), event.Name, registered})
	return m.routeErr
}

func (m *mockRouter) Forget(conn *websocket.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, conn.GetID())
}

func (m *mockRouter) CleanupRateLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
}

func (m *mockRouter) snapshot() ([]routed, []string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]routed(nil), m.routed...), append([]string(nil), m.forgotten...), m.cleanups
}

func newTestHub(t *testing.T) (*Hub, *mockRouter, *websocket.Registry) {
	t.Helper()
	registry := websocket.NewRegistry()
	r := &mockRouter{registry: registry}
	return NewHub(registry, r, nil), r, registry
}

// newConnection returns an unregistered server-side connection and the
// client end of it.
func newConnection(t *testing.T) (*websocket.Connection, *gws.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Connection, 1)
	upgrader := gws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		accepted <- websocket.NewConnection(c, 10, time.Second)
	}))
	t.Cleanup(server.Close)

	client, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	conn := <-accepted
	t.Cleanup(func() { conn.Close() })
	return conn, client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_StartStop(t *testing.T) {
	hub, _, _ := newTestHub(t)
	ctx := context.Background()

	if err := hub.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := hub.Start(ctx); !errors.Is(err, ErrHubAlreadyRunning) {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := hub.Stop(); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}

	// Restartable
	if err := hub.Start(ctx); err != nil {
		t.Errorf("Expected restart to succeed, got %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
}

func TestHub_RejectsWhenStopped(t *testing.T) {
	hub, _, _ := newTestHub(t)
	conn, _ := newConnection(t)

	if err := hub.RegisterConnection(conn); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("RegisterConnection: expected ErrHubNotRunning, got %v", err)
	}
	if err := hub.UnregisterConnection(conn); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("UnregisterConnection: expected ErrHubNotRunning, got %v", err)
	}
	if err := hub.SendEvent(conn, &types.Event{Name: types.EventStartSession}); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("SendEvent: expected ErrHubNotRunning, got %v", err)
	}
}

func TestHub_EventsFollowRegistration(t *testing.T) {
	hub, r, registry := newTestHub(t)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer hub.Stop()

	const conns = 20
	for i := 0; i < conns; i++ {
		conn, _ := newConnection(t)
		if err := hub.RegisterConnection(conn); err != nil {
			t.Fatalf("RegisterConnection failed: %v", err)
		}
		if err := hub.SendEvent(conn, &types.Event{Name: types.EventGetActiveSession}); err != nil {
			t.Fatalf("SendEvent failed: %v", err)
		}
	}

	waitFor(t, "routing", func() bool {
		routedEvents, _, _ := r.snapshot()
		return len(routedEvents) == conns
	})
	routedEvents, _, _ := r.snapshot()
	for _, ev := range routedEvents {
		if !ev.registered {
			t.Errorf("event from %s routed before its registration", ev.connID)
		}
	}
	if n := registry.GetStats()["total_connections"]; n != conns {
		t.Errorf("expected %d registered connections, got %d", conns, n)
	}
}

func TestHub_RoutingErrorsReachSender(t *testing.T) {
	hub, r, _ := newTestHub(t)
	r.routeErr = router.ErrRateLimitExceeded
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer hub.Stop()

	conn, client := newConnection(t)
	hub.RegisterConnection(conn)
	hub.SendEvent(conn, &types.Event{Name: types.EventJoinSession})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev types.Event
	if err := client.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	var payload types.ErrorPayload
	if ev.Name != types.EventError || ev.DecodeData(&payload) != nil {
		t.Fatalf("expected error event, got %+v", ev)
	}
	if payload.Message != router.ClientMessage(router.ErrRateLimitExceeded) {
		t.Errorf("unexpected message %q", payload.Message)
	}
}

func TestHub_Deregistration(t *testing.T) {
	hub, r, registry := newTestHub(t)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer hub.Stop()

	conn, _ := newConnection(t)
	hub.RegisterConnection(conn)
	hub.UnregisterConnection(conn)

	waitFor(t, "deregistration", func() bool {
		_, forgotten, _ := r.snapshot()
		return len(forgotten) == 1
	})
	if _, ok := registry.GetConnection(conn.GetID()); ok {
		t.Error("connection still registered")
	}

	// A second deregistration is ignored
	hub.UnregisterConnection(conn)
	time.Sleep(50 * time.Millisecond)
	if _, forgotten, _ := r.snapshot(); len(forgotten) != 1 {
		t.Errorf("expected one Forget call, got %d", len(forgotten))
	}
}

func TestHub_EventChannelFull(t *testing.T) {
	hub, _, _ := newTestHub(t)
	conn, _ := newConnection(t)

	// Running without a loop: nothing drains the channel.
	hub.running = true
	ev := &types.Event{Name: types.EventLeaveSession}
	for i := 0; i < cap(hub.eventChannel); i++ {
		if err := hub.SendEvent(conn, ev); err != nil {
			t.Fatalf("SendEvent %d failed: %v", i, err)
		}
	}
	if err := hub.SendEvent(conn, ev); !errors.Is(err, ErrEventChannelFull) {
		t.Errorf("expected ErrEventChannelFull, got %v", err)
	}
}

func TestHub_PeriodicRateLimitCleanup(t *testing.T) {
	hub, r, _ := newTestHub(t)
	hub.cleanupInterval = 10 * time.Millisecond
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer hub.Stop()

	waitFor(t, "cleanup", func() bool {
		_, _, cleanups := r.snapshot()
		return cleanups > 0
	})
}

func TestHub_StopsOnContextCancel(t *testing.T) {
	hub, _, _ := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancel()
	select {
	case <-hub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on context cancel")
	}
	// Stop still succeeds and does not block
	if err := hub.Stop(); err != nil {
		t.Errorf("Stop after cancel failed: %v", err)
	}
}
