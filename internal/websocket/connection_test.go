package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"printqueue/pkg/interfaces"
	"printqueue/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = &Connection{}
	var _ interfaces.Broadcaster = &Registry{}
}

func TestConnection_NewConnectionInitialization(t *testing.T) {
	wsConn, _ := createTestWebSocketConnection(t)

	conn := NewConnection(wsConn, 0, 0)
	defer conn.Close()

	if cap(conn.writeCh) != DefaultSendBuffer {
		t.Errorf("Expected write channel buffer of %d, got %d", DefaultSendBuffer, cap(conn.writeCh))
	}
	if conn.writeTimeout != DefaultWriteTimeout {
		t.Errorf("Expected default write timeout, got %v", conn.writeTimeout)
	}
	if conn.GetID() == "" {
		t.Error("Connection id not assigned")
	}
	if conn.GetSessionID() != "" {
		t.Error("New connection should not be in a room")
	}

	other := NewConnection(wsConn, 5, time.Second)
	defer other.Close()
	if other.GetID() == conn.GetID() {
		t.Error("Connection ids must be unique")
	}
	if cap(other.writeCh) != 5 {
		t.Errorf("Expected custom buffer of 5, got %d", cap(other.writeCh))
	}
}

func TestConnection_WriteJSONDelivers(t *testing.T) {
	wsConn, received := createTestWebSocketConnection(t)

	conn := NewConnection(wsConn, 10, time.Second)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		ev, _ := types.NewEvent(types.EventFilePrinted, types.FilePrintedPayload{FileName: "a.pdf"})
		if err := conn.WriteJSON(ev); err != nil {
			t.Fatalf("WriteJSON failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case data := <-received:
			var ev types.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("Server received invalid JSON: %v", err)
			}
			if ev.Name != types.EventFilePrinted {
				t.Errorf("Expected %s, got %s", types.EventFilePrinted, ev.Name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Message %d not delivered", i)
		}
	}
}

func TestConnection_WriteJSONErrors(t *testing.T) {
	wsConn, _ := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn, 1, time.Second)

	if err := conn.WriteJSON(func() {}); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("Expected ErrInvalidJSON, got %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done not closed after Close")
	}

	if err := conn.WriteJSON(map[string]string{"a": "b"}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_FullBufferDoesNotBlock(t *testing.T) {
	wsConn, _ := createTestWebSocketConnection(t)

	// No writeLoop is started, so nothing drains the buffer.
	conn := &Connection{
		conn:    wsConn,
		id:      "stalled",
		writeCh: make(chan []byte, 2),
	}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())
	defer conn.cancel()

	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(i); err != nil {
			t.Fatalf("WriteJSON %d failed: %v", i, err)
		}
	}

	start := time.Now()
	if err := conn.WriteJSON(3); !errors.Is(err, ErrSendBufferFull) {
		t.Errorf("Expected ErrSendBufferFull, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("WriteJSON blocked on a full buffer")
	}
}

// createTestWebSocketConnection dials a test server that forwards every
// frame it reads to the returned channel.
func createTestWebSocketConnection(t *testing.T) (*websocket.Conn, <-chan []byte) {
	t.Helper()
	received := make(chan []byte, 100)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn, received
}
