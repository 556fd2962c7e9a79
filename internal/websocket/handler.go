package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"printqueue/pkg/types"
)

var upgrader = websocket.Upgrader{
	// Dashboards and QR displays are served from other origins on the LAN.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// EventSink receives connection lifecycle and inbound events. The hub
// implements it.
type EventSink interface {
	RegisterConnection(conn *Connection) error
	UnregisterConnection(conn *Connection) error
	SendEvent(conn *Connection, event *types.Event) error
}

// HandlerOptions tunes heartbeat and buffering.
type HandlerOptions struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	// MaxMessageBytes bounds one inbound frame.
	MaxMessageBytes int64
}

func (o *HandlerOptions) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
}

// Handler upgrades /ws requests and pumps inbound frames into the sink.
type Handler struct {
	registry *Registry
	sink     EventSink
	opts     HandlerOptions
}

func NewHandler(registry *Registry, sink EventSink, opts HandlerOptions) *Handler {
	opts.setDefaults()
	return &Handler{
		registry: registry,
		sink:     sink,
		opts:     opts,
	}
}

// HandleWebSocket upgrades the request. Connections need no credentials;
// they start outside any room.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, h.opts.SendBuffer, h.opts.WriteTimeout)

	if err := h.sink.RegisterConnection(wsConn); err != nil {
		log.Printf("Failed to register connection: conn=%s error=%v", wsConn.GetID(), err)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the heartbeat and the read pump until the peer goes
// away or the connection is closed.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if err := h.sink.UnregisterConnection(conn); err != nil {
			h.registry.UnregisterConnection(conn)
		}
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(h.opts.MaxMessageBytes)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: conn=%s error=%v", conn.GetID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var event types.Event
		if err := json.Unmarshal(data, &event); err != nil || event.Name == "" {
			_ = conn.WriteJSON(types.NewErrorEvent("Malformed event."))
			continue
		}

		if err := h.sink.SendEvent(conn, &event); err != nil {
			log.Printf("Dropped event: conn=%s event=%s error=%v", conn.GetID(), event.Name, err)
			_ = conn.WriteJSON(types.NewErrorEvent("Server is busy, please retry."))
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
