// Package hub runs the single event loop between WebSocket connections and
// the router: registrations, deregistrations and inbound events are all
// applied on one goroutine.
package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"printqueue/internal/metrics"
	"printqueue/internal/router"
	"printqueue/internal/websocket"
	"printqueue/pkg/types"
)

// EventRouter is the part of *router.Router the hub drives.
type EventRouter interface {
	Route(conn *websocket.Connection, event *types.Event) error
	Forget(conn *websocket.Connection)
	CleanupRateLimits()
}

// Hub implements websocket.EventSink.
type Hub struct {
	eventChannel      chan *EventContext
	registerChannel   chan *websocket.Connection
	unregisterChannel chan *websocket.Connection
	shutdownChannel   chan struct{}
	done              chan struct{}

	registry *websocket.Registry
	router   EventRouter
	metrics  *metrics.Collector

	// cleanupInterval paces rate limiter cleanup.
	cleanupInterval time.Duration

	running bool
	mu      sync.RWMutex
}

var _ websocket.EventSink = (*Hub)(nil)

// EventContext is one inbound event with its sender.
type EventContext struct {
	Event     *types.Event
	Conn      *websocket.Connection
	Timestamp time.Time
}

func NewHub(registry *websocket.Registry, r EventRouter, m *metrics.Collector) *Hub {
	return &Hub{
		eventChannel:      make(chan *EventContext, 1000),
		registerChannel:   make(chan *websocket.Connection, 100),
		unregisterChannel: make(chan *websocket.Connection, 100),
		registry:          registry,
		router:            r,
		metrics:           m,
		cleanupInterval:   time.Minute,
	}
}

// Start launches the loop. It runs until Stop or ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	log.Println("Starting event hub...")
	go h.run(ctx, h.shutdownChannel, h.done)

	return nil
}

// Stop ends the loop and waits for it to exit. Events still queued are
// dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	shutdown, done := h.shutdownChannel, h.done
	h.mu.Unlock()

	log.Println("Stopping event hub...")
	close(shutdown)
	<-done
	return nil
}

// SendEvent queues an inbound event without blocking.
func (h *Hub) SendEvent(conn *websocket.Connection, event *types.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.eventChannel <- &EventContext{Event: event, Conn: conn, Timestamp: time.Now()}:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// RegisterConnection queues a new connection.
func (h *Hub) RegisterConnection(conn *websocket.Connection) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.registerChannel <- conn:
		return nil
	default:
		return ErrRegisterChannelFull
	}
}

// UnregisterConnection queues removal of a closed connection.
func (h *Hub) UnregisterConnection(conn *websocket.Connection) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.unregisterChannel <- conn:
		return nil
	default:
		return ErrUnregisterChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer log.Println("Hub processing stopped")

	cleanup := time.NewTicker(h.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case eventCtx := <-h.eventChannel:
			h.applyRegistrations()
			h.handleEvent(eventCtx)

		case conn := <-h.registerChannel:
			h.handleRegistration(conn)

		case conn := <-h.unregisterChannel:
			h.handleDeregistration(conn)

		case <-cleanup.C:
			h.router.CleanupRateLimits()

		case <-shutdown:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

// applyRegistrations drains queued registrations. A connection is queued
// before its first frame is read, so this guarantees its events and its
// deregistration find it registered.
func (h *Hub) applyRegistrations() {
	for {
		select {
		case conn := <-h.registerChannel:
			h.handleRegistration(conn)
		default:
			return
		}
	}
}

func (h *Hub) handleEvent(eventCtx *EventContext) {
	conn := eventCtx.Conn
	if err := h.router.Route(conn, eventCtx.Event); err != nil {
		log.Printf("Event routing failed: conn=%s event=%s error=%v", conn.GetID(), eventCtx.Event.Name, err)
		h.sendErrorToSender(conn, err)
	}
}

func (h *Hub) handleRegistration(conn *websocket.Connection) {
	if conn == nil {
		log.Printf("Attempted to register nil connection")
		return
	}

	if err := h.registry.RegisterConnection(conn); err != nil {
		log.Printf("Connection registration failed: conn=%s error=%v", conn.GetID(), err)
		if closeErr := conn.Close(); closeErr != nil {
			log.Printf("Failed to close connection after registration failure: %v", closeErr)
		}
		return
	}
	h.metrics.ConnectionOpened()
	log.Printf("Connection registered: conn=%s", conn.GetID())
}

func (h *Hub) handleDeregistration(conn *websocket.Connection) {
	h.applyRegistrations()
	if _, exists := h.registry.GetConnection(conn.GetID()); !exists {
		return
	}
	room := conn.GetSessionID()
	h.registry.UnregisterConnection(conn)
	h.router.Forget(conn)
	h.metrics.ConnectionClosed()
	log.Printf("Connection deregistered: conn=%s room=%s", conn.GetID(), room)
}

func (h *Hub) sendErrorToSender(conn *websocket.Connection, routingErr error) {
	if err := conn.WriteJSON(types.NewErrorEvent(router.ClientMessage(routingErr))); err != nil {
		log.Printf("Failed to send error to %s: %v", conn.GetID(), err)
	}
}
