package websocket

import (
	"log"
	"sync"

	"printqueue/pkg/interfaces"
	"printqueue/pkg/types"
)

// Registry tracks live connections and the session room each one is joined
// to. A connection is in at most one room.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // connection id -> Connection
	rooms       map[string]map[string]*Connection // session id -> connection id -> Connection
}

var _ interfaces.Broadcaster = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
	}
}

// RegisterConnection adds a connection that is not yet in any room.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.GetID()]; exists {
		return ErrDuplicateID
	}
	r.connections[conn.GetID()] = conn
	return nil
}

// UnregisterConnection removes the connection and drops it from its room.
// Idempotent.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, exists := r.connections[conn.GetID()]; !exists || registered != conn {
		return
	}
	delete(r.connections, conn.GetID())
	r.leaveLocked(conn)
}

// Join moves conn into the session room, leaving its previous room. It
// returns the previous room id, or "".
func (r *Registry) Join(conn *Connection, sessionID string) (string, error) {
	if conn == nil {
		return "", ErrNilConnection
	}
	if !types.IsValidSessionID(sessionID) {
		return "", ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.GetID()]; !exists {
		return "", ErrConnectionUnknown
	}

	previous := r.leaveLocked(conn)
	room, exists := r.rooms[sessionID]
	if !exists {
		room = make(map[string]*Connection)
		r.rooms[sessionID] = room
	}
	room[conn.GetID()] = conn
	conn.setRoom(sessionID)
	return previous, nil
}

// Leave removes conn from its room and returns the room it left, or "".
func (r *Registry) Leave(conn *Connection) string {
	if conn == nil {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(conn)
}

func (r *Registry) leaveLocked(conn *Connection) string {
	previous := conn.GetSessionID()
	if previous == "" {
		return ""
	}
	if room, exists := r.rooms[previous]; exists {
		delete(room, conn.GetID())
		if len(room) == 0 {
			delete(r.rooms, previous)
		}
	}
	conn.setRoom("")
	return previous
}

// CloseRoom empties a room without closing its connections and returns how
// many were removed.
func (r *Registry) CloseRoom(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[sessionID]
	if !exists {
		return 0
	}
	for _, conn := range room {
		conn.setRoom("")
	}
	delete(r.rooms, sessionID)
	return len(room)
}

func (r *Registry) GetConnection(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[id]
	return conn, exists
}

// GetSessionConnections returns a snapshot of the connections in a room.
func (r *Registry) GetSessionConnections(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[sessionID]
	connections := make([]*Connection, 0, len(room))
	for _, conn := range room {
		connections = append(connections, conn)
	}
	return connections
}

// Broadcast queues event for every connection in the room. Slow peers are
// skipped rather than waited on. It returns how many connections accepted it.
func (r *Registry) Broadcast(sessionID string, event *types.Event) int {
	delivered := 0
	for _, conn := range r.GetSessionConnections(sessionID) {
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("Broadcast delivery failed: conn=%s session=%s event=%s error=%v", conn.GetID(), sessionID, event.Name, err)
			continue
		}
		delivered++
	}
	return delivered
}

// GetStats returns registry statistics for monitoring and debugging.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"active_rooms":      len(r.rooms),
	}
}
