package interfaces

import "printqueue/pkg/types"

// Broadcaster fans an event out to every connection joined to a session room.
type Broadcaster interface {
	// Broadcast returns the number of connections the event was queued for.
	Broadcast(sessionID string, event *types.Event) int
}

// Connection is a client connection able to receive events.
type Connection interface {
	// WriteJSON queues v for delivery; it must be safe for concurrent use.
	WriteJSON(v interface{}) error
	Close() error
	GetID() string
	GetSessionID() string
}
