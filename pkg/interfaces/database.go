package interfaces

import (
	"context"
	"time"

	"printqueue/pkg/types"
)

// Journal records session activity for inspection through the API. It is an
// audit trail only; nothing is ever restored from it.
type Journal interface {
	// RecordSessionStarted inserts the session row.
	RecordSessionStarted(ctx context.Context, session types.Session) error

	// RecordSessionEnded closes the session row.
	RecordSessionEnded(ctx context.Context, sessionID string, endedAt time.Time) error

	// RecordEvent appends an activity entry. ID and Timestamp are filled in
	// when empty.
	RecordEvent(ctx context.Context, entry *types.JournalEntry) error

	// GetSessionJournal returns a session's entries in chronological order.
	GetSessionJournal(ctx context.Context, sessionID string) ([]*types.JournalEntry, error)

	// HealthCheck verifies the backing database is reachable.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and releases the database.
	Close() error
}
