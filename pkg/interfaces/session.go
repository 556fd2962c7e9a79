package interfaces

import (
	"context"

	"printqueue/pkg/types"
)

// SessionStore is the only access path to live session state. Implementations
// must be safe for concurrent use; returned sessions and entries are copies.
type SessionStore interface {
	// CreateSession provisions a sandbox and storage directory for a new
	// session and inserts it. Nothing is inserted on failure.
	CreateSession(ctx context.Context) (types.Session, error)

	// GetSession looks up a live session without mutating anything.
	GetSession(sessionID string) (types.Session, bool)

	// ListSessions returns every live session ordered by start time.
	ListSessions() []types.Session

	// EndSession tears a session down. Unknown ids are a no-op and report false.
	EndSession(ctx context.Context, sessionID string) bool

	// RecordUpload allocates the next ticket and appends a queue entry.
	RecordUpload(sessionID, name string, size int64) (types.FileEntry, error)

	// MarkPrinted flags every entry named name and reports how many matched.
	MarkPrinted(sessionID, name string) (int, error)

	// Files returns the session's queue in ticket order.
	Files(sessionID string) ([]types.FileEntry, error)

	// BeginUpload pins the session against teardown while bytes are written
	// to its storage directory. done must be called exactly once.
	BeginUpload(sessionID string) (dir string, done func(), err error)
}
