package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	dbconfig "printqueue/pkg/database"
	"printqueue/pkg/interfaces"
	"printqueue/pkg/types"
)

var (
	ErrManagerClosed = errors.New("journal manager is closed")
	ErrWriteTimeout  = errors.New("journal write operation timeout")
)

// Manager implements interfaces.Journal on SQLite. Writes funnel through a
// single goroutine; reads go straight to the pool.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	retryDelay   time.Duration
	writeTimeout time.Duration
}

var _ interfaces.Journal = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the journal database, applies the embedded migrations and
// starts the writer goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journal config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	if config.IsInMemory() {
		// The shared in-memory database lives only as long as a connection does
		db.SetMaxIdleConns(config.MaxConnections)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if err := applySQLitePragmas(db, config.IsInMemory()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db, dbconfig.Migrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema invalid: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   time.Second,
		writeTimeout: 30 * time.Second,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine. Operations
// still queued at shutdown are executed before the loop exits.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			m.runWrite(op)
		case <-m.shutdown:
			for {
				select {
				case op := <-m.writeChannel:
					m.runWrite(op)
				default:
					log.Println("Journal write loop shutting down")
					return
				}
			}
		}
	}
}

func (m *Manager) runWrite(op writeOperation) {
	err := op.operation(m.db)
	if err != nil {
		log.Printf("Journal write failed, retrying in %s: %v", m.retryDelay, err)
		time.Sleep(m.retryDelay)
		err = op.operation(m.db)
		if err != nil {
			log.Printf("Journal write failed after retry: %v", err)
		}
	}
	op.result <- err
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(m.writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	}

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// RecordSessionStarted inserts the session row together with its
// session_started entry.
func (m *Manager) RecordSessionStarted(ctx context.Context, session types.Session) error {
	detail, err := json.Marshal(map[string]interface{}{"sandboxHandle": session.SandboxHandle})
	if err != nil {
		return fmt.Errorf("failed to marshal detail: %w", err)
	}
	startedAt := session.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	return m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, sandbox_handle, started_at, status)
			VALUES (?, ?, ?, 'active')
			ON CONFLICT(id) DO NOTHING
		`, session.ID, session.SandboxHandle, startedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO journal (id, session_id, kind, detail, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, uuid.NewString(), session.ID, types.JournalSessionStarted, string(detail), startedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert journal entry: %w", err)
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session start: %w", err)
		}
		return nil
	})
}

// RecordSessionEnded marks the session row ended and appends a session_ended
// entry. Unknown sessions return interfaces.ErrSessionNotFound.
func (m *Manager) RecordSessionEnded(ctx context.Context, sessionID string, endedAt time.Time) error {
	return m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET ended_at = ?, status = 'ended' WHERE id = ?
		`, endedAt.UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrSessionNotFound
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO journal (id, session_id, kind, detail, timestamp)
			VALUES (?, ?, ?, '{}', ?)
		`, uuid.NewString(), sessionID, types.JournalSessionEnded, endedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert journal entry: %w", err)
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session end: %w", err)
		}
		return nil
	})
}

// RecordEvent appends an activity entry. ID and Timestamp are filled in when
// empty.
func (m *Manager) RecordEvent(ctx context.Context, entry *types.JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	detail := entry.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal detail: %w", err)
	}

	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO journal (id, session_id, kind, detail, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, entry.ID, entry.SessionID, entry.Kind, string(detailJSON), entry.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert journal entry: %w", err)
		}
		return nil
	})
}

// GetSessionJournal returns a session's entries in chronological order.
func (m *Manager) GetSessionJournal(ctx context.Context, sessionID string) ([]*types.JournalEntry, error) {
	var exists int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", sessionID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if exists == 0 {
		return nil, interfaces.ErrSessionNotFound
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, kind, detail, timestamp
		FROM journal
		WHERE session_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*types.JournalEntry, 0)
	for rows.Next() {
		var entry types.JournalEntry
		var detailJSON string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Kind, &detailJSON, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		if err := json.Unmarshal([]byte(detailJSON), &entry.Detail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal detail: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal rows: %w", err)
	}

	return entries, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains queued writes and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func applySQLitePragmas(db *sql.DB, inMemory bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	if !inMemory {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
