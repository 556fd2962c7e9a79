package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that an opened journal database has the expected
// tables, columns, indexes and constraints.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and returns the first failure.
func (v *SchemaValidator) Validate() error {
	checks := []func() error{
		v.ValidateTablesExist,
		v.ValidateTableStructure,
		v.ValidateIndexes,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"sessions":          "Session lifecycle records",
		"journal":           "Session activity entries",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
func (v *SchemaValidator) ValidateTableStructure() error {
	sessionColumns := map[string]string{
		"id":             "TEXT",
		"sandbox_handle": "TEXT",
		"started_at":     "DATETIME",
		"ended_at":       "DATETIME",
		"status":         "TEXT",
	}
	if err := v.validateColumns("sessions", sessionColumns); err != nil {
		return fmt.Errorf("sessions table structure invalid: %w", err)
	}

	journalColumns := map[string]string{
		"id":         "TEXT",
		"session_id": "TEXT",
		"kind":       "TEXT",
		"detail":     "TEXT",
		"timestamp":  "DATETIME",
	}
	if err := v.validateColumns("journal", journalColumns); err != nil {
		return fmt.Errorf("journal table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_sessions_status":      "Active session lookups",
		"idx_journal_session_time": "Per-session journal retrieval",
		"idx_journal_kind":         "Journal kind filtering",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints inserts rows that must be rejected and fails if any is
// accepted. Accepted rows are removed again.
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO journal (id, session_id, kind, detail)
		VALUES ('constraint-check', 'nonexistent', 'file_uploaded', '{}')
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM journal WHERE id = 'constraint-check'")
		return fmt.Errorf("foreign key constraint not enforced: journal.session_id")
	}

	if _, err := v.db.Exec(`
		INSERT INTO sessions (id, sandbox_handle) VALUES ('constraint-check', 'none')
	`); err != nil {
		return fmt.Errorf("failed to create check session: %w", err)
	}
	defer func() {
		_, _ = v.db.Exec("DELETE FROM sessions WHERE id = 'constraint-check'")
	}()

	_, err = v.db.Exec(`
		INSERT INTO journal (id, session_id, kind, detail)
		VALUES ('constraint-check', 'constraint-check', 'bogus_kind', '{}')
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM journal WHERE id = 'constraint-check'")
		return fmt.Errorf("check constraint not enforced: journal kind validation")
	}

	_, err = v.db.Exec(`UPDATE sessions SET status = 'paused' WHERE id = 'constraint-check'`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: session status validation")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	found := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, wantType := range expectedColumns {
		gotType, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", col, gotType, wantType)
		}
	}

	return nil
}
