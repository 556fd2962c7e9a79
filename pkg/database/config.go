package database

import (
	"errors"
	"strings"
	"time"
)

// DefaultInMemoryPath keeps the journal in a shared-cache in-memory database so
// nothing outlives the process unless a file path is configured.
const DefaultInMemoryPath = "file:printqueue-journal?mode=memory&cache=shared"

// Config holds database configuration
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
}

// DefaultConfig returns the journal configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    DefaultInMemoryPath,
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	return nil
}

// IsInMemory reports whether the path names an in-memory database. An
// in-memory database disappears with its last connection, so pool recycling
// must be disabled for it.
func (c *Config) IsInMemory() bool {
	return c.DatabasePath == ":memory:" || strings.Contains(c.DatabasePath, "mode=memory")
}

// DSN returns the go-sqlite3 connection string with driver options appended.
func (c *Config) DSN() string {
	sep := "?"
	if strings.Contains(c.DatabasePath, "?") {
		sep = "&"
	}
	opts := "_busy_timeout=5000&_foreign_keys=on"
	if !c.IsInMemory() {
		opts += "&_journal_mode=WAL"
	}
	return c.DatabasePath + sep + opts
}
