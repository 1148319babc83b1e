// Package storage keeps the host's audit history in SQLite: one row per
// finished engine run and one row per router instance event.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	// Pure-Go driver, registered for side effects; no CGO needed.
	_ "modernc.org/sqlite"

	"github.com/enginegate/host/internal/logging"
)

// DefaultMaxRows bounds each history table. Older rows are pruned on insert.
const DefaultMaxRows = 1000

// SQLiteStore records engine runs and instance events.
// It creates the database and tables on first use and supports
// concurrent access through internal locking.
type SQLiteStore struct {
	db      *sql.DB      // Database connection handle.
	mu      sync.RWMutex // Guards all database operations for thread safety.
	logger  *slog.Logger
	maxRows int
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// It initializes the schema if the tables don't exist.
// Use ":memory:" for an in-memory database (useful for testing).
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	logger = logging.OrDiscard(logger).With("component", "storage")
	logger.Debug("opening database", "path", path)

	// busy_timeout covers the CLI reading history while a host is writing it.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes
	// writers the way SQLite wants anyway.
	db.SetMaxOpenConns(1)

	// Verify the connection is working.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger, maxRows: DefaultMaxRows}

	// Create tables if they don't exist.
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Debug("database ready", "schema_version", currentSchemaVersion)
	return store, nil
}

// SetMaxRows changes the per-table row bound. Zero or less disables pruning.
func (s *SQLiteStore) SetMaxRows(n int) {
	s.mu.Lock()
	s.maxRows = n
	s.mu.Unlock()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Debug("closing database")
	return s.db.Close()
}
