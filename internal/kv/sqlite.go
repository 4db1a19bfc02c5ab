// Package kv provides the durable key-value persistence used by the sync core.
package kv

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a single SQLite table.
// The database is opened with:
// - WAL mode for concurrent reads alongside the single writer
// - synchronous=FULL so every commit is durable before returning
// - a single connection (SQLite doesn't support multiple writers)
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store database under dataDir.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sitesync.db")

	// Open database with modernc.org/sqlite (pure Go, no CGO)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Crash safety: every committed write must survive power loss
	if _, err := db.Exec("PRAGMA synchronous=FULL;"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_entries (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL
		);`); err != nil {
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the value for a key.
func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRow("SELECT v FROM kv_entries WHERE k = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return v, true, nil
}

// Set durably writes a value. The single INSERT OR REPLACE commits before
// returning, so a restart recovers this write.
func (s *SQLiteStore) Set(key string, value []byte) error {
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO kv_entries (k, v) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

// Delete durably removes a key.
func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv_entries WHERE k = ?", key); err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (s *SQLiteStore) Keys(prefix string) ([]string, error) {
	query := "SELECT k FROM kv_entries WHERE k >= ? AND k < ? ORDER BY k"
	if prefix == "" {
		query = "SELECT k FROM kv_entries ORDER BY k"
	}
	var rows *sql.Rows
	var err error
	if prefix == "" {
		rows, err = s.db.Query(query)
	} else {
		rows, err = s.db.Query(query, prefix, prefix+"\xff")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
