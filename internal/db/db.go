// Package db archives every search session and trial in sqlite. Unlike the
// JSON history it is not capped, so it backs the reports and the sessions
// listing.
package db

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"

	"github.com/ciadpi-tray/autosearch/internal/monitoring"
)

var log = monitoring.New("db")

// DB wraps the archive connection pool.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the archive at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	version, _, _ := db.MigrateVersion()
	log.Infof("opened archive %s (schema v%d)", path, version)
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Pragmas are applied per connection through the DSN so every pooled
// connection gets them.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	return path + "?" + q.Encode()
}
