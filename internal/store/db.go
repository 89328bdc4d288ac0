// Package store owns the SQLite connection and schema shared by all
// repositories. Units, runs and run steps are durable rows; events,
// fetch fingerprints and cached entities are TTL rows swept by
// PurgeExpired.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirPermissions    = 0750
	connectionTimeout = 5 * time.Second
)

// Config maps to the database section of the YAML config.
type Config struct {
	// Path is the SQLite database file; ":memory:" for tests.
	Path string
	// BusyTimeoutMs bounds waiting on a locked database.
	BusyTimeoutMs int
}

// DB wraps sql.DB with migration and TTL-sweep support.
type DB struct {
	*sql.DB
	path string
}

// Open connects to the database, applying WAL mode and a busy timeout.
// SQLite supports a single writer, so the pool is capped at one open
// connection.
func Open(cfg Config) (*DB, error) {
	if cfg.BusyTimeoutMs == 0 {
		cfg.BusyTimeoutMs = 5000
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeoutMs)
	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	db := &DB{DB: sqlDB, path: cfg.Path}

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	return db, nil
}

// Migrate applies the schema. All statements are idempotent
// (CREATE ... IF NOT EXISTS), so Migrate is safe on every startup.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired rows from the TTL tables and returns how
// many rows were removed in total. Called by the janitor ticker.
func (db *DB) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	cutoff := now.UTC().Format(time.RFC3339)
	for _, table := range []string{"events", "fetch_fingerprints", "cached_entities"} {
		res, err := db.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE expires_at <= ?", cutoff)
		if err != nil {
			return total, fmt.Errorf("purging %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("purging %s: rows affected: %w", table, err)
		}
		total += n
	}
	return total, nil
}
