// Package storage provides a SQLite-backed connection factory. Each handle
// is its own single-connection database session so the pool, not
// database/sql, owns concurrency.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/recipedb/connpool/pkg/pool"
)

// SQLiteFactory creates pooled SQLite sessions against one database file.
type SQLiteFactory struct {
	dbPath string
}

// NewSQLiteFactory creates a factory for the database at dbPath, creating
// the parent directory if needed.
func NewSQLiteFactory(dbPath string) (*SQLiteFactory, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path must not be empty")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return &SQLiteFactory{dbPath: dbPath}, nil
}

// Create opens one SQLite session with WAL and sane pragmas.
func (f *SQLiteFactory) Create(ctx context.Context) (pool.Handle, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000&_temp_store=MEMORY", f.dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One pooled handle maps to exactly one SQLite connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Debug().Str("path", f.dbPath).Msg("Opened SQLite session")
	return db, nil
}

// Validate runs a trivial query to confirm the session is still usable.
func (f *SQLiteFactory) Validate(ctx context.Context, h pool.Handle) error {
	db, ok := h.(*sql.DB)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", h)
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}
	return nil
}

// Close tears the session down.
func (f *SQLiteFactory) Close(h pool.Handle) error {
	db, ok := h.(*sql.DB)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", h)
	}
	return db.Close()
}
