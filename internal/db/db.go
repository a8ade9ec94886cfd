// Package db provides database connection management for the local
// sync queue store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
)

// FileName is the database file created inside the data directory.
const FileName = "recipesync.db"

// DB wraps the sql.DB with recipesync-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database under dataDir. Failures carry
// DATABASE_ERROR.
// The database is opened with:
// - WAL mode so committed rows survive a crash
// - a single connection, since SQLite allows one writer
// - a busy timeout for readers racing the writer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to apply %s", p), err)
		}
	}

	return &DB{db}, nil
}

// OpenAndMigrate opens the database and applies all embedded migrations.
func OpenAndMigrate(dataDir string) (*DB, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies pending embedded migrations. Failures carry
// MIGRATION_FAILED.
func (db *DB) Migrate() error {
	m := NewMigrator(db.DB, Migrations)
	if err := m.Initialize(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to initialize migrations", err)
	}
	if err := m.Up(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to apply migrations", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
