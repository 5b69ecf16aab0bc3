package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Napageneral/rolodex/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the embedded record store schema
func Schema() string {
	return schemaSQL
}

// Init opens (creating if needed) the database at path and applies the schema
func Init(path, driver string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := Open(path, driver)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Open opens a connection to the database. driver is config.DriverModernc
// ("sqlite", pure Go) or config.DriverCGO ("sqlite3", mattn).
func Open(path, driver string) (*sql.DB, error) {
	if driver == "" {
		driver = config.DriverModernc
	}
	switch driver {
	case config.DriverModernc, config.DriverCGO:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer: one connection keeps the per-connection pragmas below in
	// force for every statement and serializes access.
	db.SetMaxOpenConns(1)

	pragmas := []struct {
		stmt string
		name string
	}{
		{"PRAGMA journal_mode = WAL", "WAL"},
		{"PRAGMA synchronous = NORMAL", "synchronous"},
		{"PRAGMA busy_timeout = 5000", "busy_timeout"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", p.name, err)
		}
	}

	return db, nil
}

// OpenExisting opens the database at path, failing if the file is absent
// rather than silently creating an empty store.
func OpenExisting(path, driver string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database %s: %w (run 'rolodex init' first)", path, err)
	}
	return Open(path, driver)
}
