package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/Napageneral/rolodex/internal/config"
	"github.com/Napageneral/rolodex/internal/db"
)

// OpenTestDB returns a fresh record store in a temp dir with the schema applied.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	if err := db.Init(path, config.DriverModernc); err != nil {
		t.Fatalf("init test db: %v", err)
	}
	database, err := db.Open(path, config.DriverModernc)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// InsertPerson inserts a person with the given name and returns its id.
func InsertPerson(t *testing.T, database *sql.DB, name string) int64 {
	t.Helper()
	var nameArg any
	if name != "" {
		nameArg = name
	}
	res, err := database.Exec(`INSERT INTO persons (name) VALUES (?)`, nameArg)
	if err != nil {
		t.Fatalf("insert person %q: %v", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}

// InsertContact attaches a contact to a person.
func InsertContact(t *testing.T, database *sql.DB, personID int64, typ, value string) {
	t.Helper()
	if _, err := database.Exec(`INSERT INTO contacts (person_id, type, value) VALUES (?, ?, ?)`, personID, typ, value); err != nil {
		t.Fatalf("insert contact %s:%s for %d: %v", typ, value, personID, err)
	}
}

// Exec runs a statement and fails the test on error.
func Exec(t *testing.T, database *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := database.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// Count returns the result of a COUNT(*) style query.
func Count(t *testing.T, database *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := database.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}
