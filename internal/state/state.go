// Package state stores small per-scope run metadata in the run_state table
// created by the store schema.
package state

import (
	"database/sql"
	"fmt"
	"time"
)

// Scopes used by the CLI.
const (
	ScopePlan  = "plan"
	ScopeApply = "apply"
)

func Get(db *sql.DB, scope string, key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM run_state WHERE scope = ? AND key = ?`, scope, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get run state: %w", err)
	}
	return v, true, nil
}

func Set(db *sql.DB, scope string, key string, value string) error {
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO run_state (scope, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, scope, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set run state: %w", err)
	}
	return nil
}

// All returns every key for a scope.
func All(db *sql.DB, scope string) (map[string]string, error) {
	rows, err := db.Query(`SELECT key, value FROM run_state WHERE scope = ? ORDER BY key`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list run state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
