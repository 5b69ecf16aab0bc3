package persons

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"

	sq "github.com/Masterminds/squirrel"
)

// Match is a lookup hit with its contacts and media count
type Match struct {
	Person     Person    `json:"person"`
	Contacts   []Contact `json:"contacts,omitempty"`
	MediaCount int       `json:"media_count"`
}

// Lookup searches persons by name substring, exact id, or folder hash substring.
func Lookup(ctx context.Context, db *sql.DB, term string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + term + "%"
	where := sq.Or{
		sq.Like{"name": pattern},
		sq.Like{"folder_hash": pattern},
	}
	if id, err := strconv.ParseInt(term, 10, 64); err == nil {
		where = append(where, sq.Eq{"id": id})
	}

	query, args, err := psql.Select(personColumns...).
		From("persons").
		Where(where).
		OrderBy("id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build lookup query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", term, err)
	}
	var found []Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan person %d: %w", p.ID, err)
		}
		found = append(found, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	matches := make([]Match, 0, len(found))
	for _, p := range found {
		contacts, err := ContactsFor(ctx, db, p.ID)
		if err != nil {
			return nil, err
		}
		var media int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media WHERE person_id = ?`, p.ID).Scan(&media); err != nil {
			return nil, fmt.Errorf("count media for %d: %w", p.ID, err)
		}
		matches = append(matches, Match{Person: p, Contacts: contacts, MediaCount: media})
	}
	return matches, nil
}

// Stats summarizes the store
type Stats struct {
	Persons       int `json:"persons"`
	Contacts      int `json:"contacts"`
	Relationships int `json:"relationships"`
	Media         int `json:"media"`
	MergesApplied int `json:"merges_applied"`
	MissingHashes int `json:"missing_folder_hashes"`
}

// GetStats counts the main tables
func GetStats(ctx context.Context, db *sql.DB) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM persons`, &stats.Persons},
		{`SELECT COUNT(*) FROM contacts`, &stats.Contacts},
		{`SELECT COUNT(*) FROM relationships`, &stats.Relationships},
		{`SELECT COUNT(*) FROM media`, &stats.Media},
		{`SELECT COUNT(*) FROM merge_log`, &stats.MergesApplied},
		{`SELECT COUNT(*) FROM persons WHERE folder_hash IS NULL OR folder_hash = ''`, &stats.MissingHashes},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats %q: %w", c.query, err)
		}
	}
	return stats, nil
}

// FolderHash derives the on-disk artifact folder id for a person: the first
// 16 hex chars of md5("<name>_<id>").
func FolderHash(name string, id int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s_%d", name, id)))
	return hex.EncodeToString(sum[:])[:16]
}

// BackfillFolderHashes assigns a folder hash to every person missing one and
// returns the number updated.
func BackfillFolderHashes(ctx context.Context, db *sql.DB) (int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, COALESCE(name, '')
		FROM persons
		WHERE folder_hash IS NULL OR folder_hash = ''
	`)
	if err != nil {
		return 0, fmt.Errorf("query missing folder hashes: %w", err)
	}

	// Collect first: the store runs on a single connection.
	type pending struct {
		id   int64
		name string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.name); err != nil {
			rows.Close()
			return 0, err
		}
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, p := range todo {
		query, args, err := psql.Update("persons").
			Set("folder_hash", FolderHash(p.name, p.id)).
			Where(sq.Eq{"id": p.id}).
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("build folder hash update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("set folder hash for %d: %w", p.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(todo), nil
}
