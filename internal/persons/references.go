package persons

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Reference is one column that holds a person id.
type Reference struct {
	Table  string
	Column string
}

// References lists every column in the store that points at persons(id).
// Table and column names come from this fixed list only and are never
// derived from input.
var References = []Reference{
	{Table: "career", Column: "person_id"},
	{Table: "contacts", Column: "person_id"},
	{Table: "education", Column: "person_id"},
	{Table: "financial_information", Column: "person_id"},
	{Table: "media", Column: "person_id"},
	{Table: "person_groups", Column: "person_id"},
	{Table: "person_positions", Column: "person_id"},
	{Table: "property", Column: "person_id"},
	{Table: "relationships", Column: "person1_id"},
	{Table: "relationships", Column: "person2_id"},
}

// Orphan counts rows whose person reference has no live person.
type Orphan struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Rows   int    `json:"rows"`
}

// FindOrphans checks every reference column and returns the non-zero counts.
func FindOrphans(ctx context.Context, db *sql.DB) ([]Orphan, error) {
	var out []Orphan
	for _, ref := range References {
		query, args, err := psql.Select("COUNT(*)").
			From(ref.Table).
			Where(sq.Expr(ref.Column + " NOT IN (SELECT id FROM persons)")).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build orphan query for %s.%s: %w", ref.Table, ref.Column, err)
		}
		var n int
		if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return nil, fmt.Errorf("count orphans in %s.%s: %w", ref.Table, ref.Column, err)
		}
		if n > 0 {
			out = append(out, Orphan{Table: ref.Table, Column: ref.Column, Rows: n})
		}
	}
	return out, nil
}
