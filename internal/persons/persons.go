package persons

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Person is the identity root for one real individual
type Person struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Title       string    `json:"title,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	NickName    string    `json:"nick_name,omitempty"`
	OtherNames  string    `json:"other_names,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	Birthdate   string    `json:"birthdate,omitempty"`
	Brief       string    `json:"brief,omitempty"`
	Origins     string    `json:"origins,omitempty"`
	Ethnicity   string    `json:"ethnicity,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	FolderHash  string    `json:"folder_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Contact is one (type, value) pair owned by a person. Type is open-ended:
// phone, email, address, wechat, qq, ...
type Contact struct {
	PersonID int64  `json:"person_id"`
	Type     string `json:"type"`
	Value    string `json:"value"`
}

// String renders the contact the way it is shown to adjudicators.
func (c Contact) String() string {
	return c.Type + ":" + c.Value
}

// SkippedRow records a store row that could not be used for clustering.
type SkippedRow struct {
	Table  string `json:"table"`
	RowID  int64  `json:"row_id"`
	Reason string `json:"reason"`
}

func (s SkippedRow) Error() string {
	return fmt.Sprintf("skipped %s row %d: %s", s.Table, s.RowID, s.Reason)
}

// Snapshot is the full attribute view the clusterer works from
type Snapshot struct {
	Persons  []Person
	Contacts []Contact
	Skipped  []SkippedRow
}

// ContactsByPerson groups snapshot contacts by owner.
func (s *Snapshot) ContactsByPerson() map[int64][]Contact {
	out := make(map[int64][]Contact)
	for _, c := range s.Contacts {
		out[c.PersonID] = append(out[c.PersonID], c)
	}
	return out
}

var personColumns = []string{
	"id",
	"COALESCE(name, '')",
	"COALESCE(title, '')",
	"COALESCE(display_name, '')",
	"COALESCE(nick_name, '')",
	"COALESCE(other_names, '')",
	"COALESCE(gender, '')",
	"COALESCE(birthdate, '')",
	"COALESCE(brief, '')",
	"COALESCE(origins, '')",
	"COALESCE(ethnicity, '')",
	"COALESCE(notes, '')",
	"COALESCE(folder_hash, '')",
	"created_at",
}

// createdAtLayouts are the text forms older ingestion runs wrote created_at in.
var createdAtLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02",
}

// parseCreatedAt accepts unix seconds or a SQLite timestamp. Anything else
// yields the zero time.
func parseCreatedAt(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case float64:
		return time.Unix(int64(t), 0)
	case time.Time:
		return t
	case []byte:
		return parseCreatedAt(string(t))
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(n, 0)
		}
		for _, layout := range createdAtLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (Person, error) {
	var p Person
	var created any
	err := row.Scan(&p.ID, &p.Name, &p.Title, &p.DisplayName, &p.NickName, &p.OtherNames,
		&p.Gender, &p.Birthdate, &p.Brief, &p.Origins, &p.Ethnicity, &p.Notes, &p.FolderHash, &created)
	if err != nil {
		// p.ID is filled in before any later column fails
		return Person{ID: p.ID}, err
	}
	p.CreatedAt = parseCreatedAt(created)
	return p, nil
}

// LoadSnapshot reads every person and contact. Person rows that fail to scan,
// and contact rows with NULL type/value or an owner that is not a live person,
// are skipped and reported.
func LoadSnapshot(ctx context.Context, db *sql.DB) (*Snapshot, error) {
	snap := &Snapshot{}

	query, args, err := psql.Select(personColumns...).From("persons").OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build persons query: %w", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	live := make(map[int64]struct{})
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			snap.Skipped = append(snap.Skipped, SkippedRow{Table: "persons", RowID: p.ID, Reason: err.Error()})
			continue
		}
		live[p.ID] = struct{}{}
		snap.Persons = append(snap.Persons, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	rows.Close()

	query, args, err = psql.Select("id", "person_id", "type", "value").From("contacts").OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build contacts query: %w", err)
	}
	rows, err = db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rowID int64
		var personID sql.NullInt64
		var typ, value sql.NullString
		if err := rows.Scan(&rowID, &personID, &typ, &value); err != nil {
			snap.Skipped = append(snap.Skipped, SkippedRow{Table: "contacts", RowID: rowID, Reason: err.Error()})
			continue
		}
		switch {
		case !personID.Valid:
			snap.Skipped = append(snap.Skipped, SkippedRow{Table: "contacts", RowID: rowID, Reason: "null person_id"})
			continue
		case !typ.Valid || !value.Valid:
			snap.Skipped = append(snap.Skipped, SkippedRow{Table: "contacts", RowID: rowID, Reason: "null type or value"})
			continue
		}
		if _, ok := live[personID.Int64]; !ok {
			snap.Skipped = append(snap.Skipped, SkippedRow{Table: "contacts", RowID: rowID, Reason: fmt.Sprintf("unknown person %d", personID.Int64)})
			continue
		}
		snap.Contacts = append(snap.Contacts, Contact{PersonID: personID.Int64, Type: typ.String, Value: value.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}

	return snap, nil
}

// Get returns one person by id. sql.ErrNoRows is returned unwrapped when absent.
func Get(ctx context.Context, db *sql.DB, id int64) (Person, error) {
	query, args, err := psql.Select(personColumns...).From("persons").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Person{}, fmt.Errorf("build person query: %w", err)
	}
	p, err := scanPerson(db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return Person{}, sql.ErrNoRows
	}
	if err != nil {
		return Person{}, fmt.Errorf("get person %d: %w", id, err)
	}
	return p, nil
}

// ContactsFor lists a person's contacts ordered by type then value.
func ContactsFor(ctx context.Context, db *sql.DB, personID int64) ([]Contact, error) {
	query, args, err := psql.Select("person_id", "COALESCE(type, '')", "COALESCE(value, '')").
		From("contacts").
		Where(sq.Eq{"person_id": personID}).
		OrderBy("type", "value").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build contacts query: %w", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contacts for %d: %w", personID, err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.PersonID, &c.Type, &c.Value); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
