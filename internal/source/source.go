// Package source provides read-only, rowid-ordered access to a single
// SQLite database of SCADA export tables.
//
// Databases are prepared offline and never written by this process. Each
// streaming session opens its own connection and closes it when the session
// ends; nothing is shared or cached across sessions.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"
)

// timestampColumn matches column names likely to hold a timestamp. The
// export schema is ad hoc, so the column is found by name heuristics and
// the caller caches the result per table-open.
var timestampColumn = regexp.MustCompile(`(?i)timestamp|datetime|date|time|created_at|ts`)

// SchemaError reports a table that does not exist or exposes no columns.
type SchemaError struct {
	Table string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("table %q not found or has no columns", e.Table)
}

// Record is one table row: the rowid cursor position, the owning table,
// and every column value rendered as text (nil for SQL NULL).
type Record struct {
	Rowid   int64
	Table   string
	Columns []string
	Values  map[string]*string
}

// Value returns the named column's value, or ok=false when the column is
// absent or NULL.
func (r *Record) Value(col string) (string, bool) {
	v, ok := r.Values[col]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// DB is a read-only handle on one SQLite database file.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens the database at path in read-only mode. The file must already
// exist; this process never creates or migrates replay databases.
func Open(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// FirstUserTable returns the alphabetically first non-internal table name,
// or "" if the database has no user tables.
func (d *DB) FirstUserTable(ctx context.Context) (string, error) {
	const q = `SELECT name FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name LIMIT 1`

	var name string
	err := d.db.QueryRowContext(ctx, q).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("detect first table: %w", err)
	}
	return name, nil
}

// Columns returns the table's column names in schema order. Returns a
// *SchemaError when the table does not exist (PRAGMA table_info yields no
// rows for unknown tables rather than failing).
func (d *DB) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   sql.NullString
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	if len(cols) == 0 {
		return nil, &SchemaError{Table: table}
	}
	return cols, nil
}

// NextRow returns the first row with rowid strictly greater than after, or
// nil when the table is exhausted. The scan is a single indexed lookup on
// the rowid; this is called once per tick per stream.
func (d *DB) NextRow(ctx context.Context, table string, cols []string, after int64) (*Record, error) {
	q := fmt.Sprintf("SELECT rowid, * FROM %s WHERE rowid > ? ORDER BY rowid ASC LIMIT 1", quoteIdent(table))

	dest := make([]any, len(cols)+1)
	var rowid int64
	dest[0] = &rowid
	vals := make([]sql.NullString, len(cols))
	for i := range vals {
		dest[i+1] = &vals[i]
	}

	err := d.db.QueryRowContext(ctx, q, after).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next row: %w", err)
	}

	rec := &Record{
		Rowid:   rowid,
		Table:   table,
		Columns: cols,
		Values:  make(map[string]*string, len(cols)),
	}
	for i, col := range cols {
		if vals[i].Valid {
			s := vals[i].String
			rec.Values[col] = &s
		} else {
			rec.Values[col] = nil
		}
	}
	return rec, nil
}

// TimestampCandidates filters cols down to those whose names look like
// timestamps, preserving schema order.
func TimestampCandidates(cols []string) []string {
	var out []string
	for _, c := range cols {
		if timestampColumn.MatchString(c) {
			out = append(out, c)
		}
	}
	return out
}

// ResolveRowidForInstant finds the first row whose timestamp is at or after
// the given instant (epoch milliseconds), trying each candidate column in
// turn. A column may store epoch seconds, epoch milliseconds, or date-time
// text that SQLite's strftime can read; the query covers all three. The
// result is the matching rowid minus one, so a subsequent NextRow scan with
// it as the cursor includes the matched row. Failures on one candidate fall
// through to the next.
func (d *DB) ResolveRowidForInstant(ctx context.Context, table string, candidates []string, sinceMS int64) (int64, bool) {
	for _, col := range candidates {
		q := fmt.Sprintf(`SELECT rowid FROM %s WHERE
			((CAST(%s AS INTEGER) >= ?) OR
			 ((CAST(%s AS INTEGER) * 1000) >= ?) OR
			 ((strftime('%%s', %s) IS NOT NULL) AND (strftime('%%s', %s) * 1000 >= ?)))
			ORDER BY rowid ASC LIMIT 1`,
			quoteIdent(table), quoteIdent(col), quoteIdent(col), quoteIdent(col), quoteIdent(col))

		var rowid int64
		err := d.db.QueryRowContext(ctx, q, sinceMS, sinceMS, sinceMS).Scan(&rowid)
		if err != nil {
			continue
		}
		return rowid - 1, true
	}
	return 0, false
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
