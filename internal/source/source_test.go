package source

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scada_replay/internal/timeparse"
)

// buildDB creates a throwaway database file with one table and the given
// rows, then opens it through the read-only source.
func buildDB(t *testing.T, table string, cols []string, rows [][]any) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { require.NoError(t, raw.Close()) }()

	ddl := "CREATE TABLE " + quoteIdent(table) + " ("
	for i, c := range cols {
		if i > 0 {
			ddl += ", "
		}
		ddl += quoteIdent(c) + " TEXT"
	}
	ddl += ")"
	_, err = raw.Exec(ddl)
	require.NoError(t, err)

	insert := "INSERT INTO " + quoteIdent(table) + " VALUES (?"
	for range cols[1:] {
		insert += ", ?"
	}
	insert += ")"
	for _, row := range rows {
		_, err = raw.Exec(insert, row...)
		require.NoError(t, err)
	}

	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
}

func TestColumns(t *testing.T) {
	db := buildDB(t, "turbine_1", []string{"# Date and time", "Power (kW)"}, nil)

	cols, err := db.Columns(context.Background(), "turbine_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"# Date and time", "Power (kW)"}, cols)
}

func TestColumnsMissingTable(t *testing.T) {
	db := buildDB(t, "turbine_1", []string{"ts"}, nil)

	_, err := db.Columns(context.Background(), "no_such_table")
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "no_such_table", schemaErr.Table)
}

func TestFirstUserTable(t *testing.T) {
	db := buildDB(t, "zeta", []string{"ts"}, nil)

	name, err := db.FirstUserTable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "zeta", name)
}

func TestNextRowOrderAndExhaustion(t *testing.T) {
	db := buildDB(t, "turbine_1", []string{"ts", "power"}, [][]any{
		{"2020-01-01 00:00:00", "100"},
		{"2020-01-01 00:10:00", nil},
		{"2020-01-01 00:20:00", "300"},
	})
	ctx := context.Background()
	cols, err := db.Columns(ctx, "turbine_1")
	require.NoError(t, err)

	var cursor int64
	var seen []int64
	for {
		rec, err := db.NextRow(ctx, "turbine_1", cols, cursor)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		// Replay order is strictly ascending rowid.
		assert.Greater(t, rec.Rowid, cursor)
		cursor = rec.Rowid
		seen = append(seen, rec.Rowid)
	}
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestNextRowNullHandling(t *testing.T) {
	db := buildDB(t, "turbine_1", []string{"ts", "power"}, [][]any{
		{"2020-01-01 00:00:00", nil},
	})
	ctx := context.Background()
	cols, err := db.Columns(ctx, "turbine_1")
	require.NoError(t, err)

	rec, err := db.NextRow(ctx, "turbine_1", cols, 0)
	require.NoError(t, err)
	require.NotNil(t, rec)

	v, ok := rec.Value("ts")
	assert.True(t, ok)
	assert.Equal(t, "2020-01-01 00:00:00", v)

	_, ok = rec.Value("power")
	assert.False(t, ok)
	assert.Nil(t, rec.Values["power"])
}

func TestTimestampCandidates(t *testing.T) {
	cols := []string{"# Date and time", "Power (kW)", "Timestamp end", "Status", "created_at"}
	got := TimestampCandidates(cols)
	assert.Equal(t, []string{"# Date and time", "Timestamp end", "created_at"}, got)
}

func TestResolveRowidForInstantText(t *testing.T) {
	db := buildDB(t, "turbine_1", []string{"# Date and time", "power"}, [][]any{
		{"2020-01-01 00:00:00", "1"},
		{"2020-01-01 00:10:00", "2"},
		{"2020-01-01 00:20:00", "3"},
	})
	ctx := context.Background()

	target, ok := timeparse.ParseInstant("2020-01-01 00:10:00")
	require.True(t, ok)

	after, ok := db.ResolveRowidForInstant(ctx, "turbine_1", []string{"# Date and time"}, target.UnixMilli())
	require.True(t, ok)
	// The matching row (rowid 2) must be included by an after-cursor scan.
	assert.Equal(t, int64(1), after)
}

func TestResolveRowidForInstantEpochSeconds(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	db := buildDB(t, "turbine_1", []string{"ts"}, [][]any{
		{base.Unix()},
		{base.Add(10 * time.Minute).Unix()},
	})
	ctx := context.Background()

	after, ok := db.ResolveRowidForInstant(ctx, "turbine_1", []string{"ts"}, base.Add(5*time.Minute).UnixMilli())
	require.True(t, ok)
	assert.Equal(t, int64(1), after)
}

func TestResolveRowidForInstantNoMatch(t *testing.T) {
	db := buildDB(t, "turbine_1", []string{"note"}, [][]any{
		{"hello"},
	})
	ctx := context.Background()

	_, ok := db.ResolveRowidForInstant(ctx, "turbine_1", []string{"note"}, time.Now().UnixMilli())
	assert.False(t, ok)
}

// Resuming from an instant must reproduce the same tail as replaying from
// the start and discarding rows before that instant.
func TestResumeIdempotence(t *testing.T) {
	rows := [][]any{
		{"2020-01-01 00:00:00", "1"},
		{"2020-01-01 00:10:00", "2"},
		{"2020-01-01 00:20:00", "3"},
		{"2020-01-01 00:30:00", "4"},
		{"2020-01-01 00:40:00", "5"},
	}
	db := buildDB(t, "turbine_1", []string{"# Date and time", "power"}, rows)
	ctx := context.Background()
	cols, err := db.Columns(ctx, "turbine_1")
	require.NoError(t, err)

	target, ok := timeparse.ParseInstant("2020-01-01 00:20:00")
	require.True(t, ok)

	replayFrom := func(after int64) []int64 {
		var out []int64
		for {
			rec, err := db.NextRow(ctx, "turbine_1", cols, after)
			require.NoError(t, err)
			if rec == nil {
				return out
			}
			after = rec.Rowid
			out = append(out, rec.Rowid)
		}
	}

	// Full replay, filtered by timestamp.
	var filtered []int64
	var cursor int64
	for {
		rec, err := db.NextRow(ctx, "turbine_1", cols, cursor)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		cursor = rec.Rowid
		v, ok := rec.Value("# Date and time")
		require.True(t, ok)
		ts, ok := timeparse.ParseInstant(v)
		require.True(t, ok)
		if !ts.Before(target) {
			filtered = append(filtered, rec.Rowid)
		}
	}

	after, ok := db.ResolveRowidForInstant(ctx, "turbine_1", []string{"# Date and time"}, target.UnixMilli())
	require.True(t, ok)
	assert.Equal(t, filtered, replayFrom(after))
}
