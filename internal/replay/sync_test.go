package replay

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scada_replay/internal/source"
)

// buildFixture creates a database file holding one table with the given
// TEXT columns and rows, opened through the read-only source.
func buildFixture(t *testing.T, name, table string, cols []string, rows [][]any) *source.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { require.NoError(t, raw.Close()) }()

	ddl := "CREATE TABLE \"" + table + "\" ("
	for i, c := range cols {
		if i > 0 {
			ddl += ", "
		}
		ddl += "\"" + c + "\" TEXT"
	}
	ddl += ")"
	_, err = raw.Exec(ddl)
	require.NoError(t, err)

	insert := "INSERT INTO \"" + table + "\" VALUES (?"
	for range cols[1:] {
		insert += ", ?"
	}
	insert += ")"
	for _, row := range rows {
		_, err = raw.Exec(insert, row...)
		require.NoError(t, err)
	}

	db, err := source.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var (
	dataCols   = []string{"# Date and time", "Power (kW)"}
	statusCols = []string{"Status", "Timestamp start", "Timestamp end", "Duration"}
)

func dataRows(times ...string) [][]any {
	rows := make([][]any, len(times))
	for i, ts := range times {
		rows[i] = []any{ts, "100"}
	}
	return rows
}

func newStream(t *testing.T, dataRows, statusRows [][]any) *TurbineStream {
	t.Helper()
	dataDB := buildFixture(t, "data.db", "turbine_1", dataCols, dataRows)
	statusDB := buildFixture(t, "status.db", "turbine_1", statusCols, statusRows)
	ts, err := NewTurbineStream(context.Background(), dataDB, statusDB, StreamConfig{Turbine: 1, Table: "turbine_1"})
	require.NoError(t, err)
	return ts
}

func tick(t *testing.T, ts *TurbineStream) *TickResult {
	t.Helper()
	res, err := ts.Tick(context.Background(), time.Now(), Pacing{Interval: time.Second})
	require.NoError(t, err)
	return res
}

func TestFirstStatusAdoptedEagerly(t *testing.T) {
	ts := newStream(t,
		dataRows("2020-01-01 00:00:00"),
		[][]any{{"Stopped", "2019-12-31 00:00:00", "2019-12-31 01:00:00", "01:00:00"}},
	)

	res := tick(t, ts)
	require.NotNil(t, res.Data)
	// The first status is shown even though its interval ended long before
	// the first data timestamp.
	require.NotNil(t, res.Status)
	assert.Equal(t, int64(1), res.Status.Rowid)
	assert.Equal(t, StateInForce, ts.State())
}

func TestStatusAdvancesWhenDataPassesIntervalEnd(t *testing.T) {
	ts := newStream(t,
		dataRows(
			"2020-01-01 00:00:00",
			"2020-01-01 00:10:00",
			"2020-01-01 00:20:00",
		),
		[][]any{
			{"Running", "2020-01-01 00:00:00", "2020-01-01 00:10:00", "00:10:00"},
			{"Stopped", "2020-01-01 00:10:00", "2020-01-01 00:30:00", "00:20:00"},
		},
	)

	res := tick(t, ts)
	require.NotNil(t, res.Status)
	assert.Equal(t, int64(1), res.Status.Rowid)

	// Data 00:10:00 reaches the first interval's end: adopt the second.
	res = tick(t, ts)
	require.NotNil(t, res.Status)
	assert.Equal(t, int64(2), res.Status.Rowid)

	// Data 00:20:00 is still inside [00:10, 00:30): no change.
	res = tick(t, ts)
	assert.Nil(t, res.Status)
}

// Consecutive intervals [t0,t1), [t1,t2), [t2,t3) with the data instant in
// [t1,t2): exactly the middle interval must end up in force, and the first
// must never be shown again once the data instant reached t1.
func TestStaleStatusSkipped(t *testing.T) {
	ts := newStream(t,
		dataRows(
			"2020-01-01 00:00:00",
			"2020-01-01 00:15:00", // lands inside the second interval
		),
		[][]any{
			{"A", "2020-01-01 00:00:00", "2020-01-01 00:05:00", "00:05:00"},
			{"B", "2020-01-01 00:05:00", "2020-01-01 00:20:00", "00:15:00"},
			{"C", "2020-01-01 00:20:00", "2020-01-01 00:30:00", "00:10:00"},
		},
	)

	res := tick(t, ts)
	require.NotNil(t, res.Status)
	v, _ := res.Status.Value("Status")
	assert.Equal(t, "A", v)

	res = tick(t, ts)
	require.NotNil(t, res.Status)
	v, _ = res.Status.Value("Status")
	assert.Equal(t, "B", v)
}

// Several short-lived statuses inside one data sampling interval are
// skipped in a single advance, never emitted as in-force.
func TestMultipleStaleStatusesSkippedInOneTick(t *testing.T) {
	ts := newStream(t,
		dataRows(
			"2020-01-01 00:00:00",
			"2020-01-01 00:10:00",
		),
		[][]any{
			{"A", "2020-01-01 00:00:00", "2020-01-01 00:02:00", "00:02:00"},
			{"B", "2020-01-01 00:02:00", "2020-01-01 00:04:00", "00:02:00"},
			{"C", "2020-01-01 00:04:00", "2020-01-01 00:06:00", "00:02:00"},
			{"D", "2020-01-01 00:06:00", "2020-01-01 00:30:00", "00:24:00"},
		},
	)

	tick(t, ts) // adopts A
	res := tick(t, ts)
	require.NotNil(t, res.Status)
	v, _ := res.Status.Value("Status")
	assert.Equal(t, "D", v)
}

// An empty data table exhausts the stream immediately, but the first
// status must still come through on that tick with null data.
func TestEmptyDataTableStillEmitsFirstStatus(t *testing.T) {
	ts := newStream(t,
		nil,
		[][]any{{"Stopped", "2020-01-01 00:00:00", "2020-01-01 01:00:00", "01:00:00"}},
	)

	res := tick(t, ts)
	assert.True(t, res.Exhausted)
	assert.Nil(t, res.Data)
	require.NotNil(t, res.Status)
	assert.Equal(t, int64(1), res.Status.Rowid)
	assert.Equal(t, StateExhausted, ts.State())

	res = tick(t, ts)
	assert.True(t, res.Exhausted)
	assert.Nil(t, res.Status)
}

func TestEmptyStatusTable(t *testing.T) {
	ts := newStream(t,
		dataRows(
			"2020-01-01 00:00:00",
			"2020-01-01 00:10:00",
		),
		nil,
	)

	res := tick(t, ts)
	require.NotNil(t, res.Data)
	assert.Nil(t, res.Status)

	res = tick(t, ts)
	require.NotNil(t, res.Data)
	assert.Nil(t, res.Status)

	// All data rows still replay and the stream ends normally.
	res = tick(t, ts)
	assert.True(t, res.Exhausted)
	assert.Equal(t, StateExhausted, ts.State())
}

func TestUnparseableTimestampsStayInForce(t *testing.T) {
	ts := newStream(t,
		[][]any{
			{"not a date", "100"},
			{"also not a date", "100"},
		},
		[][]any{
			{"A", "2020-01-01 00:00:00", "garbage-end", "00:05:00"},
			{"B", "2020-01-01 00:05:00", "2020-01-01 00:20:00", "00:15:00"},
		},
	)

	tick(t, ts) // adopts A; its end is unparseable

	// With no comparable end instant the status stays in force; stale
	// status beats a crashed session.
	res := tick(t, ts)
	assert.Nil(t, res.Status)
	assert.Equal(t, StateInForce, ts.State())
}

func TestStatusTableShorterThanData(t *testing.T) {
	ts := newStream(t,
		dataRows(
			"2020-01-01 00:00:00",
			"2020-01-01 00:10:00",
			"2020-01-01 00:20:00",
		),
		[][]any{
			{"A", "2020-01-01 00:00:00", "2020-01-01 00:10:00", "00:10:00"},
		},
	)

	tick(t, ts) // adopts A
	// Data passes A's end but there is no further status: the last one
	// stays displayed and no more advances trigger.
	res := tick(t, ts)
	assert.Nil(t, res.Status)
	res = tick(t, ts)
	assert.Nil(t, res.Status)
	require.NotNil(t, res.Data)
}

func TestExhaustionIsSticky(t *testing.T) {
	ts := newStream(t, dataRows("2020-01-01 00:00:00"), nil)

	res := tick(t, ts)
	require.NotNil(t, res.Data)

	res = tick(t, ts)
	assert.True(t, res.Exhausted)

	// Further ticks keep reporting exhaustion without touching the DB.
	res = tick(t, ts)
	assert.True(t, res.Exhausted)
	assert.Nil(t, res.Data)
	assert.Nil(t, res.Status)
}

func TestDataCursorMonotonic(t *testing.T) {
	ts := newStream(t,
		dataRows(
			"2020-01-01 00:00:00",
			"2020-01-01 00:10:00",
			"2020-01-01 00:20:00",
		),
		nil,
	)

	var prev int64
	for {
		res := tick(t, ts)
		if res.Exhausted {
			break
		}
		require.NotNil(t, res.Data)
		assert.Greater(t, res.Data.Rowid, prev)
		prev = res.Data.Rowid
	}
	assert.Equal(t, int64(3), prev)
}

func TestResumeFromCursor(t *testing.T) {
	dataDB := buildFixture(t, "data.db", "turbine_1", dataCols, dataRows(
		"2020-01-01 00:00:00",
		"2020-01-01 00:10:00",
		"2020-01-01 00:20:00",
	))
	statusDB := buildFixture(t, "status.db", "turbine_1", statusCols, nil)

	ts, err := NewTurbineStream(context.Background(), dataDB, statusDB, StreamConfig{
		Turbine:   1,
		Table:     "turbine_1",
		DataStart: 2,
	})
	require.NoError(t, err)

	res := tick(t, ts)
	require.NotNil(t, res.Data)
	assert.Equal(t, int64(3), res.Data.Rowid)
}

// Without a timestamp-like data column the synchronizer cannot compare
// instants; status advance falls back to a wall-clock cadence driven by
// compressed durations.
func TestCadenceFallback(t *testing.T) {
	dataDB := buildFixture(t, "data.db", "turbine_1", []string{"reading"}, [][]any{
		{"1"}, {"2"}, {"3"}, {"4"},
	})
	statusDB := buildFixture(t, "status.db", "turbine_1", statusCols, [][]any{
		{"A", "2020-01-01 00:00:00", "2020-01-01 00:10:00", "00:10:00"},
		{"B", "2020-01-01 00:10:00", "2020-01-01 00:20:00", "00:10:00"},
	})

	ts, err := NewTurbineStream(context.Background(), dataDB, statusDB, StreamConfig{Turbine: 1, Table: "turbine_1"})
	require.NoError(t, err)

	ctx := context.Background()
	pacing := Pacing{Interval: time.Second, Floor: time.Millisecond, MaxStatusWait: 300 * time.Second}
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	// First tick adopts A and schedules the next advance one compressed
	// duration (600s / 600 = 1s) later.
	res, err := ts.Tick(ctx, base, pacing)
	require.NoError(t, err)
	require.NotNil(t, res.Status)

	// Half a second later: too early.
	res, err = ts.Tick(ctx, base.Add(500*time.Millisecond), pacing)
	require.NoError(t, err)
	assert.Nil(t, res.Status)

	// Past the hold: B is adopted.
	res, err = ts.Tick(ctx, base.Add(1100*time.Millisecond), pacing)
	require.NoError(t, err)
	require.NotNil(t, res.Status)
	v, _ := res.Status.Value("Status")
	assert.Equal(t, "B", v)
}

func TestNewTurbineStreamMissingTable(t *testing.T) {
	dataDB := buildFixture(t, "data.db", "turbine_1", dataCols, nil)
	statusDB := buildFixture(t, "status.db", "turbine_1", statusCols, nil)

	_, err := NewTurbineStream(context.Background(), dataDB, statusDB, StreamConfig{Turbine: 9, Table: "turbine_9"})
	var schemaErr *source.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "turbine_9", schemaErr.Table)
}
