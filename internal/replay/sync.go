package replay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"scada_replay/internal/source"
	"scada_replay/internal/timeparse"
)

// State is the synchronizer state of one turbine stream.
type State int

const (
	// StateAwaitingFirstStatus means no status has been adopted yet; the
	// first tick fetches one eagerly so the client shows a status before
	// any data timestamp is known.
	StateAwaitingFirstStatus State = iota
	// StateInForce means a status record is adopted and displayed until
	// the data timestamp passes its interval end.
	StateInForce
	// StateExhausted means the data table has no further rows; the stream
	// takes no more ticks.
	StateExhausted
)

// StreamConfig configures one turbine stream.
type StreamConfig struct {
	Turbine int
	Table   string
	// DataStart and StatusStart are after-rowid cursors: replay begins at
	// the first row with rowid strictly greater than these.
	DataStart   int64
	StatusStart int64
}

// TickResult is the outcome of one synchronizer step.
type TickResult struct {
	// Data is the row fetched this tick, nil when none.
	Data *source.Record
	// Status is set only when the in-force status changed this tick.
	Status *source.Record
	// Exhausted marks the data table as fully replayed; the stream emits
	// nothing further. A first tick over an empty data table still carries
	// the eagerly adopted status.
	Exhausted bool
}

// TurbineStream interleaves one turbine's data and status tables.
//
// The data cursor advances every tick. The status cursor advances only when
// the data row's timestamp has passed the in-force status interval's end,
// skipping any intervals that are already stale; when the data table has no
// recognizable timestamp column, status advance falls back to a wall-clock
// cadence derived from compressed status durations.
type TurbineStream struct {
	Turbine int

	dataDB   *source.DB
	statusDB *source.DB
	table    string

	dataCols   []string
	statusCols []string

	// Column heuristics, resolved once at open and cached.
	dataTSCol    string // "" when the data table has no timestamp-like column
	statusEndCol string
	statusDurCol string

	dataCursor   int64
	statusCursor int64

	state      State
	inForce    *source.Record
	inForceEnd time.Time
	hasEnd     bool

	// Cadence fallback scheduling (only used when dataTSCol is "").
	nextStatusAt time.Time
}

// NewTurbineStream opens the synchronizer state for one turbine. Column
// sets and name heuristics are resolved here, once, not per row.
func NewTurbineStream(ctx context.Context, dataDB, statusDB *source.DB, cfg StreamConfig) (*TurbineStream, error) {
	dataCols, err := dataDB.Columns(ctx, cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("data table: %w", err)
	}
	statusCols, err := statusDB.Columns(ctx, cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("status table: %w", err)
	}

	t := &TurbineStream{
		Turbine:      cfg.Turbine,
		dataDB:       dataDB,
		statusDB:     statusDB,
		table:        cfg.Table,
		dataCols:     dataCols,
		statusCols:   statusCols,
		dataCursor:   cfg.DataStart,
		statusCursor: cfg.StatusStart,
		state:        StateAwaitingFirstStatus,
	}
	t.dataTSCol = firstTimestampColumn(dataCols)
	t.statusEndCol = statusEndColumn(statusCols)
	t.statusDurCol = durationColumn(statusCols)
	return t, nil
}

// State returns the current synchronizer state.
func (t *TurbineStream) State() State {
	return t.state
}

// DataCursor returns the rowid of the last emitted data row.
func (t *TurbineStream) DataCursor() int64 {
	return t.dataCursor
}

// Tick advances the stream by one step: fetch the next data row, advance
// the status cursor if the data timestamp has passed the in-force interval
// end, and report what changed. now is the wall clock for the cadence
// fallback; pacing supplies the compressed-status policy.
func (t *TurbineStream) Tick(ctx context.Context, now time.Time, pacing Pacing) (*TickResult, error) {
	res := &TickResult{}
	if t.state == StateExhausted {
		res.Exhausted = true
		return res, nil
	}

	first := t.state == StateAwaitingFirstStatus
	if first {
		// Adopt the first status before touching the data table so the
		// client gets an initial status even when no data rows exist.
		if err := t.adoptFirstStatus(ctx, now, pacing, res); err != nil {
			return nil, err
		}
		t.state = StateInForce
	}

	data, err := t.dataDB.NextRow(ctx, t.table, t.dataCols, t.dataCursor)
	if err != nil {
		return nil, fmt.Errorf("turbine %d data: %w", t.Turbine, err)
	}
	if data == nil {
		t.state = StateExhausted
		res.Exhausted = true
		return res, nil
	}
	t.dataCursor = data.Rowid
	res.Data = data

	if first {
		return res, nil
	}

	if t.dataTSCol == "" {
		if err := t.cadenceAdvance(ctx, now, pacing, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	instant, ok := t.dataInstant(data)
	if !ok || !t.hasEnd {
		// Unparseable timestamp or open-ended status: the comparison is
		// skipped and the current status stays in force.
		return res, nil
	}
	if instant.Before(t.inForceEnd) {
		return res, nil
	}
	if err := t.advance(ctx, instant, res); err != nil {
		return nil, err
	}
	return res, nil
}

// adoptFirstStatus eagerly fetches the first status record at stream start.
// An empty status table is tolerated: the stream replays data with a nil
// status throughout.
func (t *TurbineStream) adoptFirstStatus(ctx context.Context, now time.Time, pacing Pacing, res *TickResult) error {
	rec, err := t.statusDB.NextRow(ctx, t.table, t.statusCols, t.statusCursor)
	if err != nil {
		return fmt.Errorf("turbine %d status: %w", t.Turbine, err)
	}
	if rec == nil {
		t.hasEnd = false
		return nil
	}
	t.statusCursor = rec.Rowid
	t.adopt(rec, res)
	if t.dataTSCol == "" {
		t.nextStatusAt = now.Add(t.statusHold(rec, pacing))
	}
	return nil
}

// advance walks the status table forward past every interval whose end the
// data instant has already reached. Multiple short-lived statuses can fall
// inside one data sampling interval; those are stale and must be skipped,
// not shown. When the table runs out, the last status stays displayed with
// no end instant, so no further advances trigger.
func (t *TurbineStream) advance(ctx context.Context, instant time.Time, res *TickResult) error {
	for {
		rec, err := t.statusDB.NextRow(ctx, t.table, t.statusCols, t.statusCursor)
		if err != nil {
			return fmt.Errorf("turbine %d status: %w", t.Turbine, err)
		}
		if rec == nil {
			t.hasEnd = false
			return nil
		}
		t.statusCursor = rec.Rowid

		end, ok := t.statusEnd(rec)
		if ok && !end.After(instant) {
			continue
		}
		t.adopt(rec, res)
		return nil
	}
}

// cadenceAdvance is the fallback status policy for data tables with no
// timestamp column: one status fetch whenever the compressed hold of the
// previous status has elapsed on the wall clock.
func (t *TurbineStream) cadenceAdvance(ctx context.Context, now time.Time, pacing Pacing, res *TickResult) error {
	if now.Before(t.nextStatusAt) {
		return nil
	}
	rec, err := t.statusDB.NextRow(ctx, t.table, t.statusCols, t.statusCursor)
	if err != nil {
		return fmt.Errorf("turbine %d status: %w", t.Turbine, err)
	}
	if rec == nil {
		return nil
	}
	t.statusCursor = rec.Rowid
	t.adopt(rec, res)
	t.nextStatusAt = now.Add(t.statusHold(rec, pacing))
	return nil
}

func (t *TurbineStream) adopt(rec *source.Record, res *TickResult) {
	t.inForce = rec
	t.inForceEnd, t.hasEnd = t.statusEnd(rec)
	res.Status = rec
}

func (t *TurbineStream) dataInstant(rec *source.Record) (time.Time, bool) {
	v, ok := rec.Value(t.dataTSCol)
	if !ok {
		return time.Time{}, false
	}
	return timeparse.ParseInstant(v)
}

func (t *TurbineStream) statusEnd(rec *source.Record) (time.Time, bool) {
	if t.statusEndCol == "" {
		return time.Time{}, false
	}
	v, ok := rec.Value(t.statusEndCol)
	if !ok {
		return time.Time{}, false
	}
	return timeparse.ParseInstant(v)
}

// statusHold converts a status record's duration into the wall-clock time
// it stays in force under the cadence fallback.
func (t *TurbineStream) statusHold(rec *source.Record, pacing Pacing) time.Duration {
	if t.statusDurCol == "" {
		return pacing.Compressed(0)
	}
	v, ok := rec.Value(t.statusDurCol)
	if !ok {
		return pacing.Compressed(0)
	}
	secs, ok := timeparse.ParseDuration(v)
	if !ok {
		return pacing.Compressed(0)
	}
	return pacing.Compressed(secs)
}

// firstTimestampColumn picks the data table's replay timestamp column.
func firstTimestampColumn(cols []string) string {
	cands := source.TimestampCandidates(cols)
	if len(cands) == 0 {
		return ""
	}
	return cands[0]
}

// statusEndColumn picks the column holding the interval end instant:
// the first timestamp-like column whose name contains "end".
func statusEndColumn(cols []string) string {
	for _, c := range source.TimestampCandidates(cols) {
		if strings.Contains(strings.ToLower(c), "end") {
			return c
		}
	}
	return ""
}

// durationColumn picks the column holding the interval duration.
func durationColumn(cols []string) string {
	for _, c := range cols {
		if strings.Contains(strings.ToLower(c), "duration") {
			return c
		}
	}
	return ""
}
