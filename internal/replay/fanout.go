package replay

import (
	"context"
	"sort"
	"time"

	"scada_replay/internal/source"
)

// DataPayload is the wire shape of one data row.
type DataPayload struct {
	Rowid  int64              `json:"rowid"`
	Record map[string]*string `json:"record"`
}

// StatusPayload is the wire shape of one status row.
type StatusPayload struct {
	Rowid   int64              `json:"rowid"`
	Record  map[string]*string `json:"record"`
	Updated bool               `json:"updated"`
}

// BatchEntry is one turbine's slot in a fan-out batch. Data is null once
// the turbine's data table is exhausted; Status is null unless the in-force
// status changed this tick.
type BatchEntry struct {
	Data   *DataPayload   `json:"data"`
	Status *StatusPayload `json:"status"`
}

// NewBatchEntry converts a tick result to its wire shape.
func NewBatchEntry(res *TickResult) *BatchEntry {
	e := &BatchEntry{}
	if res.Data != nil {
		e.Data = &DataPayload{Rowid: res.Data.Rowid, Record: res.Data.Values}
	}
	if res.Status != nil {
		e.Status = &StatusPayload{Rowid: res.Status.Rowid, Record: res.Status.Values, Updated: true}
	}
	return e
}

// Fanout runs one independent synchronizer per turbine on a shared tick
// clock, multiplexing all turbines of a site into batched emissions for a
// single connection. Browsers cap concurrent connections per origin, so one
// connection per turbine does not scale to a fleet; the batching is a
// resource decision, not a convenience.
type Fanout struct {
	site    string
	streams []*TurbineStream
}

// NewFanout opens a synchronizer for every configured turbine. Streams are
// kept in ascending turbine order so batches are reproducible for the same
// inputs.
func NewFanout(ctx context.Context, dataDB, statusDB *source.DB, site string, cfgs []StreamConfig) (*Fanout, error) {
	sorted := make([]StreamConfig, len(cfgs))
	copy(sorted, cfgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Turbine < sorted[j].Turbine })

	f := &Fanout{site: site}
	for _, cfg := range sorted {
		ts, err := NewTurbineStream(ctx, dataDB, statusDB, cfg)
		if err != nil {
			return nil, err
		}
		f.streams = append(f.streams, ts)
	}
	return f, nil
}

// Site returns the site name the fan-out serves.
func (f *Fanout) Site() string {
	return f.site
}

// Tick runs one synchronizer step per turbine, in ascending turbine order,
// and reports whether every turbine is now exhausted. A turbine that ran
// out of data earlier still appears in the batch with null data; partial
// exhaustion never ends the session.
func (f *Fanout) Tick(ctx context.Context, now time.Time, pacing Pacing) (map[int]*BatchEntry, bool, error) {
	batch := make(map[int]*BatchEntry, len(f.streams))
	allDone := true
	for _, ts := range f.streams {
		res, err := ts.Tick(ctx, now, pacing)
		if err != nil {
			return nil, false, err
		}
		if !res.Exhausted {
			allDone = false
		}
		batch[ts.Turbine] = NewBatchEntry(res)
	}
	return batch, allDone, nil
}
