package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"scada_replay/internal/archive"
	"scada_replay/internal/catalog"
	"scada_replay/internal/checkpoint"
	"scada_replay/internal/replay"
	"scada_replay/internal/source"
	"scada_replay/internal/timeparse"
)

// tableMessage is the single-table stream payload.
type tableMessage struct {
	Rowid  int64              `json:"rowid"`
	Table  string             `json:"table"`
	Record map[string]*string `json:"record"`
}

// combinedMessage is the paired data/status payload for one turbine.
type combinedMessage struct {
	Turbine int                   `json:"turbine"`
	Data    *replay.DataPayload   `json:"data"`
	Status  *replay.StatusPayload `json:"status"`
}

// fanoutMessage is the whole-site batch payload.
type fanoutMessage struct {
	Site     string                     `json:"site"`
	Turbines map[int]*replay.BatchEntry `json:"turbines"`
}

// startParams is the resume position requested by the client.
type startParams struct {
	afterRowid int64 // cursor: replay starts strictly after this rowid
	haveRowid  bool
	sinceMS    int64 // resume instant, epoch milliseconds
	haveSince  bool
}

// parseStartParams reads start_rowid (inclusive), since_ms, and start_date.
// start_rowid wins over instant-based resume. A malformed start_date is a
// request error; malformed numerics are ignored.
func parseStartParams(q url.Values) (startParams, bool) {
	var p startParams
	if v := q.Get("start_rowid"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			p.afterRowid = n - 1
			p.haveRowid = true
		}
	}
	if v := q.Get("since_ms"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.sinceMS = n
			p.haveSince = true
		}
	}
	if v := q.Get("start_date"); v != "" && !p.haveSince {
		t, ok := timeparse.ParseInstant(v)
		if !ok {
			return p, false
		}
		p.sinceMS = t.UnixMilli()
		p.haveSince = true
	}
	return p, true
}

// resolveStart turns the requested resume position into an after-rowid
// cursor for one table. An unresolvable instant starts from the beginning,
// matching the resolve-or-zero contract of the row source.
func resolveStart(ctx context.Context, db *source.DB, table string, cols []string, p startParams) int64 {
	if p.haveRowid {
		return p.afterRowid
	}
	if p.haveSince {
		if after, ok := db.ResolveRowidForInstant(ctx, table, source.TimestampCandidates(cols), p.sinceMS); ok {
			return after
		}
	}
	return 0
}

// secondsParam reads a float seconds query parameter, falling back to def
// on absence or garbage and never returning a negative duration.
func secondsParam(q url.Values, name string, def time.Duration) time.Duration {
	v := q.Get(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// handleSourceStream streams a named single-table source.
func (s *Server) handleSourceStream(w http.ResponseWriter, r *http.Request) {
	sw, ok := newStreamWriter(w)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	src, found := s.cat.Source(name)
	if !found {
		sw.sendError("unknown_source", map[string]any{"source": name})
		return
	}
	s.streamTable(r, sw, src.DB, src.Table)
}

// handleTurbineStream streams one turbine's data or status table on its own.
func (s *Server) handleTurbineStream(kind catalog.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw, ok := newStreamWriter(w)
		if !ok {
			return
		}
		site, turbine, ok := s.siteTurbine(r, sw)
		if !ok {
			return
		}
		s.streamTable(r, sw, site.DB(kind), site.Table(turbine))
	}
}

// streamTable is the single-table replay loop: one row per tick in rowid
// order, record-driven pacing, a terminal end event on exhaustion. The
// database handle lives exactly as long as the session.
func (s *Server) streamTable(r *http.Request, sw *streamWriter, dbPath, table string) {
	ctx := r.Context()
	q := r.URL.Query()

	start, ok := parseStartParams(q)
	if !ok {
		sw.sendError("invalid_date_format", map[string]any{"start_date": q.Get("start_date")})
		return
	}

	db, err := source.Open(dbPath)
	if err != nil {
		sw.sendError("db_not_found", map[string]any{"path": dbPath})
		return
	}
	defer func() { _ = db.Close() }()

	if table == "" {
		table, err = db.FirstUserTable(ctx)
		if err != nil || table == "" {
			sw.sendError("no_table_found", nil)
			return
		}
	}

	cols, err := db.Columns(ctx, table)
	if err != nil {
		sw.sendError("no_columns_found", map[string]any{"table": table})
		return
	}

	pacing := replay.Pacing{
		Interval:      secondsParam(q, "wait_seconds", s.cfg.SingleInterval),
		Floor:         s.cfg.Floor,
		MaxStatusWait: s.cfg.MaxStatusWait,
	}
	after := resolveStart(ctx, db, table, cols, start)

	log := s.log.With(zap.String("table", table), zap.String("db", dbPath), zap.String("remote", r.RemoteAddr))
	log.Debug("single-table session started", zap.Int64("after_rowid", after))

	for {
		if ctx.Err() != nil {
			return
		}
		rec, err := db.NextRow(ctx, table, cols, after)
		if err != nil {
			log.Warn("row fetch failed, ending session", zap.Error(err))
			return
		}
		if rec == nil {
			sw.sendEnd(map[string]any{"table": table})
			return
		}
		after = rec.Rowid

		if err := sw.send("", tableMessage{Rowid: rec.Rowid, Table: table, Record: rec.Values}); err != nil {
			return
		}
		if !sleepCtx(ctx, pacing.RecordDriven(rec)) {
			return
		}
	}
}

// handleCombined streams paired data+status for one turbine through the
// interval synchronizer.
func (s *Server) handleCombined(w http.ResponseWriter, r *http.Request) {
	sw, ok := newStreamWriter(w)
	if !ok {
		return
	}
	site, turbine, ok := s.siteTurbine(r, sw)
	if !ok {
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	siteName := chi.URLParam(r, "site")

	start, ok := parseStartParams(q)
	if !ok {
		sw.sendError("invalid_date_format", map[string]any{"start_date": q.Get("start_date")})
		return
	}

	dataDB, statusDB, ok := s.openPair(sw, site)
	if !ok {
		return
	}
	defer func() { _ = dataDB.Close() }()
	defer func() { _ = statusDB.Close() }()

	pacing := replay.Pacing{
		Interval:      secondsParam(q, "data_interval", s.cfg.CombinedInterval),
		Floor:         s.cfg.Floor,
		MaxStatusWait: secondsParam(q, "max_status_wait", s.cfg.MaxStatusWait),
	}

	table := site.Table(turbine)
	cfg := replay.StreamConfig{Turbine: turbine, Table: table}
	s.resolveStreamStarts(ctx, dataDB, statusDB, table, start, &cfg)

	client := q.Get("client")
	if client != "" && !start.haveRowid && !start.haveSince {
		cfg.DataStart = s.loadCheckpoint(ctx, client, siteName, string(catalog.KindData), turbine)
	}

	stream, err := replay.NewTurbineStream(ctx, dataDB, statusDB, cfg)
	if err != nil {
		var schemaErr *source.SchemaError
		if errors.As(err, &schemaErr) {
			sw.sendError("table_not_found", map[string]any{"table": schemaErr.Table})
			return
		}
		sw.sendError("table_not_found", map[string]any{"table": table})
		return
	}

	log := s.log.With(zap.String("site", siteName), zap.Int("turbine", turbine), zap.String("remote", r.RemoteAddr))
	log.Debug("combined session started", zap.Int64("data_start", cfg.DataStart))

	if client != "" {
		defer func() { s.saveCheckpoint(client, siteName, string(catalog.KindData), turbine, stream.DataCursor()) }()
	}

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := stream.Tick(ctx, time.Now(), pacing)
		if err != nil {
			log.Warn("tick failed, ending session", zap.Error(err))
			return
		}
		if res.Exhausted {
			// An empty data table still yields the eagerly adopted status;
			// deliver it with null data before ending.
			if res.Status != nil {
				entry := replay.NewBatchEntry(res)
				_ = sw.send("", combinedMessage{Turbine: turbine, Data: entry.Data, Status: entry.Status})
			}
			sw.sendEnd(map[string]any{"turbine": turbine})
			return
		}

		entry := replay.NewBatchEntry(res)
		msg := combinedMessage{Turbine: turbine, Data: entry.Data, Status: entry.Status}
		if err := sw.send("", msg); err != nil {
			return
		}
		s.recordEmission(siteName, catalog.KindData, turbine, res)

		if !sleepCtx(ctx, pacing.Fixed()) {
			return
		}
	}
}

// handleFanout streams every configured turbine of a site as one batched
// connection.
func (s *Server) handleFanout(w http.ResponseWriter, r *http.Request) {
	sw, ok := newStreamWriter(w)
	if !ok {
		return
	}
	ctx := r.Context()
	q := r.URL.Query()
	siteName := chi.URLParam(r, "site")

	site, found := s.cat.Site(siteName)
	if !found {
		sw.sendError("invalid_site", map[string]any{"site": siteName})
		return
	}

	turbines := site.Turbines()
	if v := q.Get("turbines"); v != "" {
		turbines = turbines[:0]
		for _, part := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || !site.InRange(n) {
				sw.sendError("invalid_turbine_range", map[string]any{"min": site.MinTurbine, "max": site.MaxTurbine})
				return
			}
			turbines = append(turbines, n)
		}
	}

	start, ok := parseStartParams(q)
	if !ok {
		sw.sendError("invalid_date_format", map[string]any{"start_date": q.Get("start_date")})
		return
	}

	dataDB, statusDB, ok := s.openPair(sw, site)
	if !ok {
		return
	}
	defer func() { _ = dataDB.Close() }()
	defer func() { _ = statusDB.Close() }()

	cfgs := make([]replay.StreamConfig, 0, len(turbines))
	for _, t := range turbines {
		cfg := replay.StreamConfig{Turbine: t, Table: site.Table(t)}
		s.resolveStreamStarts(ctx, dataDB, statusDB, cfg.Table, start, &cfg)
		cfgs = append(cfgs, cfg)
	}

	fanout, err := replay.NewFanout(ctx, dataDB, statusDB, siteName, cfgs)
	if err != nil {
		var schemaErr *source.SchemaError
		if errors.As(err, &schemaErr) {
			sw.sendError("table_not_found", map[string]any{"table": schemaErr.Table})
			return
		}
		sw.sendError("table_not_found", nil)
		return
	}

	pacing := replay.Pacing{
		Interval:      secondsParam(q, "data_interval", s.cfg.CombinedInterval),
		Floor:         s.cfg.Floor,
		MaxStatusWait: secondsParam(q, "max_status_wait", s.cfg.MaxStatusWait),
	}

	log := s.log.With(zap.String("site", siteName), zap.Ints("turbines", turbines), zap.String("remote", r.RemoteAddr))
	log.Debug("fan-out session started")

	for {
		if ctx.Err() != nil {
			return
		}
		batch, allDone, err := fanout.Tick(ctx, time.Now(), pacing)
		if err != nil {
			log.Warn("tick failed, ending session", zap.Error(err))
			return
		}
		if allDone {
			if batchHasStatus(batch) {
				if err := sw.send("", fanoutMessage{Site: siteName, Turbines: batch}); err != nil {
					return
				}
				s.publishBatch(siteName, batch)
			}
			sw.sendEnd(map[string]any{"site": siteName})
			return
		}

		if err := sw.send("", fanoutMessage{Site: siteName, Turbines: batch}); err != nil {
			return
		}
		s.publishBatch(siteName, batch)
		if !sleepCtx(ctx, pacing.Fixed()) {
			return
		}
	}
}

// siteTurbine validates the {site}/{turbine} path pair against the catalog.
func (s *Server) siteTurbine(r *http.Request, sw *streamWriter) (catalog.Site, int, bool) {
	siteName := chi.URLParam(r, "site")
	site, found := s.cat.Site(siteName)
	if !found {
		sw.sendError("invalid_site", map[string]any{"site": siteName})
		return catalog.Site{}, 0, false
	}
	turbine, err := strconv.Atoi(chi.URLParam(r, "turbine"))
	if err != nil || !site.InRange(turbine) {
		sw.sendError("invalid_turbine_range", map[string]any{"min": site.MinTurbine, "max": site.MaxTurbine})
		return catalog.Site{}, 0, false
	}
	return site, turbine, true
}

// openPair opens the site's data and status databases for one session.
func (s *Server) openPair(sw *streamWriter, site catalog.Site) (*source.DB, *source.DB, bool) {
	dataDB, err := source.Open(site.DataDB)
	if err != nil {
		sw.sendError("db_not_found", map[string]any{"path": site.DataDB})
		return nil, nil, false
	}
	statusDB, err := source.Open(site.StatusDB)
	if err != nil {
		_ = dataDB.Close()
		sw.sendError("db_not_found", map[string]any{"path": site.StatusDB})
		return nil, nil, false
	}
	return dataDB, statusDB, true
}

// resolveStreamStarts fills the per-table cursors for an instant-based
// resume. Column fetch failures here are deliberate no-ops: the stream
// setup proper reports schema problems with their own error codes.
func (s *Server) resolveStreamStarts(ctx context.Context, dataDB, statusDB *source.DB, table string, start startParams, cfg *replay.StreamConfig) {
	if start.haveRowid {
		cfg.DataStart = start.afterRowid
		return
	}
	if !start.haveSince {
		return
	}
	if cols, err := dataDB.Columns(ctx, table); err == nil {
		if after, ok := dataDB.ResolveRowidForInstant(ctx, table, source.TimestampCandidates(cols), start.sinceMS); ok {
			cfg.DataStart = after
		}
	}
	if cols, err := statusDB.Columns(ctx, table); err == nil {
		if after, ok := statusDB.ResolveRowidForInstant(ctx, table, source.TimestampCandidates(cols), start.sinceMS); ok {
			cfg.StatusStart = after
		}
	}
}

// recordEmission forwards one emission to the ClickHouse archive when
// configured.
func (s *Server) recordEmission(site string, kind catalog.Kind, turbine int, res *replay.TickResult) {
	if s.deps.Archive == nil || res.Data == nil {
		return
	}
	s.deps.Archive.RecordEmission(context.Background(), archive.Emission{
		Site:      site,
		Kind:      string(kind),
		Turbine:   turbine,
		Rowid:     res.Data.Rowid,
		EmittedAt: time.Now().UTC(),
	})
}

// batchHasStatus reports whether any turbine in the batch carries a status
// update worth delivering.
func batchHasStatus(batch map[int]*replay.BatchEntry) bool {
	for _, e := range batch {
		if e.Status != nil {
			return true
		}
	}
	return false
}

// publishBatch mirrors one fan-out batch onto NATS when configured.
func (s *Server) publishBatch(site string, batch map[int]*replay.BatchEntry) {
	if s.deps.Publisher == nil {
		return
	}
	s.deps.Publisher.PublishTick(site, fanoutMessage{Site: site, Turbines: batch})
}

// loadCheckpoint returns a persisted resume cursor, or 0 when none exists
// or the store is disabled.
func (s *Server) loadCheckpoint(ctx context.Context, client, site, kind string, turbine int) int64 {
	if s.deps.Checkpoints == nil {
		return 0
	}
	cp, err := s.deps.Checkpoints.Load(ctx, client, site, kind, turbine)
	if err != nil {
		s.log.Warn("checkpoint load failed", zap.Error(err))
		return 0
	}
	if cp == nil {
		return 0
	}
	return cp.Rowid
}

// saveCheckpoint persists the final cursor of a session. Runs on every exit
// path, including disconnect, with its own short deadline because the
// request context is already canceled by then.
func (s *Server) saveCheckpoint(client, site, kind string, turbine int, rowid int64) {
	if s.deps.Checkpoints == nil || rowid == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.deps.Checkpoints.Save(ctx, checkpoint.Checkpoint{
		Client:  client,
		Site:    site,
		Kind:    kind,
		Turbine: turbine,
		Rowid:   rowid,
	})
	if err != nil {
		s.log.Warn("checkpoint save failed", zap.Error(err))
	}
}
