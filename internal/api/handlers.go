package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"scada_replay/internal/catalog"
	"scada_replay/internal/checkpoint"
	"scada_replay/internal/source"
)

// handleResolveRowid resolves a resume instant to the first matching rowid
// of a turbine table: {"rowid": n} or {"rowid": null}. Errors are plain
// JSON with the shared error codes; this endpoint is not a stream.
func (s *Server) handleResolveRowid(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind, ok := catalog.ParseKind(q.Get("kind"))
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"error": "unknown_source", "kind": q.Get("kind")})
		return
	}
	site, found := s.cat.Site(q.Get("site"))
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"error": "invalid_site", "site": q.Get("site")})
		return
	}
	turbine, err := strconv.Atoi(q.Get("turbine"))
	if err != nil || !site.InRange(turbine) {
		writeJSON(w, http.StatusOK, map[string]any{"error": "invalid_turbine_range", "min": site.MinTurbine, "max": site.MaxTurbine})
		return
	}

	db, err := source.Open(site.DB(kind))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": "db_not_found", "path": site.DB(kind)})
		return
	}
	defer func() { _ = db.Close() }()

	table := site.Table(turbine)
	cols, err := db.Columns(r.Context(), table)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": "table_not_found", "table": table})
		return
	}

	sinceMS, err := strconv.ParseInt(q.Get("since_ms"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"rowid": nil})
		return
	}

	after, ok := db.ResolveRowidForInstant(r.Context(), table, source.TimestampCandidates(cols), sinceMS)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"rowid": nil})
		return
	}
	// ResolveRowidForInstant yields an after-cursor; the client-facing
	// value is the matching row itself.
	writeJSON(w, http.StatusOK, map[string]any{"rowid": after + 1})
}

// checkpointKey parses the checkpoint path parameters against the catalog.
func (s *Server) checkpointKey(w http.ResponseWriter, r *http.Request) (client, site, kind string, turbine int, ok bool) {
	client = chi.URLParam(r, "client")
	site = chi.URLParam(r, "site")
	kindParam, kindOK := catalog.ParseKind(chi.URLParam(r, "kind"))
	if client == "" || !kindOK {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown_source"})
		return "", "", "", 0, false
	}
	st, found := s.cat.Site(site)
	if !found {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_site", "site": site})
		return "", "", "", 0, false
	}
	turbine, err := strconv.Atoi(chi.URLParam(r, "turbine"))
	if err != nil || !st.InRange(turbine) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_turbine_range", "min": st.MinTurbine, "max": st.MaxTurbine})
		return "", "", "", 0, false
	}
	return client, site, string(kindParam), turbine, true
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkpoints == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "checkpoints_disabled"})
		return
	}
	client, site, kind, turbine, ok := s.checkpointKey(w, r)
	if !ok {
		return
	}
	cp, err := s.deps.Checkpoints.Load(r.Context(), client, site, kind, turbine)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "checkpoint_load_failed"})
		return
	}
	if cp == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"rowid": nil})
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handlePutCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkpoints == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "checkpoints_disabled"})
		return
	}
	client, site, kind, turbine, ok := s.checkpointKey(w, r)
	if !ok {
		return
	}

	var body struct {
		Rowid int64 `json:"rowid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Rowid < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_body"})
		return
	}

	cp := checkpoint.Checkpoint{Client: client, Site: site, Kind: kind, Turbine: turbine, Rowid: body.Rowid}
	if err := s.deps.Checkpoints.Save(r.Context(), cp); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "checkpoint_save_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": true})
}
