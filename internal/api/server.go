// Package api exposes the replay engine over HTTP: Server-Sent Events
// streaming endpoints plus a small JSON surface for resume lookups and
// checkpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"scada_replay/internal/archive"
	"scada_replay/internal/catalog"
	"scada_replay/internal/checkpoint"
	"scada_replay/internal/publish"
	"scada_replay/internal/replay"
)

// Config holds server settings and pacing defaults.
type Config struct {
	Port int
	// SingleInterval is the fixed delay for single-table streams.
	SingleInterval time.Duration
	// CombinedInterval is the tick interval for combined and fan-out
	// streams.
	CombinedInterval time.Duration
	// MaxStatusWait caps compressed status holds.
	MaxStatusWait time.Duration
	// Floor is the minimum delay for any derived pacing value.
	Floor time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.SingleInterval == 0 {
		c.SingleInterval = replay.DefaultSingleInterval
	}
	if c.CombinedInterval == 0 {
		c.CombinedInterval = replay.DefaultCombinedInterval
	}
	if c.MaxStatusWait == 0 {
		c.MaxStatusWait = replay.DefaultMaxStatusWait
	}
	return c
}

// Deps are the optional downstream integrations. Any of them may be nil;
// the replay path itself depends on none of them.
type Deps struct {
	Publisher   *publish.Publisher
	Archive     *archive.Archive
	Checkpoints *checkpoint.Store
}

// Server serves the SSE replay endpoints for one catalog of sites.
type Server struct {
	cat  *catalog.Catalog
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// NewServer creates a replay server over the given catalog.
func NewServer(cat *catalog.Catalog, cfg Config, deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cat: cat, cfg: cfg.withDefaults(), deps: deps, log: log}
}

// Run starts the HTTP server and blocks.
func (s *Server) Run() error {
	addr := ":" + strconv.Itoa(s.cfg.Port)
	s.log.Info("replay server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Router())
}

// Router returns the configured chi router. Exposed for tests and for
// embedding in other servers.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	// No Timeout middleware: SSE sessions are long-lived by design.
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/resolve-rowid", s.handleResolveRowid)
		r.Get("/checkpoint/{client}/{site}/{kind}/{turbine}", s.handleGetCheckpoint)
		r.Put("/checkpoint/{client}/{site}/{kind}/{turbine}", s.handlePutCheckpoint)
	})

	r.Route("/sse", func(r chi.Router) {
		r.Get("/source/{name}", s.handleSourceStream)
		r.Get("/{site}/data/{turbine}", s.handleTurbineStream(catalog.KindData))
		r.Get("/{site}/status/{turbine}", s.handleTurbineStream(catalog.KindStatus))
		r.Get("/{site}/combined/{turbine}", s.handleCombined)
		r.Get("/{site}/all", s.handleFanout)
	})

	return r
}

// corsMiddleware allows browser EventSource clients from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// sleepCtx waits for d or until the client disconnects. Returns false when
// canceled; a session may take up to one pacing delay to notice a
// disconnect, which is the accepted bound.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
