package geospatial

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/db"
	"github.com/sells-group/oev-cli/internal/store"
)

// ErrorResponse is the JSON body of failed API requests.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// RunDetail is a run with its phases.
type RunDetail struct {
	*store.Run
	Phases []store.Phase `json:"phases"`
}

// Server exposes runs, their results and vector tiles.
type Server struct {
	pool    db.Pool
	runs    store.Store
	tiles   *TileHandler
	basemap *TileProxy
}

// NewServer creates a Server. cache may be nil to disable tile caching.
func NewServer(pool db.Pool, runs store.Store, cache *TileCache) *Server {
	return &Server{
		pool:  pool,
		runs:  runs,
		tiles: NewTileHandler(pool, DefaultLayers(), cache),
	}
}

// WithBasemap serves p under /basemap.
func (s *Server) WithBasemap(p *TileProxy) *Server {
	s.basemap = p
	return s
}

// Router builds the chi router. Empty origins disables CORS.
func (s *Server) Router(origins []string) http.Handler {
	r := chi.NewRouter()
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Get("/api/runs", s.listRuns)
	r.Get("/api/runs/{id}", s.getRun)
	r.Get("/api/runs/{id}/zones", s.zones)
	r.Get("/api/runs/{id}/stations", s.stations)
	r.Get("/tiles/stats", s.tiles.StatsHandler)
	r.Handle("/tiles/*", s.tiles)
	if s.basemap != nil {
		r.Handle("/basemap/*", http.StripPrefix("/basemap", s.basemap))
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.pool.Exec(ctx, "SELECT 1"); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": time.Now().UTC(),
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Status: store.RunStatus(q.Get("status"))}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, r, err, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, r, err, "failed to load run")
		return
	}
	phases, err := s.runs.ListPhases(r.Context(), id)
	if err != nil {
		writeError(w, r, err, "failed to load phases")
		return
	}
	if phases == nil {
		phases = []store.Phase{}
	}
	writeJSON(w, http.StatusOK, RunDetail{Run: run, Phases: phases})
}

func (s *Server) zones(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.runs.GetRun(r.Context(), id); err != nil {
		writeError(w, r, err, "failed to load run")
		return
	}
	fc, err := Zones(r.Context(), s.pool, id)
	if err != nil {
		writeError(w, r, err, "failed to load zones")
		return
	}
	writeGeoJSON(w, fc)
}

func (s *Server) stations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.runs.GetRun(r.Context(), id); err != nil {
		writeError(w, r, err, "failed to load run")
		return
	}
	fc, err := Stations(r.Context(), s.pool, id)
	if err != nil {
		writeError(w, r, err, "failed to load stations")
		return
	}
	writeGeoJSON(w, fc)
}

func writeGeoJSON(w http.ResponseWriter, v json.Marshaler) {
	body, err := v.MarshalJSON()
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "run not found"})
		return
	}
	zap.L().Error(msg,
		zap.String("component", "geospatial.api"),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   msg,
		Details: map[string]any{"internal": err.Error()},
	})
}
