package geospatial

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/db"
)

// TileHandler serves MVT vector tiles over HTTP.
type TileHandler struct {
	pool   db.Pool
	layers map[string]LayerConfig
	cache  *TileCache
}

// NewTileHandler creates a new MVT tile HTTP handler. cache may be nil.
func NewTileHandler(pool db.Pool, layers map[string]LayerConfig, cache *TileCache) *TileHandler {
	return &TileHandler{
		pool:   pool,
		layers: layers,
		cache:  cache,
	}
}

// ServeHTTP handles /tiles/{layer}/{z}/{x}/{y}.pbf with an optional
// ?run=<id> selecting the run (default: latest).
func (h *TileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tiles/")
	parts := strings.Split(path, "/")
	if len(parts) != 4 || !strings.HasSuffix(parts[3], ".pbf") {
		http.Error(w, "invalid tile path", http.StatusBadRequest)
		return
	}

	layerName := parts[0]
	layer, ok := h.layers[layerName]
	if !ok {
		http.Error(w, "unknown layer", http.StatusNotFound)
		return
	}

	coords := make([]int, 3)
	for i, s := range []string{parts[1], parts[2], strings.TrimSuffix(parts[3], ".pbf")} {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "invalid tile coordinate", http.StatusBadRequest)
			return
		}
		coords[i] = v
	}
	z, x, y := coords[0], coords[1], coords[2]
	if !validTile(z, x, y) {
		http.Error(w, "tile outside zoom level", http.StatusBadRequest)
		return
	}
	if z < layer.MinZoom || z > layer.MaxZoom {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	runID := r.URL.Query().Get("run")

	if h.cache != nil {
		if cached := h.cache.Get(layerName, runID, z, x, y); cached != nil {
			w.Header().Set("Content-Type", "application/vnd.mapbox-vector-tile")
			w.Header().Set("X-Cache", "hit")
			_, _ = w.Write(cached)
			return
		}
	}

	tile, err := GenerateMVT(r.Context(), h.pool, layer, runID, z, x, y)
	if err != nil {
		zap.L().Error("tile generation failed",
			zap.String("component", "geospatial.tiles"),
			zap.String("layer", layerName),
			zap.String("run_id", runID),
			zap.Int("z", z), zap.Int("x", x), zap.Int("y", y),
			zap.Error(err),
		)
		http.Error(w, "tile generation failed", http.StatusInternalServerError)
		return
	}

	if h.cache != nil {
		h.cache.Put(layerName, runID, z, x, y, tile)
	}
	w.Header().Set("Content-Type", "application/vnd.mapbox-vector-tile")
	w.Header().Set("X-Cache", "miss")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(tile)
}

// StatsHandler returns cache statistics as JSON.
func (h *TileHandler) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	var stats CacheStats
	if h.cache != nil {
		stats = h.cache.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// maxZoom bounds tile requests well past any useful zoom.
const maxZoom = 24

func validTile(z, x, y int) bool {
	return z >= 0 && z <= maxZoom && x >= 0 && y >= 0 && x < 1<<z && y < 1<<z
}
