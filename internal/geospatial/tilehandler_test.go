package geospatial

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveTile(h http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestTileHandler_BadRequests(t *testing.T) {
	handler := NewTileHandler(nil, DefaultLayers(), nil)

	tests := []struct {
		target string
		code   int
	}{
		{"/tiles/bad", http.StatusBadRequest},
		{"/tiles/zones/10/1/1.png", http.StatusBadRequest},
		{"/tiles/zones/x/1/1.pbf", http.StatusBadRequest},
		{"/tiles/zones/2/4/0.pbf", http.StatusBadRequest},
		{"/tiles/nonexistent/5/10/10.pbf", http.StatusNotFound},
		{"/tiles/zones/3/1/1.pbf", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.code, serveTile(handler, tt.target).Code)
		})
	}
}

func TestTileHandler_CacheHit(t *testing.T) {
	cache := NewTileCache(100, 10*time.Minute)
	handler := NewTileHandler(nil, DefaultLayers(), cache)
	cache.Put("zones", "r1", 10, 536, 358, []byte("cached-tile"))

	w := serveTile(handler, "/tiles/zones/10/536/358.pbf?run=r1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.Equal(t, "application/vnd.mapbox-vector-tile", w.Header().Get("Content-Type"))
	assert.Equal(t, "cached-tile", w.Body.String())
}

func TestTileHandler_GeneratesAndCaches(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT ST_AsMVT`).
		WithArgs(10, 536, 358, "r1").
		WillReturnRows(pgxmock.NewRows([]string{"st_asmvt"}).AddRow([]byte("fresh")))

	cache := NewTileCache(100, 10*time.Minute)
	handler := NewTileHandler(mock, DefaultLayers(), cache)

	w := serveTile(handler, "/tiles/zones/10/536/358.pbf?run=r1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))
	assert.Equal(t, "fresh", w.Body.String())

	w = serveTile(handler, "/tiles/zones/10/536/358.pbf?run=r1")
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTileHandler_GenerationError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT ST_AsMVT`).WithArgs(12, 2145, 1434, "").WillReturnError(assert.AnError)

	w := serveTile(NewTileHandler(mock, DefaultLayers(), nil), "/tiles/stations/12/2145/1434.pbf")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTileHandler_Stats(t *testing.T) {
	cache := NewTileCache(5, time.Minute)
	cache.Put("zones", "", 1, 0, 0, []byte("t"))
	handler := NewTileHandler(nil, DefaultLayers(), cache)

	w := httptest.NewRecorder()
	handler.StatsHandler(w, httptest.NewRequest(http.MethodGet, "/tiles/stats", nil))

	var stats CacheStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 5, stats.MaxEntries)
}
