package geospatial

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/oev-cli/internal/fetcher"
	"github.com/sells-group/oev-cli/internal/store"
)

func newTestServer(t *testing.T) (*Server, pgxmock.PgxPoolIface, *store.SQLiteStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	return NewServer(mock, st, NewTileCache(10, time.Minute)), mock, st
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestRouter_Health(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	router := srv.Router(nil)

	mock.ExpectExec("SELECT 1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	w := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connected"`)

	mock.ExpectExec("SELECT 1").WillReturnError(assert.AnError)
	w = get(t, router, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouter_Runs(t *testing.T) {
	srv, _, st := newTestServer(t)
	router := srv.Router(nil)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, store.RunParams{Window: "06:00-20:00", Weekday: 1, Level: 3})
	require.NoError(t, err)
	phase, err := st.CreatePhase(ctx, run.ID, "count")
	require.NoError(t, err)
	require.NoError(t, st.CompletePhase(ctx, phase.ID, &store.PhaseResult{Status: store.PhaseStatusComplete, Rows: 4}))

	w := get(t, router, "/api/runs")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []store.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	w = get(t, router, "/api/runs/"+run.ID)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		ID     string        `json:"id"`
		Phases []store.Phase `json:"phases"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, run.ID, detail.ID)
	require.Len(t, detail.Phases, 1)
	assert.Equal(t, 4, detail.Phases[0].Result.Rows)

	w = get(t, router, "/api/runs/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Zones(t *testing.T) {
	srv, mock, st := newTestServer(t)
	router := srv.Router([]string{"http://localhost:5173"})

	run, err := st.CreateRun(context.Background(), store.RunParams{Window: "06:00-20:00", Weekday: 1, Level: 3})
	require.NoError(t, err)

	poly := geom.NewPolygonFlat(geom.XY, []float64{8.5, 47.3, 8.6, 47.3, 8.6, 47.4, 8.5, 47.3}, []int{8}).SetSRID(4326)
	mock.ExpectQuery("FROM transit.oev_zones").
		WithArgs(run.ID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "class", "geom"}).
			AddRow(int64(1), int32(1), mustEWKB(t, poly)))

	w := get(t, router, "/api/runs/"+run.ID+"/zones")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry   struct{ Type string } `json:"geometry"`
			Properties map[string]any        `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Polygon", fc.Features[0].Geometry.Type)
	assert.Equal(t, float64(1), fc.Features[0].Properties["class"])
	assert.NoError(t, mock.ExpectationsWereMet())

	w = get(t, router, "/api/runs/missing/zones")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_StationsError(t *testing.T) {
	srv, mock, st := newTestServer(t)
	router := srv.Router(nil)

	run, err := st.CreateRun(context.Background(), store.RunParams{Window: "06:00-20:00", Weekday: 1, Level: 3})
	require.NoError(t, err)

	mock.ExpectQuery("FROM transit.oev_stations").WithArgs(run.ID).WillReturnError(assert.AnError)

	w := get(t, router, "/api/runs/"+run.ID+"/stations")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "failed to load stations", body.Error)
}

func TestRouter_Tiles(t *testing.T) {
	srv, mock, _ := newTestServer(t)
	router := srv.Router(nil)

	mock.ExpectQuery("SELECT ST_AsMVT").
		WithArgs(12, 2145, 1434, "").
		WillReturnRows(pgxmock.NewRows([]string{"st_asmvt"}).AddRow([]byte("tile")))

	w := get(t, router, "/tiles/zones/12/2145/1434.pbf")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tile", w.Body.String())

	w = get(t, router, "/tiles/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouter_Basemap(t *testing.T) {
	srv, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, get(t, srv.Router(nil), "/basemap/1/0/0.png").Code)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer upstream.Close()

	proxy := NewTileProxy(upstream.URL+"/{z}/{x}/{y}.png", fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1}), nil)
	w := get(t, srv.WithBasemap(proxy).Router(nil), "/basemap/1/0/0.png")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/1/0/0.png", w.Body.String())
}
