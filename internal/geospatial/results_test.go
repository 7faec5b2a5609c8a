package geospatial

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

func mustEWKB(t *testing.T, g geom.T) []byte {
	t.Helper()
	raw, err := ewkb.Marshal(g, ewkb.NDR)
	require.NoError(t, err)
	return raw
}

var stationColumns = []string{"station_id", "station_name", "child_count", "trip_counts", "trip_ids", "total_trips", "class", "frequency", "geom"}

func TestStations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	freq := 5.5
	pt := geom.NewPointFlat(geom.XY, []float64{8.54, 47.378}).SetSRID(4326)
	mock.ExpectQuery("FROM transit.oev_stations").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(stationColumns).
			AddRow("hb", "Zürich HB", int32(3), []byte(`{"102":40,"900":12}`), []byte(`{"102":["ic1"],"900":["t7","t9"]}`), int32(52), int32(1), &freq, mustEWKB(t, pt)).
			AddRow("x", "Nowhere", int32(1), []byte(`{"3":1}`), []byte(`{"3":["b1"]}`), int32(1), int32(999), (*float64)(nil), mustEWKB(t, pt)))

	fc, err := Stations(context.Background(), mock, "run-1")
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	hb := fc.Features[0]
	assert.Equal(t, "hb", hb.ID)
	assert.Equal(t, 5.5, hb.Properties["frequency"])
	assert.Equal(t, map[string]int{"102": 40, "900": 12}, hb.Properties["trip_counts"])
	assert.Equal(t, map[string][]string{"102": {"ic1"}, "900": {"t7", "t9"}}, hb.Properties["trip_ids"])
	assert.IsType(t, &geom.Point{}, hb.Geometry)

	_, hasFreq := fc.Features[1].Properties["frequency"]
	assert.False(t, hasFreq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestZones_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM transit.oev_zones").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "class", "geom"}))

	fc, err := Zones(context.Background(), mock, "run-1")
	require.NoError(t, err)
	assert.Empty(t, fc.Features)

	body, err := fc.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(body), `"features":[]`)
}

func TestZones_BadGeometry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM transit.oev_zones").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "class", "geom"}).AddRow(int64(7), int32(2), []byte{0x01}))

	_, err = Zones(context.Background(), mock, "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode zone 7")
}
