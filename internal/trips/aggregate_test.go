package trips

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/oev-cli/internal/grid"
)

func dep(station, stop string, mode Mode, trip string, active bool) Departure {
	return Departure{StationID: station, StationName: "S " + station, StopID: stop, Mode: mode, TripID: trip, Active: active}
}

func TestAggregate_GroupsByParent(t *testing.T) {
	t.Parallel()

	got := Aggregate([]Departure{
		dep("zurich_hb", "zurich_hb:1", 2, "t1", true),
		dep("zurich_hb", "zurich_hb:2", 2, "t2", true),
		dep("zurich_hb", "zurich_hb:2", 700, "b1", true),
		dep("zurich_hb", "zurich_hb:2", 700, "b1", true),
		dep("zurich_hb", "zurich_hb:3", 700, "b2", false),
		dep("bellevue", "bellevue", 900, "tram1", true),
	})

	require.Len(t, got, 2)
	assert.Equal(t, "bellevue", got[0].StationID)
	assert.Equal(t, 1, got[0].ChildCount)
	assert.Equal(t, map[Mode]int{900: 1}, got[0].TripCount)

	hb := got[1]
	assert.Equal(t, "zurich_hb", hb.StationID)
	assert.Equal(t, 2, hb.ChildCount)
	assert.Equal(t, map[Mode]int{2: 2, 700: 2}, hb.TripCount)
	assert.Equal(t, []string{"t1", "t2"}, hb.TripIDs[2])
	assert.Equal(t, []string{"b1"}, hb.TripIDs[700])
	assert.Equal(t, 4, hb.Total())
}

func TestAggregate_DropsInactive(t *testing.T) {
	t.Parallel()

	got := Aggregate([]Departure{
		dep("a", "a", 3, "t1", false),
		dep("b", "b", 3, "t2", true),
		dep("b", "b", 7, "t3", false),
	})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].StationID)
	assert.NotContains(t, got[0].TripCount, Mode(7))
	assert.NotContains(t, got[0].TripIDs, Mode(7))
}

func TestAggregate_ChildCountIgnoresInactiveStops(t *testing.T) {
	t.Parallel()

	got := Aggregate([]Departure{
		dep("bern", "bern:1", 102, "ic1", true),
		dep("bern", "bern:1", 102, "ic2", true),
		dep("bern", "bern:2", 102, "ir1", false),
	})
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ChildCount)

	got = Aggregate([]Departure{
		dep("bern", "bern:1", 102, "ic1", true),
		dep("bern", "bern:2", 102, "ir1", true),
		dep("bern", "bern:2", 102, "ir2", false),
	})
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].ChildCount)
}

func TestAggregate_Empty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, Aggregate(nil))
}

func TestAggregate_ModePartitionable(t *testing.T) {
	t.Parallel()

	var deps []Departure
	for i := range 60 {
		mode := []Mode{2, 3, 700, 900}[i%4]
		deps = append(deps, dep(fmt.Sprintf("s%d", i%5), fmt.Sprintf("p%d", i%7), mode, fmt.Sprintf("t%d", i), i%3 != 0))
	}

	whole := Aggregate(deps)
	perMode := map[string]int{}
	for _, m := range []Mode{2, 3, 700, 900} {
		var only []Departure
		for _, d := range deps {
			if d.Mode == m {
				only = append(only, d)
			}
		}
		for _, st := range Aggregate(only) {
			perMode[st.StationID] += st.TripCount[m]
		}
	}
	for _, st := range whole {
		assert.Equal(t, perMode[st.StationID], st.Total(), st.StationID)
	}

	reversed := make([]Departure, len(deps))
	for i, d := range deps {
		reversed[len(deps)-1-i] = d
	}
	assert.Equal(t, whole, Aggregate(reversed))
}

func departureRows(t *testing.T) *pgxmock.Rows {
	t.Helper()
	pt := geom.NewPointFlat(geom.XY, []float64{8.54, 47.378}).SetSRID(4326)
	raw, err := ewkb.Marshal(pt, ewkb.NDR)
	require.NoError(t, err)
	key := int32(grid.CellAt(47.378, 8.54, grid.DefaultLevel).Key)
	return pgxmock.NewRows([]string{"station_id", "station_name", "geom", "shard_key", "stop_id", "route_type", "trip_id", "active"}).
		AddRow("8503000", "Zürich HB", raw, key, "8503000:0:3", int32(102), "ic1", true).
		AddRow("8503000", "Zürich HB", raw, key, "8503000:0:4", int32(102), "ic2", true).
		AddRow("8503000", "Zürich HB", raw, key, "8503000:0:4", int32(102), "ic3", false)
}

func TestCount_TableArea(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("attname IN").WithArgs("transit.areas_sharded").
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectQuery(`JOIN "transit"\."areas_sharded" a ON s\.shard_key = a\.shard_key`).
		WithArgs(21600, 72000, 1).
		WillReturnRows(departureRows(t))

	agg := NewAggregator(mock, grid.DefaultLevel)
	got, err := agg.Count(context.Background(), Query{
		Window:  NewTimeWindow(6*3600, 20*3600),
		Weekday: Monday,
		Area:    ReferenceArea{Table: "transit.areas_sharded"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Zürich HB", got[0].StationName)
	assert.Equal(t, 2, got[0].ChildCount)
	assert.Equal(t, map[Mode]int{102: 2}, got[0].TripCount)
	assert.Equal(t, grid.CellAt(47.378, 8.54, grid.DefaultLevel).Key, got[0].ShardKey)
	assert.Equal(t, 4326, got[0].Geometry.SRID())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount_GeometryArea(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	area := geom.NewPolygonFlat(geom.XY, []float64{8.4, 47.3, 8.7, 47.3, 8.7, 47.5, 8.4, 47.5, 8.4, 47.3}, []int{10})
	mock.ExpectQuery(`ST_GeomFromEWKB\(\$1\) AS geom FROM unnest\(\$2::integer\[\]\)`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), 21600, 72000, 6).
		WillReturnRows(departureRows(t))

	got, err := NewAggregator(mock, grid.DefaultLevel).Count(context.Background(), Query{
		Window:  NewTimeWindow(6*3600, 20*3600),
		Weekday: Saturday,
		Area:    ReferenceArea{Geometry: area},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount_EmptyGeometryArea(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	got, err := NewAggregator(mock, grid.DefaultLevel).Count(context.Background(), Query{
		Window:  NewTimeWindow(0, 3600),
		Weekday: Monday,
		Area:    ReferenceArea{Geometry: geom.NewPolygon(geom.XY)},
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount_InvalidReferenceArea(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	agg := NewAggregator(mock, grid.DefaultLevel)
	base := Query{Window: NewTimeWindow(0, 3600), Weekday: Monday}

	_, err = agg.Count(context.Background(), base)
	assert.True(t, eris.Is(err, ErrInvalidReferenceArea))

	both := base
	both.Area = ReferenceArea{Table: "x", Geometry: geom.NewPoint(geom.XY)}
	_, err = agg.Count(context.Background(), both)
	assert.True(t, eris.Is(err, ErrInvalidReferenceArea))

	mock.ExpectQuery("attname IN").WithArgs("public.parks").
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(false))
	notSharded := base
	notSharded.Area = ReferenceArea{Table: "public.parks"}
	_, err = agg.Count(context.Background(), notSharded)
	assert.True(t, eris.Is(err, ErrInvalidReferenceArea))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount_InvalidInput(t *testing.T) {
	agg := NewAggregator(nil, grid.DefaultLevel)
	area := ReferenceArea{Table: "transit.areas_sharded"}

	_, err := agg.Count(context.Background(), Query{Window: NewTimeWindow(3600, 0), Weekday: Monday, Area: area})
	assert.Error(t, err)

	_, err = agg.Count(context.Background(), Query{Window: NewTimeWindow(0, 3600), Weekday: 9, Area: area})
	assert.Error(t, err)

	_, err = NewAggregator(nil, 20).Count(context.Background(), Query{Window: NewTimeWindow(0, 3600), Weekday: 1, Area: area})
	assert.True(t, eris.Is(err, grid.ErrUnsupportedLevel))
}

func TestCount_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("attname IN").WithArgs("transit.areas_sharded").
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectQuery("area_stops").WithArgs(0, 3600, 1).WillReturnError(errors.New("relation does not exist"))

	_, err = NewAggregator(mock, grid.DefaultLevel).Count(context.Background(), Query{
		Window:  NewTimeWindow(0, 3600),
		Weekday: Monday,
		Area:    ReferenceArea{Table: "transit.areas_sharded"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query departures")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount_TableAreaTooManyFeatures(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("attname IN").WithArgs("transit.areas_sharded").
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectQuery(`count\(DISTINCT to_jsonb\(a\) - 'geom' - 'shard_key'\).*FROM "transit"\."areas_sharded" a`).
		WillReturnRows(pgxmock.NewRows([]string{"features", "km2"}).AddRow(int64(1001), 120.5))

	_, err = NewAggregator(mock, grid.DefaultLevel).Count(context.Background(), Query{
		Window:  NewTimeWindow(6*3600, 20*3600),
		Weekday: Monday,
		Area:    ReferenceArea{Table: "transit.areas_sharded"},
		Limits:  Limits{MaxFeatures: 1000, MaxAreaKm2: 500000},
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrAreaTooLarge))
	assert.Contains(t, err.Error(), "1001 features")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount_TableAreaWithinLimits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("attname IN").WithArgs("transit.areas_sharded").
		WillReturnRows(pgxmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectQuery("ST_Area").
		WillReturnRows(pgxmock.NewRows([]string{"features", "km2"}).AddRow(int64(3), 87.9))
	mock.ExpectQuery("area_stops").WithArgs(21600, 72000, 1).WillReturnRows(departureRows(t))

	got, err := NewAggregator(mock, grid.DefaultLevel).Count(context.Background(), Query{
		Window:  NewTimeWindow(6*3600, 20*3600),
		Weekday: Monday,
		Area:    ReferenceArea{Table: "transit.areas_sharded"},
		Limits:  Limits{MaxFeatures: 1000, MaxAreaKm2: 500000},
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount_GeometryAreaTooLarge(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	area := geom.NewPolygonFlat(geom.XY, []float64{5.9, 45.8, 10.5, 45.8, 10.5, 47.8, 5.9, 47.8, 5.9, 45.8}, []int{10})
	mock.ExpectQuery(`ST_Area\(ST_GeomFromEWKB\(\$1\)::geography\)`).WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"km2"}).AddRow(77000.0))

	_, err = NewAggregator(mock, grid.DefaultLevel).Count(context.Background(), Query{
		Window:  NewTimeWindow(6*3600, 20*3600),
		Weekday: Monday,
		Area:    ReferenceArea{Geometry: area},
		Limits:  Limits{MaxAreaKm2: 50000},
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrAreaTooLarge))
	assert.NoError(t, mock.ExpectationsWereMet())
}
