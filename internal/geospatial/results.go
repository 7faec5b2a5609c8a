package geospatial

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/oev-cli/internal/db"
)

const zonesSQL = `
SELECT id, class, ST_AsEWKB(geom)
FROM transit.oev_zones
WHERE run_id = $1
ORDER BY class, id`

const stationsSQL = `
SELECT station_id, station_name, child_count, trip_counts, trip_ids, total_trips, class, frequency, ST_AsEWKB(geom)
FROM transit.oev_stations
WHERE run_id = $1
ORDER BY station_id`

// Zones returns the resolved zones of a run as a FeatureCollection with a
// "class" property.
func Zones(ctx context.Context, pool db.Pool, runID string) (*geojson.FeatureCollection, error) {
	rows, err := pool.Query(ctx, zonesSQL, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "geospatial: query zones of run %s", runID)
	}
	defer rows.Close()

	fc := &geojson.FeatureCollection{Features: []*geojson.Feature{}}
	for rows.Next() {
		var (
			id    int64
			class int32
			raw   []byte
		)
		if err := rows.Scan(&id, &class, &raw); err != nil {
			return nil, eris.Wrap(err, "geospatial: scan zone")
		}
		g, err := ewkb.Unmarshal(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "geospatial: decode zone %d", id)
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         "zone-" + strconv.FormatInt(id, 10),
			Geometry:   g,
			Properties: map[string]interface{}{"class": class},
		})
	}
	return fc, eris.Wrap(rows.Err(), "geospatial: iterate zones")
}

// Stations returns the classified stations of a run as point features.
func Stations(ctx context.Context, pool db.Pool, runID string) (*geojson.FeatureCollection, error) {
	rows, err := pool.Query(ctx, stationsSQL, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "geospatial: query stations of run %s", runID)
	}
	defer rows.Close()

	fc := &geojson.FeatureCollection{Features: []*geojson.Feature{}}
	for rows.Next() {
		var (
			id, name   string
			children   int32
			countsJSON []byte
			idsJSON    []byte
			total      int32
			class      int32
			frequency  *float64
			raw        []byte
		)
		if err := rows.Scan(&id, &name, &children, &countsJSON, &idsJSON, &total, &class, &frequency, &raw); err != nil {
			return nil, eris.Wrap(err, "geospatial: scan station")
		}
		g, err := ewkb.Unmarshal(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "geospatial: decode station %s", id)
		}
		var counts map[string]int
		if err := json.Unmarshal(countsJSON, &counts); err != nil {
			return nil, eris.Wrapf(err, "geospatial: decode trip counts of %s", id)
		}
		var tripIDs map[string][]string
		if err := json.Unmarshal(idsJSON, &tripIDs); err != nil {
			return nil, eris.Wrapf(err, "geospatial: decode trip ids of %s", id)
		}
		props := map[string]interface{}{
			"name":        name,
			"child_count": children,
			"trip_counts": counts,
			"trip_ids":    tripIDs,
			"total_trips": total,
			"class":       class,
		}
		if frequency != nil {
			props["frequency"] = *frequency
		}
		fc.Features = append(fc.Features, &geojson.Feature{ID: id, Geometry: g, Properties: props})
	}
	return fc, eris.Wrap(rows.Err(), "geospatial: iterate stations")
}
