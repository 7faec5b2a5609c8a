package trips

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/db"
	"github.com/sells-group/oev-cli/internal/grid"
)

// ErrInvalidReferenceArea is returned when a reference area is missing,
// ambiguous or does not name a geometry relation.
var ErrInvalidReferenceArea = eris.New("trips: invalid reference area")

// ErrAreaTooLarge is returned when a reference area exceeds its Limits.
var ErrAreaTooLarge = eris.New("trips: reference area too large")

// ReferenceArea selects the stations in scope. Exactly one field is set:
// Table names a sharded relation carrying shard_key and geom columns;
// Geometry is an ad-hoc area in EPSG:4326.
type ReferenceArea struct {
	Table    string
	Geometry geom.T
}

func (a ReferenceArea) validate() error {
	hasTable := a.Table != ""
	hasGeom := a.Geometry != nil
	switch {
	case hasTable && hasGeom:
		return eris.Wrap(ErrInvalidReferenceArea, "both table and geometry given")
	case !hasTable && !hasGeom:
		return eris.Wrap(ErrInvalidReferenceArea, "neither table nor geometry given")
	}
	return nil
}

// Limits bound the size of a reference area. Zero disables a limit.
type Limits struct {
	MaxFeatures int
	MaxAreaKm2  float64
}

func (l Limits) enabled() bool { return l.MaxFeatures > 0 || l.MaxAreaKm2 > 0 }

// Query is one trip count request.
type Query struct {
	Window  TimeWindow
	Weekday Weekday
	Area    ReferenceArea
	Limits  Limits
}

// Aggregator counts departures against the imported GTFS tables.
type Aggregator struct {
	pool  db.Pool
	level grid.Level
}

// NewAggregator creates an Aggregator. level must match the shard level
// the stops relation was keyed with.
func NewAggregator(pool db.Pool, level grid.Level) *Aggregator {
	return &Aggregator{pool: pool, level: level}
}

// Count returns per-station trip counts for q. A reference area that
// covers no station yields an empty slice.
func (a *Aggregator) Count(ctx context.Context, q Query) ([]StationTrips, error) {
	if err := q.Window.Validate(); err != nil {
		return nil, err
	}
	if err := q.Weekday.Validate(); err != nil {
		return nil, err
	}
	if err := q.Area.validate(); err != nil {
		return nil, err
	}
	if err := grid.ValidateLevel(a.level); err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("component", "trips.aggregator"),
		zap.Stringer("window", q.Window),
		zap.Int("weekday", int(q.Weekday)),
	)
	start := time.Now()

	areaSQL, args, err := a.areaSource(ctx, q.Area)
	if err != nil {
		return nil, err
	}
	if areaSQL == "" {
		log.Info("reference area is empty")
		return []StationTrips{}, nil
	}
	if err := a.checkLimits(ctx, q.Area, areaSQL, args, q.Limits); err != nil {
		return nil, err
	}

	args = append(args,
		int(q.Window.From/time.Second),
		int(q.Window.To/time.Second),
		int(q.Weekday),
	)
	n := len(args)
	sql := fmt.Sprintf(departuresSQL, areaSQL, n-2, n-1, n)

	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "trips: query departures")
	}
	defer rows.Close()

	var deps []Departure
	for rows.Next() {
		var (
			d       Departure
			raw     []byte
			key     int32
			mode    int32
			station string
		)
		if err := rows.Scan(&station, &d.StationName, &raw, &key, &d.StopID, &mode, &d.TripID, &d.Active); err != nil {
			return nil, eris.Wrap(err, "trips: scan departure")
		}
		g, err := ewkb.Unmarshal(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "trips: decode geometry of station %s", station)
		}
		d.StationID = station
		d.Geometry = g
		d.ShardKey = grid.ShardKey(key)
		d.Mode = Mode(mode)
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "trips: iterate departures")
	}

	stations := Aggregate(deps)
	log.Info("trips counted",
		zap.Int("departures", len(deps)),
		zap.Int("stations", len(stations)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return stations, nil
}

// areaSource renders the reference area as a (shard_key, geom) relation.
// It returns an empty string when the area cannot contain any station.
func (a *Aggregator) areaSource(ctx context.Context, area ReferenceArea) (string, []any, error) {
	if area.Table != "" {
		var ok bool
		err := a.pool.QueryRow(ctx, areaColumnsSQL, area.Table).Scan(&ok)
		if err != nil {
			return "", nil, eris.Wrapf(err, "trips: inspect reference area %s", area.Table)
		}
		if !ok {
			return "", nil, eris.Wrapf(ErrInvalidReferenceArea, "%s has no shard_key and geom columns", area.Table)
		}
		return db.QuoteTable(area.Table), nil, nil
	}

	cells := grid.WithNeighbours(grid.CoveringFor(area.Geometry, a.level), a.level)
	if len(cells) == 0 {
		return "", nil, nil
	}
	if area.Geometry.SRID() == 0 {
		area.Geometry = setSRID(area.Geometry)
	}
	raw, err := ewkb.Marshal(area.Geometry, ewkb.NDR)
	if err != nil {
		return "", nil, eris.Wrap(err, "trips: encode reference area")
	}
	src := `(SELECT k AS shard_key, ST_GeomFromEWKB($1) AS geom FROM unnest($2::integer[]) k)`
	return src, []any{raw, grid.Keys(cells)}, nil
}

// checkLimits measures the reference area before any departure is read.
// Rows of a sharded area table are told apart by their attribute columns,
// so the fragments of one feature count once.
func (a *Aggregator) checkLimits(ctx context.Context, area ReferenceArea, areaSQL string, args []any, l Limits) error {
	if !l.enabled() {
		return nil
	}
	var (
		features int64
		km2      float64
	)
	if area.Table != "" {
		err := a.pool.QueryRow(ctx, fmt.Sprintf(areaStatsSQL, areaSQL)).Scan(&features, &km2)
		if err != nil {
			return eris.Wrapf(err, "trips: measure reference area %s", area.Table)
		}
	} else {
		features = int64(featureCount(area.Geometry))
		if err := a.pool.QueryRow(ctx, geometryAreaSQL, args[0]).Scan(&km2); err != nil {
			return eris.Wrap(err, "trips: measure reference area")
		}
	}

	if l.MaxFeatures > 0 && features > int64(l.MaxFeatures) {
		return eris.Wrapf(ErrAreaTooLarge, "%d features, at most %d allowed", features, l.MaxFeatures)
	}
	if l.MaxAreaKm2 > 0 && km2 > l.MaxAreaKm2 {
		return eris.Wrapf(ErrAreaTooLarge, "%.1f km², at most %.1f km² allowed", km2, l.MaxAreaKm2)
	}
	return nil
}

func featureCount(g geom.T) int {
	if mp, ok := g.(*geom.MultiPolygon); ok {
		return mp.NumPolygons()
	}
	return 1
}

func setSRID(g geom.T) geom.T {
	switch t := g.(type) {
	case *geom.Point:
		return t.SetSRID(4326)
	case *geom.Polygon:
		return t.SetSRID(4326)
	case *geom.MultiPolygon:
		return t.SetSRID(4326)
	case *geom.LineString:
		return t.SetSRID(4326)
	case *geom.MultiLineString:
		return t.SetSRID(4326)
	case *geom.MultiPoint:
		return t.SetSRID(4326)
	}
	return g
}

// areaColumnsSQL checks the relation exists and carries the columns the
// shard-local join needs.
const areaColumnsSQL = `
SELECT count(*) = 2
FROM pg_attribute
WHERE attrelid = to_regclass($1)
  AND attname IN ('shard_key', 'geom')
  AND NOT attisdropped`

const areaStatsSQL = `
SELECT count(DISTINCT to_jsonb(a) - 'geom' - 'shard_key'),
       coalesce(sum(ST_Area(a.geom::geography)), 0) / 1e6
FROM %s a`

const geometryAreaSQL = `SELECT ST_Area(ST_GeomFromEWKB($1)::geography) / 1e6`

// departuresSQL lists the departures at stops inside the area. Stops are
// matched shard-locally; a stop without parent is its own station. Postgres
// arrays are 1-based so the weekday is used as the mask index directly.
const departuresSQL = `
WITH area_stops AS (
	SELECT DISTINCT s.stop_id, s.stop_name, s.parent_station, s.shard_key, s.geom
	FROM transit.stops s
	JOIN %s a ON s.shard_key = a.shard_key AND ST_Intersects(s.geom, a.geom)
)
SELECT
	coalesce(p.stop_id, s.stop_id),
	coalesce(p.stop_name, s.stop_name),
	ST_AsEWKB(coalesce(p.geom, s.geom)),
	coalesce(p.shard_key, s.shard_key),
	s.stop_id,
	t.route_type,
	t.trip_id,
	coalesce(t.weekdays[$%[4]d], false)
FROM area_stops s
LEFT JOIN transit.stops p ON p.stop_id = s.parent_station
JOIN transit.stop_times st ON st.stop_id = s.stop_id
JOIN transit.trips t ON t.trip_id = st.trip_id
WHERE st.departure_seconds >= $%[2]d AND st.departure_seconds < $%[3]d`
