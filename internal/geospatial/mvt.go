package geospatial

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/oev-cli/internal/db"
)

// LayerConfig defines how a result table maps to an MVT tile layer.
type LayerConfig struct {
	Table      string `json:"table"`
	GeomColumn string `json:"geom_column"`
	Columns    string `json:"columns"` // comma-separated columns to include
	IsPoint    bool   `json:"is_point"`
	MinZoom    int    `json:"min_zoom"`
	MaxZoom    int    `json:"max_zoom"`
}

// validMVTTables is an allowlist of table names that may appear in MVT generation queries.
var validMVTTables = map[string]bool{
	"transit.oev_zones":    true,
	"transit.oev_stations": true,
}

// DefaultLayers returns the layers served under /tiles.
func DefaultLayers() map[string]LayerConfig {
	return map[string]LayerConfig{
		"zones": {
			Table:      "transit.oev_zones",
			GeomColumn: "geom",
			Columns:    "class",
			MinZoom:    6,
			MaxZoom:    16,
		},
		"stations": {
			Table:      "transit.oev_stations",
			GeomColumn: "geom",
			Columns:    "station_id, station_name, class, frequency, total_trips",
			IsPoint:    true,
			MinZoom:    10,
			MaxZoom:    18,
		},
	}
}

// GenerateMVT renders one tile of a layer for a run. An empty runID selects
// the latest run written to the layer's table. Geometries are stored in
// EPSG:4326 and transformed to web mercator for the tile envelope.
func GenerateMVT(ctx context.Context, pool db.Pool, layer LayerConfig, runID string, z, x, y int) ([]byte, error) {
	if !validMVTTables[layer.Table] {
		return nil, eris.Errorf("geospatial: invalid MVT table %q", layer.Table)
	}
	table := db.QuoteTable(layer.Table)

	sql := fmt.Sprintf(`
		SELECT ST_AsMVT(q, 'default', 4096, 'geom') FROM (
			SELECT %[1]s,
				ST_AsMVTGeom(
					ST_Transform(%[2]s, 3857),
					ST_TileEnvelope($1, $2, $3),
					4096, 256, true
				) AS geom
			FROM %[3]s
			WHERE run_id = coalesce(nullif($4, ''), (SELECT run_id FROM transit.oev_zones ORDER BY created_at DESC LIMIT 1))
			  AND %[2]s && ST_Transform(ST_TileEnvelope($1, $2, $3), 4326)
		) q`,
		layer.Columns,
		layer.GeomColumn,
		table,
	)

	var tile []byte
	if err := pool.QueryRow(ctx, sql, z, x, y, runID).Scan(&tile); err != nil {
		return nil, eris.Wrap(err, "geospatial: generate MVT")
	}
	return tile, nil
}
