package geospatial

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/db"
)

// TableStats holds size and row count information for a transit table.
type TableStats struct {
	TableName  string `json:"table_name"`
	RowCount   int64  `json:"row_count"`
	TotalSize  string `json:"total_size"`
	IndexSize  string `json:"index_size"`
	HasSpatial bool   `json:"has_spatial"`
}

// transitTables lists the tables maintenance commands operate on, largest
// churn first.
var transitTables = []string{
	"transit.stop_times",
	"transit.trips",
	"transit.stops",
	"transit.reference_areas",
	"transit.oev_stations",
	"transit.oev_zones",
}

// spatialIndexes pairs each table with the GIST index CLUSTER reorders by.
var spatialIndexes = []struct{ table, index string }{
	{"transit.stops", "idx_stops_geom"},
	{"transit.reference_areas", "idx_reference_areas_geom"},
	{"transit.oev_stations", "idx_oev_stations_geom"},
	{"transit.oev_zones", "idx_oev_zones_geom"},
}

// VacuumAnalyze runs VACUUM ANALYZE on the transit tables. Re-imports
// truncate and reload whole feeds, so planner statistics go stale quickly.
func VacuumAnalyze(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "geospatial.maintenance"))
	for _, table := range transitTables {
		log.Info("vacuum analyze", zap.String("table", table))
		if _, err := pool.Exec(ctx, "VACUUM ANALYZE "+db.QuoteTable(table)); err != nil {
			return eris.Wrapf(err, "geospatial: vacuum analyze %s", table)
		}
	}
	return nil
}

// ClusterSpatialIndexes physically reorders the spatial tables by their
// GIST index.
func ClusterSpatialIndexes(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "geospatial.maintenance"))
	for _, si := range spatialIndexes {
		log.Info("cluster", zap.String("table", si.table), zap.String("index", si.index))
		sql := "CLUSTER " + db.QuoteTable(si.table) + " USING " + db.QuoteColumns([]string{si.index})
		if _, err := pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "geospatial: cluster %s using %s", si.table, si.index)
		}
	}
	return nil
}

// GetTableStats returns size and row count statistics for all transit tables.
func GetTableStats(ctx context.Context, pool db.Pool) ([]TableStats, error) {
	sql := `
		SELECT
			schemaname || '.' || relname AS table_name,
			n_live_tup AS row_count,
			pg_size_pretty(pg_total_relation_size(relid)) AS total_size,
			pg_size_pretty(pg_indexes_size(relid)) AS index_size,
			EXISTS (
				SELECT 1 FROM pg_indexes
				WHERE schemaname = s.schemaname AND tablename = s.relname
				AND indexdef LIKE '%USING gist%'
			) AS has_spatial
		FROM pg_stat_user_tables s
		WHERE schemaname = 'transit'
		ORDER BY pg_total_relation_size(relid) DESC
	`
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: query table stats")
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(&s.TableName, &s.RowCount, &s.TotalSize, &s.IndexSize, &s.HasSpatial); err != nil {
			return nil, eris.Wrap(err, "geospatial: scan table stats row")
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "geospatial: iterate table stats rows")
	}
	return stats, nil
}

// ReindexSpatial rebuilds every index in the transit schema.
func ReindexSpatial(ctx context.Context, pool db.Pool) error {
	zap.L().Info("reindexing transit schema", zap.String("component", "geospatial.maintenance"))
	if _, err := pool.Exec(ctx, "REINDEX SCHEMA transit"); err != nil {
		return eris.Wrap(err, "geospatial: reindex schema")
	}
	return nil
}
