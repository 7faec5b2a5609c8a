package zones

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/classify"
	"github.com/sells-group/oev-cli/internal/db"
)

const candidateTable = "oev_candidates"

var candidateColumns = []string{"station_id", "class", "radius", "geom"}

// Resolver buffers, merges and de-overlaps candidates inside PostGIS.
type Resolver struct {
	pool db.Pool
}

// NewResolver creates a Resolver.
func NewResolver(pool db.Pool) *Resolver {
	return &Resolver{pool: pool}
}

// Resolve computes the class zones of plan, ordered by class. Buffers use
// geography distances in metres; radius 0 keeps the geometry as is.
func (r *Resolver) Resolve(ctx context.Context, plan Plan) ([]Zone, error) {
	cands := plan.Candidates()
	if len(cands) == 0 {
		return []Zone{}, nil
	}

	log := zap.L().With(zap.String("component", "zones.resolver"))
	start := time.Now()

	rows := make([][]any, 0, len(cands))
	for _, c := range cands {
		raw, err := ewkb.Marshal(withSRID(c.Geometry), ewkb.NDR)
		if err != nil {
			return nil, eris.Wrapf(err, "zones: encode candidate of station %q", c.StationID)
		}
		rows = append(rows, []any{c.StationID, int32(c.Class), int32(c.Radius), raw})
	}

	var zones []Zone
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, createCandidatesSQL); err != nil {
			return eris.Wrap(err, "zones: create candidate table")
		}
		if _, err := db.CopyFromTx(ctx, tx, candidateTable, candidateColumns, rows); err != nil {
			return eris.Wrap(err, "zones: load candidates")
		}

		res, err := tx.Query(ctx, resolveSQL)
		if err != nil {
			return eris.Wrap(err, "zones: resolve")
		}
		defer res.Close()
		for res.Next() {
			var (
				class int32
				raw   []byte
			)
			if err := res.Scan(&class, &raw); err != nil {
				return eris.Wrap(err, "zones: scan zone")
			}
			g, err := ewkb.Unmarshal(raw)
			if err != nil {
				return eris.Wrapf(err, "zones: decode zone of class %d", class)
			}
			zones = append(zones, Zone{Class: classify.Class(class), Geometry: g})
		}
		return eris.Wrap(res.Err(), "zones: iterate zones")
	})
	if err != nil {
		return nil, err
	}

	log.Info("zones resolved",
		zap.Int("candidates", len(cands)),
		zap.Int("zones", len(zones)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return zones, nil
}

func withSRID(g geom.T) geom.T {
	if g.SRID() != 0 {
		return g
	}
	switch t := g.(type) {
	case *geom.Point:
		return t.SetSRID(4326)
	case *geom.Polygon:
		return t.SetSRID(4326)
	case *geom.MultiPolygon:
		return t.SetSRID(4326)
	}
	return g
}

const createCandidatesSQL = `
CREATE TEMP TABLE oev_candidates (
	station_id text,
	class      integer  NOT NULL,
	radius     integer  NOT NULL,
	geom       geometry NOT NULL
) ON COMMIT DROP`

// resolveSQL buffers every candidate, unions touching buffers of the same
// class into one component and subtracts from each component the union of
// the better-class components it intersects.
const resolveSQL = `
WITH buffered AS (
	SELECT class,
		CASE WHEN radius > 0
			THEN ST_Buffer(geom::geography, radius)::geometry
			ELSE geom
		END AS geom
	FROM oev_candidates
),
clustered AS (
	SELECT class, geom,
		ST_ClusterDBSCAN(geom, eps := 0, minpoints := 1) OVER (PARTITION BY class) AS cluster_id
	FROM buffered
),
merged AS (
	SELECT class, ST_Union(geom) AS geom
	FROM clustered
	GROUP BY class, cluster_id
),
resolved AS (
	SELECT a.class,
		CASE WHEN b.geom IS NULL
			THEN a.geom
			ELSE ST_CollectionExtract(ST_Difference(a.geom, b.geom), 3)
		END AS geom
	FROM merged a
	LEFT JOIN LATERAL (
		SELECT ST_Union(m.geom) AS geom
		FROM merged m
		WHERE m.class < a.class AND ST_Intersects(a.geom, m.geom)
	) b ON true
)
SELECT class, ST_AsEWKB(geom)
FROM resolved
WHERE NOT ST_IsEmpty(geom)
ORDER BY class`
