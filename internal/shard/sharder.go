// Package shard partitions geometry relations into S2-keyed shards so that
// spatial joins against other shard-keyed data stay local to one shard.
package shard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/oev-cli/internal/db"
	"github.com/sells-group/oev-cli/internal/grid"
)

// Sharder writes sharded copies of geometry relations.
type Sharder struct {
	pool        db.Pool
	placer      Placer
	concurrency int
}

// New creates a Sharder. concurrency bounds the number of parallel clipping
// workers; each worker owns a disjoint set of shard keys.
func New(pool db.Pool, placer Placer, concurrency int) *Sharder {
	if placer == nil {
		placer = NoopPlacer{}
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Sharder{pool: pool, placer: placer, concurrency: concurrency}
}

// Shard subdivides, repairs and clips the source geometries into cells and
// publishes the result as req.Dest. The destination is replaced in a single
// transaction (or appended to when req.Append is set); on failure it is left
// untouched and every helper relation is dropped.
func (s *Sharder) Shard(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("component", "shard.sharder"),
		zap.String("source", req.Source),
		zap.String("dest", req.Dest),
		zap.String("kind", string(req.Kind)),
		zap.Int("level", int(req.Level)),
	)
	start := time.Now()

	t := tables{
		fragments: sibling(req.Dest, "fragments"),
		cells:     sibling(req.Dest, "cells"),
		staging:   sibling(req.Dest, "staging"),
	}
	if err := s.dropHelpers(ctx, t); err != nil {
		return nil, err
	}

	res, err := s.build(ctx, req, t)
	if err != nil {
		if cleanupErr := s.dropHelpers(context.WithoutCancel(ctx), t); cleanupErr != nil {
			log.Warn("shard: cleanup after failure", zap.Error(cleanupErr))
		}
		return nil, err
	}

	log.Info("geometries sharded",
		zap.Int64("fragments", res.Fragments),
		zap.Int64("rows", res.Rows),
		zap.Int("cells", res.Cells),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

type tables struct {
	fragments string
	cells     string
	staging   string
}

func (s *Sharder) build(ctx context.Context, req Request, t tables) (*Result, error) {
	res := &Result{}

	n, err := s.stageFragments(ctx, req, t)
	if err != nil {
		return nil, err
	}
	res.Fragments = n

	cells, err := s.stageCells(ctx, req, t)
	if err != nil {
		return nil, err
	}
	res.Cells = len(cells)

	if err := s.createStaging(ctx, req, t); err != nil {
		return nil, err
	}
	rows, err := s.clip(ctx, req, t, cells)
	if err != nil {
		return nil, err
	}
	res.Rows = rows

	replaced, err := s.publish(ctx, req, t)
	if err != nil {
		return nil, err
	}
	if replaced {
		if err := s.placer.Place(ctx, req.Dest, "shard_key"); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// untypedGeom drops the source column's geometry type modifier. Subdivision,
// repair and clipping may turn a MultiPolygon into Polygons and vice versa.
const untypedGeom = "geom::geometry(Geometry, 4326) AS geom"

// stageFragments copies the filtered source into the fragments relation,
// subdividing lines and polygons to the vertex budget and repairing
// fragments the subdivision left invalid.
func (s *Sharder) stageFragments(ctx context.Context, req Request, t tables) (int64, error) {
	cols := db.QuoteColumns(req.Columns)

	createSQL := fmt.Sprintf(
		`CREATE UNLOGGED TABLE %s AS SELECT %s%s FROM %s WITH NO DATA`,
		db.QuoteTable(t.fragments), withComma(cols), untypedGeom, db.QuoteTable(req.Source),
	)
	if _, err := s.pool.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "shard: create fragments table for %s", req.Source)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN fragment_id bigserial PRIMARY KEY`, db.QuoteTable(t.fragments),
	)); err != nil {
		return 0, eris.Wrap(err, "shard: add fragment id")
	}

	where, args := whereClause(req.Filters)
	geomExpr := "geom"
	if req.Kind != KindPoint {
		args = append(args, req.MaxVertices)
		geomExpr = fmt.Sprintf("ST_Subdivide(geom, $%d)", len(args))
	}
	insertSQL := fmt.Sprintf(
		`INSERT INTO %s (%sgeom) SELECT %s%s FROM %s%s`,
		db.QuoteTable(t.fragments), withComma(cols), withComma(cols), geomExpr, db.QuoteTable(req.Source), where,
	)
	tag, err := s.pool.Exec(ctx, insertSQL, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "shard: subdivide %s", req.Source)
	}

	if req.Kind != KindPoint {
		repairSQL := fmt.Sprintf(
			`UPDATE %s SET geom = ST_CollectionExtract(ST_MakeValid(geom), %d) WHERE NOT ST_IsValid(geom)`,
			db.QuoteTable(t.fragments), collectionType(req.Kind),
		)
		if _, err := s.pool.Exec(ctx, repairSQL); err != nil {
			return 0, eris.Wrap(err, "shard: repair fragments")
		}
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX ON %s USING GIST (geom)`, db.QuoteTable(t.fragments),
	)); err != nil {
		return 0, eris.Wrap(err, "shard: index fragments")
	}
	return tag.RowsAffected(), nil
}

// stageCells computes the cells covering the fragment extent and loads their
// outlines into the cells relation.
func (s *Sharder) stageCells(ctx context.Context, req Request, t tables) ([]grid.Cell, error) {
	var minX, minY, maxX, maxY *float64
	extentSQL := fmt.Sprintf(
		`SELECT ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e) FROM (SELECT ST_Extent(geom) AS e FROM %s) x`,
		db.QuoteTable(t.fragments),
	)
	if err := s.pool.QueryRow(ctx, extentSQL).Scan(&minX, &minY, &maxX, &maxY); err != nil {
		return nil, eris.Wrap(err, "shard: fragment extent")
	}

	createSQL := fmt.Sprintf(
		`CREATE UNLOGGED TABLE %s (shard_key integer PRIMARY KEY, geom geometry(Polygon, 4326) NOT NULL)`,
		db.QuoteTable(t.cells),
	)
	if _, err := s.pool.Exec(ctx, createSQL); err != nil {
		return nil, eris.Wrap(err, "shard: create cells table")
	}
	if minX == nil || minY == nil || maxX == nil || maxY == nil {
		return nil, nil
	}

	bound := grid.Bound{MinLng: *minX, MinLat: *minY, MaxLng: *maxX, MaxLat: *maxY}
	cells := grid.WithNeighbours(grid.Covering(bound, req.Level), req.Level)
	rows := make([][]any, 0, len(cells))
	for _, c := range cells {
		data, err := ewkb.Marshal(c.Polygon(), ewkb.NDR)
		if err != nil {
			return nil, eris.Wrapf(err, "shard: encode cell %d", c.Key)
		}
		rows = append(rows, []any{int32(c.Key), data})
	}
	if _, err := db.CopyFrom(ctx, s.pool, t.cells, []string{"shard_key", "geom"}, rows); err != nil {
		return nil, eris.Wrap(err, "shard: load cells")
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX ON %s USING GIST (geom)`, db.QuoteTable(t.cells),
	)); err != nil {
		return nil, eris.Wrap(err, "shard: index cells")
	}
	return cells, nil
}

func (s *Sharder) createStaging(ctx context.Context, req Request, t tables) error {
	createSQL := fmt.Sprintf(
		`CREATE UNLOGGED TABLE %s AS SELECT %s0::integer AS shard_key, %s FROM %s WITH NO DATA`,
		db.QuoteTable(t.staging), withComma(db.QuoteColumns(req.Columns)), untypedGeom, db.QuoteTable(t.fragments),
	)
	if _, err := s.pool.Exec(ctx, createSQL); err != nil {
		return eris.Wrap(err, "shard: create staging table")
	}
	return nil
}

// clip assigns fragments to cells. Shard keys are dealt round-robin into one
// bucket per worker, so no two workers ever write the same shard.
func (s *Sharder) clip(ctx context.Context, req Request, t tables, cells []grid.Cell) (int64, error) {
	if len(cells) == 0 {
		return 0, nil
	}
	workers := min(s.concurrency, len(cells))
	buckets := make([][]int32, workers)
	for i, c := range cells {
		buckets[i%workers] = append(buckets[i%workers], int32(c.Key))
	}

	clipSQL := clipQuery(req, t)
	var total atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, keys := range buckets {
		g.Go(func() error {
			tag, err := s.pool.Exec(gCtx, clipSQL, keys)
			if err != nil {
				return eris.Wrapf(err, "shard: clip %d cells", len(keys))
			}
			total.Add(tag.RowsAffected())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total.Load(), nil
}

// clipQuery builds the per-worker insert. Points go to the lowest-keyed cell
// they touch so a point on a cell edge is not duplicated. Lines and polygons
// are kept whole when inside one cell and cut along the cell outline
// otherwise.
func clipQuery(req Request, t tables) string {
	cols := db.QuoteColumns(req.Columns)
	fcols := prefixed("f", req.Columns)

	if req.Kind == KindPoint {
		return fmt.Sprintf(`
			INSERT INTO %s (%sshard_key, geom)
			SELECT %sk.shard_key, f.geom
			FROM %s f
			CROSS JOIN LATERAL (
				SELECT min(c.shard_key) AS shard_key FROM %s c WHERE ST_Intersects(f.geom, c.geom)
			) k
			WHERE k.shard_key = ANY($1)`,
			db.QuoteTable(t.staging), withComma(cols), withComma(fcols),
			db.QuoteTable(t.fragments), db.QuoteTable(t.cells),
		)
	}
	return fmt.Sprintf(`
		INSERT INTO %s (%sshard_key, geom)
		SELECT %sc.shard_key, x.geom
		FROM %s f
		JOIN %s c ON ST_Intersects(f.geom, c.geom)
		CROSS JOIN LATERAL (
			SELECT CASE
				WHEN ST_Within(f.geom, c.geom) THEN f.geom
				ELSE ST_CollectionExtract(ST_Intersection(f.geom, c.geom), %d)
			END AS geom
		) x
		WHERE c.shard_key = ANY($1) AND NOT ST_IsEmpty(x.geom)`,
		db.QuoteTable(t.staging), withComma(cols), withComma(fcols),
		db.QuoteTable(t.fragments), db.QuoteTable(t.cells), collectionType(req.Kind),
	)
}

// publish makes the staged rows visible under req.Dest in one transaction and
// drops the helper relations. It reports whether dest was (re)created.
func (s *Sharder) publish(ctx context.Context, req Request, t tables) (bool, error) {
	appendRows := false
	if req.Append {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, req.Dest).Scan(&exists); err != nil {
			return false, eris.Wrapf(err, "shard: look up %s", req.Dest)
		}
		appendRows = exists
	}

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if appendRows {
			cols := withComma(db.QuoteColumns(req.Columns)) + "shard_key, geom"
			insertSQL := fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`,
				db.QuoteTable(req.Dest), cols, cols, db.QuoteTable(t.staging))
			if _, err := tx.Exec(ctx, insertSQL); err != nil {
				return eris.Wrapf(err, "shard: append to %s", req.Dest)
			}
			if _, err := tx.Exec(ctx, "DROP TABLE "+db.QuoteTable(t.staging)); err != nil {
				return eris.Wrap(err, "shard: drop staging table")
			}
		} else {
			if err := db.ReplaceTable(ctx, tx, t.staging, req.Dest); err != nil {
				return eris.Wrap(err, "shard: publish")
			}
			if _, err := tx.Exec(ctx, "ALTER TABLE "+db.QuoteTable(req.Dest)+" SET LOGGED"); err != nil {
				return eris.Wrap(err, "shard: set logged")
			}
			for _, idx := range []string{"USING GIST (geom)", "(shard_key)"} {
				if _, err := tx.Exec(ctx, "CREATE INDEX ON "+db.QuoteTable(req.Dest)+" "+idx); err != nil {
					return eris.Wrapf(err, "shard: index %s", req.Dest)
				}
			}
		}
		for _, name := range []string{t.fragments, t.cells} {
			if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+db.QuoteTable(name)); err != nil {
				return eris.Wrapf(err, "shard: drop %s", name)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return !appendRows, nil
}

func (s *Sharder) dropHelpers(ctx context.Context, t tables) error {
	for _, name := range []string{t.staging, t.cells, t.fragments} {
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+db.QuoteTable(name)); err != nil {
			return eris.Wrapf(err, "shard: drop %s", name)
		}
	}
	return nil
}
