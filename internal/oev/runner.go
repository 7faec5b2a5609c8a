// Package oev runs the ÖV-Güteklassen pipeline end to end: count trips per
// station, classify the stations, resolve zones and persist the results.
package oev

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/classify"
	"github.com/sells-group/oev-cli/internal/db"
	"github.com/sells-group/oev-cli/internal/grid"
	"github.com/sells-group/oev-cli/internal/store"
	"github.com/sells-group/oev-cli/internal/trips"
	"github.com/sells-group/oev-cli/internal/zones"
)

// Phase names as recorded in the run store.
const (
	PhaseCount    = "count"
	PhaseClassify = "classify"
	PhaseResolve  = "resolve"
	PhaseWrite    = "write"
)

const (
	stationsTable = "transit.oev_stations"
	zonesTable    = "transit.oev_zones"
)

var stationColumns = []string{
	"run_id", "station_id", "station_name", "child_count",
	"trip_counts", "trip_ids", "total_trips", "class", "frequency", "geom",
}

var zoneColumns = []string{"run_id", "class", "geom"}

// Counter produces per-station trip counts.
type Counter interface {
	Count(ctx context.Context, q trips.Query) ([]trips.StationTrips, error)
}

// ZoneResolver turns a candidate plan into class zones.
type ZoneResolver interface {
	Resolve(ctx context.Context, plan zones.Plan) ([]zones.Zone, error)
}

// Params are the inputs of one run.
type Params struct {
	Window     trips.TimeWindow
	Weekday    trips.Weekday
	Area       trips.ReferenceArea
	Config     *classify.Config
	ConfigPath string
	Workers    int
	Limits     trips.Limits
}

// Result is the in-memory outcome of a run.
type Result struct {
	RunID      string
	Stations   []trips.StationTrips
	Categories []classify.Category
	Zones      []zones.Zone
	Candidates int
}

// Classified counts stations that received a real class.
func (r *Result) Classified() int {
	n := 0
	for _, c := range r.Categories {
		if c.Classified() {
			n++
		}
	}
	return n
}

// Runner executes the pipeline against one PostGIS database and records
// progress in a run store.
type Runner struct {
	pool     db.Pool
	store    store.Store
	counter  Counter
	resolver ZoneResolver
	level    grid.Level
}

// NewRunner creates a Runner whose stages all use pool.
func NewRunner(pool db.Pool, st store.Store, level grid.Level) *Runner {
	return &Runner{
		pool:     pool,
		store:    st,
		counter:  trips.NewAggregator(pool, level),
		resolver: zones.NewResolver(pool),
		level:    level,
	}
}

// WithStages swaps the counting and resolving stages.
func (r *Runner) WithStages(c Counter, zr ZoneResolver) *Runner {
	r.counter = c
	r.resolver = zr
	return r
}

// Run executes all phases for p. Failed runs are marked failed in the store
// and the phase error is returned.
func (r *Runner) Run(ctx context.Context, p Params) (*Result, error) {
	if p.Config == nil {
		p.Config = classify.DefaultConfig()
	}
	if err := p.Window.Validate(); err != nil {
		return nil, err
	}
	if err := p.Weekday.Validate(); err != nil {
		return nil, err
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}

	run, err := r.store.CreateRun(ctx, store.RunParams{
		Window:     p.Window.String(),
		Weekday:    int(p.Weekday),
		AreaTable:  p.Area.Table,
		Level:      int(r.level),
		ConfigPath: p.ConfigPath,
	})
	if err != nil {
		return nil, eris.Wrap(err, "oev: create run")
	}

	log := zap.L().With(zap.String("component", "oev.runner"), zap.String("run_id", run.ID))
	log.Info("run started", zap.String("window", p.Window.String()), zap.Int("weekday", int(p.Weekday)))

	if err := r.store.UpdateRunStatus(ctx, run.ID, store.RunStatusRunning); err != nil {
		log.Warn("failed to update run status", zap.Error(err))
	}

	start := time.Now()
	res, err := r.execute(ctx, log, run.ID, p)
	if err != nil {
		if failErr := r.store.FailRun(context.WithoutCancel(ctx), run.ID, err.Error()); failErr != nil {
			log.Warn("failed to mark run failed", zap.Error(failErr))
		}
		return nil, err
	}

	summary := &store.RunResult{
		Stations:   len(res.Stations),
		Classified: res.Classified(),
		Candidates: res.Candidates,
		Zones:      len(res.Zones),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err := r.store.UpdateRunResult(ctx, run.ID, summary); err != nil {
		return nil, eris.Wrap(err, "oev: update run result")
	}
	log.Info("run finished",
		zap.Int("stations", summary.Stations),
		zap.Int("classified", summary.Classified),
		zap.Int("zones", summary.Zones),
		zap.Int64("duration_ms", summary.DurationMs),
	)
	return res, nil
}

func (r *Runner) execute(ctx context.Context, log *zap.Logger, runID string, p Params) (*Result, error) {
	res := &Result{RunID: runID}

	err := r.track(ctx, log, runID, PhaseCount, func() (int, error) {
		st, err := r.counter.Count(ctx, trips.Query{Window: p.Window, Weekday: p.Weekday, Area: p.Area, Limits: p.Limits})
		res.Stations = st
		return len(st), err
	})
	if err != nil {
		return nil, err
	}

	err = r.track(ctx, log, runID, PhaseClassify, func() (int, error) {
		cats, err := classify.ClassifyAll(ctx, res.Stations, p.Config, p.Window, p.Workers)
		res.Categories = cats
		return res.Classified(), err
	})
	if err != nil {
		return nil, err
	}

	err = r.track(ctx, log, runID, PhaseResolve, func() (int, error) {
		plan := zones.BuildPlan(res.Stations, res.Categories, p.Config)
		res.Candidates = plan.Len()
		z, err := r.resolver.Resolve(ctx, plan)
		res.Zones = z
		return len(z), err
	})
	if err != nil {
		return nil, err
	}

	err = r.track(ctx, log, runID, PhaseWrite, func() (int, error) {
		return r.write(ctx, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// track records one phase in the store around fn.
func (r *Runner) track(ctx context.Context, log *zap.Logger, runID, name string, fn func() (int, error)) error {
	phase, err := r.store.CreatePhase(ctx, runID, name)
	if err != nil {
		log.Warn("failed to create phase", zap.String("phase", name), zap.Error(err))
	}

	start := time.Now()
	rows, fnErr := fn()
	result := &store.PhaseResult{
		Status:     store.PhaseStatusComplete,
		DurationMs: time.Since(start).Milliseconds(),
		Rows:       rows,
	}
	if fnErr != nil {
		result.Status = store.PhaseStatusFailed
		result.Error = fnErr.Error()
		log.Error("phase failed", zap.String("phase", name), zap.Int64("duration_ms", result.DurationMs), zap.Error(fnErr))
	} else {
		log.Info("phase complete", zap.String("phase", name), zap.Int("rows", rows), zap.Int64("duration_ms", result.DurationMs))
	}

	if phase != nil {
		if err := r.store.CompletePhase(context.WithoutCancel(ctx), phase.ID, result); err != nil {
			log.Warn("failed to complete phase", zap.String("phase", name), zap.Error(err))
		}
	}
	return fnErr
}

// write replaces the stored stations and zones of the run in one transaction.
func (r *Runner) write(ctx context.Context, res *Result) (int, error) {
	sRows, err := stationRows(res)
	if err != nil {
		return 0, err
	}
	zRows, err := zoneRows(res)
	if err != nil {
		return 0, err
	}

	var total int64
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, table := range []string{stationsTable, zonesTable} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+db.QuoteTable(table)+" WHERE run_id = $1", res.RunID); err != nil {
				return eris.Wrapf(err, "oev: clear %s", table)
			}
		}
		n, err := db.CopyFromTx(ctx, tx, stationsTable, stationColumns, sRows)
		if err != nil {
			return err
		}
		total += n
		n, err = db.CopyFromTx(ctx, tx, zonesTable, zoneColumns, zRows)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

func stationRows(res *Result) ([][]any, error) {
	rows := make([][]any, 0, len(res.Stations))
	for i, s := range res.Stations {
		cat := classify.Category{Class: classify.Unclassified}
		if i < len(res.Categories) {
			cat = res.Categories[i]
		}
		counts, err := json.Marshal(s.TripCount)
		if err != nil {
			return nil, eris.Wrapf(err, "oev: encode trip counts of %s", s.StationID)
		}
		tripIDs := s.TripIDs
		if tripIDs == nil {
			tripIDs = map[trips.Mode][]string{}
		}
		ids, err := json.Marshal(tripIDs)
		if err != nil {
			return nil, eris.Wrapf(err, "oev: encode trip ids of %s", s.StationID)
		}
		var g []byte
		if s.Geometry != nil {
			g, err = ewkb.Marshal(s.Geometry, ewkb.NDR)
			if err != nil {
				return nil, eris.Wrapf(err, "oev: encode station %s", s.StationID)
			}
		}
		rows = append(rows, []any{
			res.RunID, s.StationID, s.StationName, int32(s.ChildCount),
			string(counts), string(ids), int32(s.Total()), int32(cat.Class), frequency(cat), g,
		})
	}
	return rows, nil
}

func zoneRows(res *Result) ([][]any, error) {
	rows := make([][]any, 0, len(res.Zones))
	for _, z := range res.Zones {
		g, err := ewkb.Marshal(z.Geometry, ewkb.NDR)
		if err != nil {
			return nil, eris.Wrapf(err, "oev: encode zone of class %d", z.Class)
		}
		rows = append(rows, []any{res.RunID, int32(z.Class), g})
	}
	return rows, nil
}

// frequency is nil for stations without a usable service interval.
func frequency(c classify.Category) *float64 {
	f := c.Frequency
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
