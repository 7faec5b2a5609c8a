package gtfs

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/db"
	"github.com/sells-group/oev-cli/internal/grid"
)

// Result counts the rows written by an import.
type Result struct {
	Stops     int64 `json:"stops"`
	Trips     int64 `json:"trips"`
	StopTimes int64 `json:"stop_times"`
}

// Importer loads feeds into transit.stops, transit.trips and
// transit.stop_times.
type Importer struct {
	pool  db.Pool
	level grid.Level
}

// NewImporter creates an Importer keying stops at level.
func NewImporter(pool db.Pool, level grid.Level) *Importer {
	return &Importer{pool: pool, level: level}
}

// ImportFile parses the zipped feed at path and imports it.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "gtfs: read %s", path)
	}
	return im.Import(ctx, data)
}

// Import replaces the transit tables with the content of a zipped feed in
// a single transaction.
func (im *Importer) Import(ctx context.Context, data []byte) (*Result, error) {
	if err := grid.ValidateLevel(im.level); err != nil {
		return nil, err
	}
	start := time.Now()
	feed, err := Parse(ctx, data, im.level)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	err = db.WithTx(ctx, im.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "TRUNCATE transit.stop_times, transit.trips, transit.stops"); err != nil {
			return eris.Wrap(err, "gtfs: truncate transit tables")
		}
		var err error
		if res.Stops, err = db.CopyFromTx(ctx, tx, "transit.stops", stopColumns, feed.Stops); err != nil {
			return err
		}
		if res.Trips, err = db.CopyFromTx(ctx, tx, "transit.trips", tripColumns, feed.Trips); err != nil {
			return err
		}
		if res.StopTimes, err = db.CopyFromTx(ctx, tx, "transit.stop_times", stopTimeColumns, feed.StopTimes); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("feed imported",
		zap.String("component", "gtfs.importer"),
		zap.Int64("stops", res.Stops),
		zap.Int64("trips", res.Trips),
		zap.Int64("stop_times", res.StopTimes),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}
