package areas

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/db"
	"github.com/sells-group/oev-cli/internal/fetcher"
)

// Table receives the loaded areas. (source, name) is unique.
const Table = "transit.reference_areas"

var areaColumns = []string{"name", "source", "geom"}

// areaUpsert replaces one source's areas per load. Shapefile rings are
// often invalid, so geometries are repaired on the way in.
var areaUpsert = db.Upsert{
	Table:   Table,
	Columns: areaColumns,
	Keys:    []string{"source", "name"},
	Update:  []string{"geom"},
	Exprs:   map[string]string{"geom": "ST_Multi(ST_CollectionExtract(ST_MakeValid(geom), 3))"},
	Scope:   "source",
}

// Options control one load.
type Options struct {
	// Source tags every loaded row, e.g. "swissboundaries3d".
	Source string
	// NameField is the attribute holding the area name.
	NameField string
}

// Loader fetches shapefiles (plain or zipped, local or remote) and upserts
// their areas.
type Loader struct {
	pool    db.Pool
	src     *fetcher.Source
	tempDir string
}

// NewLoader creates a Loader downloading into tempDir.
func NewLoader(pool db.Pool, src *fetcher.Source, tempDir string) *Loader {
	return &Loader{pool: pool, src: src, tempDir: tempDir}
}

// Load fetches loc and upserts its areas under opts.Source. Re-loading a
// source replaces it: known names get the new geometry and names missing
// from loc are removed. It returns the number of areas written.
func (l *Loader) Load(ctx context.Context, loc string, opts Options) (int64, error) {
	if opts.Source == "" || opts.NameField == "" {
		return 0, eris.New("areas: source and name field are required")
	}
	log := zap.L().With(
		zap.String("component", "areas.loader"),
		zap.String("location", loc),
		zap.String("source", opts.Source),
	)
	start := time.Now()

	shpPath, err := l.resolve(ctx, loc)
	if err != nil {
		return 0, err
	}
	parsed, err := ParseShapefile(shpPath, opts.NameField)
	if err != nil {
		return 0, err
	}

	rows := make([][]any, 0, len(parsed))
	for _, a := range parsed {
		raw, err := ewkb.Marshal(a.Geometry, ewkb.NDR)
		if err != nil {
			return 0, eris.Wrapf(err, "areas: encode %s", a.Name)
		}
		rows = append(rows, []any{a.Name, opts.Source, raw})
	}

	res, err := areaUpsert.Run(ctx, l.pool, rows)
	if err != nil {
		return 0, err
	}

	log.Info("areas loaded",
		zap.Int("parsed", len(parsed)),
		zap.Int64("inserted", res.Inserted),
		zap.Int64("updated", res.Updated),
		zap.Int64("removed", res.Removed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res.Written(), nil
}

// resolve returns the local .shp path for loc, downloading and extracting
// archives as needed.
func (l *Loader) resolve(ctx context.Context, loc string) (string, error) {
	path, err := l.src.Fetch(ctx, loc, l.tempDir)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return path, nil
	}

	base := filepath.Base(path)
	dir := filepath.Join(l.tempDir, strings.TrimSuffix(base, filepath.Ext(base)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "areas: create extract dir")
	}
	files, err := fetcher.ExtractZIP(path, dir)
	if err != nil {
		return "", err
	}
	return fetcher.FindByExt(files, ".shp")
}
