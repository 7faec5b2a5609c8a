// Package export writes run results to spreadsheet files.
package export

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/db"
)

// SheetName is the worksheet holding the station table.
const SheetName = "Stationen"

var header = []string{
	"station_id", "station_name", "child_count", "total_trips",
	"trip_counts", "trip_ids", "class", "frequency_min", "lon", "lat",
}

// Station is one exported station row.
type Station struct {
	ID         string
	Name       string
	ChildCount int
	TotalTrips int
	TripCounts string
	TripIDs    string
	Class      int
	Frequency  *float64
	Lon, Lat   float64
}

const stationsQuery = `SELECT station_id, station_name, child_count, total_trips,
	trip_counts::text, trip_ids::text, class, frequency, ST_X(geom), ST_Y(geom)
FROM transit.oev_stations
WHERE run_id = $1
ORDER BY station_id`

// LoadStations reads the classified stations of a run.
func LoadStations(ctx context.Context, pool db.Pool, runID string) ([]Station, error) {
	rows, err := pool.Query(ctx, stationsQuery, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "export: query stations of run %s", runID)
	}
	defer rows.Close()

	var out []Station
	for rows.Next() {
		var (
			s                             Station
			childCount, totalTrips, class int32
		)
		if err := rows.Scan(&s.ID, &s.Name, &childCount, &totalTrips, &s.TripCounts, &s.TripIDs, &class, &s.Frequency, &s.Lon, &s.Lat); err != nil {
			return nil, eris.Wrap(err, "export: scan station")
		}
		s.ChildCount = int(childCount)
		s.TotalTrips = int(totalTrips)
		s.Class = int(class)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "export: iterate stations")
	}
	return out, nil
}

// NewWorkbook builds a workbook with one header row and one row per station.
// Unclassified stations keep an empty frequency cell when none was computed.
func NewWorkbook(stations []Station) (*xlsx.File, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return nil, eris.Wrap(err, "export: add sheet")
	}

	row := sheet.AddRow()
	for _, h := range header {
		row.AddCell().SetString(h)
	}
	for _, s := range stations {
		row := sheet.AddRow()
		row.AddCell().SetString(s.ID)
		row.AddCell().SetString(s.Name)
		row.AddCell().SetInt(s.ChildCount)
		row.AddCell().SetInt(s.TotalTrips)
		row.AddCell().SetString(s.TripCounts)
		row.AddCell().SetString(s.TripIDs)
		row.AddCell().SetInt(s.Class)
		if s.Frequency != nil {
			row.AddCell().SetFloat(*s.Frequency)
		} else {
			row.AddCell().SetString("")
		}
		row.AddCell().SetFloat(s.Lon)
		row.AddCell().SetFloat(s.Lat)
	}
	return f, nil
}

// WriteStations loads the stations of runID and writes them as XLSX to w.
func WriteStations(ctx context.Context, pool db.Pool, runID string, w io.Writer) (int, error) {
	stations, err := LoadStations(ctx, pool, runID)
	if err != nil {
		return 0, err
	}
	f, err := NewWorkbook(stations)
	if err != nil {
		return 0, err
	}
	if err := f.Write(w); err != nil {
		return 0, eris.Wrap(err, "export: write workbook")
	}
	zap.L().Info("stations exported",
		zap.String("component", "export"),
		zap.String("run_id", runID),
		zap.Int("stations", len(stations)),
	)
	return len(stations), nil
}
