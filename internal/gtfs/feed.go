// Package gtfs imports a static GTFS feed into the transit schema.
package gtfs

import (
	"archive/zip"
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/jamespfennell/gtfs"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/oev-cli/internal/fetcher"
	"github.com/sells-group/oev-cli/internal/grid"
)

var (
	stopColumns     = []string{"stop_id", "stop_name", "parent_station", "location_type", "shard_key", "geom"}
	tripColumns     = []string{"trip_id", "route_id", "route_type", "weekdays"}
	stopTimeColumns = []string{"trip_id", "stop_id", "departure_seconds"}
)

// Feed holds the COPY rows of one parsed feed.
type Feed struct {
	Stops     [][]any
	Trips     [][]any
	StopTimes [][]any
}

// Parse decodes a zipped feed into table rows. Stops are keyed with
// grid.PointKey at level.
func Parse(ctx context.Context, data []byte, level grid.Level) (*Feed, error) {
	log := zap.L().With(zap.String("component", "gtfs.parse"))

	static, err := gtfs.ParseStatic(data, gtfs.ParseStaticOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "gtfs: parse static feed")
	}
	routeTypes, err := rawRouteTypes(ctx, data)
	if err != nil {
		return nil, err
	}

	feed := &Feed{}
	var skipped int
	for i := range static.Stops {
		s := &static.Stops[i]
		if s.Latitude == nil || s.Longitude == nil {
			skipped++
			continue
		}
		pt := geom.NewPointFlat(geom.XY, []float64{*s.Longitude, *s.Latitude}).SetSRID(4326)
		raw, err := ewkb.Marshal(pt, ewkb.NDR)
		if err != nil {
			return nil, eris.Wrapf(err, "gtfs: encode stop %s", s.Id)
		}
		var parent any
		if s.Parent != nil {
			parent = s.Parent.Id
		}
		key := grid.PointKey(*s.Latitude, *s.Longitude, level)
		feed.Stops = append(feed.Stops, []any{
			s.Id, norm.NFC.String(s.Name), parent, int32(s.Type), int32(key), raw,
		})
	}
	if skipped > 0 {
		log.Debug("stops without coordinates skipped", zap.Int("count", skipped))
	}

	for i := range static.Trips {
		t := &static.Trips[i]
		if t.Route == nil {
			continue
		}
		mode, ok := routeTypes[t.Route.Id]
		if !ok {
			mode = int32(t.Route.Type)
		}
		feed.Trips = append(feed.Trips, []any{t.ID, t.Route.Id, mode, weekdays(t.Service)})

		for _, st := range t.StopTimes {
			if st.Stop == nil {
				continue
			}
			feed.StopTimes = append(feed.StopTimes, []any{
				t.ID, st.Stop.Id, int32(st.DepartureTime / time.Second),
			})
		}
	}

	log.Info("feed parsed",
		zap.Int("stops", len(feed.Stops)),
		zap.Int("trips", len(feed.Trips)),
		zap.Int("stop_times", len(feed.StopTimes)),
	)
	return feed, nil
}

// weekdays is the Monday-first active-day mask of a service. Days added in
// calendar_dates.txt switch their weekday on, so services defined only by
// exception dates still run. Removed dates never clear a day.
func weekdays(s *gtfs.Service) []bool {
	if s == nil {
		return make([]bool, 7)
	}
	mask := []bool{s.Monday, s.Tuesday, s.Wednesday, s.Thursday, s.Friday, s.Saturday, s.Sunday}
	for _, d := range s.AddedDates {
		mask[(int(d.Weekday())+6)%7] = true
	}
	return mask
}

// rawRouteTypes reads route_type straight from routes.txt. The feed parser
// folds extended route types (100 rail, 700 bus, ...) into a generic
// unknown value, but the classifier groups modes by the extended codes.
func rawRouteTypes(ctx context.Context, data []byte) (map[string]int32, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrap(err, "gtfs: open archive")
	}
	rc, err := fetcher.OpenEntry(zr, "routes.txt")
	if err != nil {
		return nil, eris.Wrap(err, "gtfs: routes")
	}
	defer rc.Close() //nolint:errcheck

	types := make(map[string]int32)
	err = fetcher.ReadCSV(ctx, rc, func(r fetcher.Record) error {
		v, err := strconv.Atoi(r.Get("route_type"))
		if err != nil {
			return nil
		}
		types[r.Get("route_id")] = int32(v)
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "gtfs: read routes.txt")
	}
	return types, nil
}
