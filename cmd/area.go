package main

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/oev-cli/internal/trips"
)

// addAreaFlags registers the reference-area selectors shared by trips and
// oev run.
func addAreaFlags(cmd *cobra.Command) {
	cmd.Flags().String("area-table", "", "sharded reference-area relation (shard_key, geom)")
	cmd.Flags().String("bbox", "", "ad-hoc area as min_lng,min_lat,max_lng,max_lat")
	cmd.MarkFlagsMutuallyExclusive("area-table", "bbox")
	cmd.MarkFlagsOneRequired("area-table", "bbox")
}

func areaFromFlags(cmd *cobra.Command) (trips.ReferenceArea, error) {
	table, _ := cmd.Flags().GetString("area-table")
	bbox, _ := cmd.Flags().GetString("bbox")
	if bbox == "" {
		return trips.ReferenceArea{Table: table}, nil
	}
	poly, err := parseBBox(bbox)
	if err != nil {
		return trips.ReferenceArea{}, err
	}
	return trips.ReferenceArea{Geometry: poly}, nil
}

// parseBBox builds a closed EPSG:4326 rectangle from "minLng,minLat,maxLng,maxLat".
func parseBBox(s string) (*geom.Polygon, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, eris.Errorf("bbox %q must have four comma-separated numbers", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "bbox %q", s)
		}
		v[i] = f
	}
	minLng, minLat, maxLng, maxLat := v[0], v[1], v[2], v[3]
	if minLng >= maxLng || minLat >= maxLat {
		return nil, eris.Errorf("bbox %q is empty or inverted", s)
	}
	if minLng < -180 || maxLng > 180 || minLat < -90 || maxLat > 90 {
		return nil, eris.Errorf("bbox %q outside EPSG:4326 bounds", s)
	}
	return geom.NewPolygonFlat(geom.XY, []float64{
		minLng, minLat, maxLng, minLat, maxLng, maxLat, minLng, maxLat, minLng, minLat,
	}, []int{10}).SetSRID(4326), nil
}

// dayFromFlags resolves --weekday (1..7) or, when unset, --day.
func dayFromFlags(cmd *cobra.Command) (trips.Weekday, error) {
	wd, _ := cmd.Flags().GetInt("weekday")
	if wd != 0 {
		d := trips.Weekday(wd)
		return d, d.Validate()
	}
	day, _ := cmd.Flags().GetString("day")
	if day == "" {
		day = cfg.OEV.DayType
	}
	return trips.DayType(day).Weekday()
}

func windowFromFlags(cmd *cobra.Command) (trips.TimeWindow, error) {
	w, _ := cmd.Flags().GetString("window")
	if w == "" {
		w = cfg.OEV.Window
	}
	return trips.ParseTimeWindow(w)
}

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().String("window", "", "time window HH:MM-HH:MM, end exclusive (default from config)")
	cmd.Flags().String("day", "", "day type: weekday, saturday or sunday (default from config)")
	cmd.Flags().Int("weekday", 0, "explicit weekday 1 (Monday) to 7 (Sunday); overrides --day")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
