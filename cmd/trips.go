package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/oev-cli/internal/config"
	"github.com/sells-group/oev-cli/internal/trips"
)

var tripsCmd = &cobra.Command{
	Use:   "trips",
	Short: "Count departures per station in a reference area",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(config.ScopeOEV); err != nil {
			return err
		}
		window, err := windowFromFlags(cmd)
		if err != nil {
			return err
		}
		weekday, err := dayFromFlags(cmd)
		if err != nil {
			return err
		}
		area, err := areaFromFlags(cmd)
		if err != nil {
			return err
		}

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		stations, err := trips.NewAggregator(pool, cfg.Shard.GridLevel()).Count(ctx, trips.Query{
			Window:  window,
			Weekday: weekday,
			Area:    area,
			Limits:  cfg.OEV.Limits(),
		})
		if err != nil {
			return eris.Wrap(err, "trips")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), stations)
		}
		formatStationTrips(cmd.OutOrStdout(), stations)
		return nil
	},
}

// formatStationTrips writes one line per station with per-mode counts.
func formatStationTrips(out io.Writer, stations []trips.StationTrips) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATION\tNAME\tCHILDREN\tTOTAL\tMODES")
	_, _ = fmt.Fprintln(w, "-------\t----\t--------\t-----\t-----")
	for _, s := range stations {
		modes := make([]int, 0, len(s.TripCount))
		for m := range s.TripCount {
			modes = append(modes, int(m))
		}
		sort.Ints(modes)
		parts := make([]string, len(modes))
		for i, m := range modes {
			parts[i] = fmt.Sprintf("%d:%d", m, s.TripCount[trips.Mode(m)])
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			s.StationID, s.StationName, s.ChildCount, s.Total(), strings.Join(parts, " "))
	}
	_ = w.Flush()
}

func init() {
	addWindowFlags(tripsCmd)
	addAreaFlags(tripsCmd)
	tripsCmd.Flags().Bool("json", false, "print JSON instead of a table")
	rootCmd.AddCommand(tripsCmd)
}
