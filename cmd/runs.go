package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/db"
	"github.com/sells-group/oev-cli/internal/export"
	"github.com/sells-group/oev-cli/internal/geospatial"
	"github.com/sells-group/oev-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect classification run history",
	Long:  "Commands for listing, viewing and exporting classification runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List classification runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, closeAll, err := openRunStore(cmd)
		if err != nil {
			return err
		}
		defer closeAll()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{Status: store.RunStatus(status), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, closeAll, err := openRunStore(cmd)
		if err != nil {
			return err
		}
		defer closeAll()

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		phases, err := st.ListPhases(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show phases")
		}

		return printJSON(cmd.OutOrStdout(), geospatial.RunDetail{Run: run, Phases: phases})
	},
}

// -- runs export --

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export the stations or zones of a run",
	Long:  "Writes the classified stations of a run as XLSX (default) or its zones or stations as GeoJSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		out, _ := cmd.Flags().GetString("out")
		format, _ := cmd.Flags().GetString("format")

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		switch format {
		case "xlsx":
			if out == "" {
				out = args[0] + ".xlsx"
			}
			return exportStations(cmd, pool, args[0], out)
		case "zones", "stations":
			load := geospatial.Zones
			if format == "stations" {
				load = geospatial.Stations
			}
			fc, err := load(ctx, pool, args[0])
			if err != nil {
				return eris.Wrapf(err, "runs export %s", format)
			}
			raw, err := fc.MarshalJSON()
			if err != nil {
				return eris.Wrap(err, "runs export: encode geojson")
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(append(raw, '\n'))
				return err
			}
			return os.WriteFile(out, raw, 0o644)
		default:
			return eris.Errorf("unknown export format %q (xlsx, zones, stations)", format)
		}
	},
}

// exportStations writes the stations of runID as an XLSX workbook to path.
func exportStations(cmd *cobra.Command, pool db.Pool, runID, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	n, err := export.WriteStations(cmd.Context(), pool, runID, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return eris.Wrap(err, "export stations")
	}
	zap.L().Info("stations written", zap.String("path", path), zap.Int("stations", n))
	return nil
}

// openRunStore opens the configured run store, with a database pool only
// when the postgres driver needs one.
func openRunStore(cmd *cobra.Command) (store.Store, func(), error) {
	ctx := cmd.Context()
	if cfg.Store.Driver == "sqlite" {
		st, err := initStore(ctx, nil)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}

	pool, err := connectPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	st, err := initStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, func() {
		_ = st.Close()
		pool.Close()
	}, nil
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (queued, running, finished, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsExportCmd.Flags().String("format", "xlsx", "export format: xlsx, zones or stations")
	runsExportCmd.Flags().String("out", "", "output file (xlsx defaults to <run-id>.xlsx, GeoJSON to stdout)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsExportCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []store.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tWINDOW\tDAY\tAREA\tSTATUS\tSTATIONS\tZONES\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t---\t----\t------\t--------\t-----\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		stations, zones := "-", "-"
		if r.Result != nil {
			stations = fmt.Sprint(r.Result.Stations)
			zones = fmt.Sprint(r.Result.Zones)
		}

		area := r.Params.AreaTable
		if area == "" {
			area = "(bbox)"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Params.Window,
			r.Params.Weekday,
			area,
			r.Status,
			stations,
			zones,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
