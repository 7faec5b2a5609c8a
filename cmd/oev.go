package main

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/oev-cli/internal/classify"
	"github.com/sells-group/oev-cli/internal/config"
	"github.com/sells-group/oev-cli/internal/oev"
	"github.com/sells-group/oev-cli/internal/trips"
)

var oevCmd = &cobra.Command{
	Use:   "oev",
	Short: "ÖV-Güteklassen classification",
}

var oevRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Count, classify and resolve zones for a reference area",
	Long:  "Runs the full pipeline (count, classify, resolve, write) and stores stations and zones under a new run id.",
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
		stationCfg, cfgPath, err := loadStationConfig(cmd)
		if err != nil {
			return err
		}

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		st, err := initStore(ctx, pool)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := oev.NewRunner(pool, st, cfg.Shard.GridLevel()).Run(ctx, oev.Params{
			Window:     window,
			Weekday:    weekday,
			Area:       area,
			Config:     stationCfg,
			ConfigPath: cfgPath,
			Workers:    cfg.OEV.Workers,
			Limits:     cfg.OEV.Limits(),
		})
		if err != nil {
			return eris.Wrap(err, "oev run")
		}

		if out, _ := cmd.Flags().GetString("xlsx"); out != "" {
			if err := exportStations(cmd, pool, res.RunID, out); err != nil {
				return err
			}
		}

		return printJSON(cmd.OutOrStdout(), map[string]any{
			"run_id":     res.RunID,
			"stations":   len(res.Stations),
			"classified": res.Classified(),
			"candidates": res.Candidates,
			"zones":      len(res.Zones),
		})
	},
}

var oevClassifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify one station offline from its trip counts",
	Long:  `Applies the station classification to the given counts, e.g. --count 102=120 --count 3=40 --children 2, without touching the database.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		window, err := windowFromFlags(cmd)
		if err != nil {
			return err
		}
		stationCfg, _, err := loadStationConfig(cmd)
		if err != nil {
			return err
		}
		rawCounts, _ := cmd.Flags().GetStringArray("count")
		counts, err := parseCounts(rawCounts)
		if err != nil {
			return err
		}
		children, _ := cmd.Flags().GetInt("children")

		cat := classify.Classify(children, counts, stationCfg, window)
		out := map[string]any{
			"class":      cat.Class,
			"classified": cat.Classified(),
			"frequency":  cat.Frequency,
		}
		if cat.Classified() {
			out["radii"] = stationCfg.Radii(cat.Class)
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

// loadStationConfig reads --station-config, falling back to the configured
// path and then to the embedded default table.
func loadStationConfig(cmd *cobra.Command) (*classify.Config, string, error) {
	path, _ := cmd.Flags().GetString("station-config")
	if path == "" {
		path = cfg.OEV.StationConfig
	}
	c, err := classify.LoadConfig(path)
	if err != nil {
		return nil, "", err
	}
	return c, path, nil
}

// parseCounts turns "mode=count" flags into per-mode counts. Repeated modes
// add up.
func parseCounts(raw []string) (map[trips.Mode]int, error) {
	counts := make(map[trips.Mode]int, len(raw))
	for _, r := range raw {
		m, n, ok := strings.Cut(r, "=")
		if !ok {
			return nil, eris.Errorf("count %q must look like mode=count", r)
		}
		mode, err := strconv.Atoi(strings.TrimSpace(m))
		if err != nil {
			return nil, eris.Wrapf(err, "count %q: mode", r)
		}
		c, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return nil, eris.Wrapf(err, "count %q: count", r)
		}
		if c < 0 {
			return nil, eris.Errorf("count %q is negative", r)
		}
		counts[trips.Mode(mode)] += c
	}
	return counts, nil
}

func init() {
	addWindowFlags(oevRunCmd)
	addAreaFlags(oevRunCmd)
	oevRunCmd.Flags().String("station-config", "", "station classification YAML (default from config, else built-in table)")
	oevRunCmd.Flags().String("xlsx", "", "also export the classified stations to this XLSX file")

	oevClassifyCmd.Flags().String("window", "", "time window HH:MM-HH:MM (default from config)")
	oevClassifyCmd.Flags().String("station-config", "", "station classification YAML (default from config, else built-in table)")
	oevClassifyCmd.Flags().StringArray("count", nil, "departures per mode as route_type=count (repeatable)")
	oevClassifyCmd.Flags().Int("children", 1, "number of boarding points of the station")

	oevCmd.AddCommand(oevRunCmd)
	oevCmd.AddCommand(oevClassifyCmd)
	rootCmd.AddCommand(oevCmd)
}
