package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/geospatial"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Database maintenance for the transit schema",
}

var maintenanceVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "VACUUM ANALYZE the transit tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := geospatial.VacuumAnalyze(ctx, pool); err != nil {
			return eris.Wrap(err, "maintenance vacuum")
		}
		if cluster, _ := cmd.Flags().GetBool("cluster"); cluster {
			if err := geospatial.ClusterSpatialIndexes(ctx, pool); err != nil {
				return eris.Wrap(err, "maintenance cluster")
			}
		}
		zap.L().Info("maintenance complete")
		return nil
	},
}

var maintenanceReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild all indexes of the transit schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		return geospatial.ReindexSpatial(ctx, pool)
	},
}

var maintenanceStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts and sizes of the transit tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		stats, err := geospatial.GetTableStats(ctx, pool)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "TABLE\tROWS\tTOTAL\tINDEXES\tSPATIAL")
		for _, s := range stats {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%t\n", s.TableName, s.RowCount, s.TotalSize, s.IndexSize, s.HasSpatial)
		}
		return w.Flush()
	},
}

func init() {
	maintenanceVacuumCmd.Flags().Bool("cluster", false, "also CLUSTER spatial tables by their GIST index")

	maintenanceCmd.AddCommand(maintenanceVacuumCmd)
	maintenanceCmd.AddCommand(maintenanceReindexCmd)
	maintenanceCmd.AddCommand(maintenanceStatsCmd)
	rootCmd.AddCommand(maintenanceCmd)
}
