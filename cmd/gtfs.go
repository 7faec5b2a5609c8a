package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/config"
	"github.com/sells-group/oev-cli/internal/fetcher"
	"github.com/sells-group/oev-cli/internal/gtfs"
)

var gtfsCmd = &cobra.Command{
	Use:   "gtfs",
	Short: "GTFS feed commands",
}

var gtfsImportCmd = &cobra.Command{
	Use:   "import <path|url>",
	Short: "Import a static GTFS feed",
	Long:  "Loads stops, trips and stop times of a GTFS zip into the transit schema, replacing the previous feed. URLs (http, https, ftp) are downloaded first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(config.ScopeShard); err != nil {
			return err
		}

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		path, err := fetcher.NewSource().Fetch(ctx, args[0], cfg.GTFS.TempDir)
		if err != nil {
			return eris.Wrap(err, "gtfs import: fetch feed")
		}

		res, err := gtfs.NewImporter(pool, cfg.Shard.GridLevel()).ImportFile(ctx, path)
		if err != nil {
			return eris.Wrap(err, "gtfs import")
		}

		zap.L().Info("gtfs feed imported",
			zap.String("feed", args[0]),
			zap.Int64("stops", res.Stops),
			zap.Int64("trips", res.Trips),
			zap.Int64("stop_times", res.StopTimes),
		)
		return nil
	},
}

func init() {
	gtfsCmd.AddCommand(gtfsImportCmd)
	rootCmd.AddCommand(gtfsCmd)
}
