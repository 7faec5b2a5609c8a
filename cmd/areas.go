package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/areas"
	"github.com/sells-group/oev-cli/internal/fetcher"
)

var areasCmd = &cobra.Command{
	Use:   "areas",
	Short: "Reference area commands",
}

var areasLoadCmd = &cobra.Command{
	Use:   "load <path|url>",
	Short: "Load reference areas from a shapefile",
	Long:  "Reads polygons from a .shp file or a zipped shapefile (local or remote) and upserts them into transit.reference_areas under the given source tag.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		source, _ := cmd.Flags().GetString("source")
		nameField, _ := cmd.Flags().GetString("name-field")
		if nameField == "" {
			nameField = cfg.Areas.NameField
		}

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		loader := areas.NewLoader(pool, fetcher.NewSource(), cfg.Areas.TempDir)
		n, err := loader.Load(ctx, args[0], areas.Options{Source: source, NameField: nameField})
		if err != nil {
			return eris.Wrap(err, "areas load")
		}

		zap.L().Info("reference areas loaded",
			zap.String("source", source),
			zap.Int64("areas", n),
		)
		return nil
	},
}

func init() {
	areasLoadCmd.Flags().String("source", "", "source tag stored with every area (required)")
	areasLoadCmd.Flags().String("name-field", "", "attribute holding the area name (default from config)")
	_ = areasLoadCmd.MarkFlagRequired("source")

	areasCmd.AddCommand(areasLoadCmd)
	rootCmd.AddCommand(areasCmd)
}
