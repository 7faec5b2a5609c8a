package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/geospatial"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply transit schema migrations",
	Long:  "Applies all pending SQL migrations to the transit schema in lexicographic order and prepares the run store.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := geospatial.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "migrate")
		}

		st, err := initStore(ctx, pool)
		if err != nil {
			return eris.Wrap(err, "migrate run store")
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("all migrations applied successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
