package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/oev-cli/internal/config"
	"github.com/sells-group/oev-cli/internal/shard"
)

var shardCmd = &cobra.Command{
	Use:   "shard",
	Short: "Split a geometry relation into grid-sharded fragments",
	Long: `Subdivides, repairs and clips the geometries of a source relation along
S2 grid cells and publishes them with a shard_key column. Filters take the
form "column,op,value" with op one of = <> < <= > >= "IS NULL" "IS NOT NULL".`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(config.ScopeShard); err != nil {
			return err
		}

		source, _ := cmd.Flags().GetString("source")
		dest, _ := cmd.Flags().GetString("dest")
		kind, _ := cmd.Flags().GetString("kind")
		columns, _ := cmd.Flags().GetStringSlice("columns")
		rawFilters, _ := cmd.Flags().GetStringArray("filter")
		appendRows, _ := cmd.Flags().GetBool("append")

		filters, err := parseFilters(rawFilters)
		if err != nil {
			return err
		}

		pool, err := connectPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		placer, err := shard.PlacerFor(cfg.Shard.Placement, pool)
		if err != nil {
			return err
		}

		res, err := shard.New(pool, placer, cfg.Shard.Concurrency).Shard(ctx, shard.Request{
			Source:      source,
			Columns:     columns,
			Filters:     filters,
			Kind:        shard.Kind(kind),
			MaxVertices: cfg.Shard.MaxVertices,
			Dest:        dest,
			Append:      appendRows,
			Level:       cfg.Shard.GridLevel(),
		})
		if err != nil {
			return eris.Wrap(err, "shard")
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

// parseFilters turns "column,op,value" flags into shard filters. The NULL
// operators take no value.
func parseFilters(raw []string) ([]shard.Filter, error) {
	filters := make([]shard.Filter, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ",", 3)
		if len(parts) < 2 {
			return nil, eris.Errorf("filter %q must look like column,op,value", r)
		}
		f := shard.Filter{
			Column: strings.TrimSpace(parts[0]),
			Op:     shard.Op(strings.ToUpper(strings.TrimSpace(parts[1]))),
		}
		switch f.Op {
		case shard.OpIsNull, shard.OpIsNotNull:
		default:
			if len(parts) != 3 {
				return nil, eris.Errorf("filter %q needs a value", r)
			}
			f.Value = parts[2]
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func init() {
	shardCmd.Flags().String("source", "", "source relation, optionally schema-qualified (required)")
	shardCmd.Flags().String("dest", "", "destination relation (required)")
	shardCmd.Flags().String("kind", string(shard.KindPolygon), "geometry kind: point, line or polygon")
	shardCmd.Flags().StringSlice("columns", nil, "attribute columns to carry over")
	shardCmd.Flags().StringArray("filter", nil, "predicate column,op,value (repeatable)")
	shardCmd.Flags().Bool("append", false, "append to dest instead of replacing it")
	_ = shardCmd.MarkFlagRequired("source")
	_ = shardCmd.MarkFlagRequired("dest")

	rootCmd.AddCommand(shardCmd)
}
