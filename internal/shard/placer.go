package shard

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/db"
)

// Placer distributes a freshly created relation across nodes by its shard
// key column. Placement is owned by the database engine; the sharder only
// asks for it.
type Placer interface {
	Place(ctx context.Context, table, shardKeyColumn string) error
}

// NoopPlacer leaves tables on the coordinator. Used on plain PostgreSQL.
type NoopPlacer struct{}

// Place implements Placer.
func (NoopPlacer) Place(context.Context, string, string) error { return nil }

// CitusPlacer hash-distributes tables with create_distributed_table.
type CitusPlacer struct {
	pool db.Pool
}

// NewCitusPlacer returns a Placer backed by the Citus extension.
func NewCitusPlacer(pool db.Pool) *CitusPlacer {
	return &CitusPlacer{pool: pool}
}

// Place implements Placer.
func (p *CitusPlacer) Place(ctx context.Context, table, shardKeyColumn string) error {
	if _, err := p.pool.Exec(ctx, "SELECT create_distributed_table($1, $2)", table, shardKeyColumn); err != nil {
		return eris.Wrapf(err, "shard: distribute %s by %s", table, shardKeyColumn)
	}
	zap.L().Debug("table distributed",
		zap.String("component", "shard.placer"),
		zap.String("table", table),
		zap.String("column", shardKeyColumn),
	)
	return nil
}

// PlacerFor maps a configured placement mode to a Placer.
func PlacerFor(mode string, pool db.Pool) (Placer, error) {
	switch mode {
	case "", "none":
		return NoopPlacer{}, nil
	case "citus":
		return NewCitusPlacer(pool), nil
	default:
		return nil, eris.Errorf("shard: unknown placement mode %q", mode)
	}
}
