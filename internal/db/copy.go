package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows into a table using PostgreSQL COPY protocol.
// The table may be schema-qualified ("transit.stop_times").
func CopyFrom(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := pool.CopyFrom(ctx, Identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// CopyFromTx is CopyFrom bound to an open transaction.
func CopyFromTx(ctx context.Context, tx pgx.Tx, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := tx.CopyFrom(ctx, Identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// ReplaceTable atomically swaps staging in for dest inside tx. The previous
// dest (if any) is dropped in the same transaction, so readers observe
// either the old or the new relation, never a partial one. Both names must
// live in the same schema.
func ReplaceTable(ctx context.Context, tx pgx.Tx, staging, dest string) error {
	destID := Identifier(dest)
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+destID.Sanitize()); err != nil {
		return eris.Wrapf(err, "db: drop %s", dest)
	}
	newName := pgx.Identifier{destID[len(destID)-1]}.Sanitize()
	if _, err := tx.Exec(ctx, "ALTER TABLE "+QuoteTable(staging)+" RENAME TO "+newName); err != nil {
		return eris.Wrapf(err, "db: rename %s to %s", staging, dest)
	}
	return nil
}
