package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Upsert loads keyed rows into Table through a staging table that is
// dropped on commit.
type Upsert struct {
	Table   string
	Columns []string
	Keys    []string
	// Update lists the columns overwritten on key conflict. nil overwrites
	// every non-key column.
	Update []string
	// Exprs maps a column to the expression selected from the staging table
	// in its place, e.g. a geometry repair. The expression sees the staged
	// column under its own name.
	Exprs map[string]string
	// Scope, when set, makes the load a replacement: target rows whose
	// Scope value occurs in the load but whose key does not are deleted.
	Scope string
}

// UpsertResult counts the rows one load changed.
type UpsertResult struct {
	Inserted int64
	Updated  int64
	Removed  int64
}

// Written is the number of rows inserted or updated.
func (r UpsertResult) Written() int64 { return r.Inserted + r.Updated }

func (u Upsert) validate() error {
	if len(u.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(u.Keys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	for _, k := range u.Keys {
		if !slices.Contains(u.Columns, k) {
			return eris.Errorf("db: upsert: key %q is not a loaded column", k)
		}
	}
	if u.Scope != "" && !slices.Contains(u.Columns, u.Scope) {
		return eris.Errorf("db: upsert: scope %q is not a loaded column", u.Scope)
	}
	for col := range u.Exprs {
		if !slices.Contains(u.Columns, col) {
			return eris.Errorf("db: upsert: expression for unknown column %q", col)
		}
	}
	return nil
}

func (u Upsert) staging() pgx.Identifier {
	return pgx.Identifier{"_stage_" + strings.ReplaceAll(u.Table, ".", "_")}
}

func (u Upsert) stagingTable() string { return u.staging().Sanitize() }

func (u Upsert) updateColumns() []string {
	if u.Update != nil {
		return u.Update
	}
	var cols []string
	for _, c := range u.Columns {
		if !slices.Contains(u.Keys, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// writeSQL inserts the staged rows and reports inserted and updated counts.
// xmax is zero only for freshly inserted tuples.
func (u Upsert) writeSQL() string {
	selects := make([]string, len(u.Columns))
	for i, c := range u.Columns {
		if expr, ok := u.Exprs[c]; ok {
			selects[i] = expr
			continue
		}
		selects[i] = pgx.Identifier{c}.Sanitize()
	}

	action := "DO NOTHING"
	if cols := u.updateColumns(); len(cols) > 0 {
		set := make([]string, len(cols))
		for i, c := range cols {
			q := pgx.Identifier{c}.Sanitize()
			set[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
		}
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}

	return fmt.Sprintf(
		"WITH written AS (INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s RETURNING (xmax = 0) AS inserted) "+
			"SELECT count(*) FILTER (WHERE inserted), count(*) FILTER (WHERE NOT inserted) FROM written",
		QuoteTable(u.Table),
		QuoteColumns(u.Columns),
		strings.Join(selects, ", "),
		u.stagingTable(),
		QuoteColumns(u.Keys),
		action,
	)
}

// pruneSQL deletes target rows in a loaded scope that the load left out.
func (u Upsert) pruneSQL() string {
	scope := pgx.Identifier{u.Scope}.Sanitize()
	match := make([]string, len(u.Keys))
	for i, k := range u.Keys {
		q := pgx.Identifier{k}.Sanitize()
		match[i] = fmt.Sprintf("src.%s = dst.%s", q, q)
	}
	return fmt.Sprintf(
		"DELETE FROM %s AS dst WHERE dst.%s IN (SELECT %s FROM %s) AND NOT EXISTS (SELECT 1 FROM %s src WHERE %s)",
		QuoteTable(u.Table),
		scope, scope, u.stagingTable(),
		u.stagingTable(),
		strings.Join(match, " AND "),
	)
}

// Run stages rows with COPY and merges them into the target in one
// transaction. An empty load changes nothing.
func (u Upsert) Run(ctx context.Context, pool Pool, rows [][]any) (UpsertResult, error) {
	var res UpsertResult
	if err := u.validate(); err != nil {
		return res, err
	}
	if len(rows) == 0 {
		return res, nil
	}

	err := WithTx(ctx, pool, func(tx pgx.Tx) error {
		stage := u.stagingTable()
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", stage, QuoteTable(u.Table),
		)); err != nil {
			return eris.Wrapf(err, "db: upsert: stage %s", u.Table)
		}
		if _, err := tx.CopyFrom(ctx, u.staging(), u.Columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: upsert: copy into stage for %s", u.Table)
		}
		if err := tx.QueryRow(ctx, u.writeSQL()).Scan(&res.Inserted, &res.Updated); err != nil {
			return eris.Wrapf(err, "db: upsert: write %s", u.Table)
		}
		if u.Scope == "" {
			return nil
		}
		tag, err := tx.Exec(ctx, u.pruneSQL())
		if err != nil {
			return eris.Wrapf(err, "db: upsert: prune %s", u.Table)
		}
		res.Removed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}
