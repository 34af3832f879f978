package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertSpec names the target of a staged insert.
type InsertSpec struct {
	Table   string   // target table, optionally schema-qualified
	Columns []string // columns carried by each row
	Key     []string // unique key; rows whose key already exists are skipped
}

// staging returns the temp table name used for spec.Table.
func (spec InsertSpec) staging() string {
	return "_stage_" + strings.ReplaceAll(spec.Table, ".", "_")
}

// InsertNew copies rows into a transaction-scoped staging table and moves
// them into spec.Table, skipping rows whose key is already present.
// It returns the number of rows actually inserted.
func InsertNew(ctx context.Context, pool Pool, spec InsertSpec, rows [][]any) (int64, error) {
	switch {
	case len(rows) == 0:
		return 0, nil
	case len(spec.Columns) == 0:
		return 0, eris.New("db: insert: no columns specified")
	case len(spec.Key) == 0:
		return 0, eris.New("db: insert: no key columns specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: insert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := pgx.Identifier{spec.staging()}
	create := "CREATE TEMP TABLE " + stage.Sanitize() + " (LIKE " + tableIdent(spec.Table) + " INCLUDING DEFAULTS) ON COMMIT DROP"
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: insert: create staging table for %s", spec.Table)
	}

	if _, err := tx.CopyFrom(ctx, stage, spec.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: insert: copy into staging table for %s", spec.Table)
	}

	tag, err := tx.Exec(ctx, moveSQL(spec))
	if err != nil {
		return 0, eris.Wrapf(err, "db: insert: move staged rows into %s", spec.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: insert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// moveSQL builds the statement that copies staged rows into the target.
func moveSQL(spec InsertSpec) string {
	cols := identList(spec.Columns)
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tableIdent(spec.Table))
	b.WriteString(" (" + cols + ") SELECT " + cols + " FROM ")
	b.WriteString(pgx.Identifier{spec.staging()}.Sanitize())
	b.WriteString(" ON CONFLICT (" + identList(spec.Key) + ") DO NOTHING")
	return b.String()
}

func tableIdent(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func identList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}
