package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes one bulk upsert target.
type UpsertConfig struct {
	// Table is the target, optionally schema-qualified ("geostash.pois").
	Table string
	// Columns lists every inserted column, in row order.
	Columns []string
	// ConflictKeys are the columns of the unique constraint.
	ConflictKeys []string
	// UpdateCols restricts which columns are updated on conflict. Nil means
	// every non-key column.
	UpdateCols []string
	// UpdateExprs overrides the SET expression for specific columns. The
	// expression may reference the target table and EXCLUDED, e.g.
	// "pois.downloaded OR EXCLUDED.downloaded" keeps a permanent row
	// permanent when a transient duplicate arrives.
	UpdateExprs map[string]string
}

// BulkUpsert loads rows through a temp table: COPY is far faster than row-wise
// INSERT for large batches, and the follow-up INSERT ... ON CONFLICT applies
// the merge semantics. The temp table is dropped on commit.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	staging := "_staging_" + strings.ReplaceAll(cfg.Table, ".", "_")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{staging}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create staging table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into staging table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, mergeSQL(cfg, staging))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// mergeSQL builds the INSERT ... ON CONFLICT statement moving rows from the
// staging table into the target. DISTINCT ON collapses duplicate keys in the
// staging table; ON CONFLICT DO UPDATE errors if one statement touches the
// same row twice.
func mergeSQL(cfg UpsertConfig, staging string) string {
	cols := quoteAndJoin(cfg.Columns)

	sets := make([]string, 0, len(cfg.Columns))
	for _, col := range updateColumns(cfg) {
		quoted := pgx.Identifier{col}.Sanitize()
		expr, ok := cfg.UpdateExprs[col]
		if !ok {
			expr = "EXCLUDED." + quoted
		}
		sets = append(sets, quoted+" = "+expr)
	}

	keys := quoteAndJoin(cfg.ConflictKeys)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT DISTINCT ON (%s) %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table),
		cols,
		keys,
		cols,
		pgx.Identifier{staging}.Sanitize(),
		keys,
		strings.Join(sets, ", "),
	)
}

func updateColumns(cfg UpsertConfig) []string {
	if cfg.UpdateCols != nil {
		return cfg.UpdateCols
	}
	keys := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		keys[k] = true
	}
	var out []string
	for _, c := range cfg.Columns {
		if !keys[c] {
			out = append(out, c)
		}
	}
	return out
}

// sanitizeTable quotes a possibly schema-qualified table name.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
