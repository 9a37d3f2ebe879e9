package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// resolveTable lets the server resolve name against search_path.
func resolveTable(ctx context.Context, q storage.Queryer, name string) (schema.TableRef, bool, error) {
	var ref schema.TableRef
	err := q.QueryRowContext(ctx, `
SELECT n.nspname, c.relname
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.oid = to_regclass($1) AND c.relkind IN ('r', 'p')`, name).Scan(&ref.Schema, &ref.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.TableRef{}, false, nil
	}
	if err != nil {
		return schema.TableRef{}, false, fmt.Errorf("postgres: resolve %q: %w", name, pgError(err))
	}
	return ref, true, nil
}

func defaultSchema(ctx context.Context, q storage.Queryer) (string, error) {
	var s sql.NullString
	if err := q.QueryRowContext(ctx, `SELECT current_schema()`).Scan(&s); err != nil {
		return "", pgError(err)
	}
	if !s.Valid {
		return "public", nil
	}
	return s.String, nil
}

const columnsQuery = `
SELECT a.attname,
       format_type(a.atttypid, a.atttypmod),
       NOT a.attnotnull,
       a.atthasdef
FROM pg_attribute a
WHERE a.attrelid = to_regclass($1) AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum`

const keysQuery = `
SELECT a.attname, i.indisprimary, i.indnatts
FROM pg_index i
CROSS JOIN LATERAL unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
WHERE i.indrelid = to_regclass($1) AND (i.indisprimary OR i.indisunique)
ORDER BY i.indisprimary DESC, i.indexrelid, k.ord`

const statsQuery = `
SELECT GREATEST(c.reltuples, 0)::bigint, pg_total_relation_size(c.oid)
FROM pg_class c
WHERE c.oid = to_regclass($1)`

// inspect reads pg_attribute, pg_index and pg_class for t. format_type
// reports the exact declared type, e.g. character(10) or numeric(12,2).
func inspect(ctx context.Context, q storage.Queryer, t schema.TableRef) (schema.Snapshot, error) {
	snap := schema.Snapshot{Table: t}
	name := qualified(t)

	rows, err := q.QueryContext(ctx, columnsQuery, name)
	if err != nil {
		return snap, fmt.Errorf("postgres: columns: %w", pgError(err))
	}
	for rows.Next() {
		var ci schema.ColumnInfo
		if err := rows.Scan(&ci.Name, &ci.NativeType, &ci.Nullable, &ci.HasDefault); err != nil {
			rows.Close()
			return snap, fmt.Errorf("postgres: scan column: %w", err)
		}
		ci.Kind = SemanticOf(ci.NativeType)
		storage.FillTypeArgs(ci.NativeType, &ci.Length, &ci.Precision, &ci.Scale)
		snap.Columns = append(snap.Columns, ci)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, pgError(err)
	}
	if len(snap.Columns) == 0 {
		return snap, nil
	}
	snap.Exists = true

	rows, err = q.QueryContext(ctx, keysQuery, name)
	if err != nil {
		return snap, fmt.Errorf("postgres: keys: %w", pgError(err))
	}
	var unique []string
	for rows.Next() {
		var (
			col     string
			primary bool
			natts   int
		)
		if err := rows.Scan(&col, &primary, &natts); err != nil {
			rows.Close()
			return snap, fmt.Errorf("postgres: scan key: %w", err)
		}
		switch {
		case primary:
			snap.PrimaryKey = append(snap.PrimaryKey, col)
		case natts == 1:
			unique = append(unique, col)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, pgError(err)
	}
	snap.MarkKeys(unique)

	if err := q.QueryRowContext(ctx, statsQuery, name).Scan(&snap.RowCount, &snap.SizeBytes); err != nil {
		return snap, fmt.Errorf("postgres: stats: %w", pgError(err))
	}
	return snap, nil
}
