package mssql

import (
	"context"
	"database/sql"
	"fmt"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// resolveTable lets OBJECT_ID apply the caller's default schema.
func resolveTable(ctx context.Context, q storage.Queryer, name string) (schema.TableRef, bool, error) {
	var sch, tbl sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT OBJECT_SCHEMA_NAME(OBJECT_ID(@p1, 'U')), OBJECT_NAME(OBJECT_ID(@p1, 'U'))`, name).Scan(&sch, &tbl)
	if err != nil {
		return schema.TableRef{}, false, fmt.Errorf("mssql: resolve %q: %w", name, err)
	}
	if !tbl.Valid {
		return schema.TableRef{}, false, nil
	}
	return schema.TableRef{Schema: sch.String, Name: tbl.String}, true, nil
}

func defaultSchema(ctx context.Context, q storage.Queryer) (string, error) {
	var s sql.NullString
	if err := q.QueryRowContext(ctx, `SELECT SCHEMA_NAME()`).Scan(&s); err != nil {
		return "", err
	}
	if !s.Valid {
		return "dbo", nil
	}
	return s.String, nil
}

const columnsQuery = `
SELECT c.name, t.name, c.max_length, c.precision, c.scale, c.is_nullable,
       CASE WHEN c.default_object_id <> 0 OR c.is_identity = 1 OR c.is_computed = 1 THEN 1 ELSE 0 END
FROM sys.columns c
JOIN sys.types t ON t.user_type_id = c.user_type_id
WHERE c.object_id = OBJECT_ID(@p1, 'U')
ORDER BY c.column_id`

const keysQuery = `
SELECT c.name, i.is_primary_key,
       (SELECT COUNT(*) FROM sys.index_columns x
        WHERE x.object_id = i.object_id AND x.index_id = i.index_id AND x.is_included_column = 0)
FROM sys.indexes i
JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id AND ic.is_included_column = 0
JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
WHERE i.object_id = OBJECT_ID(@p1, 'U') AND (i.is_primary_key = 1 OR i.is_unique = 1)
ORDER BY i.is_primary_key DESC, i.index_id, ic.key_ordinal`

const statsQuery = `
SELECT
  (SELECT COALESCE(SUM(p.rows), 0) FROM sys.partitions p
   WHERE p.object_id = OBJECT_ID(@p1, 'U') AND p.index_id IN (0, 1)),
  (SELECT COALESCE(SUM(a.total_pages), 0) * 8192 FROM sys.partitions p
   JOIN sys.allocation_units a ON a.container_id = p.partition_id
   WHERE p.object_id = OBJECT_ID(@p1, 'U'))`

// inspect reads sys.columns, sys.indexes and sys.partitions for t.
func inspect(ctx context.Context, q storage.Queryer, t schema.TableRef) (schema.Snapshot, error) {
	snap := schema.Snapshot{Table: t}
	name := qualified(t)

	rows, err := q.QueryContext(ctx, columnsQuery, name)
	if err != nil {
		return snap, fmt.Errorf("mssql: columns: %w", err)
	}
	for rows.Next() {
		var (
			colName, typeName string
			maxLen            int64
			prec, scale       int64
			nullable          bool
			hasDefault        int
		)
		if err := rows.Scan(&colName, &typeName, &maxLen, &prec, &scale, &nullable, &hasDefault); err != nil {
			rows.Close()
			return snap, fmt.Errorf("mssql: scan column: %w", err)
		}
		native := nativeTypeName(typeName, maxLen, prec, scale)
		ci := schema.ColumnInfo{
			Name:       colName,
			NativeType: native,
			Kind:       SemanticOf(native),
			Nullable:   nullable,
			HasDefault: hasDefault == 1,
		}
		storage.FillTypeArgs(native, &ci.Length, &ci.Precision, &ci.Scale)
		snap.Columns = append(snap.Columns, ci)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}
	if len(snap.Columns) == 0 {
		return snap, nil
	}
	snap.Exists = true

	rows, err = q.QueryContext(ctx, keysQuery, name)
	if err != nil {
		return snap, fmt.Errorf("mssql: keys: %w", err)
	}
	var unique []string
	for rows.Next() {
		var (
			col     string
			primary bool
			ncols   int
		)
		if err := rows.Scan(&col, &primary, &ncols); err != nil {
			rows.Close()
			return snap, fmt.Errorf("mssql: scan key: %w", err)
		}
		switch {
		case primary:
			snap.PrimaryKey = append(snap.PrimaryKey, col)
		case ncols == 1:
			unique = append(unique, col)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}
	snap.MarkKeys(unique)

	if err := q.QueryRowContext(ctx, statsQuery, name).Scan(&snap.RowCount, &snap.SizeBytes); err != nil {
		return snap, fmt.Errorf("mssql: stats: %w", err)
	}
	return snap, nil
}
