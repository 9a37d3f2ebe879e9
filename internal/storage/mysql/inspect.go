package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// resolveTable finds name in information_schema. An unqualified name is
// looked up in DATABASE(); the comparison ignores case.
func resolveTable(ctx context.Context, q storage.Queryer, name string) (schema.TableRef, bool, error) {
	ref := storage.SplitName(name, nil)
	var db sql.NullString
	if ref.Schema != "" {
		db = sql.NullString{String: ref.Schema, Valid: true}
	}
	var out schema.TableRef
	err := q.QueryRowContext(ctx, `
SELECT TABLE_SCHEMA, TABLE_NAME
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = COALESCE(?, DATABASE())
  AND LOWER(TABLE_NAME) = LOWER(?)
  AND TABLE_TYPE = 'BASE TABLE'
ORDER BY TABLE_NAME = ? DESC
LIMIT 1`, db, ref.Name, ref.Name).Scan(&out.Schema, &out.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return ref, false, nil
	}
	if err != nil {
		return schema.TableRef{}, false, fmt.Errorf("mysql: resolve %q: %w", name, describe(err))
	}
	return out, true, nil
}

func defaultSchema(ctx context.Context, q storage.Queryer) (string, error) {
	var s sql.NullString
	if err := q.QueryRowContext(ctx, `SELECT DATABASE()`).Scan(&s); err != nil {
		return "", describe(err)
	}
	if !s.Valid {
		return "", errors.New("mysql: no database selected in DSN")
	}
	return s.String, nil
}

const columnsQuery = `
SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE = 'YES',
       COLUMN_DEFAULT IS NOT NULL OR EXTRA LIKE '%auto_increment%'
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`

const keysQuery = `
SELECT INDEX_NAME, COLUMN_NAME, NON_UNIQUE = 0
FROM information_schema.STATISTICS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
ORDER BY INDEX_NAME = 'PRIMARY' DESC, INDEX_NAME, SEQ_IN_INDEX`

const statsQuery = `
SELECT COALESCE(TABLE_ROWS, 0), COALESCE(DATA_LENGTH, 0) + COALESCE(INDEX_LENGTH, 0)
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`

// inspect reads information_schema for t. COLUMN_TYPE carries the declared
// type with its arguments, e.g. varchar(40) or decimal(12,2).
func inspect(ctx context.Context, q storage.Queryer, t schema.TableRef) (schema.Snapshot, error) {
	snap := schema.Snapshot{Table: t}
	if t.Schema == "" {
		s, err := defaultSchema(ctx, q)
		if err != nil {
			return snap, err
		}
		t.Schema = s
		snap.Table = t
	}

	rows, err := q.QueryContext(ctx, columnsQuery, t.Schema, t.Name)
	if err != nil {
		return snap, fmt.Errorf("mysql: columns: %w", describe(err))
	}
	for rows.Next() {
		var ci schema.ColumnInfo
		if err := rows.Scan(&ci.Name, &ci.NativeType, &ci.Nullable, &ci.HasDefault); err != nil {
			rows.Close()
			return snap, fmt.Errorf("mysql: scan column: %w", err)
		}
		ci.Kind = SemanticOf(ci.NativeType)
		storage.FillTypeArgs(ci.NativeType, &ci.Length, &ci.Precision, &ci.Scale)
		snap.Columns = append(snap.Columns, ci)
	}
	if err := rows.Close(); err != nil {
		return snap, err
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}
	if len(snap.Columns) == 0 {
		return snap, nil
	}
	snap.Exists = true

	pk, unique, err := keys(ctx, q, t)
	if err != nil {
		return snap, err
	}
	snap.PrimaryKey = pk
	snap.MarkKeys(unique)

	if err := q.QueryRowContext(ctx, statsQuery, t.Schema, t.Name).Scan(&snap.RowCount, &snap.SizeBytes); err != nil {
		return snap, fmt.Errorf("mysql: stats: %w", describe(err))
	}
	return snap, nil
}

// keys returns the primary key in index order and the columns that alone
// form a unique index.
func keys(ctx context.Context, q storage.Queryer, t schema.TableRef) ([]string, []string, error) {
	rows, err := q.QueryContext(ctx, keysQuery, t.Schema, t.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("mysql: keys: %w", describe(err))
	}
	defer rows.Close()

	var pk []string
	byIndex := map[string][]string{}
	var order []string
	for rows.Next() {
		var (
			index, col string
			unique     bool
		)
		if err := rows.Scan(&index, &col, &unique); err != nil {
			return nil, nil, fmt.Errorf("mysql: scan key: %w", err)
		}
		switch {
		case index == "PRIMARY":
			pk = append(pk, col)
		case unique:
			if _, ok := byIndex[index]; !ok {
				order = append(order, index)
			}
			byIndex[index] = append(byIndex[index], col)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	var single []string
	for _, idx := range order {
		if cols := byIndex[idx]; len(cols) == 1 {
			single = append(single, cols[0])
		}
	}
	return pk, single, nil
}
