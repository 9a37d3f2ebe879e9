package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

const defaultSchema = "main"

// resolveTable looks name up in sqlite_master case-insensitively and returns
// the stored spelling.
func resolveTable(ctx context.Context, q storage.Queryer, name string) (schema.TableRef, bool, error) {
	ref := storage.SplitName(name, nil)
	if ref.Schema == "" {
		ref.Schema = defaultSchema
	}
	var actual string
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT name FROM %s.sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE", quoteIdent(ref.Schema)),
		ref.Name).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return ref, false, nil
	}
	if err != nil {
		return schema.TableRef{}, false, fmt.Errorf("sqlite: resolve %q: %w", name, err)
	}
	return schema.TableRef{Schema: ref.Schema, Name: actual}, true, nil
}

// inspect reads PRAGMA table_info and index_list for t.
func inspect(ctx context.Context, q storage.Queryer, t schema.TableRef) (schema.Snapshot, error) {
	if t.Schema == "" {
		t.Schema = defaultSchema
	}
	snap := schema.Snapshot{Table: t}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA %s.table_info(%s)", quoteIdent(t.Schema), quoteIdent(t.Name)))
	if err != nil {
		return snap, fmt.Errorf("sqlite: table_info: %w", err)
	}
	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return snap, fmt.Errorf("sqlite: scan table_info: %w", err)
		}
		ci := schema.ColumnInfo{
			Name:       name,
			NativeType: typ,
			Kind:       SemanticOf(typ),
			Nullable:   notNull == 0 && pk == 0,
			HasDefault: dflt.Valid,
		}
		storage.FillTypeArgs(typ, &ci.Length, &ci.Precision, &ci.Scale)
		snap.Columns = append(snap.Columns, ci)
		if pk > 0 {
			pks = append(pks, pkCol{name, pk})
		}
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

	snap.PrimaryKey = make([]string, len(pks))
	for _, p := range pks {
		if p.pos-1 < len(pks) {
			snap.PrimaryKey[p.pos-1] = p.name
		}
	}

	unique, err := uniqueColumns(ctx, q, t)
	if err != nil {
		return snap, err
	}
	snap.MarkKeys(unique)

	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+qualified(t)).Scan(&snap.RowCount); err != nil {
		return snap, fmt.Errorf("sqlite: count: %w", err)
	}
	// dbstat is optional in SQLite builds.
	var size sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT SUM(pgsize) FROM dbstat WHERE name = ?", t.Name).Scan(&size); err == nil {
		snap.SizeBytes = size.Int64
	}
	return snap, nil
}

// uniqueColumns returns the columns covered alone by a unique index.
func uniqueColumns(ctx context.Context, q storage.Queryer, t schema.TableRef) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA %s.index_list(%s)", quoteIdent(t.Schema), quoteIdent(t.Name)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: index_list: %w", err)
	}
	var indexes []string
	for rows.Next() {
		var (
			seq, uniq, partial int
			name, origin       string
		)
		if err := rows.Scan(&seq, &name, &uniq, &origin, &partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan index_list: %w", err)
		}
		if uniq == 1 && partial == 0 {
			indexes = append(indexes, name)
		}
	}
	rows.Close()

	var out []string
	for _, idx := range indexes {
		cols, err := indexColumns(ctx, q, t.Schema, idx)
		if err != nil {
			return nil, err
		}
		if len(cols) == 1 {
			out = append(out, cols[0])
		}
	}
	return out, nil
}

func indexColumns(ctx context.Context, q storage.Queryer, schemaName, index string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA %s.index_info(%s)", quoteIdent(schemaName), quoteIdent(index)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: index_info: %w", err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var (
			seqno, cid int
			name       sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("sqlite: scan index_info: %w", err)
		}
		cols = append(cols, name.String)
	}
	return cols, rows.Err()
}
