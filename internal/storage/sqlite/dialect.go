// Package sqlite registers the SQLite dialect (modernc.org/sqlite, pure Go).
// SQLite has no bulk-load API, so imports are prepared INSERTs inside one
// transaction; staging tables are TEMP tables on the writer's connection.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// Kind is the storage kind registered by this package.
const Kind = "sqlite"

func init() {
	storage.Register(Dialect())
}

// Dialect returns the SQLite capability record.
func Dialect() *storage.Dialect {
	return &storage.Dialect{
		Name:             Kind,
		Aliases:          []string{"sqlite3"},
		Quote:            quoteIdent,
		Open:             open,
		ResolveTable:     resolveTable,
		DefaultSchema:    func(context.Context, storage.Queryer) (string, error) { return defaultSchema, nil },
		Inspect:          inspect,
		NativeType:       NativeType,
		SemanticOf:       SemanticOf,
		TruncateSQL:      func(t schema.TableRef) string { return "DELETE FROM " + qualified(t) },
		CreateStagingSQL: createStagingSQL,
		BulkImport:       bulkImport,
		MergeSQL:         mergeSQL,
		Bind:             bind,
	}
}

// open returns a pool for dsn, e.g. "file:etl.db?_pragma=foreign_keys(1)".
func open(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return db, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func qualified(t schema.TableRef) string {
	if t.Schema == "" {
		return quoteIdent(t.Name)
	}
	return quoteIdent(t.Schema) + "." + quoteIdent(t.Name)
}

func createStagingSQL(target, staging schema.TableRef, cols []string) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT %s FROM %s WHERE 0",
		quoteIdent(staging.Name), joinQuoted(cols), qualified(target))
}

// bulkImport inserts rows with a prepared statement inside one transaction.
func bulkImport(ctx context.Context, conn *sql.Conn, t schema.TableRef, cols []string, rows [][]any) (int64, error) {
	if len(cols) == 0 {
		return 0, fmt.Errorf("sqlite: bulk import: columns must not be empty")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	stmtSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualified(t), joinQuoted(cols), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: insert row %d: %w", i+1, err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return inserted, nil
}

// mergeSQL reconciles staging into target with UPDATE ... FROM (SQLite
// 3.33+) followed by INSERT ... WHERE NOT EXISTS.
func mergeSQL(target, staging schema.TableRef, cols, keys []string, update bool) []string {
	tgt, stg := qualified(target), quoteIdent(staging.Name)
	var stmts []string
	if update {
		if up := storage.UpdateFromSQL(quoteIdent, tgt, stg, cols, keys); up != "" {
			stmts = append(stmts, up)
		}
	}
	return append(stmts, storage.InsertMissingSQL(quoteIdent, tgt, stg, cols, keys))
}

func joinQuoted(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = quoteIdent(c)
	}
	return strings.Join(q, ", ")
}
