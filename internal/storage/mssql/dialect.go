// Package mssql registers the Microsoft SQL Server dialect using the
// go-mssqldb bulk copy API. Staging tables are session #temp tables and
// reconciliation is a single MERGE.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// Kind is the storage kind registered by this package.
const Kind = "sqlserver"

func init() {
	storage.Register(Dialect())
}

// Dialect returns the SQL Server capability record.
func Dialect() *storage.Dialect {
	return &storage.Dialect{
		Name:             Kind,
		Aliases:          []string{"mssql"},
		Quote:            msIdent,
		Open:             open,
		ResolveTable:     resolveTable,
		DefaultSchema:    defaultSchema,
		Inspect:          inspect,
		NativeType:       NativeType,
		SemanticOf:       SemanticOf,
		AddColumnVerb:    "ADD",
		StagingRef:       func(name string) schema.TableRef { return schema.TableRef{Name: "#" + name} },
		CreateStagingSQL: createStagingSQL,
		BulkImport:       bulkImport,
		MergeSQL:         mergeSQL,
		Bind:             bind,
	}
}

// msIdent safely quotes a SQL Server identifier using [brackets], escaping ].
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

func qualified(t schema.TableRef) string {
	if t.Schema == "" {
		return msIdent(t.Name)
	}
	return msIdent(t.Schema) + "." + msIdent(t.Name)
}

// open validates the DSN early to fail fast on obvious mistakes.
func open(ctx context.Context, dsn string) (*sql.DB, error) {
	if _, err := msdsn.Parse(dsn); err != nil {
		return nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return db, nil
}

func createStagingSQL(target, staging schema.TableRef, cols []string) string {
	return fmt.Sprintf("SELECT TOP 0 %s INTO %s FROM %s",
		joinIdent(cols), msIdent(staging.Name), qualified(target))
}

// bulkTableName is the name handed to CopyIn. The driver resolves #temp
// tables through tempdb only when the name is not bracketed.
func bulkTableName(t schema.TableRef) string {
	if t.Schema == "" && strings.HasPrefix(t.Name, "#") {
		return t.Name
	}
	return qualified(t)
}

// bulkImport performs a bulk insert inside one transaction on the pinned
// connection.
func bulkImport(ctx context.Context, conn *sql.Conn, t schema.TableRef, cols []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(bulkTableName(t), mssql.BulkOptions{}, cols...))
	if err != nil {
		rollback()
		return 0, fmt.Errorf("mssql: prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			rollback()
			return 0, fmt.Errorf("mssql: bulk row %d: %w", i+1, err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		rollback()
		return 0, fmt.Errorf("mssql: bulk finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		rollback()
		return 0, fmt.Errorf("mssql: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit: %w", err)
	}
	return n, nil
}

// mergeSQL renders one MERGE; the insert branch always runs, the update
// branch only for upserts with non-key columns.
func mergeSQL(target, staging schema.TableRef, cols, keys []string, update bool) []string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS T\nUSING %s AS S\nON %s",
		qualified(target), msIdent(staging.Name), storage.KeyMatch(msIdent, keys))
	if sets := storage.NonKeyAssignments(msIdent, cols, keys, "S."); update && len(sets) > 0 {
		fmt.Fprintf(&b, "\nWHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	src := make([]string, len(cols))
	for i, c := range cols {
		src[i] = "S." + msIdent(c)
	}
	fmt.Fprintf(&b, "\nWHEN NOT MATCHED BY TARGET THEN INSERT (%s) VALUES (%s);", joinIdent(cols), strings.Join(src, ", "))
	return []string{b.String()}
}

func joinIdent(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = msIdent(c)
	}
	return strings.Join(q, ", ")
}
