// Package mysql registers the MySQL dialect (github.com/go-sql-driver/mysql).
// Staging tables are TEMPORARY tables on the writer's connection; bulk
// imports are chunked multi-row INSERTs in one transaction.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// Kind is the storage kind registered by this package.
const Kind = "mysql"

// maxPlaceholders stays below the server's 65535 prepared-statement limit.
const maxPlaceholders = 60000

func init() {
	storage.Register(Dialect())
}

// Dialect returns the MySQL capability record.
func Dialect() *storage.Dialect {
	return &storage.Dialect{
		Name:             Kind,
		Aliases:          []string{"mariadb"},
		Quote:            quoteIdent,
		Open:             open,
		ResolveTable:     resolveTable,
		DefaultSchema:    defaultSchema,
		Inspect:          inspect,
		NativeType:       NativeType,
		SemanticOf:       SemanticOf,
		CreateStagingSQL: createStagingSQL,
		BulkImport:       bulkImport,
		MergeSQL:         mergeSQL,
		Bind:             bind,
	}
}

// open parses dsn with the driver's own parser and forces parseTime and UTC
// so temporal values round-trip as time.Time.
func open(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql: connector: %w", err)
	}
	db := sql.OpenDB(conn)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", describe(err))
	}
	return db, nil
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func qualified(t schema.TableRef) string {
	if t.Schema == "" {
		return quoteIdent(t.Name)
	}
	return quoteIdent(t.Schema) + "." + quoteIdent(t.Name)
}

func createStagingSQL(target, staging schema.TableRef, cols []string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT %s FROM %s WHERE 1 = 0",
		quoteIdent(staging.Name), joinQuoted(cols), qualified(target))
}

// bulkImport inserts rows as multi-row INSERT statements inside one
// transaction, chunked to the placeholder limit.
func bulkImport(ctx context.Context, conn *sql.Conn, t schema.TableRef, cols []string, rows [][]any) (int64, error) {
	if len(cols) == 0 {
		return 0, fmt.Errorf("mysql: bulk import: columns must not be empty")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mysql: begin tx: %w", describe(err))
	}

	per := maxPlaceholders / len(cols)
	if per < 1 {
		per = 1
	}
	var inserted int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		query, args := insertSQL(t, cols, rows[start:end])
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("mysql: insert rows %d-%d: %w", start+1, end, describe(err))
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mysql: commit: %w", describe(err))
	}
	return inserted, nil
}

func insertSQL(t schema.TableRef, cols []string, rows [][]any) (string, []any) {
	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", qualified(t), joinQuoted(cols))
	args := make([]any, 0, len(rows)*len(cols))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(group)
		args = append(args, r...)
	}
	return b.String(), args
}

// mergeSQL reconciles staging into target with a multi-table UPDATE ... JOIN
// followed by INSERT ... WHERE NOT EXISTS.
func mergeSQL(target, staging schema.TableRef, cols, keys []string, update bool) []string {
	tgt, stg := qualified(target), quoteIdent(staging.Name)
	var stmts []string
	if sets := storage.NonKeyAssignments(quoteIdent, cols, keys, "S."); update && len(sets) > 0 {
		for i := range sets {
			sets[i] = "T." + sets[i]
		}
		stmts = append(stmts, fmt.Sprintf("UPDATE %s AS T JOIN %s AS S ON %s SET %s",
			tgt, stg, storage.KeyMatch(quoteIdent, keys), strings.Join(sets, ", ")))
	}
	return append(stmts, storage.InsertMissingSQL(quoteIdent, tgt, stg, cols, keys))
}

// mysqlErrorDetail keeps the server error number in the message.
type mysqlErrorDetail struct {
	err *mysql.MySQLError
}

func (e *mysqlErrorDetail) Error() string {
	return fmt.Sprintf("%s (errno %d, sqlstate %s)", e.err.Message, e.err.Number, string(e.err.SQLState[:]))
}

func (e *mysqlErrorDetail) Unwrap() error { return e.err }

func describe(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return &mysqlErrorDetail{err: me}
	}
	return err
}

func joinQuoted(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = quoteIdent(c)
	}
	return strings.Join(q, ", ")
}
