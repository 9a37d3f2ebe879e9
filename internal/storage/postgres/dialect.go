// Package postgres registers the PostgreSQL dialect built on pgx v5: the
// database/sql driver from pgx/stdlib, COPY for bulk import and TEMP tables
// for staging.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// Kind is the storage kind registered by this package.
const Kind = "postgres"

func init() {
	storage.Register(Dialect())
}

// asciiLower folds A-Z only; the server leaves other letters of unquoted
// identifiers as written.
var asciiLower = runes.Map(func(r rune) rune {
	if 'A' <= r && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
})

// Dialect returns the PostgreSQL capability record.
func Dialect() *storage.Dialect {
	return &storage.Dialect{
		Name:             Kind,
		Aliases:          []string{"postgresql", "pg", "pgx"},
		Fold:             fold,
		Quote:            pgIdent,
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

// fold applies the server's folding of unquoted identifiers.
func fold(s string) string {
	out, _, err := transform.String(asciiLower, s)
	if err != nil {
		return s
	}
	return out
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func qualified(t schema.TableRef) string {
	if t.Schema == "" {
		return pgIdent(t.Name)
	}
	return pgIdent(t.Schema) + "." + pgIdent(t.Name)
}

func identifier(t schema.TableRef) pgx.Identifier {
	if t.Schema == "" {
		return pgx.Identifier{t.Name}
	}
	return pgx.Identifier{t.Schema, t.Name}
}

// open parses dsn with pgx so malformed DSNs fail before dialing.
func open(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	db := stdlib.OpenDB(*cfg)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", pgError(err))
	}
	return db, nil
}

func createStagingSQL(target, staging schema.TableRef, cols []string) string {
	return fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT %s FROM %s WHERE false",
		pgIdent(staging.Name), joinIdent(cols), qualified(target))
}

// bulkImport streams rows with COPY FROM STDIN over the pinned connection.
// COPY is a single statement, so the batch lands atomically.
func bulkImport(ctx context.Context, conn *sql.Conn, t schema.TableRef, cols []string, rows [][]any) (int64, error) {
	var n int64
	err := conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("postgres: unexpected driver connection %T", driverConn)
		}
		var err error
		n, err = sc.Conn().CopyFrom(ctx, identifier(t), cols, pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: copy into %s: %w", t, pgError(err))
	}
	return n, nil
}

// mergeSQL updates matching rows with UPDATE ... FROM and inserts the rest.
func mergeSQL(target, staging schema.TableRef, cols, keys []string, update bool) []string {
	tgt, stg := qualified(target), pgIdent(staging.Name)
	var stmts []string
	if update {
		if up := storage.UpdateFromSQL(pgIdent, tgt, stg, cols, keys); up != "" {
			stmts = append(stmts, up)
		}
	}
	return append(stmts, storage.InsertMissingSQL(pgIdent, tgt, stg, cols, keys))
}

// pgErrorDetail keeps the driver error in the chain and surfaces the server
// detail and SQLSTATE in the message.
type pgErrorDetail struct {
	err *pgconn.PgError
}

func (e *pgErrorDetail) Error() string {
	msg := e.err.Message
	if e.err.Detail != "" {
		msg += ": " + e.err.Detail
	}
	if e.err.Where != "" {
		msg += " (" + e.err.Where + ")"
	}
	return fmt.Sprintf("%s (SQLSTATE %s)", msg, e.err.Code)
}

func (e *pgErrorDetail) Unwrap() error { return e.err }

func pgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &pgErrorDetail{err: pgErr}
	}
	return err
}

func joinIdent(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = pgIdent(c)
	}
	return strings.Join(q, ", ")
}
