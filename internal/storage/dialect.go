package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"rowpipe/internal/ddl"
	"rowpipe/internal/schema"
)

// Queryer is the subset of *sql.Conn and *sql.Tx that dialect hooks use.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect is the per-database capability record that parameterizes the
// generic Writer lifecycle. Backends fill one in and Register it from init.
//
// Required: Name, Quote, Open, ResolveTable, Inspect, NativeType, SemanticOf,
// CreateStagingSQL, BulkImport, MergeSQL. The rest have generic defaults.
type Dialect struct {
	// Name is the storage kind used in job files, e.g. "postgres".
	Name string
	// Aliases are additional kinds that select this dialect.
	Aliases []string

	// Fold maps an unquoted identifier to the engine's default casing. nil
	// means the engine preserves the identifier as written.
	Fold func(string) string
	// Quote quotes one identifier segment.
	Quote func(string) string

	// Open returns a pool for dsn. The Writer pins a single connection.
	Open func(ctx context.Context, dsn string) (*sql.DB, error)

	// ResolveTable runs the engine's own name resolution (search path,
	// default schema) for name. found is false when no such table exists.
	ResolveTable func(ctx context.Context, q Queryer, name string) (ref schema.TableRef, found bool, err error)
	// DefaultSchema returns the schema an unqualified new table lands in.
	DefaultSchema func(ctx context.Context, q Queryer) (string, error)

	// Inspect reads the catalog for t. A missing table is Exists == false.
	Inspect func(ctx context.Context, q Queryer, t schema.TableRef) (schema.Snapshot, error)

	// NativeType maps a semantic column onto the dialect type used for
	// CREATE TABLE and ALTER TABLE ... ADD.
	NativeType func(c schema.Column) string
	// SemanticOf maps a native type as reported by Inspect back to a Kind.
	SemanticOf func(native string) schema.Kind

	// AddColumnVerb is the ALTER TABLE verb ("ADD COLUMN" unless set).
	AddColumnVerb string
	// TruncateSQL renders a truncate-equivalent for t.
	TruncateSQL func(t schema.TableRef) string

	// StagingRef turns a generated name into a staging table reference
	// (e.g. "#name" on SQL Server). nil uses {Name: name}.
	StagingRef func(name string) schema.TableRef
	// CreateStagingSQL creates an empty staging table shaped like the listed
	// target columns.
	CreateStagingSQL func(target, staging schema.TableRef, cols []string) string
	// BulkImport loads rows into t as one atomic unit.
	BulkImport func(ctx context.Context, conn *sql.Conn, t schema.TableRef, cols []string, rows [][]any) (int64, error)
	// MergeSQL renders the reconciliation statements executed in one
	// transaction: insert staged rows absent from target and, when update is
	// true, update the non-key columns of matching rows.
	MergeSQL func(target, staging schema.TableRef, cols, keys []string, update bool) []string

	// Bind adapts a converted value to the shape the driver expects for a
	// kind. nil passes values through.
	Bind func(k schema.Kind, v any) any
}

func (d *Dialect) validate() error {
	var missing []string
	check := func(ok bool, name string) {
		if !ok {
			missing = append(missing, name)
		}
	}
	check(d.Name != "", "Name")
	check(d.Quote != nil, "Quote")
	check(d.Open != nil, "Open")
	check(d.ResolveTable != nil, "ResolveTable")
	check(d.Inspect != nil, "Inspect")
	check(d.NativeType != nil, "NativeType")
	check(d.SemanticOf != nil, "SemanticOf")
	check(d.CreateStagingSQL != nil, "CreateStagingSQL")
	check(d.BulkImport != nil, "BulkImport")
	check(d.MergeSQL != nil, "MergeSQL")
	if len(missing) > 0 {
		return fmt.Errorf("storage: dialect %q missing %s", d.Name, strings.Join(missing, ", "))
	}
	return nil
}

// QualifiedName quotes t with the dialect's quoting rules.
func (d *Dialect) QualifiedName(t schema.TableRef) string {
	return ddl.QualifiedName(t, d.Quote)
}

// QuoteAll quotes every identifier in names.
func (d *Dialect) QuoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = d.Quote(n)
	}
	return out
}

func (d *Dialect) fold(s string) string {
	if d.Fold == nil {
		return s
	}
	return d.Fold(s)
}

func (d *Dialect) truncateSQL(t schema.TableRef) string {
	if d.TruncateSQL != nil {
		return d.TruncateSQL(t)
	}
	return "TRUNCATE TABLE " + d.QualifiedName(t)
}

func (d *Dialect) addColumnVerb() string {
	if d.AddColumnVerb != "" {
		return d.AddColumnVerb
	}
	return "ADD COLUMN"
}

func (d *Dialect) stagingRef(name string) schema.TableRef {
	if d.StagingRef != nil {
		return d.StagingRef(name)
	}
	return schema.TableRef{Name: name}
}

func (d *Dialect) bind(k schema.Kind, v any) any {
	if d.Bind == nil || v == nil {
		return v
	}
	return d.Bind(k, v)
}

// SplitName parses a possibly qualified, possibly quoted name such as
// `sales.orders`, `"Sales"."Orders"` or `[dbo].[t]` into a TableRef. Unquoted
// segments are folded with fold.
func SplitName(name string, fold func(string) string) schema.TableRef {
	parts := splitQualified(name)
	for i, p := range parts {
		if unq, quoted := unquoteIdent(p); quoted {
			parts[i] = unq
		} else if fold != nil {
			parts[i] = fold(p)
		}
	}
	switch len(parts) {
	case 0:
		return schema.TableRef{}
	case 1:
		return schema.TableRef{Name: parts[0]}
	default:
		return schema.TableRef{Schema: parts[len(parts)-2], Name: parts[len(parts)-1]}
	}
}

// splitQualified splits on dots that are not inside "..." or [...] quotes.
func splitQualified(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	for _, r := range strings.TrimSpace(s) {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '`':
			quote = r
			cur.WriteRune(r)
		case r == '[':
			quote = ']'
			cur.WriteRune(r)
		case r == '.':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func unquoteIdent(s string) (string, bool) {
	if len(s) < 2 {
		return s, false
	}
	switch {
	case s[0] == '"' && s[len(s)-1] == '"':
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`), true
	case s[0] == '`' && s[len(s)-1] == '`':
		return strings.ReplaceAll(s[1:len(s)-1], "``", "`"), true
	case s[0] == '[' && s[len(s)-1] == ']':
		return strings.ReplaceAll(s[1:len(s)-1], "]]", "]"), true
	}
	return s, false
}
