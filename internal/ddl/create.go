// Package ddl defines a small, backend-agnostic model for SQL DDL and helpers
// to render CREATE TABLE and ALTER TABLE ... ADD statements from that model.
//
// Rendering is parameterized by a Quoter so that each dialect package
// (internal/storage/postgres, mssql, sqlite, mysql) reuses the same builder
// with its own identifier quoting:
//
//   - Defaults are emitted as raw SQL; the caller is responsible for safety.
//   - PRIMARY KEY is rendered as a separate clause in column order.
//   - Primary-key columns are always NOT NULL.
package ddl

import (
	"fmt"
	"strings"

	"rowpipe/internal/schema"
)

// Quoter quotes a single identifier segment.
type Quoter func(string) string

// QualifiedName renders a table reference with q, skipping an empty schema.
func QualifiedName(t schema.TableRef, q Quoter) string {
	if t.Schema == "" {
		return q(t.Name)
	}
	return q(t.Schema) + "." + q(t.Name)
}

// BuildCreateTableSQL renders a CREATE TABLE statement from a TableDef.
//
// Rules:
//
//   - t.Table.Name must be non-empty.
//   - Each column must have a non-empty Name and SQLType.
//   - A column is rendered as <Name> <SQLType> [NOT NULL] [DEFAULT <Default>].
//   - Columns with PrimaryKey == true are collected into a trailing
//     PRIMARY KEY (<col1>, <col2>, ...) clause.
func BuildCreateTableSQL(t TableDef, q Quoter) (string, error) {
	if strings.TrimSpace(t.Table.Name) == "" {
		return "", fmt.Errorf("ddl: table name must not be empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("ddl: at least one column is required")
	}

	cols := make([]string, 0, len(t.Columns)+1)
	pks := make([]string, 0, len(t.Columns))

	for _, c := range t.Columns {
		def, err := columnSQL(c, q)
		if err != nil {
			return "", fmt.Errorf("ddl: table %s: %w", t.Table, err)
		}
		cols = append(cols, def)
		if c.PrimaryKey {
			pks = append(pks, q(c.Name))
		}
	}

	if len(pks) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pks, ", ")))
	}

	return fmt.Sprintf(
		"CREATE TABLE %s (\n  %s\n)",
		QualifiedName(t.Table, q),
		strings.Join(cols, ",\n  "),
	), nil
}

// BuildAddColumnSQL renders ALTER TABLE <t> <verb> <column-def>. The verb is
// "ADD COLUMN" for most engines and "ADD" for SQL Server.
func BuildAddColumnSQL(t schema.TableRef, c ColumnDef, verb string, q Quoter) (string, error) {
	def, err := columnSQL(c, q)
	if err != nil {
		return "", fmt.Errorf("ddl: table %s: %w", t, err)
	}
	return fmt.Sprintf("ALTER TABLE %s %s %s", QualifiedName(t, q), verb, def), nil
}

func columnSQL(c ColumnDef, q Quoter) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("column with empty name")
	}
	typ := strings.TrimSpace(c.SQLType)
	if typ == "" {
		return "", fmt.Errorf("column %s missing SQLType", name)
	}

	var sb strings.Builder
	sb.WriteString(q(name))
	sb.WriteByte(' ')
	sb.WriteString(typ)
	if !c.Nullable || c.PrimaryKey {
		sb.WriteString(" NOT NULL")
	}
	if def := strings.TrimSpace(c.Default); def != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(def)
	}
	return sb.String(), nil
}
