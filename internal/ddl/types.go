package ddl

import "rowpipe/internal/schema"

// ColumnDef describes a single column in a table definition. It intentionally
// uses simple, database-agnostic fields.
//
// Fields:
//   - Name: column name (unquoted; quoting happens at render time)
//   - SQLType: native SQL type, e.g. TEXT, BIGINT, CHAR(10), NUMERIC(12,2)
//   - Nullable: whether NULL is allowed
//   - PrimaryKey: whether the column is part of the primary key
//   - Default: raw default expression (e.g., 'anon', CURRENT_TIMESTAMP)
type ColumnDef struct {
	Name       string
	SQLType    string
	Nullable   bool
	PrimaryKey bool
	Default    string
}

// TableDef holds the physical table reference and an ordered list of columns.
type TableDef struct {
	Table   schema.TableRef
	Columns []ColumnDef
}

// FromSnapshot rebuilds a table definition from an introspected snapshot,
// preserving native types and the primary key. It returns false when the
// snapshot carries no usable structure.
func FromSnapshot(s schema.Snapshot) (TableDef, bool) {
	if !s.Exists || len(s.Columns) == 0 {
		return TableDef{}, false
	}
	td := TableDef{Table: s.Table, Columns: make([]ColumnDef, 0, len(s.Columns))}
	for _, c := range s.Columns {
		if c.NativeType == "" {
			return TableDef{}, false
		}
		td.Columns = append(td.Columns, ColumnDef{
			Name:       c.Name,
			SQLType:    c.NativeType,
			Nullable:   c.Nullable,
			PrimaryKey: c.PrimaryKey,
		})
	}
	return td, true
}

// FromColumns builds a table definition from a column list, using native to
// map each column to a dialect type. Columns named in keys become the
// primary key.
func FromColumns(ref schema.TableRef, cols []schema.Column, keys []string, native func(schema.Column) string) TableDef {
	td := TableDef{Table: ref, Columns: make([]ColumnDef, 0, len(cols))}
	for _, c := range cols {
		pk := false
		for _, k := range keys {
			if k == c.Name {
				pk = true
				break
			}
		}
		typ := c.NativeType
		if typ == "" {
			typ = native(c)
		}
		td.Columns = append(td.Columns, ColumnDef{
			Name:       c.Name,
			SQLType:    typ,
			Nullable:   c.Nullable && !pk,
			PrimaryKey: pk,
		})
	}
	return td
}
