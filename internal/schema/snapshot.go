package schema

import "strings"

// TableRef names a physical table. Schema may be empty for engines without a
// schema namespace.
type TableRef struct {
	Schema string
	Name   string
}

func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// ColumnInfo is one column of a physical table as reported by the catalog.
type ColumnInfo struct {
	Name       string
	NativeType string
	Kind       Kind
	Nullable   bool
	PrimaryKey bool
	Unique     bool
	HasDefault bool
	Length     int64
	Precision  int64
	Scale      int64
}

// Snapshot is a point-in-time description of a target table. A missing
// table is represented by Exists == false and no columns; it is not an error.
type Snapshot struct {
	Exists     bool
	Table      TableRef
	Columns    []ColumnInfo
	PrimaryKey []string
	RowCount   int64
	SizeBytes  int64
}

// Copy returns a deep copy so that holders of a snapshot never share slices
// with the cache that produced it.
func (s Snapshot) Copy() Snapshot {
	out := s
	out.Columns = append([]ColumnInfo(nil), s.Columns...)
	out.PrimaryKey = append([]string(nil), s.PrimaryKey...)
	return out
}

// Column looks a column up by name, case-insensitively.
func (s Snapshot) Column(name string) (ColumnInfo, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// MarkKeys sets PrimaryKey on every column listed in s.PrimaryKey and the
// Unique flag on every column listed in unique. Dialects call it after
// reading the constraint catalog.
func (s *Snapshot) MarkKeys(unique []string) {
	for i := range s.Columns {
		for _, k := range s.PrimaryKey {
			if strings.EqualFold(s.Columns[i].Name, k) {
				s.Columns[i].PrimaryKey = true
			}
		}
		for _, u := range unique {
			if strings.EqualFold(s.Columns[i].Name, u) {
				s.Columns[i].Unique = true
			}
		}
	}
}
