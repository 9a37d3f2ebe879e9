// Package schema defines the tabular data model shared by sources,
// transformers and target writers: column descriptors with a closed set of
// semantic kinds, positional rows, target schema snapshots and the
// compatibility classification between a source column list and a snapshot.
package schema

import (
	"fmt"
	"strings"
)

// Kind is the semantic type of a column. The set is closed; every value that
// flows through the pipeline is either nil or assignment-compatible with the
// Kind of its column.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindLong
	KindDecimal
	KindFloat
	KindBoolean
	KindTimestamp
	KindTimestampTZ
	KindGUID
	KindBytes
)

var kindNames = [...]string{
	KindString:      "string",
	KindInteger:     "integer",
	KindLong:        "long",
	KindDecimal:     "decimal",
	KindFloat:       "float",
	KindBoolean:     "boolean",
	KindTimestamp:   "timestamp",
	KindTimestampTZ: "timestamptz",
	KindGUID:        "guid",
	KindBytes:       "bytes",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Temporal reports whether k carries a point in time.
func (k Kind) Temporal() bool { return k == KindTimestamp || k == KindTimestampTZ }

// ParseKind maps a logical type name onto a Kind. It accepts the canonical
// names returned by Kind.String plus the common aliases used in job files
// ("int", "bigint", "text", "bool", "date", "uuid", ...).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "text", "varchar", "":
		return KindString, nil
	case "integer", "int", "int4", "int32":
		return KindInteger, nil
	case "long", "bigint", "int8", "int64":
		return KindLong, nil
	case "decimal", "numeric", "money":
		return KindDecimal, nil
	case "float", "double", "real", "float64":
		return KindFloat, nil
	case "boolean", "bool", "bit":
		return KindBoolean, nil
	case "timestamp", "datetime", "date":
		return KindTimestamp, nil
	case "timestamptz", "timestamp-with-zone", "datetimeoffset":
		return KindTimestampTZ, nil
	case "guid", "uuid", "uniqueidentifier":
		return KindGUID, nil
	case "bytes", "bytea", "binary", "blob":
		return KindBytes, nil
	}
	return KindString, fmt.Errorf("schema: unknown kind %q", s)
}

// Column describes one position of a row.
//
// NativeType is empty for source columns; a target writer fills it after it
// resynchronizes its column list against the physical table.
type Column struct {
	Name          string
	Kind          Kind
	Nullable      bool
	CaseSensitive bool
	NativeType    string
}

// Row is an ordered tuple aligned with a column list. nil is the null value.
type Row = []any

// Names returns the column names in order.
func Names(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// Clone returns a copy of cols that the caller may modify freely.
func Clone(cols []Column) []Column {
	if cols == nil {
		return nil
	}
	out := make([]Column, len(cols))
	copy(out, cols)
	return out
}

// Index returns the position of name in cols using a case-insensitive
// comparison, or -1.
func Index(cols []Column, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Normalize folds every column name that is not marked case-sensitive with
// fold and returns the resulting list. The input is not modified.
func Normalize(cols []Column, fold func(string) string) []Column {
	out := Clone(cols)
	if fold == nil {
		return out
	}
	for i := range out {
		if !out[i].CaseSensitive {
			out[i].Name = fold(out[i].Name)
		}
	}
	return out
}
