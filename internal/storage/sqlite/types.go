package sqlite

import (
	"strings"

	"github.com/google/uuid"

	"rowpipe/internal/schema"
)

// NativeType maps a semantic column to the declared type used in CREATE
// TABLE. Declared types drive SQLite's type affinity and are what
// SemanticOf reads back.
func NativeType(c schema.Column) string {
	if c.NativeType != "" {
		return c.NativeType
	}
	switch c.Kind {
	case schema.KindInteger:
		return "INT"
	case schema.KindLong:
		return "BIGINT"
	case schema.KindDecimal:
		return "NUMERIC"
	case schema.KindFloat:
		return "REAL"
	case schema.KindBoolean:
		return "BOOLEAN"
	case schema.KindTimestamp:
		return "DATETIME"
	case schema.KindTimestampTZ:
		return "TIMESTAMPTZ"
	case schema.KindGUID:
		return "UUID"
	case schema.KindBytes:
		return "BLOB"
	}
	return "TEXT"
}

// SemanticOf maps a declared column type to a Kind, following SQLite's
// affinity rules for names it does not know. Integer types are always
// KindLong.
func SemanticOf(native string) schema.Kind {
	t := strings.ToUpper(strings.TrimSpace(native))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "INT", "INTEGER", "SMALLINT", "TINYINT", "MEDIUMINT", "BIGINT",
		"INT2", "INT4", "INT8", "UNSIGNED BIG INT":
		// INTEGER affinity stores up to 64 bits whatever the declared width.
		return schema.KindLong
	case "UUID", "GUID", "UNIQUEIDENTIFIER":
		return schema.KindGUID
	case "BOOLEAN", "BOOL":
		return schema.KindBoolean
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE", "DATETIMEOFFSET":
		return schema.KindTimestampTZ
	case "DATE", "DATETIME", "TIMESTAMP", "TIME":
		return schema.KindTimestamp
	case "NUMERIC", "DECIMAL", "MONEY":
		return schema.KindDecimal
	}
	switch {
	case strings.Contains(t, "INT"):
		return schema.KindLong
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"), t == "":
		return schema.KindString
	case strings.Contains(t, "BLOB"):
		return schema.KindBytes
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return schema.KindFloat
	}
	return schema.KindDecimal
}

// bind stores GUIDs as canonical text.
func bind(k schema.Kind, v any) any {
	if u, ok := v.(uuid.UUID); ok {
		return u.String()
	}
	return v
}
