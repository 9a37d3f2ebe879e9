package mysql

import (
	"strings"

	"github.com/google/uuid"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// NativeType maps a semantic column to a MySQL column type. Strings get
// VARCHAR(255) so they can take part in a key.
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
		return "DECIMAL(38,10)"
	case schema.KindFloat:
		return "DOUBLE"
	case schema.KindBoolean:
		return "TINYINT(1)"
	case schema.KindTimestamp:
		return "DATETIME(6)"
	case schema.KindTimestampTZ:
		return "TIMESTAMP(6)"
	case schema.KindGUID:
		return "BINARY(16)"
	case schema.KindBytes:
		return "LONGBLOB"
	}
	return "VARCHAR(255)"
}

// SemanticOf maps an information_schema COLUMN_TYPE to a Kind. TINYINT(1)
// is a boolean and BINARY(16) a GUID by convention.
func SemanticOf(native string) schema.Kind {
	base, args := storage.TypeArgs(native)
	unsigned := strings.Contains(strings.ToLower(native), "unsigned")
	if f := strings.Fields(base); len(f) > 0 {
		base = f[0] // int unsigned, double zerofill
	}
	switch base {
	case "tinyint":
		if len(args) == 1 && args[0] == 1 {
			return schema.KindBoolean
		}
		return schema.KindInteger
	case "bool", "boolean":
		return schema.KindBoolean
	case "smallint", "mediumint", "year":
		return schema.KindInteger
	case "int", "integer":
		if unsigned {
			return schema.KindLong
		}
		return schema.KindInteger
	case "bigint":
		return schema.KindLong
	case "decimal", "numeric":
		return schema.KindDecimal
	case "float", "double", "real":
		return schema.KindFloat
	case "datetime", "date":
		return schema.KindTimestamp
	case "timestamp":
		return schema.KindTimestampTZ
	case "binary":
		if len(args) == 1 && args[0] == 16 {
			return schema.KindGUID
		}
		return schema.KindBytes
	case "varbinary", "blob", "tinyblob", "mediumblob", "longblob", "bit":
		return schema.KindBytes
	}
	return schema.KindString
}

// bind stores GUIDs as their 16 raw bytes.
func bind(k schema.Kind, v any) any {
	if u, ok := v.(uuid.UUID); ok {
		if k == schema.KindString {
			return u.String()
		}
		return u[:]
	}
	return v
}
