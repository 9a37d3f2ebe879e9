package mssql

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"

	"rowpipe/internal/schema"
)

// NativeType maps a semantic column into a SQL Server column type. Unknown
// kinds fall back to NVARCHAR(MAX).
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
		return "DECIMAL(38, 10)"
	case schema.KindFloat:
		return "FLOAT"
	case schema.KindBoolean:
		return "BIT"
	case schema.KindTimestamp:
		return "DATETIME2"
	case schema.KindTimestampTZ:
		return "DATETIMEOFFSET"
	case schema.KindGUID:
		return "UNIQUEIDENTIFIER"
	case schema.KindBytes:
		return "VARBINARY(MAX)"
	}
	return "NVARCHAR(MAX)"
}

// SemanticOf maps a SQL Server type name to a Kind.
func SemanticOf(native string) schema.Kind {
	t := strings.ToLower(strings.TrimSpace(native))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "int", "smallint", "tinyint":
		return schema.KindInteger
	case "bigint":
		return schema.KindLong
	case "decimal", "numeric", "money", "smallmoney":
		return schema.KindDecimal
	case "float", "real":
		return schema.KindFloat
	case "bit":
		return schema.KindBoolean
	case "datetime", "datetime2", "smalldatetime", "date":
		return schema.KindTimestamp
	case "datetimeoffset":
		return schema.KindTimestampTZ
	case "uniqueidentifier":
		return schema.KindGUID
	case "binary", "varbinary", "image", "timestamp", "rowversion":
		return schema.KindBytes
	}
	return schema.KindString
}

// nativeTypeName rebuilds the declared type from sys.columns metadata.
// max_length is in bytes, so n-types report half of it; -1 means MAX.
func nativeTypeName(typ string, maxLen, prec, scale int64) string {
	t := strings.ToLower(typ)
	switch t {
	case "nchar", "nvarchar":
		if maxLen < 0 {
			return t + "(max)"
		}
		return fmt.Sprintf("%s(%d)", t, maxLen/2)
	case "char", "varchar", "binary", "varbinary":
		if maxLen < 0 {
			return t + "(max)"
		}
		return fmt.Sprintf("%s(%d)", t, maxLen)
	case "decimal", "numeric":
		return fmt.Sprintf("%s(%d,%d)", t, prec, scale)
	case "datetime2", "datetimeoffset", "time":
		return fmt.Sprintf("%s(%d)", t, scale)
	}
	return t
}

// bind converts GUIDs to the driver's UniqueIdentifier.
func bind(k schema.Kind, v any) any {
	if u, ok := v.(uuid.UUID); ok {
		return mssql.UniqueIdentifier(u)
	}
	return v
}
