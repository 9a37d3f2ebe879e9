package postgres

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"rowpipe/internal/schema"
)

// NativeType maps a semantic column to a Postgres column type.
func NativeType(c schema.Column) string {
	if c.NativeType != "" {
		return c.NativeType
	}
	switch c.Kind {
	case schema.KindInteger:
		return "integer"
	case schema.KindLong:
		return "bigint"
	case schema.KindDecimal:
		return "numeric"
	case schema.KindFloat:
		return "double precision"
	case schema.KindBoolean:
		return "boolean"
	case schema.KindTimestamp:
		return "timestamp without time zone"
	case schema.KindTimestampTZ:
		return "timestamp with time zone"
	case schema.KindGUID:
		return "uuid"
	case schema.KindBytes:
		return "bytea"
	}
	return "text"
}

// SemanticOf maps a format_type() result to a Kind.
func SemanticOf(native string) schema.Kind {
	switch stripTypmod(native) {
	case "smallint", "integer", "int", "int2", "int4", "serial", "smallserial":
		return schema.KindInteger
	case "bigint", "int8", "bigserial":
		return schema.KindLong
	case "numeric", "decimal", "money":
		return schema.KindDecimal
	case "real", "double precision", "float4", "float8":
		return schema.KindFloat
	case "boolean", "bool":
		return schema.KindBoolean
	case "timestamp without time zone", "timestamp", "date":
		return schema.KindTimestamp
	case "timestamp with time zone", "timestamptz":
		return schema.KindTimestampTZ
	case "uuid":
		return schema.KindGUID
	case "bytea":
		return schema.KindBytes
	}
	return schema.KindString
}

// stripTypmod lower-cases t and removes "(...)" modifiers wherever they
// appear, e.g. "timestamp(3) with time zone".
func stripTypmod(t string) string {
	var b strings.Builder
	depth := 0
	for _, r := range strings.ToLower(strings.TrimSpace(t)) {
		switch {
		case r == '(':
			depth++
		case r == ')':
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// bind hands pgx the codec-native shapes for decimals and UUIDs.
func bind(k schema.Kind, v any) any {
	switch x := v.(type) {
	case uuid.UUID:
		return [16]byte(x)
	case string:
		if k == schema.KindDecimal {
			var n pgtype.Numeric
			if err := n.Scan(x); err == nil {
				return n
			}
		}
	}
	return v
}
