package postgres

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"rowpipe/internal/schema"
)

func TestSemanticOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want schema.Kind
	}{
		{"integer", schema.KindInteger},
		{"bigint", schema.KindLong},
		{"numeric(12,2)", schema.KindDecimal},
		{"double precision", schema.KindFloat},
		{"character(10)", schema.KindString},
		{"character varying(40)", schema.KindString},
		{"timestamp(3) without time zone", schema.KindTimestamp},
		{"timestamp with time zone", schema.KindTimestampTZ},
		{"date", schema.KindTimestamp},
		{"uuid", schema.KindGUID},
		{"bytea", schema.KindBytes},
		{"jsonb", schema.KindString},
	}
	for _, tt := range tests {
		if got := SemanticOf(tt.in); got != tt.want {
			t.Fatalf("SemanticOf(%q)=%v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNativeType_RoundTrip(t *testing.T) {
	t.Parallel()

	for k := schema.KindString; k <= schema.KindBytes; k++ {
		if got := SemanticOf(NativeType(schema.Column{Kind: k})); got != k {
			t.Fatalf("round trip of %v gave %v", k, got)
		}
	}
}

func TestFold(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"CustomerID":    "customerid",
		"ÉTAT_Zákazník": "État_zákazník",
		"ΣΥΝΟΛΟ":        "ΣΥΝΟΛΟ",
		"já":            "já",
	}
	for in, want := range tests {
		if got := fold(in); got != want {
			t.Errorf("fold(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestMergeSQL(t *testing.T) {
	t.Parallel()

	tgt := schema.TableRef{Schema: "public", Name: "people"}
	stg := schema.TableRef{Name: "rowpipe_stg_ab"}

	up := mergeSQL(tgt, stg, []string{"id", "name"}, []string{"id"}, true)
	if len(up) != 2 {
		t.Fatalf("upsert statements=%q", up)
	}
	if want := `UPDATE "public"."people" AS T SET "name" = S."name" FROM "rowpipe_stg_ab" AS S WHERE T."id" = S."id"`; up[0] != want {
		t.Fatalf("update=%q\nwant  %q", up[0], want)
	}
	if !strings.HasPrefix(up[1], `INSERT INTO "public"."people" ("id", "name") SELECT S."id", S."name" FROM "rowpipe_stg_ab" AS S WHERE NOT EXISTS`) {
		t.Fatalf("insert=%q", up[1])
	}

	if ign := mergeSQL(tgt, stg, []string{"id", "name"}, []string{"id"}, false); len(ign) != 1 {
		t.Fatalf("ignore statements=%q", ign)
	}
}

func TestCreateStagingSQL(t *testing.T) {
	t.Parallel()

	got := createStagingSQL(schema.TableRef{Schema: "s", Name: "t"}, schema.TableRef{Name: "stg"}, []string{"a", "b"})
	if want := `CREATE TEMP TABLE "stg" AS SELECT "a", "b" FROM "s"."t" WHERE false`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBind(t *testing.T) {
	t.Parallel()

	if _, ok := bind(schema.KindDecimal, "12.50").(pgtype.Numeric); !ok {
		t.Fatalf("decimal text must bind as pgtype.Numeric")
	}
	id := uuid.New()
	if got, ok := bind(schema.KindGUID, id).([16]byte); !ok || got != [16]byte(id) {
		t.Fatalf("uuid bind=%v", got)
	}
	if got := bind(schema.KindString, "x"); got != "x" {
		t.Fatalf("string bind=%v", got)
	}
}

func TestPgError_KeepsDetailAndCause(t *testing.T) {
	t.Parallel()

	src := &pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type integer", Detail: "value \"x\""}
	err := pgError(src)
	if !strings.Contains(err.Error(), "22P02") || !strings.Contains(err.Error(), `value "x"`) {
		t.Fatalf("message=%q", err.Error())
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("PgError must stay in the chain")
	}
}
