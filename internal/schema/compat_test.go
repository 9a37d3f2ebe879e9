package schema

import (
	"strings"
	"testing"
)

func snapWith(cols ...ColumnInfo) Snapshot {
	return Snapshot{Exists: true, Table: TableRef{Schema: "public", Name: "t"}, Columns: cols}
}

func TestClassify_TargetAbsent(t *testing.T) {
	t.Parallel()

	src := []Column{{Name: "id", Kind: KindLong}, {Name: "name", Kind: KindString, Nullable: true}}
	rep := Classify(src, Snapshot{}, false)

	if len(rep.Columns) != 2 {
		t.Fatalf("len(Columns)=%d, want 2", len(rep.Columns))
	}
	for _, c := range rep.Columns {
		if c.Status != WillBeCreated {
			t.Fatalf("column %s status=%v, want will_be_created", c.Name, c.Status)
		}
	}
	if !rep.Compatible() {
		t.Fatalf("absent target must be compatible")
	}
}

func TestClassify_Statuses(t *testing.T) {
	t.Parallel()

	src := []Column{
		{Name: "ID", Kind: KindLong},
		{Name: "name", Kind: KindString, Nullable: true},
		{Name: "email", Kind: KindString, Nullable: true},
	}
	snap := snapWith(
		ColumnInfo{Name: "id", NativeType: "bigint"},
		ColumnInfo{Name: "name", NativeType: "text", Nullable: false},
		ColumnInfo{Name: "created_at", NativeType: "timestamp"},
		ColumnInfo{Name: "updated_at", NativeType: "timestamp", HasDefault: true},
		ColumnInfo{Name: "note", NativeType: "text", Nullable: true},
	)

	rep := Classify(src, snap, false)

	want := map[string]Status{
		"ID":         Compatible,
		"name":       NullabilityConflict,
		"email":      MissingInTarget,
		"created_at": ExtraInTargetNotNull,
	}
	if len(rep.Columns) != len(want) {
		t.Fatalf("got %d statuses, want %d: %+v", len(rep.Columns), len(want), rep.Columns)
	}
	for _, c := range rep.Columns {
		if w, ok := want[c.Name]; !ok || w != c.Status {
			t.Fatalf("column %s status=%v, want %v", c.Name, c.Status, w)
		}
	}
	if rep.Compatible() {
		t.Fatalf("report with conflicts must not be compatible")
	}
	err := rep.Err()
	if err == nil || !strings.Contains(err.Error(), `"name"`) || !strings.Contains(err.Error(), `"created_at"`) {
		t.Fatalf("Err()=%v, want both conflicts named", err)
	}
	if m := rep.Missing(); len(m) != 1 || m[0].Name != "email" {
		t.Fatalf("Missing()=%v, want [email]", m)
	}
}

func TestClassify_MissingIsWarningUnlessStrict(t *testing.T) {
	t.Parallel()

	src := []Column{{Name: "id", Kind: KindLong}, {Name: "extra", Kind: KindString, Nullable: true}}
	snap := snapWith(ColumnInfo{Name: "id", NativeType: "bigint"})

	lenient := Classify(src, snap, false)
	if !lenient.Compatible() {
		t.Fatalf("missing column must be a warning in lenient mode")
	}
	if w := lenient.Warnings(); len(w) != 1 {
		t.Fatalf("Warnings()=%v, want one entry", w)
	}

	strict := Classify(src, snap, true)
	if strict.Compatible() {
		t.Fatalf("missing column must be an error in strict mode")
	}
	if strict.Err() == nil {
		t.Fatalf("strict Err() must not be nil")
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"int", KindInteger, true},
		{"BIGINT", KindLong, true},
		{"numeric", KindDecimal, true},
		{"date", KindTimestamp, true},
		{"timestamptz", KindTimestampTZ, true},
		{"uuid", KindGUID, true},
		{"bytea", KindBytes, true},
		{"", KindString, true},
		{"geometry", KindString, false},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseKind(%q) err=%v, want ok=%v", tt.in, err, tt.ok)
		}
		if got != tt.want {
			t.Fatalf("ParseKind(%q)=%v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_RespectsCaseSensitive(t *testing.T) {
	t.Parallel()

	in := []Column{{Name: "UserID"}, {Name: "MixedCase", CaseSensitive: true}}
	out := Normalize(in, strings.ToLower)

	if out[0].Name != "userid" || out[1].Name != "MixedCase" {
		t.Fatalf("Normalize=%v", Names(out))
	}
	if in[0].Name != "UserID" {
		t.Fatalf("Normalize mutated its input")
	}
}
