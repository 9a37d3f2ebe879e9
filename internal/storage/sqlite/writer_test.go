package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

/*
Package-level test helpers (TB-aware)
*/

func tempDSN(tb testing.TB) string {
	tb.Helper()
	return "file:" + filepath.Join(tb.TempDir(), "rowpipe.db")
}

func openDB(tb testing.TB, dsn string) *sql.DB {
	tb.Helper()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		tb.Fatalf("open %s: %v", dsn, err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return db
}

func mustExec(tb testing.TB, db *sql.DB, stmt string) {
	tb.Helper()
	if _, err := db.Exec(stmt); err != nil {
		tb.Fatalf("exec %q: %v", stmt, err)
	}
}

func count(tb testing.TB, db *sql.DB, table string) int {
	tb.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + quoteIdent(table)).Scan(&n); err != nil {
		tb.Fatalf("count %s: %v", table, err)
	}
	return n
}

func names(tb testing.TB, db *sql.DB, table string) map[int64]string {
	tb.Helper()
	rows, err := db.Query("SELECT id, name FROM " + quoteIdent(table))
	if err != nil {
		tb.Fatalf("select: %v", err)
	}
	defer rows.Close()
	out := map[int64]string{}
	for rows.Next() {
		var (
			id   int64
			name sql.NullString
		)
		if err := rows.Scan(&id, &name); err != nil {
			tb.Fatalf("scan: %v", err)
		}
		out[id] = name.String
	}
	return out
}

func newWriter(tb testing.TB, dsn, table string, st storage.Strategy, keys ...string) *storage.Writer {
	tb.Helper()
	w, err := storage.New(storage.Config{Kind: Kind, DSN: dsn, Table: table, Strategy: st, KeyColumns: keys})
	if err != nil {
		tb.Fatalf("storage.New: %v", err)
	}
	tb.Cleanup(func() { _ = w.Close() })
	return w
}

var idName = []schema.Column{
	{Name: "id", Kind: schema.KindLong},
	{Name: "name", Kind: schema.KindString, Nullable: true},
}

/*
Strategy scenarios
*/

func TestAppend_CreatesAbsentTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)

	w := newWriter(t, dsn, "people", storage.Append)
	if err := w.Initialize(ctx, idName); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.WriteBatch(ctx, []schema.Row{{int64(1), "a"}, {"2", "b"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got := count(t, openDB(t, dsn), "people"); got != 2 {
		t.Fatalf("rows=%d, want 2", got)
	}
}

func TestTruncate_ReplacesRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)
	db := openDB(t, dsn)
	mustExec(t, db, `CREATE TABLE people (id BIGINT, name TEXT)`)
	mustExec(t, db, `INSERT INTO people VALUES (1,'a'),(2,'b'),(3,'c')`)

	w := newWriter(t, dsn, "people", storage.Truncate)
	if err := w.Initialize(ctx, idName); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.WriteBatch(ctx, []schema.Row{{int64(7), "x"}, {int64(8), "y"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if got := count(t, db, "people"); got != 2 {
		t.Fatalf("rows=%d, want 2", got)
	}
}

func TestDeleteThenInsert_ReplacesRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)
	db := openDB(t, dsn)
	mustExec(t, db, `CREATE TABLE people (id BIGINT, name TEXT)`)
	mustExec(t, db, `INSERT INTO people VALUES (1,'a'),(2,'b')`)

	w := newWriter(t, dsn, "PEOPLE", storage.DeleteThenInsert)
	if err := w.Initialize(ctx, idName); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if w.Table().Name != "people" {
		t.Fatalf("resolved table=%v, want stored spelling", w.Table())
	}
	if err := w.WriteBatch(ctx, []schema.Row{{int64(9), "z"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if got := names(t, db, "people"); len(got) != 1 || got[9] != "z" {
		t.Fatalf("rows=%v", got)
	}
}

func seedKeyed(tb testing.TB, db *sql.DB) {
	tb.Helper()
	mustExec(tb, db, `CREATE TABLE people (id BIGINT NOT NULL PRIMARY KEY, name TEXT)`)
	mustExec(tb, db, `INSERT INTO people VALUES (1,'Old')`)
}

func TestUpsert_UpdatesAndInserts(t *testing.T) {
	t.Parallel()

	for _, scope := range []storage.StagingScope{storage.StagingPerBatch, storage.StagingPerRun} {
		scope := scope
		t.Run(scope.String(), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dsn := tempDSN(t)
			db := openDB(t, dsn)
			seedKeyed(t, db)

			w, err := storage.New(storage.Config{Kind: Kind, DSN: dsn, Table: "people", Strategy: storage.Upsert, KeyColumns: []string{"id"}, StagingScope: scope})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer w.Close()
			if err := w.Initialize(ctx, idName); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			if err := w.WriteBatch(ctx, []schema.Row{{int64(1), "New"}, {int64(2), "X"}}); err != nil {
				t.Fatalf("WriteBatch: %v", err)
			}
			// Replaying the batch must not duplicate rows.
			if err := w.WriteBatch(ctx, []schema.Row{{int64(1), "New"}, {int64(2), "X"}}); err != nil {
				t.Fatalf("WriteBatch replay: %v", err)
			}
			if err := w.Complete(ctx); err != nil {
				t.Fatalf("Complete: %v", err)
			}

			got := names(t, db, "people")
			if len(got) != 2 || got[1] != "New" || got[2] != "X" {
				t.Fatalf("rows=%v, want {1:New 2:X}", got)
			}
			var stg int
			if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name LIKE 'rowpipe_stg_%'`).Scan(&stg); err != nil || stg != 0 {
				t.Fatalf("staging tables left in main: %d (%v)", stg, err)
			}
		})
	}
}

func TestIgnore_KeepsExistingRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)
	db := openDB(t, dsn)
	seedKeyed(t, db)

	w := newWriter(t, dsn, "people", storage.Ignore, "id")
	if err := w.Initialize(ctx, idName); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.WriteBatch(ctx, []schema.Row{{int64(1), "New"}, {int64(2), "X"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	got := names(t, db, "people")
	if len(got) != 2 || got[1] != "Old" || got[2] != "X" {
		t.Fatalf("rows=%v, want {1:Old 2:X}", got)
	}
}

func TestUpsert_PrefersTargetPrimaryKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)
	seedKeyed(t, openDB(t, dsn))

	w := newWriter(t, dsn, "people", storage.Upsert, "name")
	if err := w.Initialize(ctx, idName); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if k := w.KeyColumns(); len(k) != 1 || k[0] != "id" {
		t.Fatalf("keys=%v, want target primary key [id]", k)
	}
}

func TestUpsert_WithoutAnyKeyFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("existing target", func(t *testing.T) {
		t.Parallel()
		dsn := tempDSN(t)
		db := openDB(t, dsn)
		mustExec(t, db, `CREATE TABLE people (id BIGINT, name TEXT)`)

		w := newWriter(t, dsn, "people", storage.Upsert)
		err := w.Initialize(ctx, idName)
		var ce *storage.ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("err=%v, want ConfigError", err)
		}
		if err := w.WriteBatch(ctx, []schema.Row{{int64(1), "a"}}); !errors.Is(err, storage.ErrState) {
			t.Fatalf("WriteBatch after failed init err=%v, want ErrState", err)
		}
		if got := count(t, db, "people"); got != 0 {
			t.Fatalf("rows=%d, want 0", got)
		}
	})

	t.Run("absent target", func(t *testing.T) {
		t.Parallel()
		dsn := tempDSN(t)

		w := newWriter(t, dsn, "people", storage.Ignore)
		var ce *storage.ConfigError
		if err := w.Initialize(ctx, idName); !errors.As(err, &ce) {
			t.Fatalf("err=%v, want ConfigError", err)
		}
		var n int
		if err := openDB(t, dsn).QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'people'`).Scan(&n); err != nil || n != 0 {
			t.Fatalf("table must not be created: n=%d err=%v", n, err)
		}
	})

	t.Run("absent target, unknown key", func(t *testing.T) {
		t.Parallel()
		dsn := tempDSN(t)

		w := newWriter(t, dsn, "people", storage.Upsert, "id", "nope")
		var ce *storage.ConfigError
		err := w.Initialize(ctx, idName)
		if !errors.As(err, &ce) || !strings.Contains(err.Error(), `"nope"`) {
			t.Fatalf("err=%v, want ConfigError naming the key", err)
		}
		var n int
		if err := openDB(t, dsn).QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'`).Scan(&n); err != nil || n != 0 {
			t.Fatalf("no table may be created: n=%d err=%v", n, err)
		}
	})
}

func TestRecreate_PreservesNativeType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)
	db := openDB(t, dsn)
	mustExec(t, db, `CREATE TABLE codes (id BIGINT NOT NULL PRIMARY KEY, code CHAR(10))`)
	mustExec(t, db, `INSERT INTO codes VALUES (1,'AAA')`)

	w := newWriter(t, dsn, "codes", storage.Recreate)
	cols := []schema.Column{{Name: "id", Kind: schema.KindLong}, {Name: "code", Kind: schema.KindString, Nullable: true}}
	if err := w.Initialize(ctx, cols); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.WriteBatch(ctx, []schema.Row{{int64(2), "BBB"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	snap, err := w.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	c, ok := snap.Column("code")
	if !ok || !strings.EqualFold(c.NativeType, "CHAR(10)") || c.Length != 10 {
		t.Fatalf("code column=%+v, want CHAR(10)", c)
	}
	if len(snap.PrimaryKey) != 1 || snap.PrimaryKey[0] != "id" {
		t.Fatalf("primary key=%v", snap.PrimaryKey)
	}
	if got := count(t, db, "codes"); got != 1 {
		t.Fatalf("rows=%d, want 1", got)
	}
}

/*
Failure diagnosis, faults and lifecycle
*/

func TestWriteBatch_LocalizesConversionFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)
	db := openDB(t, dsn)
	mustExec(t, db, `CREATE TABLE orders (id BIGINT, amount INT)`)

	w := newWriter(t, dsn, "orders", storage.Append)
	cols := []schema.Column{{Name: "id", Kind: schema.KindString}, {Name: "amount", Kind: schema.KindString}}
	if err := w.Initialize(ctx, cols); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	err := w.WriteBatch(ctx, []schema.Row{{"1", "10"}, {"2", "twelve"}, {"3", "7"}})
	var be *storage.BatchError
	if !errors.As(err, &be) {
		t.Fatalf("err=%v, want BatchError", err)
	}
	if be.Report.Row != 2 || be.Report.SourceColumn != "amount" {
		t.Fatalf("report=%+v, want row 2 column amount", be.Report)
	}
	if !errors.Is(err, schema.ErrConvert) {
		t.Fatalf("BatchError must keep the conversion error as cause")
	}
	if w.State() != storage.StateFaulted {
		t.Fatalf("state=%v, want faulted", w.State())
	}
	if got := count(t, db, "orders"); got != 0 {
		t.Fatalf("failed batch must be all-or-nothing, rows=%d", got)
	}

	// The next batch reconnects clean.
	if err := w.WriteBatch(ctx, []schema.Row{{"4", "5"}}); err != nil {
		t.Fatalf("WriteBatch after fault: %v", err)
	}
	if got := count(t, db, "orders"); got != 1 {
		t.Fatalf("rows=%d, want 1", got)
	}
}

func TestWriteBatch_IntColumnsHold64Bits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)
	db := openDB(t, dsn)
	mustExec(t, db, `CREATE TABLE big (n INT, m MEDIUMINT)`)

	w := newWriter(t, dsn, "big", storage.Append)
	cols := []schema.Column{{Name: "n", Kind: schema.KindString}, {Name: "m", Kind: schema.KindString}}
	if err := w.Initialize(ctx, cols); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.WriteBatch(ctx, []schema.Row{{int64(3000000000), "-5000000000"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	var n, m int64
	if err := db.QueryRow(`SELECT n, m FROM big`).Scan(&n, &m); err != nil || n != 3000000000 || m != -5000000000 {
		t.Fatalf("n=%d m=%d err=%v", n, m, err)
	}
}

func TestWriteBatch_RejectsNonDecimalNotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)
	db := openDB(t, dsn)
	mustExec(t, db, `CREATE TABLE prices (id BIGINT, amount NUMERIC(10,2))`)

	w := newWriter(t, dsn, "prices", storage.Append)
	cols := []schema.Column{{Name: "id", Kind: schema.KindString}, {Name: "amount", Kind: schema.KindString}}
	if err := w.Initialize(ctx, cols); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	err := w.WriteBatch(ctx, []schema.Row{{"1", "12.50"}, {"2", "0x1F"}})
	var be *storage.BatchError
	if !errors.As(err, &be) || !be.Report.Localized || be.Report.SourceColumn != "amount" {
		t.Fatalf("err=%v, want a localized BatchError on amount", err)
	}
	if got := count(t, db, "prices"); got != 0 {
		t.Fatalf("rows=%d, want 0", got)
	}
}

func TestWriteBatch_TimestampZoneSemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)
	db := openDB(t, dsn)
	mustExec(t, db, `CREATE TABLE ev (naive DATETIME, aware TIMESTAMPTZ)`)

	w := newWriter(t, dsn, "ev", storage.Append)
	cols := []schema.Column{{Name: "naive", Kind: schema.KindString}, {Name: "aware", Kind: schema.KindString}}
	if err := w.Initialize(ctx, cols); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.WriteBatch(ctx, []schema.Row{{"2024-03-01T10:30:00+01:00", "2024-03-01T10:30:00+01:00"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	var naive, aware string
	if err := db.QueryRow(`SELECT CAST(naive AS TEXT), CAST(aware AS TEXT) FROM ev`).Scan(&naive, &aware); err != nil {
		t.Fatalf("select: %v", err)
	}
	if !strings.HasPrefix(naive, "2024-03-01 10:30:00") {
		t.Fatalf("naive=%q, want wall clock 10:30", naive)
	}
	if !strings.HasPrefix(aware, "2024-03-01 09:30:00") {
		t.Fatalf("aware=%q, want instant 09:30 UTC", aware)
	}
}

func TestMigrateSchema_AddsMissingColumns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)
	db := openDB(t, dsn)
	mustExec(t, db, `CREATE TABLE people (id BIGINT, name TEXT)`)

	cols := append(schema.Clone(idName), schema.Column{Name: "email", Kind: schema.KindString, Nullable: true})
	w := newWriter(t, dsn, "people", storage.Append)
	if err := w.Initialize(ctx, cols); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	snap, err := w.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	rep := schema.Classify(w.Columns(), snap, false)
	if m := rep.Missing(); len(m) != 1 || m[0].Name != "email" {
		t.Fatalf("Missing=%v", m)
	}
	if err := w.MigrateSchema(ctx, rep); err != nil {
		t.Fatalf("MigrateSchema: %v", err)
	}
	snap, err = w.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if _, ok := snap.Column("email"); !ok {
		t.Fatalf("email not added: %+v", snap.Columns)
	}
	if err := w.WriteBatch(ctx, []schema.Row{{int64(1), "a", "a@example.com"}}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
}

func TestInspect_CachesUntilStructuralChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)

	w := newWriter(t, dsn, "people", storage.Append)
	if err := w.Initialize(ctx, idName); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	first, err := w.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	first.Columns[0].Name = "mutated"

	again, _ := w.Inspect(ctx)
	if again.Columns[0].Name != "id" {
		t.Fatalf("callers must receive copies, got %q", again.Columns[0].Name)
	}

	if err := w.Exec(ctx, `ALTER TABLE people ADD COLUMN note TEXT`); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	after, _ := w.Inspect(ctx)
	if _, ok := after.Column("note"); !ok {
		t.Fatalf("snapshot not refreshed after Exec")
	}
}

func TestWriter_InvalidTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := tempDSN(t)

	w := newWriter(t, dsn, "people", storage.Append)
	if err := w.WriteBatch(ctx, []schema.Row{{int64(1), "a"}}); !errors.Is(err, storage.ErrState) {
		t.Fatalf("WriteBatch before Initialize err=%v", err)
	}
	if err := w.Complete(ctx); !errors.Is(err, storage.ErrState) {
		t.Fatalf("Complete before Initialize err=%v", err)
	}
	if err := w.Initialize(ctx, idName); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := w.Initialize(ctx, idName); !errors.Is(err, storage.ErrState) {
		t.Fatalf("second Initialize err=%v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Exec(ctx, "SELECT 1"); !errors.Is(err, storage.ErrState) {
		t.Fatalf("Exec after Close err=%v", err)
	}
}
