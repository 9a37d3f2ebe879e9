package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"rowpipe/internal/ddl"
	"rowpipe/internal/schema"
)

// State is the Writer lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateWriting
	StateCompleting
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateWriting:
		return "writing"
	case StateCompleting:
		return "completing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config configures a Writer.
type Config struct {
	Kind         string
	DSN          string
	Table        string
	Strategy     Strategy
	KeyColumns   []string
	StagingScope StagingScope
	Logger       *log.Logger
}

// Writer lands rows into one relational table. It is not safe for concurrent
// use; the pipeline drives it from a single consumer goroutine.
type Writer struct {
	d   *Dialect
	cfg Config
	log *log.Logger

	db   *sql.DB
	conn *sql.Conn

	state       State
	initialized bool

	table   schema.TableRef
	source  []schema.Column // folded source columns
	columns []schema.Column // resynchronized against the target
	names   []string
	convs   []schema.Converter
	keys    []string

	snap       *schema.Snapshot
	runStaging *schema.TableRef

	// newInspector builds the analyzer's inspector. Tests replace it.
	newInspector func() Inspector
}

// New returns a Writer for cfg. No connection is opened until Initialize.
func New(cfg Config) (*Writer, error) {
	d, err := Lookup(cfg.Kind)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, &ConfigError{Reason: "table is required"}
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, &ConfigError{Table: cfg.Table, Reason: "dsn is required"}
	}
	lg := cfg.Logger
	if lg == nil {
		lg = log.Default()
	}
	w := &Writer{d: d, cfg: cfg, log: lg}
	w.newInspector = func() Inspector {
		return &transientInspector{d: w.d, dsn: w.cfg.DSN, table: w.table}
	}
	return w, nil
}

// Dialect returns the dialect driving w.
func (w *Writer) Dialect() *Dialect { return w.d }

// State returns the current lifecycle state.
func (w *Writer) State() State { return w.state }

// Table returns the resolved physical table (valid after Initialize).
func (w *Writer) Table() schema.TableRef { return w.table }

// Columns returns the target-synchronized column list.
func (w *Writer) Columns() []schema.Column { return schema.Clone(w.columns) }

// KeyColumns returns the resolved key column set for staged strategies.
func (w *Writer) KeyColumns() []string { return append([]string(nil), w.keys...) }

// Initialize resolves the target, applies the write strategy and fixes the
// per-column converters.
func (w *Writer) Initialize(ctx context.Context, cols []schema.Column) error {
	if w.state != StateUninitialized {
		return stateErr("Initialize", w.state)
	}
	if len(cols) == 0 {
		return &ConfigError{Table: w.cfg.Table, Reason: "no source columns"}
	}
	w.state = StateInitializing
	if err := w.initialize(ctx, cols); err != nil {
		w.fault()
		return fmt.Errorf("initialize %s: %w", w.cfg.Table, err)
	}
	w.initialized = true
	w.state = StateReady
	return nil
}

func (w *Writer) initialize(ctx context.Context, cols []schema.Column) error {
	w.source = schema.Normalize(cols, w.d.Fold)
	if err := w.open(ctx); err != nil {
		return err
	}
	if err := w.resolveTable(ctx); err != nil {
		return err
	}

	snap, err := w.snapshot(ctx)
	if err != nil {
		return err
	}

	if w.cfg.Strategy.NeedsKeys() && !snap.Exists {
		if len(w.cfg.KeyColumns) == 0 {
			return &ConfigError{Table: w.table.String(), Reason: w.cfg.Strategy.String() + " requires key columns and the target does not exist"}
		}
		for _, k := range w.cfg.KeyColumns {
			if schema.Index(w.source, k) < 0 {
				return &ConfigError{Table: w.table.String(), Reason: fmt.Sprintf("key column %q is not a source column", k)}
			}
		}
	}

	switch w.cfg.Strategy {
	case Append, Upsert, Ignore:
		if !snap.Exists {
			err = w.createFromSource(ctx)
		}
	case Truncate:
		if snap.Exists {
			err = w.exec(ctx, w.d.truncateSQL(w.table))
		} else {
			err = w.createFromSource(ctx)
		}
	case DeleteThenInsert:
		if snap.Exists {
			err = w.exec(ctx, "DELETE FROM "+w.d.QualifiedName(w.table))
		} else {
			err = w.createFromSource(ctx)
		}
	case Recreate:
		err = w.recreate(ctx, snap)
	default:
		err = &ConfigError{Table: w.table.String(), Reason: "unknown strategy " + w.cfg.Strategy.String()}
	}
	if err != nil {
		return err
	}
	w.invalidate()

	if err := w.resync(ctx); err != nil {
		return err
	}
	if w.cfg.Strategy.NeedsKeys() {
		if err := w.resolveKeys(ctx); err != nil {
			return err
		}
	}
	w.log.Printf("writer: initialized table=%s strategy=%s columns=%d keys=%v",
		w.table, w.cfg.Strategy, len(w.columns), w.keys)
	return nil
}

// resolveTable runs native resolution and falls back to a textual split
// with the dialect default schema when the table does not exist yet.
func (w *Writer) resolveTable(ctx context.Context) error {
	ref, found, err := w.d.ResolveTable(ctx, w.conn, w.cfg.Table)
	if err != nil {
		return fmt.Errorf("resolve table %q: %w", w.cfg.Table, err)
	}
	if !found {
		ref = SplitName(w.cfg.Table, w.d.Fold)
		if ref.Schema == "" && w.d.DefaultSchema != nil {
			if ref.Schema, err = w.d.DefaultSchema(ctx, w.conn); err != nil {
				return fmt.Errorf("default schema: %w", err)
			}
		}
	}
	if ref.Name == "" {
		return &ConfigError{Table: w.cfg.Table, Reason: "cannot resolve table name"}
	}
	w.table = ref
	return nil
}

func (w *Writer) createFromSource(ctx context.Context) error {
	td := ddl.FromColumns(w.table, w.source, w.sourceKeys(), w.d.NativeType)
	return w.createTable(ctx, td)
}

func (w *Writer) createTable(ctx context.Context, td ddl.TableDef) error {
	stmt, err := ddl.BuildCreateTableSQL(td, w.d.Quote)
	if err != nil {
		return err
	}
	w.log.Printf("writer: create table=%s", w.table)
	return w.exec(ctx, stmt)
}

func (w *Writer) recreate(ctx context.Context, snap schema.Snapshot) error {
	if !snap.Exists {
		return w.createFromSource(ctx)
	}
	td, ok := ddl.FromSnapshot(snap)
	if err := w.exec(ctx, "DROP TABLE "+w.d.QualifiedName(w.table)); err != nil {
		return err
	}
	if !ok {
		w.log.Printf("writer: recreate table=%s from source columns (introspection incomplete)", w.table)
		return w.createFromSource(ctx)
	}
	td.Table = w.table
	return w.createTable(ctx, td)
}

// sourceKeys returns the configured key columns matched to source names, used
// as the primary key when the writer creates the target itself.
func (w *Writer) sourceKeys() []string {
	if !w.cfg.Strategy.NeedsKeys() {
		return nil
	}
	var out []string
	for _, k := range w.cfg.KeyColumns {
		if i := schema.Index(w.source, k); i >= 0 {
			out = append(out, w.source[i].Name)
		}
	}
	return out
}

// resync aligns column names with the target's casing and fixes each
// column's kind from the target's native type.
func (w *Writer) resync(ctx context.Context) error {
	snap, err := w.snapshot(ctx)
	if err != nil {
		return err
	}
	if !snap.Exists {
		return fmt.Errorf("target %s does not exist after initialization", w.table)
	}
	w.columns = schema.Clone(w.source)
	w.names = make([]string, len(w.columns))
	w.convs = make([]schema.Converter, len(w.columns))
	for i := range w.columns {
		if tc, ok := snap.Column(w.columns[i].Name); ok {
			w.columns[i].Name = tc.Name
			w.columns[i].NativeType = tc.NativeType
			w.columns[i].Kind = w.d.SemanticOf(tc.NativeType)
		}
		w.names[i] = w.columns[i].Name
		w.convs[i] = schema.ConverterFor(w.columns[i].Kind)
	}
	return nil
}

// resolveKeys picks the target primary key, falling back to the configured
// key columns. An empty set is fatal.
func (w *Writer) resolveKeys(ctx context.Context) error {
	snap, err := w.snapshot(ctx)
	if err != nil {
		return err
	}
	var keys []string
	if len(snap.PrimaryKey) > 0 {
		for _, k := range snap.PrimaryKey {
			i := schema.Index(w.columns, k)
			if i < 0 {
				return &ConfigError{Table: w.table.String(), Reason: fmt.Sprintf("primary key column %q is not supplied by the source", k)}
			}
			keys = append(keys, w.columns[i].Name)
		}
	} else {
		for _, k := range w.cfg.KeyColumns {
			i := schema.Index(w.columns, w.d.fold(k))
			if i < 0 {
				i = schema.Index(w.columns, k)
			}
			if i < 0 {
				return &ConfigError{Table: w.table.String(), Reason: fmt.Sprintf("key column %q is not a source column", k)}
			}
			keys = append(keys, w.columns[i].Name)
		}
	}
	if len(keys) == 0 {
		return &ConfigError{Table: w.table.String(), Reason: w.cfg.Strategy.String() + " requires a primary key or key_columns"}
	}
	w.keys = keys
	return nil
}

// WriteBatch converts and lands rows. From Faulted it reconnects first.
func (w *Writer) WriteBatch(ctx context.Context, rows []schema.Row) error {
	switch {
	case w.state == StateReady:
	case w.state == StateFaulted && w.initialized:
	default:
		return stateErr("WriteBatch", w.state)
	}
	if len(rows) == 0 {
		return nil
	}
	w.state = StateWriting

	err := w.writeBatch(ctx, rows)
	if err != nil {
		w.fault()
		return w.diagnose(ctx, rows, err)
	}
	w.state = StateReady
	return nil
}

func (w *Writer) writeBatch(ctx context.Context, rows []schema.Row) error {
	values, err := w.convertBatch(rows)
	if err != nil {
		return err
	}
	if err := w.open(ctx); err != nil {
		return err
	}
	if w.cfg.Strategy.Staged() {
		return w.writeStaged(ctx, values)
	}
	if _, err := w.d.BulkImport(ctx, w.conn, w.table, w.names, values); err != nil {
		return fmt.Errorf("bulk import %s: %w", w.table, err)
	}
	return nil
}

func (w *Writer) convertBatch(rows []schema.Row) ([][]any, error) {
	out := make([][]any, len(rows))
	for r, row := range rows {
		if len(row) != len(w.columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", r+1, len(row), len(w.columns))
		}
		vals := make([]any, len(row))
		for i, v := range row {
			cv, err := w.convs[i](v)
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", r+1, w.columns[i].Name, err)
			}
			vals[i] = w.d.bind(w.columns[i].Kind, cv)
		}
		out[r] = vals
	}
	return out, nil
}

func (w *Writer) diagnose(ctx context.Context, rows []schema.Row, cause error) error {
	if ctx.Err() != nil {
		return cause
	}
	rep, err := AnalyzeBatch(ctx, rows, w.source, w.newInspector())
	if err != nil {
		w.log.Printf("writer: analyzer failed table=%s err=%v", w.table, err)
		return cause
	}
	if !rep.Localized {
		w.log.Printf("writer: %s table=%s", rep.Cause, w.table)
		return cause
	}
	return &BatchError{Report: rep, Err: cause}
}

// MigrateSchema adds every MissingInTarget column of rep as a nullable
// column, then refreshes the snapshot and column metadata.
func (w *Writer) MigrateSchema(ctx context.Context, rep schema.Report) error {
	if w.state != StateReady {
		return stateErr("MigrateSchema", w.state)
	}
	missing := rep.Missing()
	if len(missing) == 0 {
		return nil
	}
	for _, c := range missing {
		def := ddl.ColumnDef{Name: c.Name, SQLType: w.d.NativeType(c), Nullable: true}
		stmt, err := ddl.BuildAddColumnSQL(w.table, def, w.d.addColumnVerb(), w.d.Quote)
		if err != nil {
			return err
		}
		if err := w.exec(ctx, stmt); err != nil {
			w.fault()
			return fmt.Errorf("add column %q: %w", c.Name, err)
		}
		w.log.Printf("writer: added column table=%s column=%s type=%s", w.table, c.Name, def.SQLType)
	}
	w.invalidate()
	return w.resync(ctx)
}

// Inspect returns the cached snapshot of the target, computing it on first
// use after a structural change.
func (w *Writer) Inspect(ctx context.Context) (schema.Snapshot, error) {
	if w.state == StateClosed {
		return schema.Snapshot{}, stateErr("Inspect", w.state)
	}
	if err := w.open(ctx); err != nil {
		return schema.Snapshot{}, err
	}
	if w.table.Name == "" {
		if err := w.resolveTable(ctx); err != nil {
			return schema.Snapshot{}, err
		}
	}
	return w.snapshot(ctx)
}

// Exec runs a free-form command on the writer's connection.
func (w *Writer) Exec(ctx context.Context, command string) error {
	if w.state == StateClosed {
		return stateErr("Exec", w.state)
	}
	if strings.TrimSpace(command) == "" {
		return nil
	}
	if err := w.open(ctx); err != nil {
		return err
	}
	// Hooks may alter the target.
	w.invalidate()
	return w.exec(ctx, command)
}

// Complete flushes writer-level state (the run-scoped staging table).
func (w *Writer) Complete(ctx context.Context) error {
	if w.state != StateReady {
		return stateErr("Complete", w.state)
	}
	w.state = StateCompleting
	if w.runStaging != nil {
		if err := w.exec(ctx, "DROP TABLE "+w.d.QualifiedName(*w.runStaging)); err != nil {
			w.log.Printf("writer: drop staging table=%s err=%v", *w.runStaging, err)
		}
		w.runStaging = nil
	}
	return nil
}

// Close releases the connection and pool. It is safe to call repeatedly.
func (w *Writer) Close() error {
	if w.state == StateClosed {
		return nil
	}
	if w.runStaging != nil && w.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.exec(ctx, "DROP TABLE "+w.d.QualifiedName(*w.runStaging)); err != nil {
			w.log.Printf("writer: drop staging table=%s err=%v", *w.runStaging, err)
		}
		cancel()
	}
	err := w.teardown()
	w.state = StateClosed
	return err
}

func (w *Writer) fault() {
	if err := w.teardown(); err != nil {
		w.log.Printf("writer: teardown table=%s err=%v", w.cfg.Table, err)
	}
	w.state = StateFaulted
}

// open pins a connection, reopening after a teardown.
func (w *Writer) open(ctx context.Context) error {
	if w.conn != nil {
		return nil
	}
	if w.db == nil {
		db, err := w.d.Open(ctx, w.cfg.DSN)
		if err != nil {
			return fmt.Errorf("open %s: %w", w.d.Name, err)
		}
		w.db = db
	}
	conn, err := w.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", w.d.Name, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("ping %s: %w", w.d.Name, err)
	}
	w.conn = conn
	return nil
}

// teardown discards the connection and pool. Session state such as temp
// tables goes with it.
func (w *Writer) teardown() error {
	var errs []error
	if w.conn != nil {
		if err := w.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, err)
		}
		w.conn = nil
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			errs = append(errs, err)
		}
		w.db = nil
	}
	w.runStaging = nil
	w.invalidate()
	return errors.Join(errs...)
}

func (w *Writer) exec(ctx context.Context, stmt string) error {
	if _, err := w.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
	}
	return nil
}

func (w *Writer) snapshot(ctx context.Context) (schema.Snapshot, error) {
	if w.snap == nil {
		s, err := w.d.Inspect(ctx, w.conn, w.table)
		if err != nil {
			return schema.Snapshot{}, fmt.Errorf("inspect %s: %w", w.table, err)
		}
		s.Table = w.table
		w.snap = &s
	}
	return w.snap.Copy(), nil
}

func (w *Writer) invalidate() { w.snap = nil }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
