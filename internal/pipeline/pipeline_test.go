package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
	"rowpipe/internal/transformer"
)

var quiet = log.New(io.Discard, "", 0)

/*
Fakes
*/

// sliceSource serves rows from memory. A negative total makes it endless.
type sliceSource struct {
	cols    []schema.Column
	total   int
	next    int
	readErr error
	read    atomic.Int64
	closed  atomic.Bool
}

func newSource(n int) *sliceSource {
	return &sliceSource{cols: []schema.Column{{Name: "n", Kind: schema.KindLong}}, total: n}
}

func (s *sliceSource) Open(ctx context.Context) ([]schema.Column, error) {
	return schema.Clone(s.cols), ctx.Err()
}

func (s *sliceSource) ReadBatch(ctx context.Context, n int) ([]schema.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.readErr != nil && s.next > 0 {
		return nil, s.readErr
	}
	if s.total >= 0 && s.next >= s.total {
		return nil, io.EOF
	}
	out := make([]schema.Row, 0, n)
	for len(out) < n && (s.total < 0 || s.next < s.total) {
		out = append(out, schema.Row{int64(s.next)})
		s.next++
	}
	s.read.Add(int64(len(out)))
	return out, nil
}

func (s *sliceSource) Close() error {
	s.closed.Store(true)
	return nil
}

type execCall struct {
	command  string
	canceled bool
}

// recordingWriter keeps every batch it is given.
type recordingWriter struct {
	mu       sync.Mutex
	cols     []schema.Column
	batches  [][]schema.Row
	execs    []execCall
	fail     []error // consumed by successive WriteBatch calls
	attempts int
	release  chan struct{} // when set, WriteBatch waits for it
	complete bool
	closed   bool
}

func (w *recordingWriter) Initialize(_ context.Context, cols []schema.Column) error {
	w.cols = cols
	return nil
}

func (w *recordingWriter) WriteBatch(ctx context.Context, rows []schema.Row) error {
	if w.release != nil {
		select {
		case <-w.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if len(w.fail) > 0 {
		err := w.fail[0]
		w.fail = w.fail[1:]
		if err != nil {
			return err
		}
	}
	w.batches = append(w.batches, append([]schema.Row(nil), rows...))
	return nil
}

func (w *recordingWriter) Complete(context.Context) error {
	w.complete = true
	return nil
}

func (w *recordingWriter) Exec(ctx context.Context, command string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.execs = append(w.execs, execCall{command: command, canceled: ctx.Err() != nil})
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func (w *recordingWriter) rows() []int64 {
	var out []int64
	for _, b := range w.batches {
		for _, r := range b {
			out = append(out, r[0].(int64))
		}
	}
	return out
}

func (w *recordingWriter) sizes() []int {
	out := make([]int, len(w.batches))
	for i, b := range w.batches {
		out[i] = len(b)
	}
	return out
}

func (w *recordingWriter) commands() []string {
	out := make([]string, len(w.execs))
	for i, e := range w.execs {
		out[i] = e.command
	}
	return out
}

// negate flips the sign of column 0.
type negate struct{}

func (negate) Name() string                                           { return "negate" }
func (negate) Initialize(c []schema.Column) ([]schema.Column, error) { return c, nil }
func (negate) Transform(r schema.Row) (schema.Row, error) {
	r[0] = -r[0].(int64)
	return r, nil
}

type failAt struct{ n int64 }

func (failAt) Name() string                                           { return "fail" }
func (failAt) Initialize(c []schema.Column) ([]schema.Column, error) { return c, nil }
func (f failAt) Transform(r schema.Row) (schema.Row, error) {
	if r[0].(int64) == f.n {
		return nil, fmt.Errorf("row %d rejected", f.n)
	}
	return r, nil
}

func cfg(batch int) Config {
	return Config{Job: "test", BatchSize: batch, QueueSize: 8, Logger: quiet}
}

/*
Tests
*/

func TestRun_WritesAllRowsInOrder(t *testing.T) {
	t.Parallel()

	src := newSource(25)
	w := &recordingWriter{}
	res, err := Run(context.Background(), src, nil, w, cfg(10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := w.sizes(); !reflect.DeepEqual(got, []int{10, 10, 5}) {
		t.Fatalf("batch sizes=%v", got)
	}
	for i, v := range w.rows() {
		if v != int64(i) {
			t.Fatalf("row %d = %d", i, v)
		}
	}
	if res.RowsRead != 25 || res.RowsWritten != 25 || res.Batches != 3 {
		t.Fatalf("result=%+v", res)
	}
	if !w.complete || !w.closed || !src.closed.Load() {
		t.Fatalf("complete=%v writerClosed=%v sourceClosed=%v", w.complete, w.closed, src.closed.Load())
	}
}

func TestRun_EmptySource(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	var final Progress
	c := cfg(10)
	c.Progress = ProgressFunc(func(p Progress) { final = p })
	if _, err := Run(context.Background(), newSource(0), nil, w, c); err != nil {
		t.Fatal(err)
	}
	if len(w.batches) != 0 || !w.complete || !final.Done {
		t.Fatalf("batches=%d complete=%v final=%+v", len(w.batches), w.complete, final)
	}
}

func TestRun_ChainCountsPerTransformer(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	chain := transformer.Chain{negate{}, negate{}, negate{}}
	res, err := Run(context.Background(), newSource(7), chain, w, cfg(3))
	if err != nil {
		t.Fatal(err)
	}
	if got := w.rows(); got[3] != -3 {
		t.Fatalf("rows=%v", got)
	}
	want := map[string]int64{"negate": 7, "negate#2": 7, "negate#3": 7}
	if !reflect.DeepEqual(res.Transformed, want) {
		t.Fatalf("transformed=%v, want %v", res.Transformed, want)
	}
}

func TestRun_LimitStopsEndlessSource(t *testing.T) {
	t.Parallel()

	src := newSource(-1)
	w := &recordingWriter{}
	c := cfg(4)
	c.Limit = 10
	res, err := Run(context.Background(), src, nil, w, c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(w.rows()); got != 10 {
		t.Fatalf("written=%d, want 10", got)
	}
	if res.RowsWritten != 10 || !w.complete {
		t.Fatalf("result=%+v complete=%v", res, w.complete)
	}
}

func TestRun_LimitAppliesAfterSampling(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	c := cfg(100)
	c.Limit = 5
	c.Sample = &Sampler{Rate: 0.5, Seed: 3}
	if _, err := Run(context.Background(), newSource(1000), nil, w, c); err != nil {
		t.Fatal(err)
	}
	rows := w.rows()
	if len(rows) != 5 {
		t.Fatalf("rows=%v", rows)
	}
	for _, r := range rows {
		if !c.Sample.Keep(r) {
			t.Fatalf("row %d should have been sampled out", r)
		}
	}
}

func TestRun_Backpressure(t *testing.T) {
	t.Parallel()

	src := newSource(-1)
	w := &recordingWriter{release: make(chan struct{})}
	c := cfg(5)
	c.QueueSize = 4

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, src, nil, w, c)
		done <- err
	}()

	// Wait until the producer stalls.
	var last int64 = -1
	for i := 0; i < 200; i++ {
		time.Sleep(5 * time.Millisecond)
		n := src.read.Load()
		if n == last && n > 0 {
			break
		}
		last = n
	}
	// Queues, the consumer's open batch, the batch held by the writer, the
	// row in the transformer and one source batch in the producer.
	bound := int64(2*c.QueueSize + 3*c.BatchSize + 2)
	if n := src.read.Load(); n > bound {
		t.Fatalf("producer read %d rows ahead of a stalled writer, bound %d", n, bound)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v, want context.Canceled", err)
	}
}

func TestRun_StageFaultCancelsAndRunsCleanupHooks(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	c := cfg(4)
	c.Hooks = Hooks{Pre: "pre", Post: "post", OnError: "on_error", Finally: "finally"}
	_, err := Run(context.Background(), newSource(100), transformer.Chain{failAt{n: 42}}, w, c)
	if err == nil || !strings.Contains(err.Error(), "row 42 rejected") {
		t.Fatalf("err=%v", err)
	}
	if got := w.commands(); !reflect.DeepEqual(got, []string{"pre", "on_error", "finally"}) {
		t.Fatalf("hooks=%v", got)
	}
	if w.complete {
		t.Fatalf("Complete must not run after a fault")
	}
}

func TestRun_CleanupHooksSurviveCallerCancel(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{release: make(chan struct{})}
	c := cfg(2)
	c.Hooks = Hooks{OnError: "on_error", Finally: "finally"}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := Run(ctx, newSource(-1), nil, w, c)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if len(w.execs) != 2 {
		t.Fatalf("execs=%+v", w.execs)
	}
	for _, e := range w.execs {
		if e.canceled {
			t.Fatalf("hook %s ran with a canceled context", e.command)
		}
	}
}

func TestRun_SuccessHooks(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	c := cfg(4)
	c.Hooks = Hooks{Pre: "pre", Post: "post", OnError: "on_error", Finally: "finally"}
	if _, err := Run(context.Background(), newSource(3), nil, w, c); err != nil {
		t.Fatal(err)
	}
	if got := w.commands(); !reflect.DeepEqual(got, []string{"pre", "post", "finally"}) {
		t.Fatalf("hooks=%v", got)
	}
}

func TestRun_SourceError(t *testing.T) {
	t.Parallel()

	src := newSource(100)
	src.readErr = errors.New("disk on fire")
	w := &recordingWriter{}
	_, err := Run(context.Background(), src, nil, w, cfg(10))
	if err == nil || !strings.Contains(err.Error(), "read source: disk on fire") {
		t.Fatalf("err=%v", err)
	}
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	var waits []time.Duration
	old := sleep
	sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	t.Cleanup(func() { sleep = old })

	transient := errors.New("connection reset")
	w := &recordingWriter{fail: []error{transient, transient}}
	c := cfg(10)
	c.RetryCount = 3
	c.RetryBackoff = 100 * time.Millisecond
	res, err := Run(context.Background(), newSource(5), nil, w, c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w.attempts != 3 || res.RowsWritten != 5 {
		t.Fatalf("attempts=%d written=%d", w.attempts, res.RowsWritten)
	}
	if want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}; !reflect.DeepEqual(waits, want) {
		t.Fatalf("waits=%v, want %v", waits, want)
	}
}

func TestRun_DoesNotRetryPermanentFailures(t *testing.T) {
	old := sleep
	sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { sleep = old })

	tests := []struct {
		name string
		err  error
	}{
		{"batch error", &storage.BatchError{Err: errors.New("bad value")}},
		{"config error", &storage.ConfigError{Reason: "no keys"}},
		{"state", fmt.Errorf("%w: nope", storage.ErrState)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordingWriter{fail: []error{tt.err}}
			c := cfg(10)
			c.RetryCount = 5
			_, err := Run(context.Background(), newSource(3), nil, w, c)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err=%v, want %v", err, tt.err)
			}
			if w.attempts != 1 {
				t.Fatalf("attempts=%d, want 1", w.attempts)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base time.Duration
		n    int
		want time.Duration
	}{
		{0, 3, 0},
		{time.Second, 1, time.Second},
		{time.Second, 3, 4 * time.Second},
		{time.Second, 10, maxBackoff},
		{time.Minute, 1, maxBackoff},
	}
	for _, tt := range tests {
		if got := backoff(tt.base, tt.n); got != tt.want {
			t.Errorf("backoff(%s, %d)=%s, want %s", tt.base, tt.n, got, tt.want)
		}
	}
}

/*
Schema check
*/

type schemaWriter struct {
	recordingWriter
	snap     schema.Snapshot
	migrated bool
}

func (w *schemaWriter) Inspect(context.Context) (schema.Snapshot, error) { return w.snap.Copy(), nil }
func (w *schemaWriter) Columns() []schema.Column                         { return w.cols }
func (w *schemaWriter) MigrateSchema(_ context.Context, rep schema.Report) error {
	for _, c := range rep.Missing() {
		w.snap.Columns = append(w.snap.Columns, schema.ColumnInfo{Name: c.Name, Kind: c.Kind, Nullable: true})
	}
	w.migrated = true
	return nil
}

func targetWithout(t *testing.T) *schemaWriter {
	t.Helper()
	return &schemaWriter{snap: schema.Snapshot{
		Exists: true,
		Table:  schema.TableRef{Name: "t"},
		Columns: []schema.ColumnInfo{
			{Name: "other", NativeType: "TEXT", Kind: schema.KindString, Nullable: true},
		},
	}}
}

func TestRun_SchemaCheck(t *testing.T) {
	t.Parallel()

	t.Run("auto migrate adds missing columns", func(t *testing.T) {
		t.Parallel()
		w := targetWithout(t)
		c := cfg(10)
		c.SchemaCheck, c.AutoMigrate, c.StrictSchema = true, true, true
		if _, err := Run(context.Background(), newSource(3), nil, w, c); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !w.migrated || len(w.rows()) != 3 {
			t.Fatalf("migrated=%v rows=%d", w.migrated, len(w.rows()))
		}
	})

	t.Run("strict without migrate fails before rows flow", func(t *testing.T) {
		t.Parallel()
		w := targetWithout(t)
		c := cfg(10)
		c.SchemaCheck, c.StrictSchema = true, true
		_, err := Run(context.Background(), newSource(3), nil, w, c)
		if err == nil || !strings.Contains(err.Error(), "schema check") {
			t.Fatalf("err=%v", err)
		}
		if w.attempts != 0 {
			t.Fatalf("no batch may be written, got %d attempts", w.attempts)
		}
	})

	t.Run("lenient check only warns", func(t *testing.T) {
		t.Parallel()
		w := targetWithout(t)
		c := cfg(10)
		c.SchemaCheck = true
		if _, err := Run(context.Background(), newSource(3), nil, w, c); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if w.migrated {
			t.Fatalf("migrate without auto_migrate")
		}
	})
}

// keyedWriter reports a key column the way storage.Writer does after
// resolving an Upsert or Ignore key set.
type keyedWriter struct {
	schemaWriter
	keys []string
}

func (w *keyedWriter) KeyColumns() []string { return w.keys }

func TestRun_SchemaCheckTreatsKeysAsRequired(t *testing.T) {
	t.Parallel()

	snap := schema.Snapshot{
		Exists:     true,
		Table:      schema.TableRef{Name: "t"},
		PrimaryKey: []string{"n"},
		Columns: []schema.ColumnInfo{
			{Name: "n", NativeType: "BIGINT", Kind: schema.KindLong, Nullable: false, PrimaryKey: true},
		},
	}
	nullable := func() *sliceSource {
		src := newSource(3)
		src.cols[0].Nullable = true
		return src
	}

	t.Run("key column", func(t *testing.T) {
		t.Parallel()
		w := &keyedWriter{schemaWriter: schemaWriter{snap: snap}, keys: []string{"N"}}
		c := cfg(10)
		c.SchemaCheck, c.StrictSchema = true, true
		if _, err := Run(context.Background(), nullable(), nil, w, c); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(w.rows()) != 3 {
			t.Fatalf("rows=%d, want 3", len(w.rows()))
		}
	})

	t.Run("not a key column", func(t *testing.T) {
		t.Parallel()
		w := &keyedWriter{schemaWriter: schemaWriter{snap: snap}}
		c := cfg(10)
		c.SchemaCheck = true
		_, err := Run(context.Background(), nullable(), nil, w, c)
		if err == nil || !strings.Contains(err.Error(), "NOT NULL") {
			t.Fatalf("err=%v, want nullability conflict", err)
		}
	})
}
