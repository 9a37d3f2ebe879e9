// Package pipeline runs one job: it streams rows from a source reader
// through a transformer chain into a writer.
//
// Three stages run concurrently and are connected by bounded channels:
//
//	Producer (reads batches, samples, limits)
//	     → Transform (chain, row by row)
//	     → Consumer (re-batches, writes with retry, reports progress)
//
// Channels are single-producer/single-consumer FIFOs, so row order is kept
// end to end, and their fixed capacity bounds memory when the writer is
// slower than the source. The first stage fault cancels the shared context;
// every stage closes its output on the way out so nothing stays parked.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rowpipe/internal/datasource"
	"rowpipe/internal/metrics"
	"rowpipe/internal/schema"
	"rowpipe/internal/transformer"
)

// Defaults applied to zero Config fields.
const (
	DefaultBatchSize   = 10000
	DefaultQueueSize   = 1024
	DefaultHookTimeout = 30 * time.Second
)

// Writer is the target contract. storage.Writer and csvfile.Writer satisfy it.
type Writer interface {
	Initialize(ctx context.Context, cols []schema.Column) error
	WriteBatch(ctx context.Context, rows []schema.Row) error
	Complete(ctx context.Context) error
	Exec(ctx context.Context, command string) error
	Close() error
}

// SchemaAware writers expose their target structure for the compatibility
// check.
type SchemaAware interface {
	Inspect(ctx context.Context) (schema.Snapshot, error)
	MigrateSchema(ctx context.Context, rep schema.Report) error
	Columns() []schema.Column
}

// Hooks are free-form commands executed through Writer.Exec.
type Hooks struct {
	Pre     string
	Post    string
	OnError string
	Finally string
}

// Config controls one run.
type Config struct {
	// Job labels metrics.
	Job string

	BatchSize int
	QueueSize int
	// Limit caps the rows handed to the transform stage; 0 means no limit.
	Limit int64
	// Sample, when set, filters rows before the limit is applied.
	Sample *Sampler

	RetryCount   int
	RetryBackoff time.Duration

	// HookTimeout bounds each on_error and finally hook.
	HookTimeout time.Duration
	Hooks       Hooks

	SchemaCheck  bool
	AutoMigrate  bool
	StrictSchema bool

	Progress ProgressSink
	Logger   *log.Logger
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = DefaultHookTimeout
	}
	if c.Progress == nil {
		c.Progress = nopSink{}
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Result summarizes a run. Counters are valid even when Run fails.
type Result struct {
	RowsRead    int64
	SampledOut  int64
	RowsWritten int64
	Batches     int64
	Transformed map[string]int64
	Elapsed     time.Duration
}

type runner struct {
	cfg   Config
	log   *log.Logger
	src   datasource.Reader
	chain transformer.Chain
	names []string
	w     Writer

	read        atomic.Int64
	sampledOut  atomic.Int64
	written     atomic.Int64
	batches     atomic.Int64
	transformed []atomic.Int64
}

// Run executes the job end to end. Source and writer are always closed
// before Run returns.
func Run(ctx context.Context, src datasource.Reader, chain transformer.Chain, w Writer, cfg Config) (res Result, err error) {
	cfg = cfg.withDefaults()
	r := &runner{
		cfg:         cfg,
		log:         cfg.Logger,
		src:         src,
		chain:       chain,
		names:       chain.Names(),
		w:           w,
		transformed: make([]atomic.Int64, len(chain)),
	}
	start := time.Now()

	defer func() {
		if err != nil {
			if herr := r.cleanupHook(ctx, "on_error", cfg.Hooks.OnError); herr != nil {
				r.log.Printf("pipeline: on_error hook failed err=%v", herr)
			}
		}
		if herr := r.cleanupHook(ctx, "finally", cfg.Hooks.Finally); herr != nil {
			r.log.Printf("pipeline: finally hook failed err=%v", herr)
			if err == nil {
				err = fmt.Errorf("finally hook: %w", herr)
			}
		}
		if cerr := w.Close(); cerr != nil {
			r.log.Printf("pipeline: close writer err=%v", cerr)
		}
		if cerr := src.Close(); cerr != nil {
			r.log.Printf("pipeline: close source err=%v", cerr)
		}
		res = r.result(time.Since(start))
		r.log.Printf("pipeline: done job=%s read=%d written=%d batches=%d elapsed=%s err=%v",
			cfg.Job, res.RowsRead, res.RowsWritten, res.Batches, res.Elapsed.Round(time.Millisecond), err)
	}()

	cols, err := r.prepare(ctx)
	if err != nil {
		return res, err
	}
	r.log.Printf("pipeline: streaming job=%s columns=%d batch=%d queue=%d limit=%d",
		cfg.Job, len(cols), cfg.BatchSize, cfg.QueueSize, cfg.Limit)

	if err := metrics.Time(cfg.Job, "stream", func() error { return r.stream(ctx) }); err != nil {
		return res, err
	}

	if err := metrics.Time(cfg.Job, "complete", func() error { return w.Complete(ctx) }); err != nil {
		return res, fmt.Errorf("complete: %w", err)
	}
	if err := r.hook(ctx, "post", cfg.Hooks.Post); err != nil {
		return res, err
	}
	return res, nil
}

// prepare opens the source, runs the pre hook, initializes the chain and the
// writer, and checks the target schema. No row flows before it returns.
func (r *runner) prepare(ctx context.Context) ([]schema.Column, error) {
	var cols []schema.Column
	err := metrics.Time(r.cfg.Job, "initialize", func() error {
		src, err := r.src.Open(ctx)
		if err != nil {
			return fmt.Errorf("open source: %w", err)
		}
		if err := r.hook(ctx, "pre", r.cfg.Hooks.Pre); err != nil {
			return err
		}
		cols, err = r.chain.Initialize(src)
		if err != nil {
			return err
		}
		if err := r.w.Initialize(ctx, cols); err != nil {
			return fmt.Errorf("initialize writer: %w", err)
		}
		if sa, ok := r.w.(SchemaAware); ok && r.cfg.SchemaCheck {
			return r.checkSchema(ctx, sa, cols)
		}
		return nil
	})
	return cols, err
}

func (r *runner) checkSchema(ctx context.Context, sa SchemaAware, cols []schema.Column) error {
	snap, err := sa.Inspect(ctx)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	cols = keysRequired(cols, sa)
	rep := schema.Classify(cols, snap, r.cfg.StrictSchema)
	for _, w := range rep.Warnings() {
		r.log.Printf("pipeline: schema warning table=%s %s", snap.Table, w)
	}

	if r.cfg.AutoMigrate && len(rep.Missing()) > 0 {
		if err := sa.MigrateSchema(ctx, rep); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
		if snap, err = sa.Inspect(ctx); err != nil {
			return fmt.Errorf("schema check: %w", err)
		}
		rep = schema.Classify(cols, snap, r.cfg.StrictSchema)
	}

	if !rep.Compatible() {
		return fmt.Errorf("schema check %s: %w", snap.Table, rep.Err())
	}
	return nil
}

// keyed writers resolve a key column set for conflict handling.
type keyed interface {
	KeyColumns() []string
}

// keysRequired marks the writer's key columns as non-nullable. Upsert and
// Ignore need a key value in every row, and a target the writer created
// declares them NOT NULL.
func keysRequired(cols []schema.Column, sa SchemaAware) []schema.Column {
	k, ok := sa.(keyed)
	if !ok {
		return cols
	}
	keys := k.KeyColumns()
	if len(keys) == 0 {
		return cols
	}
	out := schema.Clone(cols)
	for _, name := range keys {
		if i := schema.Index(out, name); i >= 0 {
			out[i].Nullable = false
		}
	}
	return out
}

// stream runs the three stages and waits for all of them.
func (r *runner) stream(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	rows := make(chan schema.Row, r.cfg.QueueSize)
	out := make(chan schema.Row, r.cfg.QueueSize)

	g.Go(func() error {
		defer close(rows)
		return r.produce(gctx, rows)
	})
	g.Go(func() error {
		defer close(out)
		return r.transform(gctx, rows, out)
	})
	g.Go(func() error {
		return r.consume(gctx, out)
	})
	return g.Wait()
}

// produce reads batches and emits rows. Reaching the limit cancels only the
// producer's read scope so a source blocked in ReadBatch returns.
func (r *runner) produce(ctx context.Context, out chan<- schema.Row) error {
	readCtx, stop := context.WithCancel(ctx)
	defer stop()

	var ordinal, emitted int64
	for {
		batch, err := r.src.ReadBatch(readCtx, r.cfg.BatchSize)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		r.read.Add(int64(len(batch)))
		for _, row := range batch {
			ord := ordinal
			ordinal++
			if r.cfg.Sample != nil && !r.cfg.Sample.Keep(ord) {
				r.sampledOut.Add(1)
				continue
			}
			select {
			case out <- row:
			case <-ctx.Done():
				return ctx.Err()
			}
			emitted++
			if r.cfg.Limit > 0 && emitted >= r.cfg.Limit {
				stop()
				r.log.Printf("pipeline: limit reached rows=%d", emitted)
				return nil
			}
		}
	}
}

// transform applies the chain row by row.
func (r *runner) transform(ctx context.Context, in <-chan schema.Row, out chan<- schema.Row) error {
	for {
		var (
			row schema.Row
			ok  bool
		)
		select {
		case row, ok = <-in:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		for i, t := range r.chain {
			next, err := t.Transform(row)
			if err != nil {
				return fmt.Errorf("transform %s: %w", r.names[i], err)
			}
			row = next
			r.transformed[i].Add(1)
		}

		select {
		case out <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume groups rows into batches and writes them.
func (r *runner) consume(ctx context.Context, in <-chan schema.Row) error {
	batch := make([]schema.Row, 0, r.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.writeBatch(ctx, batch); err != nil {
			return err
		}
		r.written.Add(int64(len(batch)))
		r.batches.Add(1)
		r.cfg.Progress.Report(r.progress(false))
		batch = make([]schema.Row, 0, r.cfg.BatchSize)
		return nil
	}

	for {
		select {
		case row, ok := <-in:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				r.cfg.Progress.Report(r.progress(true))
				return nil
			}
			batch = append(batch, row)
			if len(batch) >= r.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *runner) writeBatch(ctx context.Context, batch []schema.Row) error {
	n := r.batches.Load() + 1
	err := withRetry(ctx, r.cfg.RetryCount, r.cfg.RetryBackoff,
		func() error { return r.w.WriteBatch(ctx, batch) },
		func(attempt int, err error, wait time.Duration) {
			metrics.RecordRetry(r.cfg.Job)
			r.log.Printf("pipeline: retry batch=%d attempt=%d/%d wait=%s err=%v", n, attempt, r.cfg.RetryCount, wait, err)
		})
	if err != nil {
		return fmt.Errorf("write batch %d (%d rows): %w", n, len(batch), err)
	}
	return nil
}

// hook runs a command through the writer under ctx.
func (r *runner) hook(ctx context.Context, name, command string) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	start := time.Now()
	err := r.w.Exec(ctx, command)
	metrics.RecordStep(r.cfg.Job, "hook_"+name, err, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s hook: %w", name, err)
	}
	r.log.Printf("pipeline: hook=%s ok elapsed=%s", name, time.Since(start).Round(time.Millisecond))
	return nil
}

// cleanupHook runs a hook under a scope detached from ctx's cancellation
// and bounded by HookTimeout.
func (r *runner) cleanupHook(ctx context.Context, name, command string) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.HookTimeout)
	defer cancel()
	return r.hook(hctx, name, command)
}

func (r *runner) progress(done bool) Progress {
	return Progress{
		RowsRead:    r.read.Load(),
		SampledOut:  r.sampledOut.Load(),
		RowsWritten: r.written.Load(),
		Batches:     r.batches.Load(),
		Transformed: r.transformedCounts(),
		Done:        done,
	}
}

func (r *runner) transformedCounts() map[string]int64 {
	out := make(map[string]int64, len(r.names))
	for i, n := range r.names {
		out[n] = r.transformed[i].Load()
	}
	return out
}

func (r *runner) result(elapsed time.Duration) Result {
	return Result{
		RowsRead:    r.read.Load(),
		SampledOut:  r.sampledOut.Load(),
		RowsWritten: r.written.Load(),
		Batches:     r.batches.Load(),
		Transformed: r.transformedCounts(),
		Elapsed:     elapsed,
	}
}
