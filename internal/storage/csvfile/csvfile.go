// Package csvfile is the file target: it writes batches to a delimited text
// file with the same lifecycle as the relational writer. Supported
// strategies are Append, Truncate and Recreate; hooks are not.
package csvfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// ErrUnsupported is returned by Exec; a file has no command language.
var ErrUnsupported = errors.New("csvfile: commands are not supported")

// Config configures a file target.
type Config struct {
	Path     string
	Comma    rune
	NoHeader bool
	Strategy storage.Strategy
	Logger   *log.Logger
}

// Writer appends batches to one file. Each batch is encoded in memory and
// written with a single call so a failed batch leaves no partial record.
type Writer struct {
	cfg   Config
	log   *log.Logger
	f     *os.File
	cols  []schema.Column
	state storage.State
	rows  int64
}

// New validates cfg. Nothing is opened until Initialize.
func New(cfg Config) (*Writer, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, &storage.ConfigError{Reason: "csv target path must not be empty"}
	}
	switch cfg.Strategy {
	case storage.Append, storage.Truncate, storage.Recreate:
	default:
		return nil, &storage.ConfigError{Table: cfg.Path, Reason: fmt.Sprintf("strategy %s is not supported for csv targets", cfg.Strategy)}
	}
	if cfg.Comma == 0 {
		cfg.Comma = ','
	}
	l := cfg.Logger
	if l == nil {
		l = log.Default()
	}
	return &Writer{cfg: cfg, log: l}, nil
}

// State returns the lifecycle state.
func (w *Writer) State() storage.State { return w.state }

// Columns returns the column list the file is written with.
func (w *Writer) Columns() []schema.Column { return schema.Clone(w.cols) }

// Initialize opens the file. Truncate and Recreate start a new file; Append
// keeps existing content and checks that its header matches cols.
func (w *Writer) Initialize(ctx context.Context, cols []schema.Column) error {
	if w.state != storage.StateUninitialized {
		return fmt.Errorf("%w: Initialize in state %s", storage.ErrState, w.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.cols = schema.Clone(cols)

	flag := os.O_CREATE | os.O_WRONLY
	if w.cfg.Strategy == storage.Append {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}

	existing := false
	if w.cfg.Strategy == storage.Append {
		ok, err := w.checkHeader()
		if err != nil {
			w.state = storage.StateFaulted
			return err
		}
		existing = ok
	}

	f, err := os.OpenFile(w.cfg.Path, flag, 0o644)
	if err != nil {
		w.state = storage.StateFaulted
		return fmt.Errorf("csvfile: open %s: %w", w.cfg.Path, err)
	}
	w.f = f

	if !existing && !w.cfg.NoHeader {
		if err := w.writeRecords([][]string{schema.Names(w.cols)}); err != nil {
			w.state = storage.StateFaulted
			return err
		}
	}
	w.log.Printf("csvfile: ready path=%s strategy=%s columns=%d", w.cfg.Path, w.cfg.Strategy, len(w.cols))
	w.state = storage.StateReady
	return nil
}

// checkHeader reports whether the file already has content and, with a
// header, verifies it names the same columns.
func (w *Writer) checkHeader() (bool, error) {
	f, err := os.Open(w.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("csvfile: open %s: %w", w.cfg.Path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("csvfile: stat %s: %w", w.cfg.Path, err)
	}
	if st.Size() == 0 {
		return false, nil
	}
	if w.cfg.NoHeader {
		return true, nil
	}

	r := csv.NewReader(bufio.NewReader(f))
	r.Comma = w.cfg.Comma
	r.FieldsPerRecord = -1
	h, err := r.Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("csvfile: read header %s: %w", w.cfg.Path, err)
	}
	want := schema.Names(w.cols)
	if len(h) != len(want) {
		return false, &storage.ConfigError{Table: w.cfg.Path, Reason: fmt.Sprintf("existing header has %d columns, source has %d", len(h), len(want))}
	}
	for i := range h {
		if !strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h[i], "\uFEFF")), want[i]) {
			return false, &storage.ConfigError{Table: w.cfg.Path, Reason: fmt.Sprintf("existing header column %d is %q, source has %q", i+1, h[i], want[i])}
		}
	}
	return true, nil
}

// WriteBatch encodes rows and appends them.
func (w *Writer) WriteBatch(ctx context.Context, rows []schema.Row) error {
	if w.state != storage.StateReady {
		return fmt.Errorf("%w: WriteBatch in state %s", storage.ErrState, w.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	recs := make([][]string, len(rows))
	for i, row := range rows {
		if len(row) != len(w.cols) {
			return fmt.Errorf("csvfile: batch row %d has %d values, want %d", i+1, len(row), len(w.cols))
		}
		rec := make([]string, len(row))
		for j, v := range row {
			rec[j] = Format(v)
		}
		recs[i] = rec
	}
	if err := w.writeRecords(recs); err != nil {
		w.state = storage.StateFaulted
		return err
	}
	w.rows += int64(len(rows))
	return nil
}

func (w *Writer) writeRecords(recs [][]string) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Comma = w.cfg.Comma
	if err := cw.WriteAll(recs); err != nil {
		return fmt.Errorf("csvfile: encode: %w", err)
	}
	if _, err := w.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("csvfile: write %s: %w", w.cfg.Path, err)
	}
	return nil
}

// Format renders one value as a CSV cell. Null is the empty string.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return `\x` + hex.EncodeToString(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// Exec always fails with ErrUnsupported.
func (w *Writer) Exec(context.Context, string) error { return ErrUnsupported }

// Complete syncs the file to disk.
func (w *Writer) Complete(context.Context) error {
	if w.state != storage.StateReady {
		return fmt.Errorf("%w: Complete in state %s", storage.ErrState, w.state)
	}
	w.state = storage.StateCompleting
	if err := w.f.Sync(); err != nil {
		w.state = storage.StateFaulted
		return fmt.Errorf("csvfile: sync %s: %w", w.cfg.Path, err)
	}
	w.log.Printf("csvfile: complete path=%s rows=%d", w.cfg.Path, w.rows)
	return nil
}

// Close closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.state = storage.StateClosed
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
