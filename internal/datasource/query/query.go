// Package query reads the result set of a SQL query through any dialect
// registered with the storage package.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// Config names the database and the query to run.
type Config struct {
	Kind string
	DSN  string
	SQL  string
}

// Reader streams query results in batches. The query runs under a context
// owned by the reader so Close can abort it mid-stream.
type Reader struct {
	cfg    Config
	db     *sql.DB
	rows   *sql.Rows
	cancel context.CancelFunc
	cols   []schema.Column
	done   bool
}

// New validates cfg and returns an unopened reader.
func New(cfg Config) (*Reader, error) {
	if strings.TrimSpace(cfg.SQL) == "" {
		return nil, errors.New("query: SQL must not be empty")
	}
	if _, err := storage.Lookup(cfg.Kind); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return &Reader{cfg: cfg}, nil
}

// Open connects, starts the query and derives the column list from the
// driver's column types.
func (r *Reader) Open(ctx context.Context) ([]schema.Column, error) {
	d, err := storage.Lookup(r.cfg.Kind)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	db, err := d.Open(ctx, r.cfg.DSN)
	if err != nil {
		return nil, err
	}
	r.db = db

	qctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	rows, err := db.QueryContext(qctx, r.cfg.SQL)
	if err != nil {
		return nil, fmt.Errorf("query: run: %w", err)
	}
	r.rows = rows

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("query: column types: %w", err)
	}
	r.cols = make([]schema.Column, len(types))
	for i, ct := range types {
		nullable, ok := ct.Nullable()
		r.cols[i] = schema.Column{
			Name:     ct.Name(),
			Kind:     d.SemanticOf(ct.DatabaseTypeName()),
			Nullable: nullable || !ok,
		}
	}
	return schema.Clone(r.cols), nil
}

// ReadBatch scans up to n rows. Cancelling ctx aborts the running query.
func (r *Reader) ReadBatch(ctx context.Context, n int) ([]schema.Row, error) {
	if r.rows == nil {
		return nil, errors.New("query: ReadBatch before Open")
	}
	if r.done {
		return nil, io.EOF
	}
	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()

	out := make([]schema.Row, 0, n)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.rows.Next() {
			r.done = true
			if err := r.rows.Err(); err != nil {
				return nil, fmt.Errorf("query: read: %w", err)
			}
			break
		}
		row, err := r.scan()
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (r *Reader) scan() (schema.Row, error) {
	vals := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("query: scan: %w", err)
	}
	for i, v := range vals {
		b, ok := v.([]byte)
		if !ok {
			continue
		}
		if r.cols[i].Kind == schema.KindBytes {
			vals[i] = append([]byte(nil), b...)
		} else {
			vals[i] = string(b)
		}
	}
	return vals, nil
}

// Close aborts the query and releases the pool.
func (r *Reader) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	var err error
	if r.rows != nil {
		err = r.rows.Close()
		r.rows = nil
	}
	if r.db != nil {
		if cerr := r.db.Close(); err == nil {
			err = cerr
		}
		r.db = nil
	}
	return err
}
