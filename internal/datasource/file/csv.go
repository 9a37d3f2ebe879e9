package file

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"rowpipe/internal/datasource/httpds"
	"rowpipe/internal/schema"
)

const utf8BOM = "\uFEFF"

// Config configures a CSV reader.
type Config struct {
	Path string
	// Comma is the field delimiter; 0 means ','.
	Comma rune
	// NoHeader means the first record is data and Columns names the fields.
	NoHeader bool
	Columns  []string
	// EmptyAsNull turns empty cells into null.
	EmptyAsNull bool
	// HTTP configures the client used when Path is an http(s) URL.
	HTTP httpds.Config
}

// CSV reads a delimited file. Every column is a nullable string; typing is
// the job of the coerce transformer.
type CSV struct {
	cfg   Config
	rc    io.ReadCloser
	r     *csv.Reader
	width int
	line  int
}

// NewCSV returns a reader for cfg. Nothing is opened until Open.
func NewCSV(cfg Config) *CSV {
	if cfg.Comma == 0 {
		cfg.Comma = ','
	}
	return &CSV{cfg: cfg}
}

// Open opens the file (or downloads it when Path is a URL) and reads the
// header.
func (c *CSV) Open(ctx context.Context) ([]schema.Column, error) {
	var (
		rc  io.ReadCloser
		err error
	)
	if httpds.IsURL(c.cfg.Path) {
		rc, err = httpds.NewClient(c.cfg.HTTP).Open(ctx, c.cfg.Path)
	} else {
		rc, err = NewLocal(c.cfg.Path).Open(ctx)
	}
	if err != nil {
		return nil, err
	}
	c.rc = rc
	c.r = csv.NewReader(rc)
	c.r.Comma = c.cfg.Comma
	c.r.FieldsPerRecord = -1
	c.r.ReuseRecord = false

	var names []string
	if c.cfg.NoHeader {
		names = c.cfg.Columns
	} else {
		h, err := c.r.Read()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv %s: empty file, header expected", c.cfg.Path)
		}
		if err != nil {
			return nil, fmt.Errorf("csv %s: read header: %w", c.cfg.Path, err)
		}
		c.line = 1
		names = normalizeHeader(h)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("csv %s: no columns", c.cfg.Path)
	}
	seen := make(map[string]bool, len(names))
	cols := make([]schema.Column, len(names))
	for i, n := range names {
		if n == "" {
			return nil, fmt.Errorf("csv %s: header column %d is empty", c.cfg.Path, i+1)
		}
		if seen[strings.ToLower(n)] {
			return nil, fmt.Errorf("csv %s: duplicate header column %q", c.cfg.Path, n)
		}
		seen[strings.ToLower(n)] = true
		cols[i] = schema.Column{Name: n, Kind: schema.KindString, Nullable: true}
	}
	c.width = len(cols)
	return cols, nil
}

// normalizeHeader trims names and strips a UTF-8 BOM from the first one.
func normalizeHeader(h []string) []string {
	out := make([]string, len(h))
	for i, col := range h {
		if i == 0 {
			col = strings.TrimPrefix(col, utf8BOM)
		}
		out[i] = strings.TrimSpace(col)
	}
	return out
}

// ReadBatch reads up to n records. A record of the wrong width is an error
// carrying its line number.
func (c *CSV) ReadBatch(ctx context.Context, n int) ([]schema.Row, error) {
	if c.r == nil {
		return nil, errors.New("csv: ReadBatch before Open")
	}
	rows := make([]schema.Row, 0, n)
	for len(rows) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := c.r.Read()
		if errors.Is(err, io.EOF) {
			if len(rows) == 0 {
				return nil, io.EOF
			}
			return rows, nil
		}
		c.line++
		if err != nil {
			return nil, fmt.Errorf("csv %s: %w", c.cfg.Path, err)
		}
		if len(rec) != c.width {
			return nil, fmt.Errorf("csv %s line %d: expected %d fields, got %d", c.cfg.Path, c.line, c.width, len(rec))
		}
		row := make(schema.Row, len(rec))
		for i, v := range rec {
			if v == "" && c.cfg.EmptyAsNull {
				continue
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Close closes the file.
func (c *CSV) Close() error {
	if c.rc == nil {
		return nil
	}
	err := c.rc.Close()
	c.rc = nil
	return err
}
