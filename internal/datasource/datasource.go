// Package datasource defines the source reader contract used by the
// pipeline. Implementations live in subpackages: file (CSV) and query (SQL).
package datasource

import (
	"context"

	"rowpipe/internal/schema"
)

// Reader produces rows in batches.
//
// Open is called once and returns the immutable column list. ReadBatch
// returns up to n rows and io.EOF once the source is exhausted; a final
// partial batch may come with a nil error and the next call returns io.EOF.
// ReadBatch must return promptly with ctx.Err() when ctx is canceled.
type Reader interface {
	Open(ctx context.Context) ([]schema.Column, error)
	ReadBatch(ctx context.Context, n int) ([]schema.Row, error)
	Close() error
}
