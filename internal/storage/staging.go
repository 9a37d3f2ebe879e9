package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"rowpipe/internal/schema"
)

// StagingPrefix starts every staging table name.
const StagingPrefix = "rowpipe_stg_"

// newStagingName is replaced in tests for stable names.
var newStagingName = func() string {
	return StagingPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// writeStaged imports values into a staging table and reconciles it with the
// target in one transaction.
func (w *Writer) writeStaged(ctx context.Context, values [][]any) error {
	stg, release, err := w.acquireStaging(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := w.d.BulkImport(ctx, w.conn, stg, w.names, values); err != nil {
		return fmt.Errorf("stage batch into %s: %w", stg, err)
	}
	return w.merge(ctx, stg)
}

func (w *Writer) merge(ctx context.Context, stg schema.TableRef) error {
	stmts := w.d.MergeSQL(w.table, stg, w.names, w.keys, w.cfg.Strategy == Upsert)
	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("merge into %s: %w", w.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// acquireStaging returns the staging table for one batch and a release func.
// Batch scope creates and drops a table per call; run scope creates it once
// and clears it on release. Release failures are logged, never returned.
func (w *Writer) acquireStaging(ctx context.Context) (schema.TableRef, func(), error) {
	if w.cfg.StagingScope == StagingPerRun && w.runStaging != nil {
		stg := *w.runStaging
		return stg, func() { w.clearStaging(ctx, stg) }, nil
	}

	stg := w.d.stagingRef(newStagingName())
	if err := w.exec(ctx, w.d.CreateStagingSQL(w.table, stg, w.names)); err != nil {
		return schema.TableRef{}, nil, fmt.Errorf("create staging: %w", err)
	}

	if w.cfg.StagingScope == StagingPerRun {
		w.runStaging = &stg
		return stg, func() { w.clearStaging(ctx, stg) }, nil
	}
	return stg, func() { w.dropStaging(ctx, stg) }, nil
}

func (w *Writer) dropStaging(ctx context.Context, stg schema.TableRef) {
	if w.conn == nil {
		return
	}
	if err := w.exec(ctx, "DROP TABLE "+w.d.QualifiedName(stg)); err != nil {
		w.log.Printf("writer: drop staging table=%s err=%v", stg, err)
	}
}

func (w *Writer) clearStaging(ctx context.Context, stg schema.TableRef) {
	if w.conn == nil {
		return
	}
	if err := w.exec(ctx, "DELETE FROM "+w.d.QualifiedName(stg)); err != nil {
		w.log.Printf("writer: clear staging table=%s err=%v", stg, err)
	}
}
