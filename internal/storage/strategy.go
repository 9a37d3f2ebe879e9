package storage

import (
	"fmt"
	"strings"
)

// Strategy selects how Initialize prepares the target and how WriteBatch
// lands rows.
type Strategy int

const (
	// Append creates the target if absent and bulk-imports every batch.
	Append Strategy = iota
	// Truncate empties an existing target (or creates it) before writing.
	Truncate
	// DeleteThenInsert deletes every row from an existing target before
	// writing. Slower than Truncate but transactional on every engine.
	DeleteThenInsert
	// Recreate drops and recreates the target, preserving the existing
	// native column types and primary key when they can be read.
	Recreate
	// Upsert stages each batch and merges it: matching keys are updated,
	// new keys inserted.
	Upsert
	// Ignore stages each batch and inserts only keys absent from the target.
	Ignore
)

var strategyNames = map[Strategy]string{
	Append:           "append",
	Truncate:         "truncate",
	DeleteThenInsert: "delete",
	Recreate:         "recreate",
	Upsert:           "upsert",
	Ignore:           "ignore",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Staged reports whether batches go through a staging table and a merge.
func (s Strategy) Staged() bool { return s == Upsert || s == Ignore }

// NeedsKeys reports whether the strategy requires key columns.
func (s Strategy) NeedsKeys() bool { return s.Staged() }

// ParseStrategy accepts the names used in job files. Empty means Append.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "append", "insert":
		return Append, nil
	case "truncate":
		return Truncate, nil
	case "delete", "delete_then_insert", "deletetheninsert":
		return DeleteThenInsert, nil
	case "recreate", "drop":
		return Recreate, nil
	case "upsert", "merge":
		return Upsert, nil
	case "ignore", "insert_ignore", "skip_existing":
		return Ignore, nil
	}
	return Append, fmt.Errorf("storage: unknown strategy %q", s)
}

// StagingScope controls the lifetime of the staging table used by staged
// strategies.
type StagingScope int

const (
	// StagingPerBatch creates and drops a staging table around every batch.
	StagingPerBatch StagingScope = iota
	// StagingPerRun reuses one staging table for the whole run, clearing it
	// between batches and dropping it at Complete or Close.
	StagingPerRun
)

func (s StagingScope) String() string {
	if s == StagingPerRun {
		return "run"
	}
	return "batch"
}

// ParseStagingScope accepts "batch" (default) or "run".
func ParseStagingScope(s string) (StagingScope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "batch":
		return StagingPerBatch, nil
	case "run":
		return StagingPerRun, nil
	}
	return StagingPerBatch, fmt.Errorf("storage: unknown staging scope %q", s)
}
