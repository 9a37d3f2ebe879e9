package storage

import (
	"context"
	"fmt"
	"strings"

	"rowpipe/internal/schema"
)

// PreviewRunes bounds the offending value in a FailureReport.
const PreviewRunes = 64

// Inspector reads a target snapshot. The analyzer gets its own, so the
// writer's cached snapshot and connection are never touched.
type Inspector interface {
	Inspect(ctx context.Context) (schema.Snapshot, error)
}

// InspectorFunc adapts a function to Inspector.
type InspectorFunc func(ctx context.Context) (schema.Snapshot, error)

func (f InspectorFunc) Inspect(ctx context.Context) (schema.Snapshot, error) { return f(ctx) }

// FieldValue is one column of the failing row.
type FieldValue struct {
	Name    string
	Value   string
	Failing bool
}

// FailureReport localizes a batch failure to one value.
type FailureReport struct {
	Localized bool

	Row          int // 1-based ordinal within the batch
	SourceColumn string
	TargetColumn string
	SourceType   string
	TargetType   string
	Value        string
	Columns      []FieldValue
	Cause        string
}

// String renders the report as a multi-line diagnostic.
func (r FailureReport) String() string {
	if !r.Localized {
		return r.Cause
	}
	var b strings.Builder
	fmt.Fprintf(&b, "batch row %d: value %s in source column %q (%s) cannot be stored in target column %q (%s): %s",
		r.Row, r.Value, r.SourceColumn, r.SourceType, r.TargetColumn, r.TargetType, r.Cause)
	b.WriteString("\nrow:")
	for _, c := range r.Columns {
		mark := ""
		if c.Failing {
			mark = "  <-- failing"
		}
		fmt.Fprintf(&b, "\n  %s = %s%s", c.Name, c.Value, mark)
	}
	return b.String()
}

// AnalyzeBatch re-runs value conversion for every non-null value of rows
// against the kinds derived from the target's native types and reports the
// first value that fails. A report with Localized == false means the fault
// is elsewhere (constraint, connection, ...).
func AnalyzeBatch(ctx context.Context, rows []schema.Row, source []schema.Column, insp Inspector) (FailureReport, error) {
	snap, err := insp.Inspect(ctx)
	if err != nil {
		return FailureReport{}, fmt.Errorf("analyzer inspect: %w", err)
	}

	targets := make([]*schema.ColumnInfo, len(source))
	for i, c := range source {
		for j := range snap.Columns {
			if strings.EqualFold(snap.Columns[j].Name, c.Name) {
				targets[i] = &snap.Columns[j]
				break
			}
		}
	}

	for r, row := range rows {
		for i, v := range row {
			if v == nil || i >= len(targets) || targets[i] == nil {
				continue
			}
			tc := targets[i]
			if _, err := schema.Convert(tc.Kind, v); err != nil {
				return failureAt(r, i, row, source, tc, err), nil
			}
		}
	}
	return FailureReport{Cause: "deep analysis could not localize the fault"}, nil
}

func failureAt(r, i int, row schema.Row, source []schema.Column, tc *schema.ColumnInfo, err error) FailureReport {
	rep := FailureReport{
		Localized:    true,
		Row:          r + 1,
		SourceColumn: source[i].Name,
		TargetColumn: tc.Name,
		SourceType:   fmt.Sprintf("%s/%s", source[i].Kind, schema.TypeName(row[i])),
		TargetType:   fmt.Sprintf("%s/%s", tc.NativeType, tc.Kind),
		Value:        schema.Preview(row[i], PreviewRunes),
		Cause:        err.Error(),
	}
	rep.Columns = make([]FieldValue, len(row))
	for j, v := range row {
		name := fmt.Sprintf("#%d", j+1)
		if j < len(source) {
			name = source[j].Name
		}
		rep.Columns[j] = FieldValue{Name: name, Value: schema.Preview(v, PreviewRunes), Failing: j == i}
	}
	return rep
}

// transientInspector opens its own pool for one snapshot.
type transientInspector struct {
	d     *Dialect
	dsn   string
	table schema.TableRef
}

func (t *transientInspector) Inspect(ctx context.Context) (schema.Snapshot, error) {
	db, err := t.d.Open(ctx, t.dsn)
	if err != nil {
		return schema.Snapshot{}, err
	}
	defer db.Close()
	conn, err := db.Conn(ctx)
	if err != nil {
		return schema.Snapshot{}, err
	}
	defer conn.Close()
	return t.d.Inspect(ctx, conn, t.table)
}
