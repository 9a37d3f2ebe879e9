package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Status classifies one column in a compatibility report.
type Status int

const (
	Compatible Status = iota
	// WillBeCreated: the target does not exist yet; the column will be created
	// with it.
	WillBeCreated
	// MissingInTarget: the target exists but lacks the column. Candidate for
	// an additive migration.
	MissingInTarget
	// NullabilityConflict: the source column is nullable but the target
	// column forbids NULL.
	NullabilityConflict
	// ExtraInTargetNotNull: the target requires a value for a column the
	// source does not supply.
	ExtraInTargetNotNull
)

func (s Status) String() string {
	switch s {
	case Compatible:
		return "compatible"
	case WillBeCreated:
		return "will_be_created"
	case MissingInTarget:
		return "missing_in_target"
	case NullabilityConflict:
		return "nullability_conflict"
	case ExtraInTargetNotNull:
		return "extra_in_target_not_null"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// IsError reports whether the status blocks a run.
func (s Status) IsError() bool {
	return s == NullabilityConflict || s == ExtraInTargetNotNull
}

// ColumnStatus is a single line of a Report. Source is the zero Column for
// ExtraInTargetNotNull entries; Target is the zero ColumnInfo when the
// column does not exist in the target.
type ColumnStatus struct {
	Name   string
	Status Status
	Source Column
	Target ColumnInfo
}

// Report is the result of Classify.
type Report struct {
	Columns []ColumnStatus
	Strict  bool
}

// Compatible reports whether no column has a hard-conflict status. In strict
// mode MissingInTarget also counts as a conflict.
func (r Report) Compatible() bool {
	for _, c := range r.Columns {
		if c.Status.IsError() || (r.Strict && c.Status == MissingInTarget) {
			return false
		}
	}
	return true
}

// Missing returns the source columns that are absent from an existing target.
func (r Report) Missing() []Column {
	var out []Column
	for _, c := range r.Columns {
		if c.Status == MissingInTarget {
			out = append(out, c.Source)
		}
	}
	return out
}

// Warnings returns the non-fatal findings as human readable lines.
func (r Report) Warnings() []string {
	if r.Strict {
		return nil
	}
	var out []string
	for _, c := range r.Columns {
		if c.Status == MissingInTarget {
			out = append(out, fmt.Sprintf("column %q is missing in target", c.Name))
		}
	}
	return out
}

// Err joins every blocking finding into one error, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, c := range r.Columns {
		switch {
		case c.Status == NullabilityConflict:
			errs = append(errs, fmt.Errorf("column %q: source is nullable but target %s is NOT NULL", c.Name, c.Target.NativeType))
		case c.Status == ExtraInTargetNotNull:
			errs = append(errs, fmt.Errorf("column %q: target requires a value (NOT NULL, no default) but source does not supply it", c.Name))
		case r.Strict && c.Status == MissingInTarget:
			errs = append(errs, fmt.Errorf("column %q is missing in target (strict)", c.Name))
		}
	}
	return errors.Join(errs...)
}

// Classify compares the source column list with a target snapshot.
func Classify(source []Column, snap Snapshot, strict bool) Report {
	rep := Report{Strict: strict, Columns: make([]ColumnStatus, 0, len(source))}

	if !snap.Exists {
		for _, c := range source {
			rep.Columns = append(rep.Columns, ColumnStatus{Name: c.Name, Status: WillBeCreated, Source: c})
		}
		return rep
	}

	seen := make(map[string]bool, len(source))
	for _, c := range source {
		seen[strings.ToLower(c.Name)] = true
		tc, ok := snap.Column(c.Name)
		st := ColumnStatus{Name: c.Name, Source: c, Target: tc}
		switch {
		case !ok:
			st.Status = MissingInTarget
		case c.Nullable && !tc.Nullable:
			st.Status = NullabilityConflict
		default:
			st.Status = Compatible
		}
		rep.Columns = append(rep.Columns, st)
	}

	for _, tc := range snap.Columns {
		if seen[strings.ToLower(tc.Name)] {
			continue
		}
		if !tc.Nullable && !tc.HasDefault {
			rep.Columns = append(rep.Columns, ColumnStatus{Name: tc.Name, Status: ExtraInTargetNotNull, Target: tc})
		}
	}
	return rep
}
