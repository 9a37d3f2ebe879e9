package builtin

import (
	"fmt"

	"rowpipe/internal/config"
	"rowpipe/internal/schema"
	"rowpipe/internal/transformer"
)

// Rename renames columns. Rows pass through untouched. A renamed column is
// marked case-sensitive so the writer does not fold the new name.
type Rename struct {
	Columns map[string]string
}

func newRename(opts config.Options) (transformer.Transformer, error) {
	m := opts.StringMap("columns")
	if len(m) == 0 {
		return nil, fmt.Errorf("columns must map at least one old name to a new name")
	}
	return &Rename{Columns: m}, nil
}

func (r *Rename) Name() string { return "rename" }

func (r *Rename) Initialize(cols []schema.Column) ([]schema.Column, error) {
	for from, to := range r.Columns {
		i := schema.Index(cols, from)
		if i < 0 {
			return nil, fmt.Errorf("unknown column %q", from)
		}
		if j := schema.Index(cols, to); j >= 0 && j != i {
			return nil, fmt.Errorf("rename %q to %q: column already exists", from, to)
		}
		cols[i].Name = to
		cols[i].CaseSensitive = true
	}
	return cols, nil
}

func (r *Rename) Transform(row schema.Row) (schema.Row, error) { return row, nil }
