package builtin

import (
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"rowpipe/internal/config"
	"rowpipe/internal/schema"
	"rowpipe/internal/transformer"
)

// Normalize trims string values, maps no-break spaces to plain spaces and
// puts text in Unicode NFC. With EmptyAsNull, blank values become null.
type Normalize struct {
	Columns     []string
	EmptyAsNull bool

	idx []int
	t   transform.Transformer
}

func newNormalize(opts config.Options) (transformer.Transformer, error) {
	return &Normalize{
		Columns:     opts.StringSlice("columns"),
		EmptyAsNull: opts.Bool("empty_as_null", false),
	}, nil
}

func (n *Normalize) Name() string { return "normalize" }

// Initialize selects the configured columns, or every string column.
func (n *Normalize) Initialize(cols []schema.Column) ([]schema.Column, error) {
	idx, err := transformer.ResolveColumns(cols, n.Columns, func(c schema.Column) bool {
		return c.Kind == schema.KindString
	})
	if err != nil {
		return nil, err
	}
	n.idx = idx
	n.t = transform.Chain(runes.Map(nbsp), norm.NFC)
	if n.EmptyAsNull {
		for _, i := range idx {
			cols[i].Nullable = true
		}
	}
	return cols, nil
}

func (n *Normalize) Transform(row schema.Row) (schema.Row, error) {
	for _, i := range n.idx {
		if i >= len(row) {
			continue
		}
		s, ok := row[i].(string)
		if !ok {
			continue
		}
		s = n.clean(s)
		if s == "" && n.EmptyAsNull {
			row[i] = nil
			continue
		}
		row[i] = s
	}
	return row, nil
}

func (n *Normalize) clean(s string) string {
	if !strings.ContainsRune(s, '\u00a0') && norm.NFC.IsNormalString(s) {
		return strings.TrimSpace(s)
	}
	out, _, err := transform.String(n.t, s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(out)
}

func nbsp(r rune) rune {
	if r == '\u00a0' {
		return ' '
	}
	return r
}
