package builtin

import (
	"fmt"
	"strings"
	"time"

	"rowpipe/internal/config"
	"rowpipe/internal/schema"
	"rowpipe/internal/transformer"
)

// Coerce converts values to declared kinds and retypes the columns, so the
// writer sees the target kinds. The per-column plan is compiled once in
// Initialize.
type Coerce struct {
	// Types maps column name to kind name (int, bigint, decimal, date, ...).
	Types map[string]string
	// Layout is tried first for temporal columns, e.g. "02.01.2006".
	Layout string
	// Truthy and Falsy extend the boolean vocabulary, e.g. "ano"/"ne".
	Truthy []string
	Falsy  []string
	// NullOnError stores null instead of failing the run.
	NullOnError bool

	plan []coercion
}

type coercion struct {
	idx  int
	name string
	kind schema.Kind
	conv schema.Converter
}

func newCoerce(opts config.Options) (transformer.Transformer, error) {
	c := &Coerce{
		Types:  opts.StringMap("types"),
		Layout: opts.String("layout", ""),
		Truthy: opts.StringSlice("truthy"),
		Falsy:  opts.StringSlice("falsy"),
	}
	switch strings.ToLower(opts.String("on_error", "fail")) {
	case "fail":
	case "null":
		c.NullOnError = true
	default:
		return nil, fmt.Errorf("on_error must be fail or null, got %q", opts.String("on_error", ""))
	}
	if len(c.Types) == 0 {
		return nil, fmt.Errorf("types must name at least one column")
	}
	return c, nil
}

func (c *Coerce) Name() string { return "coerce" }

func (c *Coerce) Initialize(cols []schema.Column) ([]schema.Column, error) {
	c.plan = c.plan[:0]
	for name, typ := range c.Types {
		i := schema.Index(cols, name)
		if i < 0 {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		k, err := schema.ParseKind(typ)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		cols[i].Kind = k
		cols[i].NativeType = ""
		if c.NullOnError {
			cols[i].Nullable = true
		}
		c.plan = append(c.plan, coercion{idx: i, name: cols[i].Name, kind: k, conv: c.converter(k)})
	}
	return cols, nil
}

// converter wraps the shared converter with the configured layout and
// boolean vocabulary.
func (c *Coerce) converter(k schema.Kind) schema.Converter {
	base := schema.ConverterFor(k)
	switch {
	case k.Temporal() && c.Layout != "":
		return func(v any) (any, error) {
			if s, ok := v.(string); ok {
				if t, err := time.ParseInLocation(c.Layout, strings.TrimSpace(s), time.UTC); err == nil {
					return base(t)
				}
			}
			return base(v)
		}
	case k == schema.KindBoolean && (len(c.Truthy) > 0 || len(c.Falsy) > 0):
		return func(v any) (any, error) {
			if s, ok := v.(string); ok {
				s = strings.TrimSpace(s)
				for _, t := range c.Truthy {
					if strings.EqualFold(s, t) {
						return true, nil
					}
				}
				for _, f := range c.Falsy {
					if strings.EqualFold(s, f) {
						return false, nil
					}
				}
			}
			return base(v)
		}
	}
	return base
}

func (c *Coerce) Transform(row schema.Row) (schema.Row, error) {
	for _, p := range c.plan {
		if p.idx >= len(row) {
			continue
		}
		v := row[p.idx]
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" && p.kind != schema.KindString {
			row[p.idx] = nil
			continue
		}
		out, err := p.conv(v)
		if err != nil {
			if c.NullOnError {
				row[p.idx] = nil
				continue
			}
			return nil, fmt.Errorf("coerce column %q: %w", p.name, err)
		}
		row[p.idx] = out
	}
	return row, nil
}
