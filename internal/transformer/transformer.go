// Package transformer defines the row transformer contract and the registry
// that builds a chain from job-file entries.
//
// A transformer sees the column list once, before any row flows, and may
// add, remove, rename or retype columns. After that it maps rows one at a
// time; it never drops or reorders them.
package transformer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"rowpipe/internal/config"
	"rowpipe/internal/schema"
)

// Transformer maps rows of one column layout onto another.
type Transformer interface {
	// Name identifies the transformer in progress counters.
	Name() string
	// Initialize receives the input columns and returns the output columns.
	Initialize(cols []schema.Column) ([]schema.Column, error)
	// Transform maps one row. It may reuse row.
	Transform(row schema.Row) (schema.Row, error)
}

// Chain is an ordered list of transformers.
type Chain []Transformer

// Initialize threads cols through every transformer in order and returns the
// final column list.
func (c Chain) Initialize(cols []schema.Column) ([]schema.Column, error) {
	cur := schema.Clone(cols)
	for i, t := range c {
		next, err := t.Initialize(cur)
		if err != nil {
			return nil, fmt.Errorf("transformer[%d] %s: initialize: %w", i, t.Name(), err)
		}
		cur = next
	}
	return cur, nil
}

// Names returns the transformer names in chain order. Duplicate names get a
// #n suffix so per-transformer counters stay distinct.
func (c Chain) Names() []string {
	out := make([]string, len(c))
	seen := map[string]int{}
	for i, t := range c {
		n := t.Name()
		seen[n]++
		if seen[n] > 1 {
			n = fmt.Sprintf("%s#%d", n, seen[n])
		}
		out[i] = n
	}
	return out
}

// Factory builds a transformer from its job-file options.
type Factory func(opts config.Options) (Transformer, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a transformer kind available to Build. Builtins register
// from init.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[strings.ToLower(kind)] = f
}

// Kinds lists the registered transformer kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build instantiates the chain described by specs.
func Build(specs []config.Transform) (Chain, error) {
	chain := make(Chain, 0, len(specs))
	for i, s := range specs {
		mu.RLock()
		f, ok := factories[strings.ToLower(strings.TrimSpace(s.Kind))]
		mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("transform[%d]: unknown kind %q (known: %s)", i, s.Kind, strings.Join(Kinds(), ", "))
		}
		t, err := f(s.Options)
		if err != nil {
			return nil, fmt.Errorf("transform[%d] %s: %w", i, s.Kind, err)
		}
		chain = append(chain, t)
	}
	return chain, nil
}

// ResolveColumns resolves the names in want against cols, case-insensitively.
// An empty want selects every column accepted by keep.
func ResolveColumns(cols []schema.Column, want []string, keep func(schema.Column) bool) ([]int, error) {
	if len(want) == 0 {
		var idx []int
		for i, c := range cols {
			if keep == nil || keep(c) {
				idx = append(idx, i)
			}
		}
		return idx, nil
	}
	idx := make([]int, 0, len(want))
	for _, w := range want {
		i := schema.Index(cols, w)
		if i < 0 {
			return nil, fmt.Errorf("unknown column %q", w)
		}
		idx = append(idx, i)
	}
	return idx, nil
}
