// Package storage contains the storage-agnostic target writer: a single
// lifecycle/state machine implementing the write strategies, live schema
// introspection with caching, the staging+merge pattern and the batch
// failure analyzer. Database specifics come from Dialect records registered
// by the backend packages (postgres, mssql, sqlite, mysql); importing
// rowpipe/internal/storage/all enables all of them.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownKind is returned by Lookup and New for unregistered kinds.
var ErrUnknownKind = errors.New("storage: unsupported kind")

var (
	mu       sync.RWMutex
	dialects = map[string]*Dialect{}
)

// Register adds (or replaces) a dialect under its Name and Aliases. It is
// typically called from backend packages' init functions and panics on an
// incomplete capability record.
func Register(d *Dialect) {
	if err := d.validate(); err != nil {
		panic(err)
	}
	mu.Lock()
	defer mu.Unlock()
	dialects[strings.ToLower(d.Name)] = d
	for _, a := range d.Aliases {
		dialects[strings.ToLower(a)] = d
	}
}

// Lookup returns the dialect registered for kind.
func Lookup(kind string) (*Dialect, error) {
	mu.RLock()
	d, ok := dialects[strings.ToLower(strings.TrimSpace(kind))]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return d, nil
}

// ListKinds returns the registered kinds (names and aliases), sorted.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(dialects))
	for k := range dialects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
