package config

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"rowpipe/internal/schema"
	"rowpipe/internal/storage"
)

// IssueSeverity is the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is reported but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue is a single validation finding. Path is a dotted path into the job
// file, e.g. "storage.db.table" or "transform[1].options.types".
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether issues contains an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// CSVKind is the storage kind of the CSV file target.
const CSVKind = "csv"

var knownTransforms = map[string]struct{}{
	"normalize": {},
	"coerce":    {},
	"rename":    {},
}

var knownStorage = map[string]struct{}{
	"postgres": {}, "postgresql": {}, "pg": {}, "pgx": {},
	"sqlserver": {}, "mssql": {},
	"mysql": {}, "mariadb": {},
	"sqlite": {}, "sqlite3": {},
	CSVKind: {},
}

// ValidatePipeline lints p without modifying it.
func ValidatePipeline(p Pipeline) []Issue {
	var v validator
	if strings.TrimSpace(p.Job) == "" {
		v.warn("job", "job is empty; logs and metrics use %q", "rowpipe")
	}
	v.source(p.Source)
	v.transforms(p.Transform)
	v.storage(p.Storage, p.Hooks)
	v.runtime(p.Runtime)
	return v.issues
}

type validator struct {
	issues []Issue
}

func (v *validator) err(path, format string, a ...any) {
	v.issues = append(v.issues, Issue{SeverityError, path, fmt.Sprintf(format, a...)})
}

func (v *validator) warn(path, format string, a ...any) {
	v.issues = append(v.issues, Issue{SeverityWarning, path, fmt.Sprintf(format, a...)})
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func (v *validator) source(s Source) {
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case "":
		v.err("source.kind", "source.kind must not be empty")
	case "file":
		if blank(s.File.Path) {
			v.err("source.file.path", "file source requires a non-empty path")
		}
		if s.File.NoHeader && len(s.File.Columns) == 0 {
			v.err("source.file.columns", "no_header requires columns to name the fields")
		}
		v.comma("source.file.comma", s.File.Comma)
		if s.File.HTTP.RetryCount < 0 {
			v.err("source.file.http.retry_count", "retry_count must not be negative")
		}
		if s.File.HTTP.InsecureSkipVerify {
			v.warn("source.file.http.insecure_skip_verify", "TLS certificate verification is disabled")
		}
	case "query":
		if blank(s.Query.Kind) {
			v.err("source.query.kind", "query source requires a storage kind")
		}
		if blank(s.Query.DSN) {
			v.err("source.query.dsn", "query source requires a dsn")
		}
		if blank(s.Query.SQL) {
			v.err("source.query.sql", "query source requires sql")
		}
	default:
		v.err("source.kind", "unknown source kind %q (want file or query)", s.Kind)
	}
}

func (v *validator) comma(path, c string) {
	if c != "" && utf8.RuneCountInString(c) != 1 {
		v.err(path, "comma must be a single character, got %q", c)
	}
}

func (v *validator) transforms(ts []Transform) {
	for i, t := range ts {
		path := fmt.Sprintf("transform[%d]", i)
		kind := strings.ToLower(strings.TrimSpace(t.Kind))
		if kind == "" {
			v.err(path+".kind", "transform kind must not be empty")
			continue
		}
		if _, ok := knownTransforms[kind]; !ok {
			v.warn(path+".kind", "unknown transform kind %q; ensure a matching implementation is registered", t.Kind)
		}
		switch kind {
		case "coerce":
			types := t.Options.StringMap("types")
			if len(types) == 0 {
				v.err(path+".options.types", "coerce requires a non-empty types map")
			}
			for col, typ := range types {
				if _, err := schema.ParseKind(typ); err != nil {
					v.err(path+".options.types."+col, "%v", err)
				}
			}
		case "rename":
			if len(t.Options.StringMap("columns")) == 0 {
				v.err(path+".options.columns", "rename requires a non-empty columns map")
			}
		}
	}
}

func (v *validator) storage(s Storage, h Hooks) {
	kind := strings.ToLower(strings.TrimSpace(s.Kind))
	if kind == "" {
		v.err("storage.kind", "storage.kind must not be empty")
		return
	}
	if _, ok := knownStorage[kind]; !ok {
		v.warn("storage.kind", "unknown storage kind %q; ensure a matching dialect is registered", s.Kind)
	}

	strategy, err := storage.ParseStrategy(s.Strategy)
	if err != nil {
		v.err("storage.strategy", "%v", err)
	}

	if kind == CSVKind {
		if blank(s.File.Path) {
			v.err("storage.file.path", "csv target requires a non-empty path")
		}
		v.comma("storage.file.comma", s.File.Comma)
		if err == nil && strategy != storage.Append && strategy != storage.Truncate && strategy != storage.Recreate {
			v.err("storage.strategy", "csv target supports append, truncate and recreate, not %s", strategy)
		}
		if h != (Hooks{}) {
			v.err("hooks", "hooks require a database target")
		}
		return
	}

	if blank(s.DB.DSN) {
		v.err("storage.db.dsn", "storage.db.dsn must not be empty")
	}
	if blank(s.DB.Table) {
		v.err("storage.db.table", "storage.db.table must not be empty")
	}
	if _, err := storage.ParseStagingScope(s.DB.StagingScope); err != nil {
		v.err("storage.db.staging_scope", "%v", err)
	}
	if err == nil && strategy.NeedsKeys() && len(s.DB.KeyColumns) == 0 {
		v.warn("storage.db.key_columns", "%s without key_columns relies on the target's primary key", strategy)
	}
}

func (v *validator) runtime(r RuntimeConfig) {
	if r.BatchSize < 0 {
		v.err("runtime.batch_size", "batch_size must not be negative")
	}
	if r.QueueSize < 0 {
		v.err("runtime.queue_size", "queue_size must not be negative")
	}
	if r.Limit < 0 {
		v.err("runtime.limit", "limit must not be negative")
	}
	if r.SampleRate != nil && (*r.SampleRate < 0 || *r.SampleRate > 1) {
		v.err("runtime.sample_rate", "sample_rate must be within [0, 1], got %v", *r.SampleRate)
	}
	if r.RetryCount < 0 {
		v.err("runtime.retry_count", "retry_count must not be negative")
	}
	if r.RetryBackoff < 0 || r.HookTimeout < 0 {
		v.err("runtime", "durations must not be negative")
	}
	if r.StrictSchema && !r.SchemaCheck && !r.AutoMigrate {
		v.warn("runtime.strict_schema", "strict_schema has no effect without schema_check")
	}
}
