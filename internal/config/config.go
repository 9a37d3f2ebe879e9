// Package config defines the job-file model for rowpipe. Job files are JSON
// or YAML and decode into the same structs.
//
// Example (trimmed):
//
//	{
//	  "job": "vehicles",
//	  "source":    { "kind": "file", "file": { "path": "in.csv", "empty_as_null": true } },
//	  "transform": [ { "kind": "coerce", "options": { "types": { "id": "bigint" } } } ],
//	  "storage":   { "kind": "postgres", "strategy": "upsert",
//	                 "db": { "dsn": "postgres://...", "table": "public.vehicles", "key_columns": ["id"] } },
//	  "runtime":   { "batch_size": 5000, "retry_count": 3, "retry_backoff": "500ms" },
//	  "hooks":     { "post": "ANALYZE public.vehicles" }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline is the top-level job file object.
type Pipeline struct {
	// Job names the run in logs and metrics.
	Job string `json:"job" yaml:"job"`

	Source    Source        `json:"source" yaml:"source"`
	Transform []Transform   `json:"transform" yaml:"transform"`
	Storage   Storage       `json:"storage" yaml:"storage"`
	Runtime   RuntimeConfig `json:"runtime" yaml:"runtime"`
	Hooks     Hooks         `json:"hooks" yaml:"hooks"`
}

// Source selects where rows come from: "file" (CSV) or "query".
type Source struct {
	Kind  string      `json:"kind" yaml:"kind"`
	File  SourceFile  `json:"file" yaml:"file"`
	Query SourceQuery `json:"query" yaml:"query"`
}

// SourceFile configures the CSV file source.
type SourceFile struct {
	Path string `json:"path" yaml:"path"`
	// Comma is the field delimiter; default ",".
	Comma string `json:"comma" yaml:"comma"`
	// NoHeader means the first record is data; Columns then names the fields.
	NoHeader bool     `json:"no_header" yaml:"no_header"`
	Columns  []string `json:"columns" yaml:"columns"`
	// EmptyAsNull turns empty cells into null.
	EmptyAsNull bool `json:"empty_as_null" yaml:"empty_as_null"`
	// HTTP applies when Path is an http(s) URL.
	HTTP SourceHTTP `json:"http" yaml:"http"`
}

// SourceHTTP configures downloads of remote source files.
type SourceHTTP struct {
	Headers            map[string]string `json:"headers" yaml:"headers"`
	RetryCount         int               `json:"retry_count" yaml:"retry_count"`
	HeaderTimeout      Duration          `json:"header_timeout" yaml:"header_timeout"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// SourceQuery configures the SQL query source. Kind is any registered
// storage kind.
type SourceQuery struct {
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
	SQL  string `json:"sql" yaml:"sql"`
}

// Transform is one element of the transformer chain. Options are interpreted
// by the transformer kind.
type Transform struct {
	Kind    string  `json:"kind" yaml:"kind"`
	Options Options `json:"options" yaml:"options"`
}

// Storage selects the target: a registered database kind or "csv".
type Storage struct {
	Kind string `json:"kind" yaml:"kind"`
	// Strategy is append, truncate, delete_then_insert, recreate, upsert or
	// ignore. Empty means append.
	Strategy string      `json:"strategy" yaml:"strategy"`
	DB       DBConfig    `json:"db" yaml:"db"`
	File     StorageFile `json:"file" yaml:"file"`
}

// DBConfig configures a database target.
type DBConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
	// Table may be qualified ("sales.orders") and quoted.
	Table string `json:"table" yaml:"table"`
	// KeyColumns are used by upsert/ignore when the target has no primary key.
	KeyColumns []string `json:"key_columns" yaml:"key_columns"`
	// StagingScope is "batch" (default) or "run".
	StagingScope string `json:"staging_scope" yaml:"staging_scope"`
}

// StorageFile configures the CSV file target.
type StorageFile struct {
	Path     string `json:"path" yaml:"path"`
	Comma    string `json:"comma" yaml:"comma"`
	NoHeader bool   `json:"no_header" yaml:"no_header"`
}

// RuntimeConfig controls batching, queues, sampling, retries and schema
// checks. Zero values mean "use the default"; a nil SampleRate disables
// sampling.
type RuntimeConfig struct {
	BatchSize    int      `json:"batch_size" yaml:"batch_size"`
	QueueSize    int      `json:"queue_size" yaml:"queue_size"`
	Limit        int64    `json:"limit" yaml:"limit"`
	SampleRate   *float64 `json:"sample_rate" yaml:"sample_rate"`
	SampleSeed   uint64   `json:"sample_seed" yaml:"sample_seed"`
	RetryCount   int      `json:"retry_count" yaml:"retry_count"`
	RetryBackoff Duration `json:"retry_backoff" yaml:"retry_backoff"`
	HookTimeout  Duration `json:"hook_timeout" yaml:"hook_timeout"`
	SchemaCheck  bool     `json:"schema_check" yaml:"schema_check"`
	AutoMigrate  bool     `json:"auto_migrate" yaml:"auto_migrate"`
	StrictSchema bool     `json:"strict_schema" yaml:"strict_schema"`
}

// Hooks are SQL commands run through the writer at fixed points of a run.
type Hooks struct {
	Pre     string `json:"pre" yaml:"pre"`
	Post    string `json:"post" yaml:"post"`
	OnError string `json:"on_error" yaml:"on_error"`
	Finally string `json:"finally" yaml:"finally"`
}

// Duration is a time.Duration written as "500ms", "2s" or a number of
// seconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(time.Duration(d).String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case nil:
		*d = 0
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(p)
	case float64:
		*d = Duration(x * float64(time.Second))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
