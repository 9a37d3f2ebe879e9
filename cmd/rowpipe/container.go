package main

import (
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"rowpipe/internal/config"
	"rowpipe/internal/datasource"
	"rowpipe/internal/datasource/file"
	"rowpipe/internal/datasource/httpds"
	"rowpipe/internal/datasource/query"
	"rowpipe/internal/pipeline"
	"rowpipe/internal/storage"
	"rowpipe/internal/storage/csvfile"
	"rowpipe/internal/transformer"
)

// Function variables used as test seams. In production they point to the
// real constructors.
var (
	newSourceFn = newSource
	newWriterFn = newWriter
)

// job holds everything a run needs, built from one job file.
type job struct {
	source datasource.Reader
	chain  transformer.Chain
	writer pipeline.Writer
	cfg    pipeline.Config
}

// build turns a validated job file into a runnable job.
func build(p config.Pipeline, logger *log.Logger) (*job, error) {
	src, err := newSourceFn(p.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	chain, err := transformer.Build(p.Transform)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	w, err := newWriterFn(p.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &job{source: src, chain: chain, writer: w, cfg: runConfig(p, logger)}, nil
}

func newSource(s config.Source) (datasource.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case "file":
		f := s.File
		return file.NewCSV(file.Config{
			Path:        f.Path,
			Comma:       comma(f.Comma),
			NoHeader:    f.NoHeader,
			Columns:     f.Columns,
			EmptyAsNull: f.EmptyAsNull,
			HTTP: httpds.Config{
				Headers:            f.HTTP.Headers,
				MaxRetries:         f.HTTP.RetryCount,
				HeaderTimeout:      f.HTTP.HeaderTimeout.D(),
				InsecureSkipVerify: f.HTTP.InsecureSkipVerify,
			},
		}), nil
	case "query":
		r, err := query.New(query.Config{Kind: s.Query.Kind, DSN: s.Query.DSN, SQL: s.Query.SQL})
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unsupported source kind %q", s.Kind)
}

func newWriter(s config.Storage, logger *log.Logger) (pipeline.Writer, error) {
	strategy, err := storage.ParseStrategy(s.Strategy)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(s.Kind), config.CSVKind) {
		w, err := csvfile.New(csvfile.Config{
			Path:     s.File.Path,
			Comma:    comma(s.File.Comma),
			NoHeader: s.File.NoHeader,
			Strategy: strategy,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	scope, err := storage.ParseStagingScope(s.DB.StagingScope)
	if err != nil {
		return nil, err
	}
	w, err := storage.New(storage.Config{
		Kind:         s.Kind,
		DSN:          s.DB.DSN,
		Table:        s.DB.Table,
		Strategy:     strategy,
		KeyColumns:   s.DB.KeyColumns,
		StagingScope: scope,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// runConfig maps the runtime section onto pipeline.Config. ApplyEnv has
// already filled unset knobs.
func runConfig(p config.Pipeline, logger *log.Logger) pipeline.Config {
	r := p.Runtime
	c := pipeline.Config{
		Job:          jobName(p),
		BatchSize:    r.BatchSize,
		QueueSize:    r.QueueSize,
		Limit:        r.Limit,
		RetryCount:   r.RetryCount,
		RetryBackoff: r.RetryBackoff.D(),
		HookTimeout:  r.HookTimeout.D(),
		SchemaCheck:  r.SchemaCheck,
		AutoMigrate:  r.AutoMigrate,
		StrictSchema: r.StrictSchema,
		Hooks: pipeline.Hooks{
			Pre:     p.Hooks.Pre,
			Post:    p.Hooks.Post,
			OnError: p.Hooks.OnError,
			Finally: p.Hooks.Finally,
		},
		Logger: logger,
	}
	if r.SampleRate != nil {
		c.Sample = &pipeline.Sampler{Rate: *r.SampleRate, Seed: r.SampleSeed}
	}
	return c
}

func jobName(p config.Pipeline) string {
	if p.Job == "" {
		return "rowpipe_job"
	}
	return p.Job
}

// comma returns the first rune of s, or 0 for the reader's default.
func comma(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return 0
	}
	return r
}
