// Command rowpipe runs one job file: it reads a CSV file or SQL query,
// applies the configured transformers and writes the rows to a database
// table or CSV file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rowpipe/internal/config"
	"rowpipe/internal/metrics"
	"rowpipe/internal/metrics/datadog"
	"rowpipe/internal/metrics/prompush"
	"rowpipe/internal/pipeline"

	// register all dialects with the storage registry and the builtin
	// transformers with the transformer registry.
	_ "rowpipe/internal/storage/all"
	_ "rowpipe/internal/transformer/builtin"
)

type options struct {
	cfgPath        string
	metricsBackend string
	pushGatewayURL string
	statsdAddr     string
	progressEvery  time.Duration
	validate       bool
	verbose        bool
}

func main() {
	var o options
	flag.StringVar(&o.cfgPath, "config", "job.json", "job file path (.json, .yaml or .yml)")
	flag.StringVar(&o.metricsBackend, "metrics-backend", "", "metrics backend: pushgateway, datadog or none (overrides env METRICS_BACKEND)")
	flag.StringVar(&o.pushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flag.StringVar(&o.statsdAddr, "statsd-addr", "", "DogStatsD address (overrides env DD_DOGSTATSD_URL)")
	flag.DurationVar(&o.progressEvery, "progress-every", 5*time.Second, "minimum interval between progress log lines")
	flag.BoolVar(&o.validate, "validate", false, "validate the job file and exit")
	flag.BoolVar(&o.verbose, "v", false, "enable verbose logs")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, o, os.Stderr))
}

// run executes one job and returns the process exit code.
func run(ctx context.Context, o options, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	p, err := config.Load(o.cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	config.ApplyEnv(&p)

	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		logger.Printf("configuration is invalid: %s", o.cfgPath)
		return 1
	}
	if o.validate {
		logger.Printf("configuration is valid: %s", o.cfgPath)
		return 0
	}

	job := jobName(p)
	if flush := setupMetrics(o, job, logger); flush != nil {
		defer flush()
	}

	j, err := build(p, logger)
	if err != nil {
		logger.Printf("build job: %v", err)
		return 1
	}
	j.cfg.Progress = newProgressLog(job, logger, o.progressEvery)

	if o.verbose {
		logger.Printf("pipeline: job=%s source=%s transforms=%d storage=%s strategy=%s",
			job, p.Source.Kind, len(j.chain), p.Storage.Kind, p.Storage.Strategy)
	}

	res, err := pipeline.Run(ctx, j.source, j.chain, j.writer, j.cfg)
	if err != nil {
		logger.Printf("run failed: %v", err)
		return 1
	}
	logger.Printf("completed job=%s read=%d written=%d batches=%d in %s",
		job, res.RowsRead, res.RowsWritten, res.Batches, res.Elapsed.Truncate(time.Millisecond))
	return 0
}

// setupMetrics installs the selected backend and returns its flush func.
// Backend choice: flag, then env METRICS_BACKEND, then none.
func setupMetrics(o options, job string, logger *log.Logger) func() {
	name := o.metricsBackend
	if name == "" {
		name = os.Getenv("METRICS_BACKEND")
	}

	var (
		b   metrics.Backend
		err error
	)
	switch name {
	case "pushgateway":
		url := firstNonEmpty(o.pushGatewayURL, os.Getenv("PUSHGATEWAY_URL"), "http://localhost:9091")
		b, err = prompush.NewBackend(job, url)
		logger.Printf("metrics: backend=%s url=%s job=%s", name, url, job)
	case "datadog":
		addr := firstNonEmpty(o.statsdAddr, os.Getenv("DD_DOGSTATSD_URL"), "127.0.0.1:8125")
		b, err = datadog.NewBackend(datadog.Config{Addr: addr, GlobalTags: []string{"job:" + job}})
		logger.Printf("metrics: backend=%s addr=%s job=%s", name, addr, job)
	case "", "none":
		return nil
	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", name)
		return nil
	}
	if err != nil {
		logger.Printf("metrics: init %s backend: %v; using nop", name, err)
		return nil
	}
	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			logger.Printf("metrics: flush error: %v", err)
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
