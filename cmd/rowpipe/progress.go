package main

import (
	"log"
	"time"

	"golang.org/x/time/rate"

	"rowpipe/internal/metrics"
	"rowpipe/internal/pipeline"
)

// progressLog logs throttled progress lines and forwards counter deltas to
// the metrics backend. It is called from the pipeline's consumer only.
type progressLog struct {
	job   string
	log   *log.Logger
	every rate.Sometimes
	start time.Time
	last  pipeline.Progress
}

func newProgressLog(job string, logger *log.Logger, interval time.Duration) *progressLog {
	return &progressLog{
		job:   job,
		log:   logger,
		every: rate.Sometimes{Interval: interval},
		start: time.Now(),
	}
}

func (p *progressLog) Report(cur pipeline.Progress) {
	metrics.RecordRow(p.job, metrics.RowsRead, cur.RowsRead-p.last.RowsRead)
	metrics.RecordRow(p.job, metrics.RowsSampledOut, cur.SampledOut-p.last.SampledOut)
	metrics.RecordRow(p.job, metrics.RowsTransformed, chainOutput(cur)-chainOutput(p.last))
	metrics.RecordRow(p.job, metrics.RowsWritten, cur.RowsWritten-p.last.RowsWritten)
	metrics.RecordBatches(p.job, cur.Batches-p.last.Batches)
	p.last = cur

	line := func() {
		elapsed := time.Since(p.start)
		rps := 0.0
		if s := elapsed.Seconds(); s > 0 {
			rps = float64(cur.RowsWritten) / s
		}
		p.log.Printf("progress: read=%d sampled_out=%d written=%d batches=%d rows_per_sec=%.0f",
			cur.RowsRead, cur.SampledOut, cur.RowsWritten, cur.Batches, rps)
	}
	if cur.Done {
		line()
		return
	}
	p.every.Do(line)
}

// chainOutput is the number of rows that left the transformer chain: the
// smallest per-transformer count, or 0 without transformers.
func chainOutput(p pipeline.Progress) int64 {
	var (
		out   int64
		first = true
	)
	for _, n := range p.Transformed {
		if first || n < out {
			out, first = n, false
		}
	}
	return out
}
