package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults for runtime knobs the job file and environment leave unset.
const (
	DefaultBatchSize = 10000
	DefaultQueueSize = 1024
)

// Load reads a job file. Files ending in .yaml or .yml are YAML, everything
// else JSON. Unknown fields are rejected.
func Load(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read job file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(b)
	}
	return DecodeJSON(b)
}

// DecodeJSON decodes a JSON job file.
func DecodeJSON(b []byte) (Pipeline, error) {
	var p Pipeline
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("decode json job: %w", err)
	}
	return p, nil
}

// DecodeYAML decodes a YAML job file.
func DecodeYAML(b []byte) (Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("decode yaml job: %w", err)
	}
	return p, nil
}

// ApplyEnv fills the runtime knobs the job file leaves unset from the
// environment (ROWPIPE_BATCH_SIZE, ROWPIPE_QUEUE_SIZE, ROWPIPE_RETRY_COUNT)
// and then from the built-in defaults.
func ApplyEnv(p *Pipeline) {
	r := &p.Runtime
	r.BatchSize = pickInt(r.BatchSize, getenvInt("ROWPIPE_BATCH_SIZE", DefaultBatchSize))
	r.QueueSize = pickInt(r.QueueSize, getenvInt("ROWPIPE_QUEUE_SIZE", DefaultQueueSize))
	r.RetryCount = pickInt(r.RetryCount, getenvInt("ROWPIPE_RETRY_COUNT", 0))
}

// getenvInt reads an int from the environment, returning def when unset or
// invalid.
func getenvInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// pickInt returns a when positive, otherwise b.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
