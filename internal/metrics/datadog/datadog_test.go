package datadog

import (
	"reflect"
	"testing"

	"rowpipe/internal/metrics"
)

type recordingClient struct {
	counts []string
	hists  []string
	tags   [][]string
	closed bool
}

func (r *recordingClient) Count(name string, v int64, tags []string, _ float64) error {
	r.counts = append(r.counts, name)
	r.tags = append(r.tags, tags)
	return nil
}

func (r *recordingClient) Histogram(name string, v float64, tags []string, _ float64) error {
	r.hists = append(r.hists, name)
	r.tags = append(r.tags, tags)
	return nil
}

func (r *recordingClient) Close() error { r.closed = true; return nil }

func TestNewBackend_RequiresAddr(t *testing.T) {
	t.Parallel()

	if _, err := NewBackend(Config{}); err == nil {
		t.Fatal("want error for empty Addr")
	}
	// UDP clients do not dial a server, so this works without an agent.
	b, err := NewBackend(Config{Addr: "127.0.0.1:8125", Namespace: "rowpipe.", GlobalTags: []string{"env:test"}})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	_ = b.Flush()
}

func TestBackend_ForwardsWithSortedTags(t *testing.T) {
	t.Parallel()

	rc := &recordingClient{}
	b := &Backend{client: rc}
	metrics.Backend(b).IncCounter(metrics.RowsTotal, 4, metrics.Labels{"kind": "written", "job": "j"})
	b.ObserveHistogram(metrics.StepDuration, 0.5, metrics.Labels{"step": "write_batch", "status": "success"})
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(rc.counts, []string{metrics.RowsTotal}) || !reflect.DeepEqual(rc.hists, []string{metrics.StepDuration}) {
		t.Fatalf("counts=%v hists=%v", rc.counts, rc.hists)
	}
	if want := []string{"job:j", "kind:written"}; !reflect.DeepEqual(rc.tags[0], want) {
		t.Fatalf("tags=%v, want %v", rc.tags[0], want)
	}
	if want := []string{"status:success", "step:write_batch"}; !reflect.DeepEqual(rc.tags[1], want) {
		t.Fatalf("tags=%v, want %v", rc.tags[1], want)
	}
	if !rc.closed {
		t.Fatal("Flush must close the client")
	}
	if labelsToTags(nil) != nil {
		t.Fatal("nil labels give nil tags")
	}
}
