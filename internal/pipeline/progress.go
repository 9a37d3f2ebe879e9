package pipeline

// Progress is a point-in-time view of a run. Transformed counts rows per
// transformer name.
type Progress struct {
	RowsRead    int64
	SampledOut  int64
	RowsWritten int64
	Batches     int64
	Transformed map[string]int64
	Done        bool
}

// ProgressSink receives Progress after every written batch and once when the
// stream ends. Report is called from the consumer goroutine only.
type ProgressSink interface {
	Report(p Progress)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(Progress)

func (f ProgressFunc) Report(p Progress) { f(p) }

type nopSink struct{}

func (nopSink) Report(Progress) {}
