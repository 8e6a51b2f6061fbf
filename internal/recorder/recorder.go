// Package recorder writes interval results to a detailed and a summary CSV
// stream.
package recorder

import (
	"encoding/csv"
	"io"
	"os"
	"path"
	"sync"

	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
)

type syncer interface {
	Sync() error
}

// Recorder appends one detailed row per interval and keeps the best interval
// seen so far for the summary stream. Both streams are flushed after every
// write.
type Recorder struct {
	detailed   *csv.Writer
	summary    *csv.Writer
	detailedW  io.Writer
	summaryW   io.Writer
	closers    []io.Closer
	keys       []string
	columns    []string
	mu         sync.Mutex
	headerDone bool
	flushed    bool
	best       *model.IntervalResult
}

// New returns a Recorder writing to the given streams. keys are the test
// configuration keys and columns the declared endpoint set, in header order.
func New(detailed, summary io.Writer, keys, columns []string) *Recorder {
	return &Recorder{
		detailed:  csv.NewWriter(detailed),
		summary:   csv.NewWriter(summary),
		detailedW: detailed,
		summaryW:  summary,
		keys:      append([]string(nil), keys...),
		columns:   append([]string(nil), columns...),
	}
}

// Create opens "<name>.csv" and "<name>-summary.csv" in dir and returns a
// Recorder writing to them. Existing files are truncated.
func Create(dir, name string, keys, columns []string) (*Recorder, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	detailed, err := os.Create(path.Join(dir, name+".csv"))
	if err != nil {
		return nil, err
	}
	summary, err := os.Create(path.Join(dir, name+"-summary.csv"))
	if err != nil {
		detailed.Close()
		return nil, err
	}
	r := New(detailed, summary, keys, columns)
	r.closers = []io.Closer{detailed, summary}
	return r, nil
}

// SummaryHeader returns the header of the summary stream.
func SummaryHeader(keys []string) []string {
	header := append([]string(nil), keys...)
	return append(header,
		spec.ColumnMaxThroughput,
		spec.ColumnExpected,
		spec.ColumnTestID,
		spec.ColumnPassFail,
		spec.ColumnEpoch,
		spec.ColumnTime,
	)
}

// DetailedHeader returns the header of the detailed stream.
func DetailedHeader(keys, columns []string) []string {
	header := append(SummaryHeader(keys), spec.ColumnMonitor)
	return append(header, columns...)
}

func flush(w *csv.Writer, dst io.Writer) error {
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if s, ok := dst.(syncer); ok {
		return s.Sync()
	}
	return nil
}

// Record appends result to the detailed stream, writing the header first if
// needed, and updates the best interval.
func (r *Recorder) Record(result *model.IntervalResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.headerDone {
		if err := r.detailed.Write(DetailedHeader(r.keys, r.columns)); err != nil {
			return err
		}
		r.headerDone = true
	}
	if err := r.detailed.Write(result.DetailedRecord(r.columns)); err != nil {
		return err
	}
	if r.best == nil || result.Aggregate > r.best.Aggregate {
		r.best = result
	}
	return flush(r.detailed, r.detailedW)
}

// Best returns the interval with the highest aggregate recorded so far, or
// nil.
func (r *Recorder) Best() *model.IntervalResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.best
}

// Flush writes the summary header and the best interval, if any, to the
// summary stream. Only the first call writes anything.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flushed {
		return nil
	}
	r.flushed = true
	if err := r.summary.Write(SummaryHeader(r.keys)); err != nil {
		return err
	}
	if r.best != nil {
		if err := r.summary.Write(r.best.SummaryRecord()); err != nil {
			return err
		}
	}
	return flush(r.summary, r.summaryW)
}

// Close closes the underlying files, if the Recorder opened them. It does not
// write the summary.
func (r *Recorder) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
