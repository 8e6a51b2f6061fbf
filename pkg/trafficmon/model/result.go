package model

import (
	"strconv"
	"time"

	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
	"github.com/m-lab/trafficmon/pkg/version"
)

// State is the state of a monitored run.
type State string

const (
	StateNotStarted  = State("not_started")
	StateRunning     = State("running")
	StateCompleted   = State("completed")
	StateFailedFatal = State("failed_fatal")
)

// EndpointDelta is the counter increase of one endpoint over an interval.
type EndpointDelta struct {
	ID    string
	Delta int64
}

// IntervalResult is the outcome of comparing two consecutive snapshots. It is
// never modified after being recorded.
type IntervalResult struct {
	// Index is the progressive number of this interval within the run,
	// starting at 1.
	Index int
	// TestID is the identity string built from Config.
	TestID string
	// Config is the test configuration this interval belongs to.
	Config TestConfig

	// Start and End are the timestamps of the old and new snapshots.
	Start time.Time
	End   time.Time

	// Deltas contains the per-endpoint deltas, sorted by endpoint ID.
	Deltas []EndpointDelta
	// Aggregate is the sum of all deltas.
	Aggregate int64
	// Expected is the expected aggregate. When no expectation is configured
	// for this test it equals Aggregate.
	Expected int64
	// Average is the mean delta over endpoints whose counter is not zero.
	Average float64
	// MaxDropPercent is the highest drop percentage reported by the new
	// snapshot among the evaluated endpoints.
	MaxDropPercent float64

	// Increased is true iff every evaluated endpoint's counter increased.
	Increased bool
	// MeetsExpectation is true iff Aggregate reached Expected.
	MeetsExpectation bool
}

// Passed reports whether this interval passed.
func (r *IntervalResult) Passed() bool {
	return r.Increased && r.MeetsExpectation
}

// PassFail returns the pass/fail literal for this interval.
func (r *IntervalResult) PassFail() string {
	if r.Passed() {
		return spec.Pass
	}
	return spec.Fail
}

// Delta returns the delta of endpoint id, if it was evaluated.
func (r *IntervalResult) Delta(id string) (int64, bool) {
	for _, d := range r.Deltas {
		if d.ID == id {
			return d.Delta, true
		}
	}
	return 0, false
}

// SummaryRecord returns the CSV fields of this interval for the summary
// stream.
func (r *IntervalResult) SummaryRecord() []string {
	record := r.Config.Values()
	return append(record,
		strconv.FormatInt(r.Aggregate, 10),
		strconv.FormatInt(r.Expected, 10),
		r.TestID,
		r.PassFail(),
		strconv.FormatInt(r.End.Unix(), 10),
		r.End.Format(spec.TimeLayout),
	)
}

// DetailedRecord returns the CSV fields of this interval for the detailed
// stream. Deltas are emitted in the order given by columns; endpoints missing
// from this interval produce an empty field.
func (r *IntervalResult) DetailedRecord(columns []string) []string {
	record := append(r.SummaryRecord(), spec.DeltaMarker)
	for _, id := range columns {
		if d, ok := r.Delta(id); ok {
			record = append(record, strconv.FormatInt(d, 10))
			continue
		}
		record = append(record, "")
	}
	return record
}

// RunResult is the outcome of a whole monitored run, returned to the caller.
type RunResult struct {
	// ID uniquely identifies this run.
	ID string
	// Config is the test configuration of the run.
	Config TestConfig
	// Direction is the direction filter used by the run, if any.
	Direction spec.Direction

	StartTime time.Time
	EndTime   time.Time

	// State is the final state of the run.
	State State
	// Canceled is true if the run was stopped by its context.
	Canceled bool

	// Intervals is the number of evaluated intervals, including the ones
	// that could not be compared.
	Intervals int
	// Passed is the number of intervals that passed.
	Passed int
	// Mismatches is the number of intervals with mismatching endpoint sets.
	Mismatches int
	// Resets is the number of disrupt actions fired during the run.
	Resets int

	// Best is the interval with the highest aggregate, if any.
	Best *IntervalResult
	// History holds the most recent interval results, oldest first.
	History []IntervalResult
}

// Pass reports whether the run passed: it ran for its whole duration,
// evaluated at least one interval and every evaluated interval passed. A
// canceled run never passes.
func (r *RunResult) Pass() bool {
	return r.State == StateCompleted && !r.Canceled && r.Intervals > 0 &&
		r.Passed == r.Intervals
}

// BestAggregate returns the aggregate of the best interval, or zero.
func (r *RunResult) BestAggregate() int64 {
	if r.Best == nil {
		return 0
	}
	return r.Best.Aggregate
}

// Archive converts this RunResult to ArchivalData.
func (r *RunResult) Archive() *ArchivalData {
	a := &ArchivalData{
		GitShortCommit: prometheusx.GitShortCommit,
		Version:        version.Version,
		ID:             r.ID,
		TestID:         r.Config.ID(),
		Config:         r.Config,
		Direction:      string(r.Direction),
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		State:          string(r.State),
		Canceled:       r.Canceled,
		Pass:           r.Pass(),
		Intervals:      r.Intervals,
		Passed:         r.Passed,
		Mismatches:     r.Mismatches,
		Resets:         r.Resets,
		History:        append([]IntervalResult(nil), r.History...),
	}
	if r.Best != nil {
		a.Best = *r.Best
	}
	return a
}

// ArchivalData is the archival record of a monitored run. It only uses
// BigQuery-compatible types.
type ArchivalData struct {
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running code.
	Version string

	ID        string
	TestID    string
	Config    []NameValue
	Direction string

	StartTime time.Time
	EndTime   time.Time

	State    string
	Canceled bool
	Pass     bool

	Intervals  int
	Passed     int
	Mismatches int
	Resets     int

	// Best is the interval with the highest aggregate. It is the zero value
	// if no interval was recorded.
	Best    IntervalResult
	History []IntervalResult
}

// Status returns the current RunStatus of this run.
func (r *RunResult) Status() *RunStatus {
	s := &RunStatus{
		ID:         r.ID,
		TestID:     r.Config.ID(),
		State:      r.State,
		Canceled:   r.Canceled,
		StartTime:  r.StartTime,
		EndTime:    r.EndTime,
		Intervals:  r.Intervals,
		Passed:     r.Passed,
		Mismatches: r.Mismatches,
		Resets:     r.Resets,
		Pass:       r.Pass(),
		Best:       r.Best,
	}
	if n := len(r.History); n > 0 {
		s.Last = &r.History[n-1]
	}
	return s
}

// RunStatus is a summary of a run's progress, served to status clients.
type RunStatus struct {
	ID        string
	TestID    string
	State     State
	Canceled  bool
	StartTime time.Time
	EndTime   time.Time

	Intervals  int
	Passed     int
	Mismatches int
	Resets     int
	// Pass is only meaningful once State is StateCompleted.
	Pass bool

	Best *IntervalResult `json:",omitempty"`
	Last *IntervalResult `json:",omitempty"`
}
