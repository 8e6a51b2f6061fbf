// Package emitter reports the progress of monitored runs.
package emitter

import (
	"github.com/charmbracelet/log"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
)

// Emitter is an interface for emitting run events.
type Emitter interface {
	// OnStart is called once the initial snapshot has been taken.
	OnStart(run *model.RunResult)
	// OnInterval is called after each recorded interval.
	OnInterval(runID string, r *model.IntervalResult)
	// OnMismatch is called when two snapshots could not be compared.
	OnMismatch(runID string, err error)
	// OnReset is called when a reset scheduler fires.
	OnReset(runID, group, endpoint string)
	// OnError is called on fatal errors.
	OnError(runID string, err error)
	// OnSummary is called when the run is over, whatever its final state.
	OnSummary(run *model.RunResult)
}

// HumanReadable logs run events.
type HumanReadable struct{}

// OnStart logs the run's test configuration.
func (HumanReadable) OnStart(run *model.RunResult) {
	log.Info("run started", "run", run.ID, "test", run.Config.ID(),
		"direction", run.Direction)
}

// OnInterval logs the interval's aggregate and outcome.
func (HumanReadable) OnInterval(runID string, r *model.IntervalResult) {
	log.Info("interval", "run", runID, "n", r.Index, "aggregate", r.Aggregate,
		"expected", r.Expected, "avg", r.Average, "drop", r.MaxDropPercent,
		"result", r.PassFail())
}

// OnMismatch is called when two snapshots could not be compared.
func (HumanReadable) OnMismatch(runID string, err error) {
	// NOTHING - the monitor already logs mismatches.
}

// OnReset logs a fired reset.
func (HumanReadable) OnReset(runID, group, endpoint string) {
	log.Info("endpoint reset", "run", runID, "group", group, "endpoint", endpoint)
}

// OnError is called on fatal errors.
func (HumanReadable) OnError(runID string, err error) {
	// NOTHING - the monitor already logs fatal errors.
}

// OnSummary logs the run's outcome.
func (HumanReadable) OnSummary(run *model.RunResult) {
	log.Info("run complete", "run", run.ID, "state", run.State,
		"canceled", run.Canceled, "pass", run.Pass(), "passed", run.Passed,
		"intervals", run.Intervals, "mismatches", run.Mismatches,
		"resets", run.Resets, "best", run.BestAggregate())
}

// Multi forwards every event to all of its Emitters, in order.
type Multi []Emitter

// OnStart forwards the event.
func (m Multi) OnStart(run *model.RunResult) {
	for _, e := range m {
		e.OnStart(run)
	}
}

// OnInterval forwards the event.
func (m Multi) OnInterval(runID string, r *model.IntervalResult) {
	for _, e := range m {
		e.OnInterval(runID, r)
	}
}

// OnMismatch forwards the event.
func (m Multi) OnMismatch(runID string, err error) {
	for _, e := range m {
		e.OnMismatch(runID, err)
	}
}

// OnReset forwards the event.
func (m Multi) OnReset(runID, group, endpoint string) {
	for _, e := range m {
		e.OnReset(runID, group, endpoint)
	}
}

// OnError forwards the event.
func (m Multi) OnError(runID string, err error) {
	for _, e := range m {
		e.OnError(runID, err)
	}
}

// OnSummary forwards the event.
func (m Multi) OnSummary(run *model.RunResult) {
	for _, e := range m {
		e.OnSummary(run)
	}
}

// Checks that HumanReadable and Multi implement Emitter.
var (
	_ Emitter = &HumanReadable{}
	_ Emitter = Multi{}
)
