// Package evaluator compares consecutive snapshots and decides whether every
// evaluated endpoint made progress.
package evaluator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
)

// ErrStructuralMismatch is returned when two snapshots do not cover the same
// set of evaluated endpoints.
var ErrStructuralMismatch = errors.New("snapshots cover different endpoint sets")

// Expectation provides the expected aggregate for a test id.
type Expectation interface {
	Expected(testID string) (int64, bool)
}

// Thresholds is an Expectation backed by a map from test id to expected
// aggregate.
type Thresholds map[string]int64

// Expected returns the threshold configured for testID, if any.
func (t Thresholds) Expected(testID string) (int64, bool) {
	v, ok := t[testID]
	return v, ok
}

// Evaluator computes per-interval deltas for a fixed set of tracked
// endpoints.
type Evaluator struct {
	endpoints   map[string]model.Endpoint
	direction   spec.Direction
	expectation Expectation
}

// New returns an Evaluator for the given tracked endpoints. If direction is
// not spec.DirectionNone, only endpoints tagged with that direction are
// evaluated. expectation may be nil, in which case every interval meets its
// expectation.
func New(endpoints []model.Endpoint, direction spec.Direction,
	expectation Expectation) *Evaluator {
	m := make(map[string]model.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		m[ep.ID] = ep
	}
	return &Evaluator{
		endpoints:   m,
		direction:   direction,
		expectation: expectation,
	}
}

// evaluated reports whether the endpoint with the given id takes part in the
// comparison. Endpoints unknown to the evaluator are treated as untagged.
func (e *Evaluator) evaluated(id string) bool {
	ep, ok := e.endpoints[id]
	if !ok {
		ep = model.Endpoint{ID: id}
	}
	if ep.TransmitOnly() {
		return false
	}
	if e.direction == spec.DirectionNone {
		return true
	}
	return ep.Direction == e.direction
}

// Columns returns the sorted IDs of the tracked endpoints that are evaluated.
// This is the declared endpoint set used for per-endpoint CSV columns.
func (e *Evaluator) Columns() []string {
	cols := []string{}
	for id := range e.endpoints {
		if e.evaluated(id) {
			cols = append(cols, id)
		}
	}
	sort.Strings(cols)
	return cols
}

// Evaluate compares prev and next and returns the resulting IntervalResult.
// It returns ErrStructuralMismatch if the evaluated endpoint sets differ; the
// caller must treat this as a single failed interval.
func (e *Evaluator) Evaluate(prev, next *model.Snapshot,
	cfg model.TestConfig) (*model.IntervalResult, error) {
	o := prev.Filter(e.evaluated)
	n := next.Filter(e.evaluated)

	if len(o.Counters) != len(n.Counters) {
		return nil, fmt.Errorf("%w: old has %d endpoints, new has %d",
			ErrStructuralMismatch, len(o.Counters), len(n.Counters))
	}
	for id := range o.Counters {
		if _, ok := n.Counters[id]; !ok {
			return nil, fmt.Errorf("%w: %q missing from new snapshot",
				ErrStructuralMismatch, id)
		}
	}

	result := &model.IntervalResult{
		TestID:    cfg.ID(),
		Config:    cfg,
		Start:     prev.Time,
		End:       next.Time,
		Deltas:    make([]model.EndpointDelta, 0, len(o.Counters)),
		Increased: true,
	}
	active := 0
	for _, id := range o.IDs() {
		delta := n.Counters[id] - o.Counters[id]
		result.Deltas = append(result.Deltas, model.EndpointDelta{ID: id, Delta: delta})
		result.Aggregate += delta
		if n.Counters[id] != 0 {
			active++
		}
		if delta <= 0 {
			result.Increased = false
			log.Debug("counter did not increase", "endpoint", id,
				"old", o.Counters[id], "new", n.Counters[id])
		}
		if drop := n.DropPercent[id]; drop > result.MaxDropPercent {
			result.MaxDropPercent = drop
		}
	}
	// The average skips endpoints whose counter is still zero.
	if active > 0 {
		result.Average = float64(result.Aggregate) / float64(active)
	}

	result.Expected = result.Aggregate
	result.MeetsExpectation = true
	if e.expectation != nil {
		if want, ok := e.expectation.Expected(result.TestID); ok {
			result.Expected = want
			result.MeetsExpectation = result.Aggregate >= want
		}
	}
	return result, nil
}
