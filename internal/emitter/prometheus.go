package emitter

import (
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	intervalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficmon_intervals_total",
			Help: "Number of evaluated intervals, by result.",
		},
		[]string{"test_id", "result"},
	)
	resetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficmon_resets_total",
			Help: "Number of endpoint resets fired, by group.",
		},
		[]string{"group"},
	)
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficmon_runs_total",
			Help: "Number of finished runs, by final state and outcome.",
		},
		[]string{"state", "result"},
	)
	aggregateBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafficmon_interval_aggregate_bytes",
			Help: "Aggregate counter delta of the last interval.",
		},
		[]string{"test_id"},
	)
	bestAggregateBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafficmon_best_aggregate_bytes",
			Help: "Highest interval aggregate of the last finished run.",
		},
		[]string{"test_id"},
	)
	dropPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trafficmon_interval_max_drop_percent",
			Help: "Highest endpoint drop percentage of the last interval.",
		},
		[]string{"test_id"},
	)
	publishDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trafficmon_publish_dropped_total",
			Help: "Number of events dropped because a publish queue was full.",
		},
		[]string{"emitter"},
	)
)

// Prometheus exports run events as Prometheus metrics.
type Prometheus struct{}

// OnStart does nothing.
func (Prometheus) OnStart(run *model.RunResult) {}

// OnInterval counts the interval and updates the per-test gauges.
func (Prometheus) OnInterval(runID string, r *model.IntervalResult) {
	intervalsTotal.WithLabelValues(r.TestID, r.PassFail()).Inc()
	aggregateBytes.WithLabelValues(r.TestID).Set(float64(r.Aggregate))
	dropPercent.WithLabelValues(r.TestID).Set(r.MaxDropPercent)
}

// OnMismatch counts the interval as a mismatch.
func (Prometheus) OnMismatch(runID string, err error) {
	intervalsTotal.WithLabelValues("", "mismatch").Inc()
}

// OnReset counts the reset.
func (Prometheus) OnReset(runID, group, endpoint string) {
	resetsTotal.WithLabelValues(group).Inc()
}

// OnError does nothing: the failure is counted by OnSummary.
func (Prometheus) OnError(runID string, err error) {}

// OnSummary counts the run and exports its best aggregate.
func (Prometheus) OnSummary(run *model.RunResult) {
	result := spec.Fail
	if run.Pass() {
		result = spec.Pass
	}
	runsTotal.WithLabelValues(string(run.State), result).Inc()
	bestAggregateBytes.WithLabelValues(run.Config.ID()).Set(float64(run.BestAggregate()))
}

var _ Emitter = Prometheus{}
