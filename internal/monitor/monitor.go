// Package monitor implements the poll loop that drives a monitored run.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/trafficmon/internal/emitter"
	"github.com/m-lab/trafficmon/internal/evaluator"
	"github.com/m-lab/trafficmon/internal/reset"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
)

// DefaultHistoryLimit is the default number of interval results kept in a
// RunResult's history.
const DefaultHistoryLimit = 1000

var (
	// ErrSnapshotUnavailable is returned when the source fails to provide a
	// snapshot. It is fatal to the run.
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")
	// ErrRecorder is returned when an interval cannot be recorded. It is
	// fatal to the run.
	ErrRecorder = errors.New("cannot record interval")
	// ErrAlreadyStarted is returned when Run is called more than once.
	ErrAlreadyStarted = errors.New("run already started")
)

// Source provides snapshots of the tracked endpoints' counters.
type Source interface {
	Snapshot(ctx context.Context, ids []string) (*model.Snapshot, error)
}

// Recorder persists interval results and the run summary.
type Recorder interface {
	Record(r *model.IntervalResult) error
	Flush() error
}

// Config is the configuration of a monitored run.
type Config struct {
	// ID identifies the run.
	ID string
	// Duration is the total length of the run.
	Duration time.Duration
	// PollInterval is the time between two snapshots.
	PollInterval time.Duration
	// Tick is the reset schedulers' tick period.
	Tick time.Duration
	// SnapshotTimeout bounds every snapshot fetch.
	SnapshotTimeout time.Duration
	// Direction is the evaluation's direction filter, if any.
	Direction spec.Direction
	// TestConfig identifies the test.
	TestConfig model.TestConfig
	// Endpoints are the tracked endpoints.
	Endpoints []model.Endpoint
	// HistoryLimit is the maximum number of interval results kept in memory.
	HistoryLimit int
}

// Monitor runs the poll loop: it ticks the reset schedulers, takes a
// snapshot at every poll interval boundary, evaluates it against the
// previous one and records the result.
type Monitor struct {
	cfg        Config
	ids        []string
	source     Source
	evaluator  *evaluator.Evaluator
	recorder   Recorder
	schedulers []*reset.Scheduler
	emitter    emitter.Emitter

	mu      sync.Mutex
	state   model.State
	started bool
}

// New returns a Monitor. Zero durations in cfg are replaced by their
// defaults. em may be nil.
func New(cfg Config, source Source, ev *evaluator.Evaluator, rec Recorder,
	schedulers []*reset.Scheduler, em emitter.Emitter) *Monitor {
	if cfg.Duration <= 0 {
		cfg.Duration = spec.DefaultDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = spec.DefaultPollInterval
	}
	if cfg.Tick <= 0 {
		cfg.Tick = spec.TickInterval
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = spec.DefaultSnapshotTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if em == nil {
		em = emitter.Multi{}
	}
	ids := make([]string, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		ids = append(ids, ep.ID)
	}
	return &Monitor{
		cfg:        cfg,
		ids:        ids,
		source:     source,
		evaluator:  ev,
		recorder:   rec,
		schedulers: schedulers,
		emitter:    em,
		state:      model.StateNotStarted,
	}
}

// State returns the current state of the run.
func (m *Monitor) State() model.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s model.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// snapshot fetches a snapshot within the configured timeout. Errors are
// wrapped in ErrSnapshotUnavailable unless ctx itself is done.
func (m *Monitor) snapshot(ctx context.Context) (*model.Snapshot, error) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SnapshotTimeout)
	defer cancel()
	snap, err := m.source.Snapshot(sctx, m.ids)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	return snap, nil
}

// Run executes the monitored run and returns its result. It blocks until
// the run's duration expires, ctx is canceled or a fatal error occurs.
//
// A canceled run ends in model.StateCompleted with Canceled set, and its
// summary is flushed. A fatal error ends the run in model.StateFailedFatal
// without flushing the summary and is returned along with the partial
// result.
func (m *Monitor) Run(ctx context.Context) (*model.RunResult, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	result := &model.RunResult{
		ID:        m.cfg.ID,
		Config:    m.cfg.TestConfig,
		Direction: m.cfg.Direction,
		StartTime: time.Now(),
	}

	prev, err := m.snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return m.complete(result, true)
		}
		return m.fail(result, err)
	}
	result.State = model.StateRunning
	m.setState(model.StateRunning)
	m.emitter.OnStart(result)
	log.Debug("initial snapshot", "run", result.ID, "endpoints", len(prev.Counters))

	start := time.Now()
	deadline := start.Add(m.cfg.Duration)
	nextPoll := start.Add(m.cfg.PollInterval)
	lastTick := start
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		var now time.Time
		select {
		case <-ctx.Done():
			return m.complete(result, true)
		case now = <-ticker.C:
		}

		// The ticker drops ticks while a snapshot is in flight, so the
		// schedulers advance by the number of ticks actually elapsed.
		ticks := int(now.Sub(lastTick) / m.cfg.Tick)
		lastTick = lastTick.Add(time.Duration(ticks) * m.cfg.Tick)
		m.tick(ctx, result, ticks)
		if now.Before(nextPoll) {
			continue
		}
		for !nextPoll.After(now) {
			nextPoll = nextPoll.Add(m.cfg.PollInterval)
		}

		next, err := m.snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return m.complete(result, true)
			}
			return m.fail(result, err)
		}
		if err := m.interval(result, prev, next); err != nil {
			return m.fail(result, err)
		}
		prev = next

		if !time.Now().Before(deadline) {
			return m.complete(result, false)
		}
	}
}

// tick advances every reset scheduler by n ticks.
func (m *Monitor) tick(ctx context.Context, result *model.RunResult, n int) {
	for i := 0; i < n; i++ {
		for _, s := range m.schedulers {
			if id, fired := s.Tick(ctx); fired {
				result.Resets++
				m.emitter.OnReset(result.ID, s.Group(), id)
			}
		}
	}
}

// interval evaluates and records one interval. Only recorder failures are
// returned.
func (m *Monitor) interval(result *model.RunResult, prev, next *model.Snapshot) error {
	result.Intervals++
	r, err := m.evaluator.Evaluate(prev, next, m.cfg.TestConfig)
	if err != nil {
		result.Mismatches++
		log.Warn("interval not comparable", "run", result.ID,
			"interval", result.Intervals, "error", err)
		m.emitter.OnMismatch(result.ID, err)
		return nil
	}
	r.Index = result.Intervals
	if err := m.recorder.Record(r); err != nil {
		return fmt.Errorf("%w: %v", ErrRecorder, err)
	}
	if r.Passed() {
		result.Passed++
	}
	if result.Best == nil || r.Aggregate > result.Best.Aggregate {
		result.Best = r
	}
	if len(result.History) >= m.cfg.HistoryLimit {
		copy(result.History, result.History[1:])
		result.History = result.History[:len(result.History)-1]
	}
	result.History = append(result.History, *r)
	m.emitter.OnInterval(result.ID, r)
	return nil
}

func (m *Monitor) complete(result *model.RunResult, canceled bool) (*model.RunResult, error) {
	result.EndTime = time.Now()
	result.State = model.StateCompleted
	result.Canceled = canceled
	m.setState(model.StateCompleted)
	if err := m.recorder.Flush(); err != nil {
		log.Error("cannot write summary", "run", result.ID, "error", err)
	}
	m.emitter.OnSummary(result)
	return result, nil
}

func (m *Monitor) fail(result *model.RunResult, err error) (*model.RunResult, error) {
	result.EndTime = time.Now()
	result.State = model.StateFailedFatal
	m.setState(model.StateFailedFatal)
	log.Error("run aborted", "run", result.ID, "error", err)
	m.emitter.OnError(result.ID, err)
	m.emitter.OnSummary(result)
	return result, err
}
