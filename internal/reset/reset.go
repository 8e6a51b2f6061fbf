// Package reset implements randomized connectivity resets for groups of
// endpoints.
package reset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"
)

// ErrInvalidBounds is returned when the countdown bounds are not
// 0 <= min <= max.
var ErrInvalidBounds = errors.New("invalid reset bounds")

// State is the state of a Scheduler.
type State string

const (
	StateIdle  = State("idle")
	StateArmed = State("armed")
)

// Disrupter performs an out-of-band connectivity reset of one endpoint.
type Disrupter interface {
	Disrupt(ctx context.Context, endpointID string) error
}

// Scheduler counts down a random number of ticks and then disrupts one
// randomly selected member of its group. There is one Scheduler per group.
type Scheduler struct {
	group     string
	members   []string
	enabled   bool
	min, max  int
	rnd       *rand.Rand
	disrupter Disrupter

	state     State
	remaining int
}

// New returns a Scheduler for the given group. The countdown is drawn
// uniformly from [min, max] ticks. A disabled Scheduler never leaves
// StateIdle. If rnd is nil, a time-seeded source is used.
func New(group string, members []string, min, max int, enabled bool,
	rnd *rand.Rand, disrupter Disrupter) (*Scheduler, error) {
	if min < 0 || min > max {
		return nil, fmt.Errorf("%w: group %s: min %d, max %d", ErrInvalidBounds,
			group, min, max)
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{
		group:     group,
		members:   append([]string(nil), members...),
		enabled:   enabled,
		min:       min,
		max:       max,
		rnd:       rnd,
		disrupter: disrupter,
		state:     StateIdle,
	}, nil
}

// Group returns the name of the group this Scheduler resets.
func (s *Scheduler) Group() string {
	return s.group
}

// State returns the current state.
func (s *Scheduler) State() State {
	return s.state
}

// Remaining returns the number of ticks left before the next reset. It is
// only meaningful in StateArmed.
func (s *Scheduler) Remaining() int {
	return s.remaining
}

func (s *Scheduler) draw() int {
	return s.min + s.rnd.Intn(s.max-s.min+1)
}

// Tick advances the scheduler by one tick. It returns the ID of the endpoint
// that was disrupted and true if a reset fired during this tick.
//
// Disrupt errors are logged and otherwise ignored.
func (s *Scheduler) Tick(ctx context.Context) (string, bool) {
	if !s.enabled {
		return "", false
	}
	switch s.state {
	case StateIdle:
		s.remaining = s.draw()
		s.state = StateArmed
		log.Info("reset armed", "group", s.group, "ticks", s.remaining,
			"min", s.min, "max", s.max)
		return "", false
	case StateArmed:
		s.remaining--
		log.Debug("reset countdown", "group", s.group, "ticks", s.remaining)
		if s.remaining > 0 {
			return "", false
		}
		s.state = StateIdle
		if len(s.members) == 0 {
			log.Warn("reset skipped, group has no members", "group", s.group)
			return "", false
		}
		id := s.members[s.rnd.Intn(len(s.members))]
		log.Info("resetting endpoint", "group", s.group, "endpoint", id)
		if s.disrupter != nil {
			if err := s.disrupter.Disrupt(ctx, id); err != nil {
				log.Warn("reset failed", "group", s.group, "endpoint", id,
					"error", err)
			}
		}
		return id, true
	}
	return "", false
}
