package source

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
)

// ErrSimulatedFailure is returned by a Simulated source once its failure
// budget is exhausted.
var ErrSimulatedFailure = errors.New("simulated source failure")

// Simulated is an in-process source whose counters grow by a fixed rate per
// fetch. A disrupted endpoint stops growing for a configurable number of
// fetches.
type Simulated struct {
	// FailAfter, if positive, makes every fetch after the first FailAfter
	// ones fail.
	FailAfter int

	mu       sync.Mutex
	rates    map[string]int64
	counters map[string]int64
	stalled  map[string]int
	stall    int
	rnd      *rand.Rand
	fetches  int
	resets   []string
}

// NewSimulated returns a Simulated source for the endpoints in rates. Each
// fetch adds the endpoint's rate to its counter, plus up to 10% jitter if rnd
// is not nil. A Disrupt stalls the endpoint for stall fetches.
func NewSimulated(rates map[string]int64, stall int, rnd *rand.Rand) *Simulated {
	s := &Simulated{
		rates:    map[string]int64{},
		counters: map[string]int64{},
		stalled:  map[string]int{},
		stall:    stall,
		rnd:      rnd,
	}
	for id, r := range rates {
		s.rates[id] = r
		s.counters[id] = 0
	}
	return s
}

// Remove stops reporting the given endpoint.
func (s *Simulated) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rates, id)
	delete(s.counters, id)
}

// Resets returns the endpoints disrupted so far, in order.
func (s *Simulated) Resets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.resets...)
}

// Snapshot advances every counter and returns the requested ones. Requested
// IDs that are not simulated are omitted from the snapshot.
func (s *Simulated) Snapshot(ctx context.Context, ids []string) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.FailAfter > 0 && s.fetches > s.FailAfter {
		return nil, fmt.Errorf("%w: fetch %d", ErrSimulatedFailure, s.fetches)
	}
	for id, rate := range s.rates {
		if s.stalled[id] > 0 {
			s.stalled[id]--
			continue
		}
		inc := rate
		if s.rnd != nil && rate >= 10 {
			inc += s.rnd.Int63n(rate / 10)
		}
		s.counters[id] += inc
	}
	snap := model.NewSnapshot(time.Now())
	for _, id := range ids {
		v, ok := s.counters[id]
		if !ok {
			continue
		}
		snap.Counters[id] = v
		snap.DropPercent[id] = 0
	}
	return snap, nil
}

// Disrupt stalls the endpoint for the configured number of fetches.
func (s *Simulated) Disrupt(ctx context.Context, endpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[endpointID]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingEndpoint, endpointID)
	}
	s.stalled[endpointID] = s.stall
	s.resets = append(s.resets, endpointID)
	log.Debug("simulated reset", "endpoint", endpointID, "stall", s.stall)
	return nil
}
