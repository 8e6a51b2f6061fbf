package model

import (
	"sort"
	"time"
)

// Snapshot is a timestamped mapping from endpoint ID to cumulative counter.
// Snapshots are never modified once taken.
type Snapshot struct {
	// Time is when the snapshot was taken.
	Time time.Time
	// Counters maps endpoint IDs to cumulative counter values.
	Counters map[string]int64
	// DropPercent maps endpoint IDs to their drop percentage, when the source
	// reports one.
	DropPercent map[string]float64
}

// NewSnapshot returns an empty Snapshot taken at t.
func NewSnapshot(t time.Time) *Snapshot {
	return &Snapshot{
		Time:        t,
		Counters:    map[string]int64{},
		DropPercent: map[string]float64{},
	}
}

// IDs returns the sorted endpoint IDs covered by this snapshot.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Counters))
	for id := range s.Counters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Filter returns a new Snapshot containing only the endpoints for which keep
// returns true.
func (s *Snapshot) Filter(keep func(id string) bool) *Snapshot {
	out := NewSnapshot(s.Time)
	for id, v := range s.Counters {
		if !keep(id) {
			continue
		}
		out.Counters[id] = v
		if d, ok := s.DropPercent[id]; ok {
			out.DropPercent[id] = d
		}
	}
	return out
}
