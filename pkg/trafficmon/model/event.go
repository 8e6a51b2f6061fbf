package model

import "time"

// EventType identifies the kind of an Event.
type EventType string

const (
	EventStart    = EventType("start")
	EventInterval = EventType("interval")
	EventMismatch = EventType("mismatch")
	EventReset    = EventType("reset")
	EventError    = EventType("error")
	EventSummary  = EventType("summary")
)

// Event is the wire format of run events published on message buses and
// streamed to live clients. Only the fields relevant to Type are set.
type Event struct {
	Type  EventType
	RunID string
	Time  time.Time

	// TestID is set on every event of a run with a known configuration.
	TestID string `json:",omitempty"`
	// Interval is set on EventInterval.
	Interval *IntervalResult `json:",omitempty"`
	// Group and Endpoint are set on EventReset.
	Group    string `json:",omitempty"`
	Endpoint string `json:",omitempty"`
	// Error is set on EventMismatch and EventError.
	Error string `json:",omitempty"`
	// Run is set on EventStart and EventSummary.
	Run *ArchivalData `json:",omitempty"`
}
