// Package spec contains constants for the trafficmon monitor.
package spec

import "time"

const (
	// TickInterval is the granularity of the poll loop. Reset schedulers are
	// ticked once per TickInterval.
	TickInterval = 1 * time.Second

	// DefaultPollInterval is the default time between two snapshots.
	DefaultPollInterval = 30 * time.Second

	// DefaultDuration is the default length of a monitored run.
	DefaultDuration = 5 * time.Minute

	// DefaultSnapshotTimeout is how long a snapshot fetch may take before the
	// source is considered unavailable.
	DefaultSnapshotTimeout = 10 * time.Second

	// DefaultRunCacheTTL is how long a completed run is kept in the result
	// cache before being evicted.
	DefaultRunCacheTTL = 10 * time.Minute

	// MulticastTxTag marks transmit-only multicast endpoints. Endpoints whose
	// ID contains this tag never take part in a comparison.
	MulticastTxTag = "mtx"

	// DeltaMarker is the value of the monitor column in detailed rows.
	DeltaMarker = "rx_delta"

	// TimeLayout is the layout of the human readable time column.
	TimeLayout = "2006-01-02 15 04 05"

	// TestIDSeparator joins test configuration values into a test id.
	TestIDSeparator = "_"

	// ResultPath is the path serving cached run results.
	ResultPath = "/trafficmon/v1/result"

	// LivePath is the path serving the WebSocket interval stream.
	LivePath = "/trafficmon/v1/live"

	// SecWebSocketProtocol is the value of the Sec-WebSocket-Protocol header.
	SecWebSocketProtocol = "net.measurementlab.trafficmon.v1"

	// Datatype is the archival datatype name.
	Datatype = "trafficmon"
)

// Column names of the detailed and summary CSV streams. Test configuration
// keys come first, per-endpoint deltas last.
const (
	ColumnMaxThroughput = "max_tp_mbps"
	ColumnExpected      = "expected_tp"
	ColumnTestID        = "test_id"
	ColumnPassFail      = "pass_fail"
	ColumnEpoch         = "epoch_time"
	ColumnTime          = "time"
	ColumnMonitor       = "monitor"
)

// Pass/fail literals.
const (
	Pass = "pass"
	Fail = "fail"
)

// Direction is the traffic direction an endpoint carries.
type Direction string

const (
	// DirectionNone is an untagged endpoint or an unfiltered evaluation.
	DirectionNone = Direction("")

	// DirectionUpstream is upstream traffic.
	DirectionUpstream = Direction("upstream")

	// DirectionDownstream is downstream traffic.
	DirectionDownstream = Direction("downstream")
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionNone, DirectionUpstream, DirectionDownstream:
		return true
	}
	return false
}
