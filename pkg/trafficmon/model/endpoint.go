package model

import (
	"strings"

	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
)

// Endpoint is a tracked traffic entity whose cumulative counter is polled.
type Endpoint struct {
	// ID is the endpoint identifier used by the snapshot source.
	ID string `yaml:"id"`
	// Direction is the direction tag assigned when the endpoint is created.
	Direction spec.Direction `yaml:"direction"`
	// Group is the group (e.g. radio) owning this endpoint.
	Group string `yaml:"-"`
}

// TransmitOnly reports whether this is a transmit-only multicast endpoint.
// These are never compared, since their receive counter stays idle.
func (e Endpoint) TransmitOnly() bool {
	return strings.Contains(e.ID, spec.MulticastTxTag)
}
