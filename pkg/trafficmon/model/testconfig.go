package model

import (
	"strings"

	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
)

// NameValue is a BigQuery-compatible type for name/value pairs.
type NameValue struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// TestConfig is the ordered list of configuration dimensions (AP, band,
// channel width, encryption, ...) identifying a test.
type TestConfig []NameValue

// Keys returns the dimension names in order.
func (c TestConfig) Keys() []string {
	keys := make([]string, len(c))
	for i, nv := range c {
		keys[i] = nv.Name
	}
	return keys
}

// Values returns the dimension values in order.
func (c TestConfig) Values() []string {
	values := make([]string, len(c))
	for i, nv := range c {
		values[i] = nv.Value
	}
	return values
}

// Get returns the value of the named dimension, if present.
func (c TestConfig) Get(name string) (string, bool) {
	for _, nv := range c {
		if nv.Name == name {
			return nv.Value, true
		}
	}
	return "", false
}

// ID returns the test id: the dimension values joined by an underscore.
func (c TestConfig) ID() string {
	return strings.Join(c.Values(), spec.TestIDSeparator)
}
