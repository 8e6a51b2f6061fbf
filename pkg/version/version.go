// Package version holds the symbolic version of trafficmon binaries. It is
// set at build time via -ldflags.
package version

// Version is the symbolic version of the running code.
var Version = "v0.0.0-dev"
