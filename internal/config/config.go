// Package config loads the description of a monitored run.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidDuration is returned for malformed duration strings.
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrInvalidConfig is returned when a run configuration fails validation.
	ErrInvalidConfig = errors.New("invalid run configuration")
)

// applianceDuration matches durations such as "30s", "5m", "2h" or "1d".
var applianceDuration = regexp.MustCompile(`^(\d+)([dhms])$`)

var unitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 60 * 60,
	"d": 24 * 60 * 60,
}

// ParseDuration parses an integer followed by one of s, m, h or d. Any
// string accepted by time.ParseDuration is also accepted.
func ParseDuration(s string) (time.Duration, error) {
	if m := applianceDuration.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		return time.Duration(n*unitSeconds[m[2]]) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	return d, nil
}

// Duration is a time.Duration read from a YAML duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Reset configures the reset scheduler of a group.
type Reset struct {
	Enabled bool     `yaml:"enabled"`
	Min     Duration `yaml:"min"`
	Max     Duration `yaml:"max"`
}

// Group is a set of endpoints sharing a reset scheduler, e.g. the stations
// of one radio.
type Group struct {
	Name      string           `yaml:"name"`
	Reset     Reset            `yaml:"reset"`
	Endpoints []model.Endpoint `yaml:"endpoints"`
	// Ports are the identifiers passed to the disrupter. When empty, the
	// endpoint IDs are used.
	Ports []string `yaml:"ports"`
}

// Members returns the identifiers the group's reset scheduler picks from.
func (g *Group) Members() []string {
	if len(g.Ports) > 0 {
		return g.Ports
	}
	ids := make([]string, 0, len(g.Endpoints))
	for _, ep := range g.Endpoints {
		ids = append(ids, ep.ID)
	}
	return ids
}

// ResetTicks converts the group's reset bounds to a number of ticks.
func (g *Group) ResetTicks(tick time.Duration) (int, int) {
	return int(time.Duration(g.Reset.Min) / tick), int(time.Duration(g.Reset.Max) / tick)
}

// Run describes a monitored run.
type Run struct {
	Duration        Duration         `yaml:"duration"`
	PollInterval    Duration         `yaml:"poll_interval"`
	SnapshotTimeout Duration         `yaml:"snapshot_timeout"`
	Direction       spec.Direction   `yaml:"direction"`
	TestConfig      model.TestConfig `yaml:"test_config"`
	Groups          []Group          `yaml:"groups"`
	// Expectations maps test ids to their expected aggregate.
	Expectations map[string]int64 `yaml:"expectations"`
}

// Load reads and validates the run configuration at path.
func Load(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses and validates a YAML run configuration. Missing durations are
// set to their defaults.
func Parse(data []byte) (*Run, error) {
	r := &Run{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, err
	}
	if r.Duration == 0 {
		r.Duration = Duration(spec.DefaultDuration)
	}
	if r.PollInterval == 0 {
		r.PollInterval = Duration(spec.DefaultPollInterval)
	}
	if r.SnapshotTimeout == 0 {
		r.SnapshotTimeout = Duration(spec.DefaultSnapshotTimeout)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the configuration for consistency.
func (r *Run) Validate() error {
	if r.PollInterval <= 0 || r.PollInterval > r.Duration {
		return fmt.Errorf("%w: poll interval %v must be positive and not exceed duration %v",
			ErrInvalidConfig, time.Duration(r.PollInterval), time.Duration(r.Duration))
	}
	if r.SnapshotTimeout <= 0 {
		return fmt.Errorf("%w: snapshot timeout must be positive", ErrInvalidConfig)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidConfig, r.Direction)
	}
	seen := map[string]bool{}
	for _, g := range r.Groups {
		if g.Reset.Min < 0 || g.Reset.Min > g.Reset.Max {
			return fmt.Errorf("%w: group %s: reset bounds must satisfy 0 <= min <= max",
				ErrInvalidConfig, g.Name)
		}
		if g.Reset.Enabled && g.Reset.Max == 0 {
			return fmt.Errorf("%w: group %s: reset enabled without a max bound",
				ErrInvalidConfig, g.Name)
		}
		for _, ep := range g.Endpoints {
			if ep.ID == "" {
				return fmt.Errorf("%w: group %s: empty endpoint id", ErrInvalidConfig, g.Name)
			}
			if seen[ep.ID] {
				return fmt.Errorf("%w: duplicate endpoint %s", ErrInvalidConfig, ep.ID)
			}
			seen[ep.ID] = true
			if !ep.Direction.Valid() {
				return fmt.Errorf("%w: endpoint %s: unknown direction %q",
					ErrInvalidConfig, ep.ID, ep.Direction)
			}
		}
	}
	return nil
}

// Endpoints returns every tracked endpoint, tagged with its group.
func (r *Run) Endpoints() []model.Endpoint {
	endpoints := []model.Endpoint{}
	for _, g := range r.Groups {
		for _, ep := range g.Endpoints {
			ep.Group = g.Name
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

// LoadEnv loads environment variables from the given dotenv file, if it
// exists. Variables already set are not overridden.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}
