// Package config defines the bridge configuration: the helper servers to
// launch and the runtime tunables governing handshakes, tool calls, and
// readiness probing. Configuration lives in bridge.yaml under the config
// directory; anything not set there falls back to the built-in defaults.
package config

import (
	"fmt"
	"time"
)

// Server describes one helper server the bridge launches and supervises.
// Name is the routing key: tool calls and status queries address servers
// by it, so it must be unique within the fleet.
type Server struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty"`
	Description string            `yaml:"description,omitempty"`
}

// Config is the top-level bridge configuration.
type Config struct {
	Servers []Server `yaml:"servers"`

	// HandshakeTimeout bounds the initialize round-trip per server.
	HandshakeTimeout Duration `yaml:"handshake_timeout,omitempty"`
	// CallTimeout bounds a single tool call round-trip.
	CallTimeout Duration `yaml:"call_timeout,omitempty"`
	// ProbeAttempts is how many times the readiness probe retries
	// tools/list before giving up on a server.
	ProbeAttempts int `yaml:"probe_attempts,omitempty"`
	// ProbeInterval is the delay between readiness probe attempts.
	ProbeInterval Duration `yaml:"probe_interval,omitempty"`
	// ReadyPollInterval is how often WaitUntilReady re-checks fleet status.
	ReadyPollInterval Duration `yaml:"ready_poll_interval,omitempty"`
	// TerminationGrace is how long a server gets to exit after SIGTERM
	// before it is killed.
	TerminationGrace Duration `yaml:"termination_grace,omitempty"`
}

// FindServer returns the server definition with the given name.
func (c *Config) FindServer(name string) (Server, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

// ServerNames returns the configured server names in declaration order.
func (c *Config) ServerNames() []string {
	names := make([]string, len(c.Servers))
	for i, s := range c.Servers {
		names[i] = s.Name
	}
	return names
}

// Duration is a wrapper around time.Duration that implements YAML
// unmarshaling from human-readable strings like "500ms", "10s", "2m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}
