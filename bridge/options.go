package bridge

import (
	"time"

	"github.com/ledgerpro/mcp-bridge/config"
	"github.com/ledgerpro/mcp-bridge/mcp"
)

// Option adjusts fleet construction.
type Option func(*options)

type options struct {
	connOpts          []mcp.ConnOption
	readyPollInterval time.Duration
}

func defaultOptions() options {
	return options{readyPollInterval: DefaultReadyPollInterval}
}

// WithConfig applies the tunables from cfg to every connection. Zero-valued
// tunables keep their built-in defaults.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.connOpts = append(o.connOpts,
			mcp.WithHandshakeTimeout(cfg.HandshakeTimeout.Duration),
			mcp.WithCallTimeout(cfg.CallTimeout.Duration),
			mcp.WithProbe(cfg.ProbeAttempts, cfg.ProbeInterval.Duration),
			mcp.WithTerminationGrace(cfg.TerminationGrace.Duration),
		)
		if cfg.ReadyPollInterval.Duration > 0 {
			o.readyPollInterval = cfg.ReadyPollInterval.Duration
		}
	}
}

// WithLauncher replaces how helper processes are started across the fleet.
// Tests use it to substitute scripted fakes.
func WithLauncher(launch mcp.LaunchFunc) Option {
	return func(o *options) {
		o.connOpts = append(o.connOpts, mcp.WithLauncher(launch))
	}
}

// WithStateCallback registers fn for every connection state transition in
// the fleet.
func WithStateCallback(fn mcp.StateCallback) Option {
	return func(o *options) {
		o.connOpts = append(o.connOpts, mcp.WithStateCallback(fn))
	}
}

// WithReadyPollInterval sets how often WaitUntilReady re-checks a server.
func WithReadyPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readyPollInterval = d
		}
	}
}
