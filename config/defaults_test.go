package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Servers) != 3 {
		t.Fatalf("got %d servers, want 3", len(cfg.Servers))
	}

	want := []string{"pdf-processor", "financial-analyzer", "openai-service"}
	for i, name := range want {
		if cfg.Servers[i].Name != name {
			t.Errorf("servers[%d].Name = %q, want %q", i, cfg.Servers[i].Name, name)
		}
		if cfg.Servers[i].Command == "" {
			t.Errorf("servers[%d] has empty command", i)
		}
	}

	if cfg.HandshakeTimeout.Duration != 10*time.Second {
		t.Errorf("handshake_timeout: got %v, want 10s", cfg.HandshakeTimeout.Duration)
	}
	if cfg.CallTimeout.Duration != 60*time.Second {
		t.Errorf("call_timeout: got %v, want 60s", cfg.CallTimeout.Duration)
	}
	if cfg.ProbeAttempts != 3 {
		t.Errorf("probe_attempts: got %d, want 3", cfg.ProbeAttempts)
	}
	if cfg.ProbeInterval.Duration != 2*time.Second {
		t.Errorf("probe_interval: got %v, want 2s", cfg.ProbeInterval.Duration)
	}
	if cfg.ReadyPollInterval.Duration != 500*time.Millisecond {
		t.Errorf("ready_poll_interval: got %v, want 500ms", cfg.ReadyPollInterval.Duration)
	}
	if cfg.TerminationGrace.Duration != 2*time.Second {
		t.Errorf("termination_grace: got %v, want 2s", cfg.TerminationGrace.Duration)
	}

	// Defaults must validate cleanly
	if errs := Validate(cfg); len(errs) > 0 {
		t.Errorf("default config should validate, got: %v", errs)
	}
}

func TestMerge_EmptyPartialGetsDefaults(t *testing.T) {
	defaults := DefaultConfig()
	merged := Merge(&Config{}, defaults)

	if len(merged.Servers) != len(defaults.Servers) {
		t.Errorf("got %d servers, want %d", len(merged.Servers), len(defaults.Servers))
	}
	if merged.HandshakeTimeout != defaults.HandshakeTimeout {
		t.Errorf("handshake_timeout: got %v", merged.HandshakeTimeout.Duration)
	}
	if merged.ProbeAttempts != defaults.ProbeAttempts {
		t.Errorf("probe_attempts: got %d", merged.ProbeAttempts)
	}
}

func TestMerge_ServersReplaceDefaults(t *testing.T) {
	partial := &Config{
		Servers: []Server{
			{Name: "custom-server", Command: "node", Args: []string{"server.js"}},
		},
	}
	merged := Merge(partial, DefaultConfig())

	if len(merged.Servers) != 1 {
		t.Fatalf("got %d servers, want 1 (partial replaces defaults entirely)", len(merged.Servers))
	}
	if merged.Servers[0].Name != "custom-server" {
		t.Errorf("got %q, want custom-server", merged.Servers[0].Name)
	}
}

func TestMerge_ExplicitTunablesPreserved(t *testing.T) {
	partial := &Config{
		Servers:          []Server{{Name: "s", Command: "cmd"}},
		HandshakeTimeout: Duration{3 * time.Second},
		ProbeAttempts:    7,
	}
	merged := Merge(partial, DefaultConfig())

	if merged.HandshakeTimeout.Duration != 3*time.Second {
		t.Errorf("handshake_timeout: got %v, want 3s", merged.HandshakeTimeout.Duration)
	}
	if merged.ProbeAttempts != 7 {
		t.Errorf("probe_attempts: got %d, want 7", merged.ProbeAttempts)
	}

	// Unset tunables still fall back to defaults
	if merged.CallTimeout.Duration != 60*time.Second {
		t.Errorf("call_timeout: got %v, want default 60s", merged.CallTimeout.Duration)
	}
}

func TestMerge_DoesNotAliasDefaultServers(t *testing.T) {
	defaults := DefaultConfig()
	merged := Merge(&Config{}, defaults)

	merged.Servers[0].Name = "mutated"
	if defaults.Servers[0].Name == "mutated" {
		t.Error("Merge should copy the default server slice, not alias it")
	}
}
