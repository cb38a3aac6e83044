package config

import "time"

// DefaultConfig returns the stock LedgerPro fleet: the PDF processor,
// the financial analyzer, and the OpenAI enrichment service, with the
// standard timeout and probe settings.
func DefaultConfig() *Config {
	return &Config{
		Servers: []Server{
			{
				Name:        "pdf-processor",
				Command:     "python3",
				Args:        []string{"mcp-servers/pdf-processor/pdf_processor_server.py"},
				Description: "Bank statement PDF extraction and table parsing",
			},
			{
				Name:        "financial-analyzer",
				Command:     "python3",
				Args:        []string{"mcp-servers/financial-analyzer/analyzer_server.py"},
				Description: "Spending analysis, anomaly detection, and reports",
			},
			{
				Name:        "openai-service",
				Command:     "python3",
				Args:        []string{"mcp-servers/openai-service/openai_server.py"},
				Description: "AI transaction categorization and enrichment",
			},
		},
		HandshakeTimeout:  Duration{10 * time.Second},
		CallTimeout:       Duration{60 * time.Second},
		ProbeAttempts:     3,
		ProbeInterval:     Duration{2 * time.Second},
		ReadyPollInterval: Duration{500 * time.Millisecond},
		TerminationGrace:  Duration{2 * time.Second},
	}
}

// Merge overlays partial onto defaults. A non-empty server list in partial
// replaces the default fleet entirely; tunables left at their zero value
// are filled from defaults.
func Merge(partial, defaults *Config) *Config {
	result := &Config{
		Servers:           partial.Servers,
		HandshakeTimeout:  partial.HandshakeTimeout,
		CallTimeout:       partial.CallTimeout,
		ProbeAttempts:     partial.ProbeAttempts,
		ProbeInterval:     partial.ProbeInterval,
		ReadyPollInterval: partial.ReadyPollInterval,
		TerminationGrace:  partial.TerminationGrace,
	}

	if len(result.Servers) == 0 {
		result.Servers = make([]Server, len(defaults.Servers))
		copy(result.Servers, defaults.Servers)
	}

	if result.HandshakeTimeout.Duration == 0 {
		result.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if result.CallTimeout.Duration == 0 {
		result.CallTimeout = defaults.CallTimeout
	}
	if result.ProbeAttempts == 0 {
		result.ProbeAttempts = defaults.ProbeAttempts
	}
	if result.ProbeInterval.Duration == 0 {
		result.ProbeInterval = defaults.ProbeInterval
	}
	if result.ReadyPollInterval.Duration == 0 {
		result.ReadyPollInterval = defaults.ReadyPollInterval
	}
	if result.TerminationGrace.Duration == 0 {
		result.TerminationGrace = defaults.TerminationGrace
	}

	return result
}
