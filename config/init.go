package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ledgerpro/mcp-bridge/paths"
)

// Template is the default bridge.yaml content with all settings documented.
const Template = `# LedgerPro MCP bridge configuration
#
# Each server entry describes one helper process the bridge launches and
# supervises over stdio. Names must be unique; they are the routing keys
# for tool calls.

servers:
  - name: pdf-processor
    command: python3
    args: [mcp-servers/pdf-processor/pdf_processor_server.py]
    description: Bank statement PDF extraction and table parsing
    # env:
    #   PYTHONUNBUFFERED: "1"
    # working_dir: /opt/ledgerpro

  - name: financial-analyzer
    command: python3
    args: [mcp-servers/financial-analyzer/analyzer_server.py]
    description: Spending analysis, anomaly detection, and reports

  - name: openai-service
    command: python3
    args: [mcp-servers/openai-service/openai_server.py]
    description: AI transaction categorization and enrichment
    # env:
    #   OPENAI_API_KEY: ""

# Timeouts and probe settings (defaults shown).
# handshake_timeout: 10s     # Bound on the initialize round-trip
# call_timeout: 60s          # Bound on a single tool call
# probe_attempts: 3          # tools/list retries before giving up
# probe_interval: 2s         # Delay between probe attempts
# ready_poll_interval: 500ms # WaitUntilReady re-check interval
# termination_grace: 2s      # SIGTERM-to-SIGKILL window on shutdown
`

// WriteTemplate writes the default bridge.yaml template to the config
// directory, or to path if non-empty. Returns an error if the file
// already exists.
func WriteTemplate(path string) (string, error) {
	if path == "" {
		fp, err := paths.ConfigFilePath()
		if err != nil {
			return "", err
		}
		path = fp
	}

	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("%s already exists", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return path, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(Template), 0o644); err != nil {
		return path, fmt.Errorf("failed to write %s: %w", path, err)
	}

	return path, nil
}
