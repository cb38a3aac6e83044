package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ledgerpro/mcp-bridge/paths"
)

// Load reads and parses the bridge config at path. If path is empty the
// default location under the config directory is used.
// Returns nil, nil if the file does not exist.
func Load(path string) (*Config, error) {
	if path == "" {
		fp, err := paths.ConfigFilePath()
		if err != nil {
			return nil, err
		}
		path = fp
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read bridge config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bridge config: %w", err)
	}

	return &cfg, nil
}

// LoadAndMerge loads the bridge config at path and merges it with defaults.
// If no config file exists, returns the default config. The merged result
// is validated before being returned.
func LoadAndMerge(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	if cfg == nil {
		return defaults, nil
	}

	merged := Merge(cfg, defaults)
	if errs := Validate(merged); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid bridge config: %s", strings.Join(msgs, "; "))
	}

	return merged, nil
}
