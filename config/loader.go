package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/goccy/go-yaml"
)

// Loader reads YAML configuration with ${ENV} expansion.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults and
// validates the result.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} references with their environment values.
// Unset variables expand to the empty string.
func (l *Loader) expandEnvVars(s string) string {
	return l.envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := l.envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
