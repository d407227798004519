// Package config handles loading and validating the flowmanager.yaml
// configuration. The service runs with zero config; the file overrides the
// planner whitelist and route prefix when deployments need it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultAllowedTypes is the processing-type whitelist handed to the planner
// when no config file overrides it.
var DefaultAllowedTypes = []string{
	"derived/report",
	"derived/csv",
	"derived/json",
	"derived/zip",
	"derived/preview",
	"source/tabular",
	"source/non-tabular",
	"original",
}

// Config represents the top-level flowmanager.yaml configuration.
type Config struct {
	// AllowedTypes is the planner's processing-type whitelist.
	AllowedTypes []string `yaml:"allowed_types"`

	// Prefix is the route prefix for the flow endpoints (default "/source").
	Prefix string `yaml:"prefix"`

	// Verbosity is forwarded to the pipeline runner (0-2).
	Verbosity int `yaml:"verbosity"`

	// EventsIndex is the Elasticsearch index for flow events (default "events").
	EventsIndex string `yaml:"events_index"`

	// DatasetsIndex is the Elasticsearch index for the dataset catalog
	// (default "datahub").
	DatasetsIndex string `yaml:"datasets_index"`
}

// DefaultConfig returns the zero-config defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedTypes: DefaultAllowedTypes,
	}
}

// Load parses a flowmanager.yaml file and validates it.
// If path is empty, returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = DefaultAllowedTypes
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolvePath finds the config file path.
// Priority: FLOWMANAGER_CONFIG env var > ./flowmanager.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("FLOWMANAGER_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("flowmanager.yaml"); err == nil {
		return "flowmanager.yaml"
	}
	return ""
}

// validate checks value ranges and rejects empty whitelist entries.
func (c *Config) validate() error {
	for i, t := range c.AllowedTypes {
		if t == "" {
			return fmt.Errorf("allowed_types[%d]: empty type", i)
		}
	}
	if c.Verbosity < 0 || c.Verbosity > 2 {
		return fmt.Errorf("verbosity %d: must be 0-2", c.Verbosity)
	}
	return nil
}
