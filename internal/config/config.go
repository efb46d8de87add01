// Package config loads the marzipan run configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "marzipan.yaml"

// Config describes one emulation run. The CLI overrides Bundle (positional
// argument) and MaxInstructions (--num); Executable and Trace come from the
// file only.
type Config struct {
	// Bundle is the application package root directory.
	Bundle string `yaml:"bundle"`
	// Executable overrides the bundle's executable name.
	Executable string `yaml:"executable"`
	// Trace is parsed from the file but not consulted by the CLI; the
	// per-instruction trace is printed unless --quiet is given.
	Trace bool `yaml:"trace"`
	// MaxInstructions caps the number of trace lines printed.
	MaxInstructions int `yaml:"max-instructions"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bundle:          ".",
		MaxInstructions: 500,
	}
}

// Load reads the configuration file at path. A missing file at the default
// path is not an error; an explicitly named file must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Bundle == "" {
		cfg.Bundle = "."
	}
	if cfg.MaxInstructions == 0 {
		cfg.MaxInstructions = 500
	}
	return cfg, nil
}
