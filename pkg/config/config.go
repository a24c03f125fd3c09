// Package config holds the engine configuration: YAML-file load/save,
// command-line merge, per-module mount-mode overrides, and the shared path
// constants.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the merged runtime configuration for one engine run.
type Config struct {
	// ModuleDir is the source directory modules are synced from.
	ModuleDir string `yaml:"moduledir"`
	// TempDir overrides the scratch directory used by the magic mount
	// engine. Empty selects a random /mnt directory per run.
	TempDir string `yaml:"tempdir,omitempty"`
	// MountSource is the source label stamped on mounts the engine creates.
	MountSource string `yaml:"mountsource"`
	// Partitions lists extra partitions beyond the builtin set.
	Partitions []string `yaml:"partitions,omitempty"`
	// ForceExt4 skips the tmpfs attempt during storage provisioning.
	ForceExt4 bool `yaml:"force_ext4"`
	// EnableNuke loads the stealth LKM after an ext4-backed run.
	EnableNuke bool `yaml:"enable_nuke"`
	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ModuleDir:   ModulesDir,
		MountSource: DefaultMountSource,
	}
}

// FromFile loads a YAML config file. Unknown keys are rejected so typos in
// hand-edited files surface instead of silently using defaults.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads DefaultConfigFile, falling back to Default() when the
// file does not exist. A file that exists but fails to parse is an error;
// mounting with half a config is worse than not mounting.
func LoadDefault() (*Config, error) {
	cfg, err := FromFile(DefaultConfigFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes the config as YAML, for the gen-config verb.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// CLIOverrides carries the command-line values that take precedence over
// the config file. Zero values mean "not set on the command line".
type CLIOverrides struct {
	ModuleDir   string
	TempDir     string
	MountSource string
	Verbose     bool
	Partitions  []string
}

// MergeCLI applies command-line overrides on top of the loaded config.
func (c *Config) MergeCLI(o CLIOverrides) {
	if o.ModuleDir != "" {
		c.ModuleDir = o.ModuleDir
	}
	if o.TempDir != "" {
		c.TempDir = o.TempDir
	}
	if o.MountSource != "" {
		c.MountSource = o.MountSource
	}
	if o.Verbose {
		c.Verbose = true
	}
	if len(o.Partitions) > 0 {
		c.Partitions = o.Partitions
	}
}
