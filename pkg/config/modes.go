package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadModuleModes reads the per-module mount-mode override file, a flat YAML
// mapping of module id to "auto" or "magic". A missing file means no
// overrides; every module defaults to auto.
func LoadModuleModes(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("config: read mode file %s: %w", path, err)
	}
	modes := map[string]string{}
	if err := yaml.Unmarshal(data, &modes); err != nil {
		return nil, fmt.Errorf("config: parse mode file %s: %w", path, err)
	}
	return modes, nil
}
