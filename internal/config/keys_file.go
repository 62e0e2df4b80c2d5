package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// KeysFile is the structure of accounts.keys_file.
type KeysFile struct {
	Keys []KeyConfig `yaml:"keys"`
}

// LoadKeysFile reads static API keys from a separate YAML file so secrets can
// live outside the main config. A missing file yields no keys.
func LoadKeysFile(path string) ([]KeyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read keys file: %w", err)
	}

	var f KeysFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse keys file: %w", err)
	}
	return f.Keys, nil
}
