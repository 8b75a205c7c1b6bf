package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// LoadTOML loads configuration from a TOML file (spec §6.4's configuration
// format).
func LoadTOML(path string, target interface{}) error {
	// #nosec G304 -- path is provided by the caller (library function); callers should validate/lock down inputs if untrusted.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read TOML file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal TOML: %w", err)
	}

	return nil
}

// SaveTOML saves configuration to a TOML file.
func SaveTOML(path string, config interface{}) error {
	data, err := toml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal TOML: %w", err)
	}

	// Use restrictive permissions by default since configs may contain secrets.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write TOML file: %w", err)
	}

	return nil
}
