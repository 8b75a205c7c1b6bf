package config

import (
	"os"
	"testing"
)

type TestConfig struct {
	Partition struct {
		EnforceFsync bool `toml:"enforce_fsync" json:"enforce_fsync"`
		MaxConns     int  `toml:"max_conns" json:"max_conns"`
	} `toml:"partition" json:"partition"`
	System struct {
		Port int    `toml:"port" json:"port"`
		Path string `toml:"path" json:"path"`
	} `toml:"system" json:"system"`
}

func TestLoadTOML(t *testing.T) {
	tomlContent := `
[partition]
enforce_fsync = true
max_conns = 25

[system]
port = 8080
path = "local_data"
`
	tmpFile := createTempFile(t, "test.toml", tomlContent)
	defer os.Remove(tmpFile)

	var cfg TestConfig
	if err := LoadTOML(tmpFile, &cfg); err != nil {
		t.Fatalf("LoadTOML failed: %v", err)
	}

	if !cfg.Partition.EnforceFsync {
		t.Errorf("Partition.EnforceFsync = %v, want true", cfg.Partition.EnforceFsync)
	}
	if cfg.Partition.MaxConns != 25 {
		t.Errorf("Partition.MaxConns = %v, want 25", cfg.Partition.MaxConns)
	}
	if cfg.System.Port != 8080 {
		t.Errorf("System.Port = %v, want 8080", cfg.System.Port)
	}
}

func TestLoadJSON(t *testing.T) {
	jsonContent := `{
  "partition": {
    "enforce_fsync": true,
    "max_conns": 25
  },
  "system": {
    "port": 8080,
    "path": "local_data"
  }
}`
	tmpFile := createTempFile(t, "test.json", jsonContent)
	defer os.Remove(tmpFile)

	var cfg TestConfig
	if err := LoadJSON(tmpFile, &cfg); err != nil {
		t.Fatalf("LoadJSON failed: %v", err)
	}

	if !cfg.Partition.EnforceFsync {
		t.Errorf("Partition.EnforceFsync = %v, want true", cfg.Partition.EnforceFsync)
	}
	if cfg.System.Port != 8080 {
		t.Errorf("System.Port = %v, want 8080", cfg.System.Port)
	}
}

func TestLoadWithEnv(t *testing.T) {
	tomlContent := `
[partition]
enforce_fsync = true
max_conns = 25

[system]
port = 8080
path = "local_data"
`
	tmpFile := createTempFile(t, "test.toml", tomlContent)
	defer os.Remove(tmpFile)

	os.Setenv("APP_SYSTEM_PORT", "9090")
	defer os.Unsetenv("APP_SYSTEM_PORT")

	var cfg TestConfig
	if err := LoadWithEnv(tmpFile, "APP", &cfg); err != nil {
		t.Fatalf("LoadWithEnv failed: %v", err)
	}

	if cfg.System.Port != 9090 {
		t.Errorf("System.Port = %v, want 9090 (env override)", cfg.System.Port)
	}
	// Path should remain from file (no env override for this field).
	if cfg.System.Path != "local_data" {
		t.Errorf("System.Path = %v, want local_data", cfg.System.Path)
	}
}

func TestRequiredFields(t *testing.T) {
	cfg := TestConfig{}
	cfg.System.Path = ""
	cfg.Partition.MaxConns = 25

	validator := RequiredFields("System.Path")
	if err := validator.Validate(&cfg); err == nil {
		t.Error("RequiredFields should fail for empty Path")
	}

	cfg.System.Path = "local_data"
	if err := validator.Validate(&cfg); err != nil {
		t.Errorf("RequiredFields should pass for valid config: %v", err)
	}
}

func TestRangeValidator(t *testing.T) {
	cfg := TestConfig{}
	cfg.Partition.MaxConns = 5

	validator := RangeValidator("Partition.MaxConns", 10, 100)
	if err := validator.Validate(&cfg); err == nil {
		t.Error("RangeValidator should fail for value below minimum")
	}

	cfg.Partition.MaxConns = 50
	if err := validator.Validate(&cfg); err != nil {
		t.Errorf("RangeValidator should pass for value in range: %v", err)
	}
}

func createTempFile(t *testing.T, name, content string) string {
	tmpFile := name
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(tmpFile) })
	return tmpFile
}
