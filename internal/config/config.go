package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// DataDir is the storage directory.
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// DefaultBatchSize is the sequence-window width for new batches.
	DefaultBatchSize int `json:"defaultBatchSize" yaml:"defaultBatchSize"`
	// HeartbeatIntervalMs is the session heartbeat period.
	HeartbeatIntervalMs int `json:"heartbeatIntervalMs" yaml:"heartbeatIntervalMs"`
	// SessionTimeoutMs is the staleness threshold used by session sweeps.
	SessionTimeoutMs int `json:"sessionTimeoutMs" yaml:"sessionTimeoutMs"`
	// Log configures the structured logger.
	Log LogConfig `json:"log" yaml:"log"`
}

// LogConfig selects logger level and format.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:             "./data",
		DefaultBatchSize:    100,
		HeartbeatIntervalMs: 5000,
		SessionTimeoutMs:    30000,
		Log:                 LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}
