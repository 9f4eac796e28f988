package config

import (
	"os"
	"strconv"
)

// FromEnv overlays DURASTASH_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("DURASTASH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DURASTASH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultBatchSize = n
		}
	}
	if v := os.Getenv("DURASTASH_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HeartbeatIntervalMs = n
		}
	}
	if v := os.Getenv("DURASTASH_SESSION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionTimeoutMs = n
		}
	}
	if v := os.Getenv("DURASTASH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DURASTASH_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
