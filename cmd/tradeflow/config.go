package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all tradeflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	PollIntervalSec int    `json:"poll_interval_sec"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(tradeflowDir(), "tradeflow.db"),
		LogLevel:        "info",
		PoolSize:        8,
		PollIntervalSec: 30,
	}
}

func tradeflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tradeflow"
	}
	return filepath.Join(home, ".tradeflow")
}

func settingsPath() string {
	return filepath.Join(tradeflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TRADEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TRADEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TRADEFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("TRADEFLOW_POLL_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSec = n
		}
	}

	return cfg
}
