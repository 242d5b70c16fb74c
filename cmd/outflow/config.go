package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all outflow engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	Workers      int    `json:"workers"`
	CronInterval string `json:"cron_interval"` // e.g. "30s"
	DefsDir      string `json:"defs_dir"`      // directory of definition JSON files
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(outflowDir(), "outflow.db"),
		LogLevel:     "info",
		Workers:      8,
		CronInterval: "30s",
	}
}

func outflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".outflow"
	}
	return filepath.Join(home, ".outflow")
}

func settingsPath() string {
	return filepath.Join(outflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("OUTFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OUTFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OUTFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("OUTFLOW_CRON_INTERVAL"); v != "" {
		cfg.CronInterval = v
	}
	if v := os.Getenv("OUTFLOW_DEFS_DIR"); v != "" {
		cfg.DefsDir = v
	}

	return cfg
}
