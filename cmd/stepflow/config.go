package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all stepflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	TokenSecret    string `json:"token_secret"`
	TokenTTL       string `json:"token_ttl"`
	ReaperSchedule string `json:"reaper_schedule"`
	ReaperEnabled  bool   `json:"reaper_enabled"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:      "info",
		TokenTTL:      "24h",
		ReaperEnabled: true,
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("STEPFLOW_TOKEN_TTL"); v != "" {
		cfg.TokenTTL = v
	}
	if v := os.Getenv("STEPFLOW_REAPER_SCHEDULE"); v != "" {
		cfg.ReaperSchedule = v
	}
	if v := os.Getenv("STEPFLOW_REAPER"); v != "" {
		cfg.ReaperEnabled = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) tokenTTL() time.Duration {
	d, err := time.ParseDuration(c.TokenTTL)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}
