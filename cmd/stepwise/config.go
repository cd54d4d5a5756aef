package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Config holds all stepwise server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string   `json:"db_path"`
	LogLevel     string   `json:"log_level"`
	LogFormat    string   `json:"log_format"` // text | json
	WorkflowDirs []string `json:"workflow_dirs"`
	HistoryOff   bool     `json:"history_off"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(stepwiseDir(), "stepwise.db"),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

func stepwiseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepwise"
	}
	return filepath.Join(home, ".stepwise")
}

func settingsPath() string {
	return filepath.Join(stepwiseDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPWISE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPWISE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPWISE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("STEPWISE_WORKFLOW_DIRS"); v != "" {
		cfg.WorkflowDirs = splitDirs(v)
	}
	if v := os.Getenv("STEPWISE_HISTORY_OFF"); v != "" {
		cfg.HistoryOff = v == "true" || v == "1"
	}

	return cfg
}

func splitDirs(v string) []string {
	var dirs []string
	for _, d := range strings.Split(v, string(os.PathListSeparator)) {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}
