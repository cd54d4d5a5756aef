package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.NotEmpty(t, cfg.DBPath)
	assert.False(t, cfg.HistoryOff)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("STEPWISE_DB_PATH", "/tmp/custom.db")
	t.Setenv("STEPWISE_LOG_LEVEL", "debug")
	t.Setenv("STEPWISE_LOG_FORMAT", "json")
	t.Setenv("STEPWISE_HISTORY_OFF", "1")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.HistoryOff)
}

func TestSplitDirs(t *testing.T) {
	dirs := splitDirs("/a: /b ::/c")
	require.Len(t, dirs, 3)
	assert.Equal(t, []string{"/a", "/b", "/c"}, dirs)
}
