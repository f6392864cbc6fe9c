package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrelay/internal/config"
)

func TestSetupJSONToConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := setup(config.LogConfig{Level: "debug"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug().Str("task_id", "abc").Msg("claimed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "abc", entry["task_id"])
	assert.Equal(t, "claimed", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestSetupLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := setup(config.LogConfig{Level: "warn"}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetupUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := setup(config.LogConfig{Level: "chatty"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestSetupConsoleWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := setup(config.LogConfig{Level: "info", Console: true, NoColor: true}, &buf)
	require.NoError(t, err)

	logger.Info().Str("worker", "w1").Msg("ready")
	line := buf.String()
	assert.Contains(t, line, "INF")
	assert.Contains(t, line, "ready")
	assert.Contains(t, line, "worker=w1")
	assert.False(t, strings.HasPrefix(line, "{"))
}

func TestSetupFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "taskrelay.log")
	var buf bytes.Buffer
	logger, closer, err := setup(config.LogConfig{
		Level:      "info",
		Console:    true,
		NoColor:    true,
		File:       path,
		MaxSizeMB:  1,
		MaxAgeDays: 30,
		Compress:   true,
	}, &buf)
	require.NoError(t, err)

	workerLogger := Component(logger, "worker")
	workerLogger.Info().Msg("to both sinks")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, "to both sinks", entry["message"])
	assert.Contains(t, buf.String(), "to both sinks")
}
