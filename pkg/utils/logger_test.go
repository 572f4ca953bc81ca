package utils

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	logger, err := NewLogger(LoggerConfig{Level: "warn", OutputPath: path, Format: "json"})
	require.NoError(t, err)

	logger.Info("dropped below level")
	logger.Warn("sync conflict", zap.String("quote_id", "Q-1"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "sync conflict", entry["msg"])
	assert.Equal(t, "Q-1", entry["quote_id"])
	assert.Contains(t, entry, "timestamp")
	assert.Contains(t, entry, "caller")
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger(LoggerConfig{Level: "loud", OutputPath: "stderr", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestKVLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	kv := NewKVLogger(zap.New(core))

	kv.Info("Quote registered", "quote_id", "Q-1", "version", 1)
	kv.Error("Sync failed", "quote_id", "Q-1")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Quote registered", entries[0].Message)
	assert.Equal(t, "Q-1", entries[0].ContextMap()["quote_id"])
	assert.Equal(t, int64(1), entries[0].ContextMap()["version"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
}
