package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridrepo/internal/config"
)

func TestConsoleLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(config.LoggingConfig{Level: "warn", Format: "console"}, WithConsole(&buf))
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("lock contention")
	require.NoError(t, closeFn())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "lock contention")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(config.LoggingConfig{Level: "debug", Format: "json"}, WithConsole(&buf))
	require.NoError(t, err)

	logger.Debug("decoded")
	require.NoError(t, closeFn())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "decoded", line["msg"])
	assert.Equal(t, "debug", line["level"])
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gridrepo.log")
	logger, closeFn, err := New(config.LoggingConfig{
		Level:      "info",
		Format:     "console",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	}, WithConsole(nil))
	require.NoError(t, err)

	logger.Info("flushed")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"msg":"flushed"`))
}

func TestInvalidSettings(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "loud", Format: "console"})
	assert.Error(t, err)

	_, _, err = New(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNoSinks(t *testing.T) {
	logger, closeFn, err := New(config.LoggingConfig{Level: "info"}, WithConsole(nil))
	require.NoError(t, err)
	logger.Info("dropped")
	assert.NoError(t, closeFn())
}
