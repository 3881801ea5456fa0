package utils_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FourMIK/AetherCore-sub002/internal/utils"
)

// TestNewLogger_JSON validates structured fields and level filtering
func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := utils.NewLogger(utils.LoggerConfig{
		Level:     "info",
		Format:    "json",
		Output:    &buf,
		Component: "mesh",
	})
	require.NoError(t, err)

	logger.Debug("dropped")
	logger.Info("peer added", "node_id", "alpha", "trust", 0.9)
	require.NoError(t, closeFn())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "peer added", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "mesh", entry["component"])
	assert.Equal(t, "alpha", entry["node_id"])
	assert.InDelta(t, 0.9, entry["trust"], 1e-9)
}

// TestNewLogger_File validates that the file sink receives entries
func TestNewLogger_File(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	logger, closeFn, err := utils.NewLogger(utils.LoggerConfig{
		Level:  "warn",
		Format: "console",
		Output: &buf,
		File:   path,
	})
	require.NoError(t, err)

	logger.Info("quiet")
	logger.Warn("jamming detected", "channel", 3)
	require.NoError(t, closeFn())

	assert.Contains(t, buf.String(), "jamming detected")
	assert.NotContains(t, buf.String(), "quiet")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"jamming detected"`)
}

// TestNewLogger_RejectsBadConfig validates level and format checks
func TestNewLogger_RejectsBadConfig(t *testing.T) {
	_, _, err := utils.NewLogger(utils.LoggerConfig{Level: "loud"})
	assert.Error(t, err)

	_, _, err = utils.NewLogger(utils.LoggerConfig{Format: "xml"})
	assert.Error(t, err)
}
