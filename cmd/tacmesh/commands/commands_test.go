package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

func resetConfig(t *testing.T) {
	t.Helper()
	_config = NewDefaultCLIConfig()
	t.Cleanup(func() { _config = NewDefaultCLIConfig() })
}

// TestLoadConfig_Layers validates that file values and explicit flags override defaults
func TestLoadConfig_Layers(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()
	file := `
mesh:
  spectral:
    shared_seed: squad-7
    dwell: 2s
telemetry:
  listen_addr: 127.0.0.1:9999
log:
  level: warn
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tacmesh.yaml"), []byte(file), 0o600))

	_, err := execute(t, "config", "show", "--datadir", dir, "--log-level", "debug")
	require.NoError(t, err)

	assert.Equal(t, dir, _config.DataDir)
	assert.Equal(t, "squad-7", _config.Mesh.Spectral.SharedSeed)
	assert.Equal(t, 2*time.Second, _config.Mesh.Spectral.Dwell)
	assert.Equal(t, "127.0.0.1:9999", _config.Telemetry.ListenAddr)
	assert.Equal(t, "debug", _config.Log.Level)

	// untouched sections keep their defaults
	assert.Equal(t, 100, _config.Mesh.Peers.MaxPeers)
	assert.Equal(t, "/telemetry", _config.Telemetry.Path)
}

// TestCLIConfig_Validate validates the node configuration checks
func TestCLIConfig_Validate(t *testing.T) {
	valid := func() *CLIConfig {
		cfg := NewDefaultCLIConfig()
		cfg.Mesh.NodeID = "12D3KooWnode"
		cfg.Mesh.Spectral.SharedSeed = "squad-7"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*CLIConfig)
		wantErr bool
	}{
		{name: "defaults with identity", mutate: func(*CLIConfig) {}},
		{name: "missing hop seed", mutate: func(c *CLIConfig) { c.Mesh.Spectral.SharedSeed = "" }, wantErr: true},
		{name: "bad operator key", mutate: func(c *CLIConfig) { c.OperatorKey = "zz" }, wantErr: true},
		{name: "bad multicast group", mutate: func(c *CLIConfig) { c.Multicast.Group = "not a group" }, wantErr: true},
		{name: "telemetry without address", mutate: func(c *CLIConfig) { c.Telemetry.ListenAddr = "" }, wantErr: true},
		{name: "telemetry disabled", mutate: func(c *CLIConfig) {
			c.Telemetry.Enabled = false
			c.Telemetry.ListenAddr = ""
		}},
		{name: "no listen address", mutate: func(c *CLIConfig) { c.Network.ListenAddrs = nil }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

// TestResolvePaths validates data directory defaults
func TestResolvePaths(t *testing.T) {
	dir := t.TempDir()
	cfg := NewDefaultCLIConfig()
	cfg.DataDir = dir
	cfg.resolvePaths()
	assert.Equal(t, filepath.Join(dir, "bunker"), cfg.Mesh.StoragePath)
	assert.Empty(t, cfg.Registry)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.yaml"), []byte("nodes: {}\n"), 0o600))
	cfg = NewDefaultCLIConfig()
	cfg.DataDir = dir
	cfg.resolvePaths()
	assert.Equal(t, filepath.Join(dir, "registry.yaml"), cfg.Registry)
}

// TestConfigDefault validates that the generated file parses back
func TestConfigDefault(t *testing.T) {
	resetConfig(t)
	out, err := execute(t, "config", "default")
	require.NoError(t, err)

	var parsed CLIConfig
	require.NoError(t, yaml.Unmarshal([]byte(out), &parsed))
	want := NewDefaultCLIConfig()
	assert.Equal(t, want.Mesh.Maintenance, parsed.Mesh.Maintenance)
	assert.Equal(t, want.Mesh.Spectral.Channels, parsed.Mesh.Spectral.Channels)
	assert.Equal(t, want.Network.ListenAddrs, parsed.Network.ListenAddrs)
	assert.Equal(t, want.Telemetry, parsed.Telemetry)
}

// TestKeygen validates identity creation and the refusal to overwrite
func TestKeygen(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()

	out, err := execute(t, "keygen", "--datadir", dir)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "node_id: 12D3KooW"), out)

	_, err = execute(t, "keygen", "--datadir", dir)
	assert.Error(t, err)
}
