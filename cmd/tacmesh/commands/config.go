package commands

import (
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/network"
	"github.com/FourMIK/AetherCore-sub002/internal/telemetry"
	"github.com/FourMIK/AetherCore-sub002/internal/utils"
)

// MulticastConfig enables the out-of-band hop announcement channel.
type MulticastConfig struct {
	Group     string `mapstructure:"group" yaml:"group" validate:"omitempty,hostname_port"`
	Interface string `mapstructure:"interface" yaml:"interface"`
}

// CLIConfig is everything the node binary reads from tacmesh.yaml, the
// environment and flags.
type CLIConfig struct {
	DataDir         string        `mapstructure:"datadir" yaml:"datadir" validate:"required"`
	Registry        string        `mapstructure:"registry" yaml:"registry"`
	OperatorKey     string        `mapstructure:"operator_key" yaml:"operator_key" validate:"omitempty,hexadecimal,len=64"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	Log       utils.LoggerConfig `mapstructure:"log" yaml:"log"`
	Mesh      mesh.Config        `mapstructure:"mesh" yaml:"mesh"`
	Network   network.Config     `mapstructure:"network" yaml:"network"`
	Telemetry telemetry.Config   `mapstructure:"telemetry" yaml:"telemetry"`
	Multicast MulticastConfig    `mapstructure:"multicast" yaml:"multicast"`
}

// NewDefaultCLIConfig returns defaults rooted at the user's data directory.
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		DataDir:         defaultDataDir(),
		ShutdownTimeout: 10 * time.Second,
		Log:             utils.DefaultLoggerConfig(),
		Mesh:            mesh.DefaultConfig(),
		Network:         network.DefaultConfig(),
		Telemetry:       telemetry.DefaultConfig(),
	}
}

// Validate checks every section. Mesh.NodeID must be filled from the
// identity before calling.
func (c *CLIConfig) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return common.WrapError(common.ErrCodeInvalidConfig, "invalid node configuration", err)
	}
	return nil
}

// resolvePaths fills storage locations that default to the data directory.
func (c *CLIConfig) resolvePaths() {
	if c.Mesh.StoragePath == "" {
		c.Mesh.StoragePath = filepath.Join(c.DataDir, "bunker")
	}
	if c.Registry == "" {
		candidate := filepath.Join(c.DataDir, "registry.yaml")
		if _, err := os.Stat(candidate); err == nil {
			c.Registry = candidate
		}
	}
}

func defaultDataDir() string {
	if home := homeDir(); home != "" {
		return filepath.Join(home, ".tacmesh")
	}
	return ".tacmesh"
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}
