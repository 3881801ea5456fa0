package mesh

import (
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/bunker"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/peers"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/routing"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/spectral"
	"github.com/go-playground/validator/v10"
)

// Config is the complete mesh configuration.
type Config struct {
	NodeID      string   `mapstructure:"node_id" yaml:"node_id" validate:"required"`
	SeedPeers   []string `mapstructure:"seed_peers" yaml:"seed_peers"`
	StoragePath string   `mapstructure:"storage_path" yaml:"storage_path"`

	Peers       peers.Config         `mapstructure:"peers" yaml:"peers"`
	Gossip      routing.GossipConfig `mapstructure:"gossip" yaml:"gossip"`
	Router      routing.RouterConfig `mapstructure:"router" yaml:"router"`
	Spectral    spectral.Config      `mapstructure:"spectral" yaml:"spectral"`
	Bunker      bunker.Config        `mapstructure:"bunker" yaml:"bunker"`
	Maintenance MaintenanceConfig    `mapstructure:"maintenance" yaml:"maintenance"`
}

// MaintenanceConfig sets the independent intervals of the maintenance loop.
type MaintenanceConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval" yaml:"tick_interval" validate:"gt=0"`
	GossipInterval time.Duration `mapstructure:"gossip_interval" yaml:"gossip_interval" validate:"gt=0"`
	RouteInterval  time.Duration `mapstructure:"route_interval" yaml:"route_interval" validate:"gt=0"`
	StatusInterval time.Duration `mapstructure:"status_interval" yaml:"status_interval" validate:"gt=0"`
	SendTimeout    time.Duration `mapstructure:"send_timeout" yaml:"send_timeout" validate:"gt=0"`
}

// DefaultConfig returns production defaults. NodeID and the hopping seed
// must still be provisioned.
func DefaultConfig() Config {
	return Config{
		Peers:    peers.DefaultConfig(),
		Gossip:   routing.DefaultGossipConfig(),
		Router:   routing.DefaultRouterConfig(),
		Spectral: spectral.DefaultConfig(),
		Bunker:   bunker.DefaultConfig(),
		Maintenance: MaintenanceConfig{
			TickInterval:   250 * time.Millisecond,
			GossipInterval: 5 * time.Second,
			RouteInterval:  time.Second,
			StatusInterval: time.Second,
			SendTimeout:    2 * time.Second,
		},
	}
}

// Validate checks struct constraints across all sections.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return common.WrapError(common.ErrCodeInvalidConfig, "invalid mesh configuration", err)
	}
	return nil
}
