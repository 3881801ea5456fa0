package commands

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var _config = NewDefaultCLIConfig()

// RootCmd is the root command for tacmesh.
var RootCmd = &cobra.Command{
	Use:              "tacmesh",
	Short:            "tactical mesh node",
	SilenceUsage:     true,
	TraverseChildren: true,
}

func init() {
	RootCmd.PersistentFlags().String("datadir", _config.DataDir, "Top-level directory for configuration, identity and offline records")
	RootCmd.PersistentFlags().String("log-level", _config.Log.Level, "debug, info, warn, error")
	RootCmd.PersistentFlags().String("log-format", _config.Log.Format, "console or json")

	RootCmd.AddCommand(
		NewRunCmd(),
		NewKeygenCmd(),
		NewConfigCmd(),
		NewStatusCmd(),
	)
}

// flagKeys maps flag names onto config keys.
var flagKeys = map[string]string{
	"datadir":          "datadir",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"listen":           "network.listen_addrs",
	"mdns":             "network.enable_mdns",
	"seed":             "mesh.seed_peers",
	"hop-seed":         "mesh.spectral.shared_seed",
	"storage":          "mesh.storage_path",
	"registry":         "registry",
	"operator-key":     "operator_key",
	"multicast":        "multicast.group",
	"telemetry-listen": "telemetry.listen_addr",
}

// loadConfig layers tacmesh.yaml in the data directory, TACMESH_* environment
// variables and explicitly set flags over the defaults in _config.
func loadConfig(cmd *cobra.Command, args []string) error {
	v := viper.New()
	v.SetEnvPrefix("tacmesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = v.BindPFlag(key, f)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	dataDir := v.GetString("datadir")
	if dataDir == "" {
		dataDir = _config.DataDir
	}
	v.SetConfigName("tacmesh")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	if err := v.Unmarshal(_config); err != nil {
		return err
	}
	_config.DataDir = dataDir
	return nil
}
