package commands

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd groups configuration helpers.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print a default tacmesh.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(NewDefaultCLIConfig()); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "show",
		Short:   "Print the effective configuration",
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(_config); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}
