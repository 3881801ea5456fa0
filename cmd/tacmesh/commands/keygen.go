package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/FourMIK/AetherCore-sub002/internal/network"
)

var operatorKeyFile string

// NewKeygenCmd creates the node identity, or an operator approval key pair
// with --operator.
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keygen",
		Short:   "Create the node identity",
		PreRunE: loadConfig,
		RunE:    keygen,
	}
	cmd.Flags().StringVar(&operatorKeyFile, "operator", "", "Write an operator approval key to this file instead")
	return cmd
}

func keygen(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if operatorKeyFile != "" {
		if _, err := os.Stat(operatorKeyFile); err == nil {
			return fmt.Errorf("an operator key already lives at %s", operatorKeyFile)
		}
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate operator key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(operatorKeyFile), 0o700); err != nil {
			return fmt.Errorf("writing operator key: %w", err)
		}
		if err := os.WriteFile(operatorKeyFile, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
			return fmt.Errorf("writing operator key: %w", err)
		}
		fmt.Fprintf(out, "Operator private key saved to: %s\n", operatorKeyFile)
		fmt.Fprintf(out, "operator_key: %s\n", hex.EncodeToString(pub))
		return nil
	}

	if _, err := network.LoadIdentity(_config.DataDir); err == nil {
		return fmt.Errorf("an identity already lives under %s", _config.DataDir)
	}
	priv, err := network.LoadOrCreateIdentity(_config.DataDir)
	if err != nil {
		return err
	}
	nodeID, err := network.NodeID(priv)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Node identity saved under: %s\n", _config.DataDir)
	fmt.Fprintf(out, "node_id: %s\n", nodeID)
	return nil
}
