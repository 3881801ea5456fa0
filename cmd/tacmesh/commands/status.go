package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/telemetry"
)

var (
	statusURL   string
	statusWatch bool
	statusJSON  bool
)

// NewStatusCmd reads the telemetry feed of a running node.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show the status of a running node",
		PreRunE: loadConfig,
		RunE:    status,
	}
	cmd.Flags().StringVar(&statusURL, "url", "", "Telemetry websocket URL (default from config)")
	cmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Keep streaming status and events")
	cmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw JSON")
	return cmd
}

func status(cmd *cobra.Command, args []string) error {
	url := statusURL
	if url == "" {
		url = fmt.Sprintf("ws://%s%s", _config.Telemetry.ListenAddr, _config.Telemetry.Path)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if !statusWatch {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	out := cmd.OutOrStdout()
	return telemetry.Subscribe(ctx, url, 3*time.Second, func(env telemetry.Envelope) bool {
		if statusJSON {
			data, _ := json.Marshal(env)
			fmt.Fprintln(out, string(data))
			return statusWatch
		}
		switch env.Type {
		case telemetry.TypeStatus:
			s, err := telemetry.DecodeStatus(env)
			if err != nil {
				fmt.Fprintln(out, err)
				return statusWatch
			}
			printStatus(out, s)
		case telemetry.TypeSecurity:
			var ev common.SecurityEvent
			if json.Unmarshal(env.Data, &ev) == nil {
				fmt.Fprintf(out, "[security] %s peer=%s %s\n", ev.Kind, ev.PeerID, ev.Detail)
			}
		case telemetry.TypeRevocation:
			var ev common.RevocationEvent
			if json.Unmarshal(env.Data, &ev) == nil {
				fmt.Fprintf(out, "[revoked] %s trust=%.2f %s\n", ev.NodeID, ev.TrustScore, ev.Reason)
			}
		}
		return statusWatch
	})
}

func printStatus(out io.Writer, s common.MeshStatus) {
	mode := "connected"
	if s.BunkerMode {
		mode = "bunker"
	}
	fmt.Fprintf(out, "node      %s (%s)\n", s.NodeID, mode)
	fmt.Fprintf(out, "peers     %d total, %d eligible, %d ghost\n", s.PeerCount, s.EligiblePeers, s.GhostPeers)
	fmt.Fprintf(out, "routes    %d\n", s.RouteCount)
	fmt.Fprintf(out, "chain     height %d root %s\n", s.LocalHeight, s.LocalRoot)
	if s.Consensus != nil {
		fmt.Fprintf(out, "consensus height %d root %s supporters %d\n",
			s.Consensus.Height, s.Consensus.Root, s.Consensus.Supporters)
	}
	if len(s.TopPeers) > 0 {
		fmt.Fprintf(out, "trusted   %s\n", strings.Join(s.TopPeers, ", "))
	}
	fmt.Fprintf(out, "spectrum  channel %d epoch %d state %s jamming=%t\n",
		s.CurrentChannel, s.Epoch, s.HopperState, s.JammingDetected)
	fmt.Fprintf(out, "offline   %d records, %.0f%% used, state %s\n",
		s.Offline.Count, s.Offline.Utilization*100, s.Offline.State)
	fmt.Fprintf(out, "gossip    accepted %d dup %d rejected %d fork=%t\n",
		s.Gossip.Accepted, s.Gossip.Duplicates, s.Gossip.Rejected, s.Gossip.ForkDetected)
}
