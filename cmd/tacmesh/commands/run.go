package commands

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/bunker"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/security"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/spectral"
	"github.com/FourMIK/AetherCore-sub002/internal/network"
	"github.com/FourMIK/AetherCore-sub002/internal/telemetry"
	"github.com/FourMIK/AetherCore-sub002/internal/utils"
)

var (
	ingestStdin bool
	stdinKind   string
)

// NewRunCmd returns the command that starts a mesh node.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a mesh node",
		PreRunE: loadConfig,
		RunE:    runNode,
	}
	AddRunFlags(cmd)
	return cmd
}

// AddRunFlags adds flags to the run command.
func AddRunFlags(cmd *cobra.Command) {
	// Network
	cmd.Flags().StringSlice("listen", _config.Network.ListenAddrs, "libp2p listen multiaddrs")
	cmd.Flags().Bool("mdns", _config.Network.EnableMDNS, "Discover neighbors with mDNS")
	cmd.Flags().StringSlice("seed", nil, "Seed peer /p2p multiaddrs")

	// Mesh
	cmd.Flags().String("hop-seed", "", "Shared frequency hopping seed")
	cmd.Flags().String("storage", "", "Offline store directory (default <datadir>/bunker)")

	// Security
	cmd.Flags().String("registry", "", "Attestation registry file (default <datadir>/registry.yaml)")
	cmd.Flags().String("operator-key", "", "Hex Ed25519 public key that approves offline sync")

	// Side channels
	cmd.Flags().String("multicast", "", "UDP multicast group:port for hop announcements")
	cmd.Flags().String("telemetry-listen", _config.Telemetry.ListenAddr, "Telemetry websocket listen address")

	cmd.Flags().BoolVar(&ingestStdin, "ingest-stdin", false, "Ingest each stdin line as a local event")
	cmd.Flags().StringVar(&stdinKind, "stdin-kind", "block", "What stdin lines become: block (extends the chain) or event (queued for sync)")
}

func runNode(cmd *cobra.Command, args []string) error {
	if stdinKind != "block" && stdinKind != "event" {
		return fmt.Errorf("--stdin-kind must be block or event, got %q", stdinKind)
	}
	cfg := _config
	cfg.Log.Component = "tacmesh"
	logger, closeLog, err := utils.NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	priv, err := network.LoadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		return err
	}
	nodeID, err := network.NodeID(priv)
	if err != nil {
		return err
	}
	signing, err := network.SigningKey(priv)
	if err != nil {
		return err
	}

	cfg.Mesh.NodeID = nodeID
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return err
	}

	registry := security.NewRegistry()
	if cfg.Registry != "" {
		if registry, err = security.LoadRegistry(cfg.Registry); err != nil {
			return err
		}
	}
	if registry.Level(nodeID) == common.AttestationNone {
		logger.Warn("local node is not provisioned in the attestation registry; ingested blocks carry no fork weight",
			"node_id", nodeID)
	}

	boundary, err := security.NewBoundary(nodeID, signing, registry, logger)
	if err != nil {
		return err
	}

	var authorizer bunker.Authorizer
	if cfg.OperatorKey != "" {
		key, err := hex.DecodeString(cfg.OperatorKey)
		if err != nil {
			return common.WrapError(common.ErrCodeInvalidConfig, "operator key", err)
		}
		if authorizer, err = security.NewApprovalVerifier(boundary, key); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := network.NewHost(ctx, priv, cfg.Network, logger)
	if err != nil {
		return err
	}

	var announcer spectral.Announcer
	if cfg.Multicast.Group != "" {
		mc, err := spectral.NewMulticastAnnouncer(cfg.Multicast.Group, cfg.Multicast.Interface, logger)
		if err != nil {
			_ = host.Close()
			return err
		}
		announcer = mc
	}

	coord, err := mesh.New(cfg.Mesh, mesh.Options{
		Boundary:   boundary,
		Transport:  host,
		Authorizer: authorizer,
		Announcer:  announcer,
		Logger:     logger,
	})
	if err != nil {
		_ = host.Close()
		return err
	}

	host.OnPeerFound(func(info common.PeerInfo) {
		if err := coord.AddPeer(info); err != nil && !errors.Is(err, common.ErrDuplicatePeer) {
			logger.Warn("peer not admitted", "node_id", info.NodeID, "error", err)
		}
	})
	host.OnPeerLost(func(id string) {
		coord.RemovePeer(id)
	})

	shutdown := utils.NewGracefulShutdown(cfg.ShutdownTimeout, logger)
	shutdown.Register("logger", closeLog)

	if cfg.Telemetry.Enabled {
		hub := telemetry.NewHub(cfg.Telemetry, logger)
		if err := hub.Start(ctx); err != nil {
			_ = coord.Close()
			return err
		}
		coord.SetSink(hub)
		shutdown.Register("telemetry", hub.Close)
	}

	if err := host.Start(); err != nil {
		_ = coord.Close()
		return err
	}
	if err := coord.Start(ctx); err != nil {
		_ = coord.Close()
		return err
	}
	shutdown.Register("mesh", coord.Stop)

	logger.Info("node running",
		"node_id", nodeID,
		"addrs", host.Addrs(),
		"datadir", cfg.DataDir)

	if ingestStdin {
		go ingestLines(ctx, os.Stdin, coord, stdinKind, logger)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return shutdown.Shutdown(context.Background())
}

// ingestLines feeds newline-delimited events into the coordinator until r
// is exhausted or ctx ends. kind "event" queues lines in the offline store
// without extending the chain.
func ingestLines(ctx context.Context, r io.Reader, coord *mesh.Coordinator, kind string, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := append([]byte(nil), line...)
		if kind == "event" {
			rec, err := coord.RecordEvent(payload)
			if err != nil {
				logger.Error("event not recorded", "error", err)
				continue
			}
			logger.Debug("event recorded", "sequence", rec.SequenceNo)
			continue
		}
		res, err := coord.IngestEvent(ctx, payload)
		if err != nil {
			logger.Error("ingest failed", "error", err)
			continue
		}
		logger.Debug("event ingested",
			"height", res.Height,
			"root", res.Root.Short(),
			"offline", res.Offline)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin closed", "error", fmt.Errorf("read events: %w", err))
	}
}
