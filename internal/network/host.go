// Package network carries mesh traffic over libp2p streams and discovers
// neighbors on the local segment with mDNS.
package network

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
)

// ProtocolID is the stream protocol for mesh frames.
const ProtocolID = protocol.ID("/tacmesh/1.0.0")

// Config tunes the libp2p host.
type Config struct {
	ListenAddrs   []string      `mapstructure:"listen_addrs" yaml:"listen_addrs" validate:"min=1"`
	EnableMDNS    bool          `mapstructure:"enable_mdns" yaml:"enable_mdns"`
	Rendezvous    string        `mapstructure:"rendezvous" yaml:"rendezvous" validate:"required"`
	MaxFrameBytes int           `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes" validate:"gte=1024"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddrs:   []string{"/ip4/0.0.0.0/tcp/4001"},
		EnableMDNS:    true,
		Rendezvous:    "tacmesh",
		MaxFrameBytes: 1 << 20,
		StreamTimeout: 5 * time.Second,
	}
}

// PeerFoundFunc is called once per newly connected peer.
type PeerFoundFunc func(info common.PeerInfo)

// PeerLostFunc is called when the last connection to a peer closes.
type PeerLostFunc func(nodeID string)

// Host implements common.Transport on a libp2p host. Mesh node IDs are
// libp2p peer IDs.
type Host struct {
	host   libp2p_host.Host
	mdns   mdns.Service
	config Config

	handlers   map[string]common.MessageHandler
	handlersMu sync.RWMutex

	onFound PeerFoundFunc
	onLost  PeerLostFunc
	hooksMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	logger *slog.Logger
}

var _ common.Transport = (*Host)(nil)

// NewHost starts listening with the given identity. Discovery begins with Start.
func NewHost(ctx context.Context, priv crypto.PrivKey, config Config, logger *slog.Logger) (*Host, error) {
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(config.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	return NewHostFrom(ctx, h, config, logger), nil
}

// NewHostFrom wraps an existing libp2p host, such as one from a simulated
// network. The Host takes ownership and closes it on Close.
func NewHostFrom(ctx context.Context, h libp2p_host.Host, config Config, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	n := &Host{
		host:     h,
		config:   config,
		handlers: make(map[string]common.MessageHandler),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "network", "peer_id", h.ID().String()),
	}

	h.SetStreamHandler(ProtocolID, n.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    n.connected,
		DisconnectedF: n.disconnected,
	})

	n.logger.Info("libp2p node started", "addrs", n.Addrs())
	return n
}

// Start enables mDNS discovery when configured.
func (n *Host) Start() error {
	if !n.config.EnableMDNS {
		return nil
	}
	n.mdns = mdns.NewMdnsService(n.host, n.config.Rendezvous, n)
	if err := n.mdns.Start(); err != nil {
		return fmt.Errorf("mdns: %w", err)
	}
	n.logger.Info("mDNS local discovery enabled", "rendezvous", n.config.Rendezvous)
	return nil
}

// OnPeerFound installs the discovery callback.
func (n *Host) OnPeerFound(fn PeerFoundFunc) {
	n.hooksMu.Lock()
	n.onFound = fn
	n.hooksMu.Unlock()
}

// OnPeerLost installs the disconnect callback.
func (n *Host) OnPeerLost(fn PeerLostFunc) {
	n.hooksMu.Lock()
	n.onLost = fn
	n.hooksMu.Unlock()
}

// ID returns the local node ID.
func (n *Host) ID() string { return n.host.ID().String() }

// PeerID returns the local libp2p peer ID.
func (n *Host) PeerID() peer.ID { return n.host.ID() }

// Addrs returns dialable /p2p addresses of this host.
func (n *Host) Addrs() []string {
	out := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a.String(), n.host.ID().String()))
	}
	return out
}

// HandlePeerFound implements the mDNS notifee.
func (n *Host) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.config.StreamTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.logger.Warn("failed to connect to mDNS peer", "remote", pi.ID.String(), "error", err)
		return
	}
	n.logger.Debug("connected to mDNS peer", "remote", pi.ID.String())
}

// DialSeed connects to a peer by its full /p2p multiaddress.
func (n *Host) DialSeed(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return common.WrapError(common.ErrCodeInvalidConfig, "invalid seed address", err).
			WithContext("addr", addr)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return common.WrapError(common.ErrCodeInvalidConfig, "seed address has no peer id", err).
			WithContext("addr", addr)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return common.ErrLinkDown(info.ID.String(), err)
	}
	return nil
}

// RegisterHandler routes inbound frames on topic to handler.
func (n *Host) RegisterHandler(topic string, handler common.MessageHandler) {
	n.handlersMu.Lock()
	n.handlers[topic] = handler
	n.handlersMu.Unlock()
}

// Send opens a stream, writes one frame and closes it.
func (n *Host) Send(ctx context.Context, peerID, topic string, payload []byte) error {
	if n.closed.Load() {
		return common.NewMeshError(common.ErrCodeTransportFailed, "host closed")
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return common.WrapError(common.ErrCodeInvalidPeerID, "invalid peer id", err).
			WithContext("peer_id", peerID)
	}
	frame := MarshalFrame(Frame{Topic: topic, Payload: payload})
	if len(frame) > n.config.MaxFrameBytes {
		return common.NewMeshError(common.ErrCodeCapacityExceeded, "frame too large").
			WithContext("bytes", len(frame)).
			WithContext("max", n.config.MaxFrameBytes)
	}

	stream, err := n.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return common.ErrLinkDown(peerID, err)
	}
	defer stream.Close()

	deadline := time.Now().Add(n.config.StreamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetWriteDeadline(deadline)
	if _, err := stream.Write(frame); err != nil {
		_ = stream.Reset()
		return common.ErrLinkDown(peerID, err)
	}
	if err := stream.CloseWrite(); err != nil {
		return common.ErrLinkDown(peerID, err)
	}
	return nil
}

func (n *Host) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer().String()

	_ = s.SetReadDeadline(time.Now().Add(n.config.StreamTimeout))
	data, err := io.ReadAll(io.LimitReader(s, int64(n.config.MaxFrameBytes)+1))
	if err != nil {
		n.logger.Debug("stream read failed", "remote", remote, "error", err)
		_ = s.Reset()
		return
	}
	if len(data) > n.config.MaxFrameBytes {
		n.logger.Warn("frame exceeds max size", "remote", remote, "max", n.config.MaxFrameBytes)
		_ = s.Reset()
		return
	}

	frame, err := UnmarshalFrame(data)
	if err != nil {
		n.logger.Debug("malformed frame", "remote", remote, "error", err)
		return
	}

	n.handlersMu.RLock()
	handler, ok := n.handlers[frame.Topic]
	n.handlersMu.RUnlock()
	if !ok {
		n.logger.Debug("no handler for topic", "topic", frame.Topic, "remote", remote)
		return
	}
	handler(n.ctx, remote, frame.Payload)
}

func (n *Host) connected(net network.Network, conn network.Conn) {
	pid := conn.RemotePeer()
	if len(net.ConnsToPeer(pid)) > 1 {
		return
	}
	n.hooksMu.RLock()
	fn := n.onFound
	n.hooksMu.RUnlock()
	if fn == nil {
		return
	}

	pub, err := PublicKeyOf(pid.String())
	if err != nil {
		n.logger.Warn("peer key unusable", "remote", pid.String(), "error", err)
		return
	}
	info := common.PeerInfo{
		NodeID:    pid.String(),
		PublicKey: pub,
		Address:   conn.RemoteMultiaddr().String(),
	}
	// notifiee callbacks must not block the swarm
	go fn(info)
}

func (n *Host) disconnected(net network.Network, conn network.Conn) {
	pid := conn.RemotePeer()
	if len(net.ConnsToPeer(pid)) > 0 {
		return
	}
	n.hooksMu.RLock()
	fn := n.onLost
	n.hooksMu.RUnlock()
	if fn != nil {
		go fn(pid.String())
	}
}

// Close stops discovery and shuts the host down.
func (n *Host) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.cancel()
	if n.mdns != nil {
		if err := n.mdns.Close(); err != nil {
			n.logger.Debug("mdns close", "error", err)
		}
	}
	return n.host.Close()
}
