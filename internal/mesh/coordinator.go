// Package mesh wires the peer table, gossip engine, router, frequency hopper
// and offline store into one tactical mesh node.
package mesh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/bunker"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/peers"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/routing"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/security"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/spectral"
)

// SeedDialer is implemented by transports that can connect to seed peers.
type SeedDialer interface {
	DialSeed(ctx context.Context, addr string) error
}

// AnnouncementSource delivers channel announcements heard on the control
// channel.
type AnnouncementSource interface {
	Listen(ctx context.Context, handler func(*common.ChannelAnnouncement)) error
}

// Options carries the collaborators a Coordinator is built from.
type Options struct {
	Boundary   common.SecurityBoundary
	Transport  common.Transport
	Authorizer bunker.Authorizer
	// Backend overrides Config.StoragePath.
	Backend   bunker.Backend
	Sink      common.EventSink
	Announcer spectral.Announcer
	Clock     common.Clock
	Logger    *slog.Logger
}

// IngestResult reports what IngestEvent did with a payload.
type IngestResult struct {
	Offline bool
	Height  uint64
	Root    common.Hash
	Record  *bunker.Record
	Message *common.GossipMessage
}

// TickReport summarizes one maintenance pass.
type TickReport struct {
	Evicted       []string
	Ghosts        []string
	Hop           *spectral.HopResult
	Gossiped      bool
	RoutesRebuilt bool
	Routes        int
	BunkerState   bunker.State
}

type chainHead struct {
	height         uint64
	root           common.Hash
	attestedBlocks uint64
}

// Coordinator owns no business logic beyond dispatch: every decision is made
// by a subcomponent and its failures are returned unchanged.
type Coordinator struct {
	nodeID       string
	selfAttested bool

	table     *peers.Table
	gossip    *routing.GossipEngine
	router    *routing.Router
	hopper    *spectral.Hopper
	store     *bunker.Store
	backend   bunker.Backend
	boundary  common.SecurityBoundary
	transport common.Transport
	announcer spectral.Announcer

	sink   common.EventSink
	sinkMu sync.RWMutex

	ingestMu sync.Mutex
	chainMu  sync.Mutex
	chain    chainHead

	conduct *conductLog

	tickMu     sync.Mutex
	lastGossip time.Time
	lastRoute  time.Time
	lastStatus time.Time

	config Config
	now    common.Clock

	cancel   context.CancelFunc
	shutdown chan struct{}
	loops    sync.WaitGroup
	running  atomic.Bool
	logger   *slog.Logger
}

// New builds a coordinator. An empty StoragePath keeps the offline store in
// memory.
func New(config Config, opts Options) (*Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts.Boundary == nil || opts.Transport == nil {
		return nil, common.NewMeshError(common.ErrCodeInvalidConfig, "coordinator requires a security boundary and a transport")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sink := opts.Sink
	if sink == nil {
		sink = common.NopSink{}
	}

	c := &Coordinator{
		nodeID:       config.NodeID,
		selfAttested: opts.Boundary.Attest(config.NodeID).Verified,
		boundary:     opts.Boundary,
		transport:    opts.Transport,
		announcer:    opts.Announcer,
		sink:         sink,
		config:       config,
		now:          clock,
		shutdown:     make(chan struct{}),
		conduct:      newConductLog(4*config.Peers.MaxPeers, config.Router.PERThreshold),
		logger:       logger.With("component", "coordinator", "node_id", shortID(config.NodeID)),
	}

	c.table = peers.NewTable(config.NodeID, config.Peers, logger)
	c.table.SetClock(clock)
	c.table.OnRevoke(c.onRevocation)

	var err error
	c.gossip, err = routing.NewGossipEngine(config.NodeID, c.table, opts.Boundary, opts.Transport, config.Gossip, logger)
	if err != nil {
		return nil, err
	}
	c.gossip.SetClock(clock)
	c.gossip.SetSink(sink)
	c.gossip.OnReorg(c.onReorg)

	c.router = routing.NewRouter(config.NodeID, c.table, config.Router, logger)
	c.router.SetClock(clock)
	c.table.OnEligibilityLost(c.onEligibilityLost)

	c.hopper, err = spectral.NewHopper(config.NodeID, config.Spectral, opts.Boundary, c.table, logger)
	if err != nil {
		return nil, err
	}
	c.hopper.SetClock(clock)
	if c.announcer == nil {
		c.announcer = &transportAnnouncer{table: c.table, transport: opts.Transport}
	}
	c.hopper.SetAnnouncer(c.announcer)

	backend := opts.Backend
	if backend == nil {
		if config.StoragePath == "" {
			backend = bunker.NewMemoryBackend()
		} else {
			backend, err = bunker.OpenBadgerBackend(config.StoragePath, logger)
			if err != nil {
				return nil, common.WrapError(common.ErrCodeStorageFailed, "open offline store", err)
			}
		}
	}
	c.store, err = bunker.NewStore(backend, opts.Boundary, opts.Authorizer, config.Bunker, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	c.store.SetClock(clock)
	c.store.SetSink(sink)
	c.backend = backend
	if err := c.restoreChainHead(); err != nil {
		_ = c.store.Close()
		return nil, err
	}
	c.replayOfflineBlocks()

	c.registerHandlers()
	return c, nil
}

func (c *Coordinator) registerHandlers() {
	c.transport.RegisterHandler(common.TopicGossip, func(ctx context.Context, from string, payload []byte) {
		if _, err := c.HandleGossip(ctx, from, payload); err != nil {
			c.logger.Debug("gossip rejected", "peer_id", shortID(from), "error", err)
		}
	})
	c.transport.RegisterHandler(common.TopicBranchSync, func(ctx context.Context, from string, payload []byte) {
		if err := c.HandleBranchSync(ctx, from, payload); err != nil {
			c.logger.Debug("branch sync not served", "peer_id", shortID(from), "error", err)
		}
	})
	c.transport.RegisterHandler(common.TopicRouteAdvert, func(ctx context.Context, from string, payload []byte) {
		if err := c.HandleRouteAdvert(ctx, from, payload); err != nil {
			c.logger.Debug("route advert refused", "peer_id", shortID(from), "error", err)
		}
	})
	c.transport.RegisterHandler(common.TopicRevocation, func(ctx context.Context, from string, payload []byte) {
		if err := c.HandleRevocation(ctx, from, payload); err != nil {
			c.logger.Debug("revocation ignored", "peer_id", shortID(from), "error", err)
		}
	})
	c.transport.RegisterHandler(common.TopicChannelHop, func(ctx context.Context, from string, payload []byte) {
		ann, err := common.UnmarshalAnnouncement(payload)
		if err != nil {
			c.logger.Debug("malformed channel announcement", "peer_id", shortID(from), "error", err)
			return
		}
		if err := c.HandleChannelAnnouncement(ann); err != nil {
			c.logger.Debug("channel announcement rejected", "peer_id", shortID(from), "error", err)
		}
	})
}

// SetSink replaces the event sink on every component.
func (c *Coordinator) SetSink(sink common.EventSink) {
	if sink == nil {
		sink = common.NopSink{}
	}
	c.sinkMu.Lock()
	c.sink = sink
	c.sinkMu.Unlock()
	c.gossip.SetSink(sink)
	c.store.SetSink(sink)
}

func (c *Coordinator) eventSink() common.EventSink {
	c.sinkMu.RLock()
	defer c.sinkMu.RUnlock()
	return c.sink
}

// NodeID returns the local node ID.
func (c *Coordinator) NodeID() string { return c.nodeID }

// SeedPeers returns the configured seed addresses.
func (c *Coordinator) SeedPeers() []string {
	return append([]string(nil), c.config.SeedPeers...)
}

// Start dials the seed peers and runs the maintenance loop until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return common.ErrStateInvalid("start", "running")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	if dialer, ok := c.transport.(SeedDialer); ok {
		for _, addr := range c.config.SeedPeers {
			if err := dialer.DialSeed(ctx, addr); err != nil {
				c.logger.Warn("seed peer unreachable", "addr", addr, "error", err)
			}
		}
	}

	if src, ok := c.announcer.(AnnouncementSource); ok {
		c.loops.Add(1)
		go func() {
			defer c.loops.Done()
			err := src.Listen(ctx, func(ann *common.ChannelAnnouncement) {
				if ann.NodeID == c.nodeID {
					return
				}
				if err := c.HandleChannelAnnouncement(ann); err != nil {
					c.logger.Debug("channel announcement rejected", "node_id", shortID(ann.NodeID), "error", err)
				}
			})
			if err != nil {
				c.logger.Warn("control channel listener exited", "error", err)
			}
		}()
	}

	c.loops.Add(1)
	go c.maintenanceLoop(ctx)

	c.logger.Info("mesh coordinator started",
		"seed_peers", len(c.config.SeedPeers),
		"channel", c.hopper.CurrentChannel())
	return nil
}

func (c *Coordinator) maintenanceLoop(ctx context.Context) {
	defer c.loops.Done()
	ticker := time.NewTicker(c.config.Maintenance.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Tick(ctx, c.now())
		case <-c.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the maintenance loop and closes the transport and the offline
// store. In-flight fanout is not awaited.
func (c *Coordinator) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	close(c.shutdown)
	if c.cancel != nil {
		c.cancel()
	}
	c.loops.Wait()

	var errs []error
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if closer, ok := c.announcer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close control channel: %w", err))
		}
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close offline store: %w", err))
	}
	c.logger.Info("mesh coordinator stopped")
	return errors.Join(errs...)
}

// Close releases resources of a coordinator that was never started.
func (c *Coordinator) Close() error {
	if c.running.Load() {
		return c.Stop()
	}
	return errors.Join(c.transport.Close(), c.store.Close())
}

// AddPeer admits a discovered peer. Attestation is resolved through the
// security boundary; the caller's claim is ignored. Without a caller-supplied
// score the initial trust blends the attestation level with the conduct seen
// from the peer so far.
func (c *Coordinator) AddPeer(info common.PeerInfo) error {
	att := c.boundary.Attest(info.NodeID)
	info.AttestationVerified = att.Verified
	info.AttestationLevel = att.Level
	if att.Verified && info.TrustScore <= 0 {
		info.TrustScore = c.conduct.trust(info.NodeID, att.Level)
		if info.TrustScore < c.config.Peers.EvictionFloor {
			return common.NewMeshError(common.ErrCodeInvalidState, "peer conduct below eviction floor").
				WithContext("peer_id", info.NodeID).
				WithContext("trust", info.TrustScore)
		}
	}

	if err := c.table.AddPeer(info); err != nil {
		return err
	}
	c.reconcileBunker(context.Background())
	return nil
}

// RemovePeer drops a peer and everything routed through it.
func (c *Coordinator) RemovePeer(nodeID string) bool {
	if !c.table.Remove(nodeID) {
		return false
	}
	c.forgetPeer(nodeID)
	c.reconcileBunker(context.Background())
	return true
}

func (c *Coordinator) forgetPeer(nodeID string) {
	if lost := c.router.OnLinkFailure(nodeID); len(lost) > 0 {
		c.logger.Info("routes lost with peer", "peer_id", shortID(nodeID), "destinations", len(lost))
	}
	c.hopper.ForgetPeer(nodeID)
}

// Peers returns a snapshot of the peer table.
func (c *Coordinator) Peers() []common.PeerInfo {
	return c.table.Snapshot()
}

// Routes returns the current route table.
func (c *Coordinator) Routes() []common.RouteEntry {
	return c.router.Routes()
}

// RouteFor resolves the next hop toward destination.
func (c *Coordinator) RouteFor(destination string) (common.RouteEntry, error) {
	return c.router.RouteFor(destination)
}

// IngestEvent appends payload to the local hash chain. While the node is in
// bunker mode the new block goes to the offline store; otherwise the new root
// is published to the mesh.
func (c *Coordinator) IngestEvent(ctx context.Context, payload []byte) (IngestResult, error) {
	c.ingestMu.Lock()
	defer c.ingestMu.Unlock()

	c.chainMu.Lock()
	prev := c.chain
	leaf := security.Digest(payload)
	next := chainHead{
		height:         prev.height + 1,
		root:           security.Digest(prev.root[:], leaf[:]),
		attestedBlocks: prev.attestedBlocks,
	}
	if c.selfAttested {
		next.attestedBlocks++
	}

	if c.offline() {
		defer c.chainMu.Unlock()
		if c.store.State() == bunker.StateConnected {
			c.store.EnterOffline()
		}
		rec, err := c.store.AppendRecord(bunker.KindBlock, next.height, payload)
		if err != nil {
			return IngestResult{}, err
		}
		c.chain = next
		c.persistChainHead()
		return IngestResult{Offline: true, Height: next.height, Root: next.root, Record: &rec}, nil
	}

	// chainMu is released before publishing: a fork lost at this height
	// rewrites the head through onReorg.
	c.chain = next
	c.persistChainHead()
	c.chainMu.Unlock()

	msg, err := c.gossip.PublishLocalRoot(ctx, next.height, next.root, next.attestedBlocks)
	if err != nil {
		c.chainMu.Lock()
		if c.chain == next {
			c.chain = prev
			c.persistChainHead()
		}
		c.chainMu.Unlock()
		return IngestResult{}, err
	}
	return IngestResult{Height: next.height, Root: next.root, Message: msg}, nil
}

// RecordEvent queues a telemetry or C2 event in the offline store without
// extending the hash chain. Events wait there for operator-authorized sync.
func (c *Coordinator) RecordEvent(payload []byte) (bunker.Record, error) {
	if len(payload) == 0 {
		return bunker.Record{}, common.NewMeshError(common.ErrCodeMalformedFrame, "empty event payload")
	}
	return c.store.AppendRecord(bunker.KindEvent, 0, payload)
}

// UnsyncedData returns the offline backlog split into chain blocks, ordered
// by height, and events, ordered by sequence.
func (c *Coordinator) UnsyncedData() (blocks, events []bunker.Record) {
	return c.store.UnsyncedRecords(bunker.KindBlock), c.store.UnsyncedRecords(bunker.KindEvent)
}

const metaChainHead = "chain_head"

func (c *Coordinator) restoreChainHead() error {
	raw, err := c.backend.GetMeta(metaChainHead)
	if err != nil {
		return common.WrapError(common.ErrCodeStorageFailed, "load chain head", err)
	}
	if raw == nil {
		return nil
	}
	if len(raw) != 16+len(common.Hash{}) {
		return common.NewMeshError(common.ErrCodeStorageFailed, "chain head record malformed").
			WithContext("length", len(raw))
	}
	c.chain.height = binary.BigEndian.Uint64(raw[:8])
	c.chain.attestedBlocks = binary.BigEndian.Uint64(raw[8:16])
	c.chain.root = common.HashFromBytes(raw[16:])
	c.logger.Info("chain head restored", "height", c.chain.height, "root", c.chain.root.Short())
	return nil
}

// replayOfflineBlocks extends the restored head with blocks the offline store
// accepted after the head was last persisted.
func (c *Coordinator) replayOfflineBlocks() {
	latest, ok := c.store.LatestHeight()
	if !ok || latest <= c.chain.height {
		return
	}
	from := c.chain.height
	for _, rec := range c.store.UnsyncedRecords(bunker.KindBlock) {
		if rec.Height != c.chain.height+1 {
			continue
		}
		leaf := security.Digest(rec.Payload)
		c.chain.root = security.Digest(c.chain.root[:], leaf[:])
		c.chain.height = rec.Height
		if c.selfAttested {
			c.chain.attestedBlocks++
		}
	}
	if c.chain.height != latest {
		c.logger.Error("offline blocks not contiguous with chain head",
			"head", c.chain.height,
			"latest_stored", latest)
	}
	c.persistChainHead()
	c.logger.Warn("chain head replayed from offline store", "from", from, "to", c.chain.height)
}

// persistChainHead must be called with chainMu held.
func (c *Coordinator) persistChainHead() {
	raw := make([]byte, 16, 16+len(c.chain.root))
	binary.BigEndian.PutUint64(raw[:8], c.chain.height)
	binary.BigEndian.PutUint64(raw[8:16], c.chain.attestedBlocks)
	raw = append(raw, c.chain.root[:]...)
	if err := c.backend.PutMeta(metaChainHead, raw); err != nil {
		c.logger.Error("chain head not persisted", "height", c.chain.height, "error", err)
	}
}

func (c *Coordinator) offline() bool {
	return c.table.BunkerMode() || c.store.State() != bunker.StateConnected
}

// IngestLinkSample feeds a radio measurement to the peer table, the router
// and the hopper.
func (c *Coordinator) IngestLinkSample(sample common.LinkSample) (*spectral.HopResult, error) {
	if sample.At.IsZero() {
		sample.At = c.now()
	}
	if err := c.table.RecordHeartbeat(sample.PeerID, sample.Latency); err != nil {
		return nil, err
	}
	c.conduct.linkSample(sample.PeerID, sample.PER)

	if c.router.UpdateLink(sample) {
		lost := c.router.OnLinkFailure(sample.PeerID)
		c.logger.Warn("link failed, rerouting", "peer_id", shortID(sample.PeerID), "lost", len(lost))
	} else if c.degradedVia(sample.PeerID) {
		reachable := c.router.RebuildRoutes()
		c.logger.Info("degraded link, routes recomputed", "peer_id", shortID(sample.PeerID), "reachable", reachable)
	}

	hop, err := c.hopper.ObservePER(sample.PER, sample.At)
	if err != nil {
		return nil, err
	}
	if hop != nil {
		c.eventSink().PublishSecurityEvent(common.SecurityEvent{
			Kind:   common.SecurityJamming,
			PeerID: sample.PeerID,
			Detail: fmt.Sprintf("hopped %d -> %d", hop.Previous, hop.Channel),
			At:     hop.At,
		})
		c.publishStatus()
	}
	return hop, nil
}

// degradedVia reports whether a route through peerID has crossed the PER
// threshold.
func (c *Coordinator) degradedVia(peerID string) bool {
	for _, route := range c.router.Routes() {
		if route.NextHop == peerID && c.router.NeedsReroute(route.Destination, c.config.Router.PERThreshold) {
			return true
		}
	}
	return false
}

// HandleGossip decodes and processes a gossip message relayed by from.
func (c *Coordinator) HandleGossip(ctx context.Context, from string, payload []byte) (routing.Outcome, error) {
	msg, err := common.UnmarshalGossip(payload)
	if err != nil {
		return routing.OutcomeRejected, common.WrapError(common.ErrCodeMalformedFrame, "decode gossip", err)
	}
	if err := c.table.RecordHeartbeat(from, 0); err != nil {
		c.logger.Debug("gossip from unknown relay", "peer_id", shortID(from), "error", err)
	}
	outcome, err := c.gossip.OnMessageReceived(ctx, from, msg)
	if errors.Is(err, common.ErrInvalidSignature) {
		c.conduct.signatureFailed(from)
	}
	return outcome, err
}

// HandleBranchSync answers a peer's branch request.
func (c *Coordinator) HandleBranchSync(ctx context.Context, from string, payload []byte) error {
	req, err := common.UnmarshalBranchSync(payload)
	if err != nil {
		return common.WrapError(common.ErrCodeMalformedFrame, "decode branch sync", err)
	}
	return c.gossip.HandleBranchSync(ctx, from, req)
}

// HandleRouteAdvert installs a neighbor's advertised routes.
func (c *Coordinator) HandleRouteAdvert(ctx context.Context, from string, payload []byte) error {
	adverts, err := common.UnmarshalAdverts(payload)
	if err != nil {
		return common.WrapError(common.ErrCodeMalformedFrame, "decode route advert", err)
	}
	if err := c.router.UpdateAdvertisement(from, adverts); err != nil {
		return err
	}
	c.router.RebuildRoutes()
	return nil
}

// HandleChannelAnnouncement verifies a hop announcement against the sender's
// key and records the channel it moved to.
func (c *Coordinator) HandleChannelAnnouncement(ann *common.ChannelAnnouncement) error {
	if ann == nil {
		return common.NewMeshError(common.ErrCodeMalformedFrame, "nil announcement")
	}
	peer, ok := c.table.Get(ann.NodeID)
	if !ok {
		return common.ErrPeerMissing(ann.NodeID)
	}
	if !c.boundary.Verify(common.AnnouncementSigningBytes(ann), ann.Signature, peer.PublicKey) {
		c.conduct.signatureFailed(ann.NodeID)
		if _, err := c.table.RecordVerification(ann.NodeID, false); err != nil {
			c.logger.Debug("trust update skipped", "peer_id", shortID(ann.NodeID), "error", err)
		}
		c.eventSink().PublishSecurityEvent(common.SecurityEvent{
			Kind:   common.SecurityInvalidSignature,
			PeerID: ann.NodeID,
			Detail: "channel announcement signature invalid",
			At:     c.now(),
		})
		return common.ErrSignatureInvalid(fmt.Sprintf("hop-%d", ann.Epoch), ann.NodeID)
	}

	c.hopper.ObservePeerChannel(ann.NodeID, ann.Channel, c.now())
	return c.table.RecordHeartbeat(ann.NodeID, 0)
}

// HandleRevocation processes a revocation broadcast by from. The claim is
// advisory: it is surfaced, and decays the subject's trust only when the
// reporter is itself eligible.
func (c *Coordinator) HandleRevocation(ctx context.Context, from string, payload []byte) error {
	ev, err := common.UnmarshalRevocation(payload)
	if err != nil {
		return common.WrapError(common.ErrCodeMalformedFrame, "decode revocation", err)
	}
	reporter, ok := c.table.Get(from)
	if !ok {
		return common.ErrPeerMissing(from)
	}

	c.eventSink().PublishSecurityEvent(common.SecurityEvent{
		Kind:   common.SecurityRemoteRevocation,
		PeerID: ev.NodeID,
		Detail: fmt.Sprintf("revoked by %s: %s", shortID(from), ev.Reason),
		At:     c.now(),
	})
	if ev.NodeID == c.nodeID || !reporter.RoutingEligible() {
		return nil
	}
	if _, ok := c.table.Get(ev.NodeID); !ok {
		return nil
	}
	_, err = c.table.RecordVerification(ev.NodeID, false)
	return err
}

// onRevocation runs for every local trust eviction.
func (c *Coordinator) onRevocation(ev common.RevocationEvent) {
	c.forgetPeer(ev.NodeID)
	c.eventSink().PublishRevocation(ev)

	payload := common.MarshalRevocation(ev)
	for _, peer := range c.table.RoutingPeers(0) {
		go func(peerID string) {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Maintenance.SendTimeout)
			defer cancel()
			if err := c.transport.Send(ctx, peerID, common.TopicRevocation, payload); err != nil {
				c.logger.Debug("revocation broadcast failed", "peer_id", shortID(peerID), "error", err)
			}
		}(peer.NodeID)
	}
}

// onEligibilityLost rebuilds routes as soon as a peer leaves the routing set.
func (c *Coordinator) onEligibilityLost(nodeID string) {
	reachable := c.router.RebuildRoutes()
	c.logger.Info("routes rebuilt after eligibility loss", "peer_id", shortID(nodeID), "reachable", reachable)
}

func (c *Coordinator) onReorg(r routing.Reorg) {
	c.chainMu.Lock()
	if c.chain.height == r.Height && c.chain.root == r.Local {
		c.chain.root = r.Winner
		c.persistChainHead()
	}
	c.chainMu.Unlock()
	c.logger.Warn("local branch lost fork",
		"height", r.Height,
		"local", r.Local.Short(),
		"winner", r.Winner.Short(),
		"sync_peer", shortID(r.SyncPeer))
}

// ForkWinner returns the winning root at a contested height.
func (c *Coordinator) ForkWinner(height uint64) (common.Hash, bool) {
	return c.gossip.ForkWinner(height)
}

// ConfirmBranch is called once the winning branch at height has been fetched.
func (c *Coordinator) ConfirmBranch(height uint64, root common.Hash) error {
	return c.gossip.ConfirmBranch(height, root)
}

// AuthorizeSync releases the offline backlog under operator approval.
func (c *Coordinator) AuthorizeSync(approvalSig []byte) (bunker.SyncBatch, error) {
	return c.store.AuthorizeSync(approvalSig)
}

// SyncChallenge returns the bytes the operator must sign for AuthorizeSync.
func (c *Coordinator) SyncChallenge() []byte {
	return c.store.SyncChallenge()
}

// ConfirmSync marks uploaded records synced. When that completes the bunker
// exit, the local head is announced.
func (c *Coordinator) ConfirmSync(ctx context.Context, token string, seqs []uint64) error {
	before := c.store.State()
	if err := c.store.ConfirmSync(token, seqs); err != nil {
		return err
	}
	if before != bunker.StateConnected && c.store.State() == bunker.StateConnected {
		c.publishHead(ctx)
	}
	return nil
}

// Store exposes the offline store for operator tooling.
func (c *Coordinator) Store() *bunker.Store { return c.store }

// reconcileBunker moves the offline store in step with peer availability.
func (c *Coordinator) reconcileBunker(ctx context.Context) bunker.State {
	state := c.store.State()
	isolated := c.table.BunkerMode()

	switch {
	case isolated && state != bunker.StateIsolated:
		c.store.EnterOffline()
	case !isolated && state == bunker.StateIsolated:
		c.store.Reconnected()
		if c.store.State() == bunker.StateConnected {
			c.publishHead(ctx)
		}
	}
	return c.store.State()
}

func (c *Coordinator) publishHead(ctx context.Context) {
	c.chainMu.Lock()
	head := c.chain
	c.chainMu.Unlock()
	if head.height == 0 {
		return
	}
	if _, err := c.gossip.PublishLocalRoot(ctx, head.height, head.root, head.attestedBlocks); err != nil {
		c.logger.Warn("head announcement failed", "height", head.height, "error", err)
	}
}

// Tick runs one maintenance pass: stale eviction, bunker reconciliation,
// gossip and route refresh on their own intervals, and hop evaluation.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) TickReport {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	var report TickReport

	report.Evicted = c.table.EvictStale()
	for _, id := range report.Evicted {
		c.forgetPeer(id)
	}
	report.BunkerState = c.reconcileBunker(ctx)

	if now.Sub(c.lastGossip) >= c.config.Maintenance.GossipInterval {
		c.lastGossip = now
		c.gossip.Tick(ctx)
		report.Gossiped = true
	}

	report.Hop = c.hopper.Tick(now)
	report.Ghosts = c.hopper.EvaluateGhosts(now)

	if len(report.Ghosts) > 0 || now.Sub(c.lastRoute) >= c.config.Maintenance.RouteInterval {
		c.lastRoute = now
		c.router.PruneStale()
		report.Routes = c.router.RebuildRoutes()
		report.RoutesRebuilt = true
		c.advertiseRoutes()
	}

	if report.Hop != nil || now.Sub(c.lastStatus) >= c.config.Maintenance.StatusInterval {
		c.lastStatus = now
		c.publishStatus()
	}
	return report
}

// advertiseRoutes sends each direct neighbor the routes it may use through us.
func (c *Coordinator) advertiseRoutes() {
	for _, route := range c.router.Routes() {
		if len(route.Hops) != 1 {
			continue
		}
		neighbor := route.NextHop
		adverts := c.router.Advertisements(neighbor)
		if len(adverts) == 0 {
			continue
		}
		payload := common.MarshalAdverts(adverts)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Maintenance.SendTimeout)
			defer cancel()
			if err := c.transport.Send(ctx, neighbor, common.TopicRouteAdvert, payload); err != nil {
				c.logger.Debug("route advert failed", "peer_id", shortID(neighbor), "error", err)
			}
		}()
	}
}

func (c *Coordinator) publishStatus() {
	c.eventSink().PublishStatus(c.GetMeshStatus())
}

// transportAnnouncer carries hop announcements over the mesh transport when no
// dedicated control channel is configured.
type transportAnnouncer struct {
	table     *peers.Table
	transport common.Transport
}

func (a *transportAnnouncer) Announce(ctx context.Context, ann common.ChannelAnnouncement) error {
	payload := common.MarshalAnnouncement(&ann)
	var errs []error
	for _, peer := range a.table.RoutingPeers(0) {
		if err := a.transport.Send(ctx, peer.NodeID, common.TopicChannelHop, payload); err != nil {
			errs = append(errs, common.ErrLinkDown(peer.NodeID, err))
		}
	}
	return errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
