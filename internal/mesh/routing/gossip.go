// Package routing carries state-root gossip, fork resolution and
// trust-weighted path selection for the mesh.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/peers"
	"github.com/google/uuid"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// GossipConfig holds gossip configuration
type GossipConfig struct {
	Fanout            int           `mapstructure:"fanout" yaml:"fanout" validate:"gte=1"`
	MessageTTL        time.Duration `mapstructure:"message_ttl" yaml:"message_ttl" validate:"gt=0"`
	MaxHops           uint32        `mapstructure:"max_hops" yaml:"max_hops" validate:"gte=1"`
	DedupCapacity     int           `mapstructure:"dedup_capacity" yaml:"dedup_capacity" validate:"gte=1"`
	SendTimeout       time.Duration `mapstructure:"send_timeout" yaml:"send_timeout" validate:"gt=0"`
	ForkRetryLimit    int           `mapstructure:"fork_retry_limit" yaml:"fork_retry_limit" validate:"gte=1"`
	ForkRetryInterval time.Duration `mapstructure:"fork_retry_interval" yaml:"fork_retry_interval" validate:"gt=0"`
	ViewRetention     uint64        `mapstructure:"view_retention" yaml:"view_retention" validate:"gte=1"`
	BloomFalsePosRate float64       `mapstructure:"bloom_false_pos_rate" yaml:"bloom_false_pos_rate" validate:"gt=0,lt=1"`
	RateLimit         struct {
		MessagesPerSecond int64 `mapstructure:"messages_per_second" yaml:"messages_per_second" validate:"gte=1"`
		BurstSize         int64 `mapstructure:"burst_size" yaml:"burst_size" validate:"gte=1"`
	} `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// DefaultGossipConfig returns production defaults
func DefaultGossipConfig() GossipConfig {
	config := GossipConfig{
		Fanout:            3,
		MessageTTL:        60 * time.Second,
		MaxHops:           10,
		DedupCapacity:     10000,
		SendTimeout:       2 * time.Second,
		ForkRetryLimit:    3,
		ForkRetryInterval: 2 * time.Second,
		ViewRetention:     64,
		BloomFalsePosRate: 0.01,
	}

	config.RateLimit.MessagesPerSecond = 50
	config.RateLimit.BurstSize = 200

	return config
}

// Outcome classifies what OnMessageReceived did with a message.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeDuplicate
	OutcomeRejected
	OutcomeForkDetected
	OutcomePeerAhead
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeForkDetected:
		return "fork_detected"
	case OutcomePeerAhead:
		return "peer_ahead"
	default:
		return "rejected"
	}
}

// GossipMetrics tracks gossip counters
type GossipMetrics struct {
	MessagesSent      uint64    `json:"messages_sent"`
	MessagesReceived  uint64    `json:"messages_received"`
	Accepted          uint64    `json:"accepted"`
	DuplicateMessages uint64    `json:"duplicate_messages"`
	Rejected          uint64    `json:"rejected"`
	FailedSignatures  uint64    `json:"failed_signatures"`
	Replays           uint64    `json:"replays"`
	RateLimited       uint64    `json:"rate_limited"`
	SendFailures      uint64    `json:"send_failures"`
	ForksDetected     uint64    `json:"forks_detected"`
	BranchSyncs       uint64    `json:"branch_syncs"`
	BranchOffers      uint64    `json:"branch_offers"`
	StartTime         time.Time `json:"start_time"`
}

// Reorg is emitted when the local chain lost a fork.
type Reorg struct {
	Height   uint64
	Local    common.Hash
	Winner   common.Hash
	SyncPeer string
}

// ConsensusView is the best-supported root the engine has observed.
type ConsensusView struct {
	Height     uint64
	Root       common.Hash
	Supporters int
}

type localState struct {
	height         uint64
	root           common.Hash
	attestedBlocks uint64
	announcement   *common.GossipMessage
	announcedAt    time.Time
}

// GossipEngine disseminates signed state roots and resolves forks.
type GossipEngine struct {
	nodeID       string
	selfAttested bool

	peers     *peers.Table
	boundary  common.SecurityBoundary
	transport common.Transport
	sink      common.EventSink

	seen *SeenCache

	// Rate limiting (Token Bucket), keyed by relaying peer
	limiter      *limiter.TokenBucket
	limiterStore store.Store
	rateMu       sync.RWMutex

	stateMu    sync.RWMutex
	local      localState
	views      map[uint64]map[common.Hash]*branchView
	forks      map[uint64]*forkRecord
	unverified []common.HeightRange
	maxHeight  uint64

	onReorg func(Reorg)

	metrics   GossipMetrics
	metricsMu sync.RWMutex

	sends sync.WaitGroup

	config GossipConfig
	now    common.Clock

	logger *slog.Logger
}

// NewGossipEngine wires the engine to the peer table and security boundary.
func NewGossipEngine(nodeID string, table *peers.Table, boundary common.SecurityBoundary, transport common.Transport, config GossipConfig, logger *slog.Logger) (*GossipEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if table == nil || boundary == nil || transport == nil {
		return nil, common.NewMeshError(common.ErrCodeInvalidConfig, "gossip requires peer table, boundary and transport")
	}

	g := &GossipEngine{
		nodeID:       nodeID,
		selfAttested: boundary.Attest(nodeID).Verified,
		peers:        table,
		boundary:     boundary,
		transport:    transport,
		sink:         common.NopSink{},
		seen:         NewSeenCache(config.DedupCapacity, config.MessageTTL, config.BloomFalsePosRate),
		views:        make(map[uint64]map[common.Hash]*branchView),
		forks:        make(map[uint64]*forkRecord),
		config:       config,
		now:          time.Now,
		logger:       logger.With("component", "gossip", "node_id", shortID(nodeID)),
	}

	g.limiterStore = store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     config.RateLimit.MessagesPerSecond,
			Duration: time.Second,
			Burst:    config.RateLimit.BurstSize,
		},
		g.limiterStore,
	)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInvalidConfig, "rate limiter", err)
	}
	g.limiter = tb
	g.metrics.StartTime = g.now()

	return g, nil
}

// SetClock overrides the time source.
func (g *GossipEngine) SetClock(clock common.Clock) {
	g.now = clock
	g.seen.SetClock(clock)
}

// SetSink routes security events to sink.
func (g *GossipEngine) SetSink(sink common.EventSink) {
	if sink != nil {
		g.sink = sink
	}
}

// OnReorg registers the callback invoked when the local branch loses a fork.
func (g *GossipEngine) OnReorg(fn func(Reorg)) {
	g.stateMu.Lock()
	g.onReorg = fn
	g.stateMu.Unlock()
}

// WaitForSends blocks until forwarded sends have completed.
func (g *GossipEngine) WaitForSends() {
	g.sends.Wait()
}

// PublishLocalRoot signs and announces the local chain head.
func (g *GossipEngine) PublishLocalRoot(ctx context.Context, height uint64, root common.Hash, attestedBlocks uint64) (*common.GossipMessage, error) {
	g.stateMu.RLock()
	current := g.local
	g.stateMu.RUnlock()
	if current.announcement != nil && height < current.height {
		return nil, common.ErrStateInvalid("publish_local_root",
			fmt.Sprintf("height %d behind local %d", height, current.height))
	}

	msg, err := g.newAnnouncement(height, root, attestedBlocks)
	if err != nil {
		return nil, err
	}

	g.stateMu.Lock()
	g.local = localState{
		height:         height,
		root:           root,
		attestedBlocks: attestedBlocks,
		announcement:   msg,
		announcedAt:    g.now(),
	}
	g.recordSupportLocked(height, root, g.nodeID, g.selfAttested, attestedBlocks)
	g.confirmIfWinnerLocked(height, root)
	forked := len(g.views[height]) > 1
	g.stateMu.Unlock()

	if forked {
		g.evaluateFork(height)
	}

	g.fanout(msg, "")
	g.logger.Debug("published local root", "height", height, "root", root.Short())
	return cloneMessage(msg), nil
}

func (g *GossipEngine) newAnnouncement(height uint64, root common.Hash, attestedBlocks uint64) (*common.GossipMessage, error) {
	msg := &common.GossipMessage{
		MessageID:      uuid.NewString(),
		SenderID:       g.nodeID,
		Height:         height,
		MerkleRoot:     root,
		AttestedBlocks: attestedBlocks,
		Timestamp:      g.now(),
		MaxHops:        g.config.MaxHops,
	}
	sig, err := g.boundary.Sign(common.GossipSigningBytes(msg))
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInvalidSignature, "sign gossip", err)
	}
	msg.Signature = sig
	g.seen.Mark(msg.MessageID)
	return msg, nil
}

// OnMessageReceived validates a gossip message delivered by from, records the
// root it announces, and relays it. from is the transport-level peer; the
// message sender may be further away.
func (g *GossipEngine) OnMessageReceived(ctx context.Context, from string, msg *common.GossipMessage) (Outcome, error) {
	g.metricsMu.Lock()
	g.metrics.MessagesReceived++
	g.metricsMu.Unlock()

	if msg == nil {
		return g.reject(common.NewMeshError(common.ErrCodeMalformedFrame, "nil gossip message"))
	}

	if !g.checkRateLimit(from) {
		g.metricsMu.Lock()
		g.metrics.RateLimited++
		g.metricsMu.Unlock()
		g.logger.Debug("rate limited", "peer_id", shortID(from))
		return g.reject(common.NewMeshError(common.ErrCodeRateLimited, "relay exceeded gossip rate").
			WithContext("peer_id", from))
	}

	if msg.SenderID == g.nodeID || g.seen.Seen(msg.MessageID) {
		g.metricsMu.Lock()
		g.metrics.DuplicateMessages++
		g.metricsMu.Unlock()
		return OutcomeDuplicate, nil
	}

	age := g.now().Sub(msg.Timestamp)
	if age > g.config.MessageTTL || -age > g.config.MessageTTL {
		g.metricsMu.Lock()
		g.metrics.Replays++
		g.metricsMu.Unlock()
		g.penalize(from)
		g.emit(common.SecurityReplayDetected, from, fmt.Sprintf("message %s age %s", msg.MessageID, age.Round(time.Millisecond)))
		return g.reject(common.ErrReplay(msg.MessageID, age.Round(time.Millisecond).String()))
	}

	if msg.MaxHops == 0 || msg.MaxHops > g.config.MaxHops || msg.HopCount > msg.MaxHops {
		return g.reject(common.NewMeshError(common.ErrCodeMaxHopsExceeded, "hop budget exceeded").
			WithContext("hop_count", msg.HopCount).
			WithContext("max_hops", msg.MaxHops))
	}

	sender, ok := g.peers.Get(msg.SenderID)
	if !ok {
		return g.reject(common.ErrPeerMissing(msg.SenderID))
	}

	if !g.boundary.Verify(common.GossipSigningBytes(msg), msg.Signature, sender.PublicKey) {
		g.metricsMu.Lock()
		g.metrics.FailedSignatures++
		g.metricsMu.Unlock()
		g.penalize(from)
		g.emit(common.SecurityInvalidSignature, from, fmt.Sprintf("message %s claimed sender %s", msg.MessageID, shortID(msg.SenderID)))
		return g.reject(common.ErrSignatureInvalid(msg.MessageID, msg.SenderID))
	}
	if updated, err := g.peers.RecordVerification(msg.SenderID, true); err == nil {
		sender = updated
	}

	if !g.seen.MarkIfNew(msg.MessageID) {
		g.metricsMu.Lock()
		g.metrics.DuplicateMessages++
		g.metricsMu.Unlock()
		return OutcomeDuplicate, nil
	}

	g.stateMu.Lock()
	g.recordSupportLocked(msg.Height, msg.MerkleRoot, msg.SenderID, sender.AttestationVerified, msg.AttestedBlocks)
	forked := len(g.views[msg.Height]) > 1
	ahead := msg.Height > g.local.height
	g.stateMu.Unlock()

	outcome := OutcomeAccepted
	if forked {
		if g.evaluateFork(msg.Height) {
			outcome = OutcomeForkDetected
		}
	}
	if outcome == OutcomeAccepted && ahead {
		outcome = OutcomePeerAhead
	}

	g.metricsMu.Lock()
	g.metrics.Accepted++
	g.metricsMu.Unlock()

	if msg.HopCount < msg.MaxHops {
		relay := cloneMessage(msg)
		relay.HopCount++
		g.fanout(relay, from, msg.SenderID)
	}

	return outcome, nil
}

func (g *GossipEngine) reject(err error) (Outcome, error) {
	g.metricsMu.Lock()
	g.metrics.Rejected++
	g.metricsMu.Unlock()
	return OutcomeRejected, err
}

// penalize applies a verification failure to the delivering peer.
func (g *GossipEngine) penalize(peerID string) {
	if _, err := g.peers.RecordVerification(peerID, false); err != nil {
		g.logger.Debug("penalty skipped", "peer_id", shortID(peerID), "error", err)
	}
}

func (g *GossipEngine) emit(kind common.SecurityEventKind, peerID, detail string) {
	g.logger.Warn("security event", "kind", string(kind), "peer_id", shortID(peerID), "detail", detail)
	g.sink.PublishSecurityEvent(common.SecurityEvent{
		Kind:   kind,
		PeerID: peerID,
		Detail: detail,
		At:     g.now(),
	})
}

// checkRateLimit checks if a peer is rate limited
func (g *GossipEngine) checkRateLimit(peerID string) bool {
	g.rateMu.RLock()
	defer g.rateMu.RUnlock()
	return g.limiter.Allow(peerID)
}

// fanout pushes msg to up to Fanout eligible peers, skipping exclude.
// Sends are fire-and-forget under SendTimeout.
func (g *GossipEngine) fanout(msg *common.GossipMessage, exclude ...string) int {
	targets := g.selectTargets(g.config.Fanout, exclude...)
	if len(targets) == 0 {
		return 0
	}
	payload := common.MarshalGossip(msg)

	for _, peerID := range targets {
		g.send(peerID, common.TopicGossip, payload)
	}
	return len(targets)
}

func (g *GossipEngine) send(peerID, topic string, payload []byte) {
	g.sends.Add(1)
	go func() {
		defer g.sends.Done()

		ctx, cancel := context.WithTimeout(context.Background(), g.config.SendTimeout)
		defer cancel()

		if err := g.transport.Send(ctx, peerID, topic, payload); err != nil {
			g.metricsMu.Lock()
			g.metrics.SendFailures++
			g.metricsMu.Unlock()
			g.logger.Debug("gossip send failed", "peer_id", shortID(peerID), "topic", topic, "error", err)
			return
		}
		g.metricsMu.Lock()
		g.metrics.MessagesSent++
		g.metricsMu.Unlock()
	}()
}

func (g *GossipEngine) selectTargets(count int, exclude ...string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var candidates []string
	for _, p := range g.peers.RoutingPeers(0) {
		if _, ok := skip[p.NodeID]; ok {
			continue
		}
		candidates = append(candidates, p.NodeID)
	}
	if len(candidates) <= count {
		return candidates
	}

	selected := make([]string, 0, count)
	for _, idx := range rand.Perm(len(candidates))[:count] {
		selected = append(selected, candidates[idx])
	}
	return selected
}

// Tick re-announces the local root, expires the seen set and drives pending
// fork retries.
func (g *GossipEngine) Tick(ctx context.Context) {
	now := g.now()

	g.stateMu.RLock()
	local := g.local
	g.stateMu.RUnlock()

	if local.announcement != nil {
		msg := local.announcement
		if now.Sub(local.announcedAt) > g.config.MessageTTL/2 {
			fresh, err := g.newAnnouncement(local.height, local.root, local.attestedBlocks)
			if err != nil {
				g.logger.Warn("re-announce failed", "error", err)
			} else {
				g.stateMu.Lock()
				if g.local.height == local.height && g.local.root == local.root {
					g.local.announcement = fresh
					g.local.announcedAt = now
				}
				g.stateMu.Unlock()
				msg = fresh
			}
		}
		g.fanout(msg, "")
	}

	if removed := g.seen.CleanupExpired(); removed > 0 {
		g.logger.Debug("expired seen messages", "count", removed)
	}

	g.retryForks(now)
	g.pruneViews()
}

// HandleBranchSync answers a branch sync request by sending our current signed
// announcement back to the requester.
func (g *GossipEngine) HandleBranchSync(ctx context.Context, from string, req common.BranchSyncRequest) error {
	g.stateMu.RLock()
	msg := g.local.announcement
	g.stateMu.RUnlock()

	if msg == nil {
		return common.ErrStateInvalid("branch_sync", "no local root")
	}

	sendCtx, cancel := context.WithTimeout(ctx, g.config.SendTimeout)
	defer cancel()
	if err := g.transport.Send(sendCtx, from, common.TopicGossip, common.MarshalGossip(msg)); err != nil {
		return common.ErrLinkDown(from, err)
	}

	g.logger.Debug("answered branch sync", "peer_id", shortID(from), "height", req.Height)
	return nil
}

// ConsensusView returns the root with the most distinct supporters. Ties
// favor the greater height, then the smaller root.
func (g *GossipEngine) ConsensusView() (ConsensusView, bool) {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()

	var best ConsensusView
	found := false
	for height, branches := range g.views {
		for root, view := range branches {
			candidate := ConsensusView{Height: height, Root: root, Supporters: len(view.supporters)}
			if !found || betterView(candidate, best) {
				best = candidate
				found = true
			}
		}
	}
	return best, found
}

func betterView(a, b ConsensusView) bool {
	if a.Supporters != b.Supporters {
		return a.Supporters > b.Supporters
	}
	if a.Height != b.Height {
		return a.Height > b.Height
	}
	return compareHash(a.Root, b.Root) < 0
}

// LocalHead returns the last published height and root.
func (g *GossipEngine) LocalHead() (uint64, common.Hash) {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.local.height, g.local.root
}

// Metrics returns a copy of the counters.
func (g *GossipEngine) Metrics() GossipMetrics {
	g.metricsMu.RLock()
	defer g.metricsMu.RUnlock()
	return g.metrics
}

// Summary renders the status view of the engine.
func (g *GossipEngine) Summary() common.GossipSummary {
	m := g.Metrics()

	g.stateMu.RLock()
	forkOpen := false
	for _, rec := range g.forks {
		if !rec.resolved {
			forkOpen = true
			break
		}
	}
	ranges := append([]common.HeightRange(nil), g.unverified...)
	g.stateMu.RUnlock()

	return common.GossipSummary{
		SeenMessages:     g.seen.Len(),
		Accepted:         m.Accepted,
		Duplicates:       m.DuplicateMessages,
		Rejected:         m.Rejected,
		ForkDetected:     forkOpen,
		UnverifiedRanges: ranges,
	}
}

// UnverifiedRanges returns heights whose fork could not be confirmed.
func (g *GossipEngine) UnverifiedRanges() []common.HeightRange {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	out := append([]common.HeightRange(nil), g.unverified...)
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

func cloneMessage(msg *common.GossipMessage) *common.GossipMessage {
	out := *msg
	out.Signature = append([]byte(nil), msg.Signature...)
	return &out
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
