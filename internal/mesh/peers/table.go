// Package peers tracks known mesh peers and their decaying trust scores.
package peers

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
)

// Config tunes the peer table.
type Config struct {
	MaxPeers      int           `mapstructure:"max_peers" yaml:"max_peers" validate:"gte=1"`
	StaleAfter    time.Duration `mapstructure:"stale_after" yaml:"stale_after" validate:"gt=0"`
	VerifyReward  float64       `mapstructure:"verify_reward" yaml:"verify_reward" validate:"gt=0,lte=1"`
	FailureDecay  float64       `mapstructure:"failure_decay" yaml:"failure_decay" validate:"gt=0,lt=1"`
	EligibleTrust float64       `mapstructure:"eligible_trust" yaml:"eligible_trust" validate:"gt=0,lte=1"`
	EvictionFloor float64       `mapstructure:"eviction_floor" yaml:"eviction_floor" validate:"gte=0,ltfield=EligibleTrust"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPeers:      100,
		StaleAfter:    2 * time.Minute,
		VerifyReward:  0.05,
		FailureDecay:  0.5,
		EligibleTrust: common.TrustEligible,
		EvictionFloor: common.TrustEvictionFloor,
	}
}

// RevocationHook is called, outside the table lock, for every trust eviction.
type RevocationHook func(common.RevocationEvent)

// EligibilityHook is called, outside the table lock, when a peer that could
// carry routes drops below the eligibility threshold or turns ghost.
type EligibilityHook func(nodeID string)

// Table is the single owner of peer state. Mutations serialize on one write
// lock; readers get copies.
type Table struct {
	nodeID string

	peers   map[string]*common.PeerInfo
	peersMu sync.RWMutex

	onRevoke RevocationHook
	onLost   EligibilityHook
	now      common.Clock
	config   Config
	logger   *slog.Logger
}

// NewTable creates an empty peer table for the local node.
func NewTable(nodeID string, config Config, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}

	return &Table{
		nodeID: nodeID,
		peers:  make(map[string]*common.PeerInfo),
		now:    time.Now,
		config: config,
		logger: logger.With("component", "peers"),
	}
}

// SetClock overrides the time source.
func (t *Table) SetClock(clock common.Clock) {
	t.now = clock
}

// OnRevoke registers the revocation callback.
func (t *Table) OnRevoke(hook RevocationHook) {
	t.peersMu.Lock()
	t.onRevoke = hook
	t.peersMu.Unlock()
}

// OnEligibilityLost registers the callback for peers leaving the routing set.
func (t *Table) OnEligibilityLost(hook EligibilityHook) {
	t.peersMu.Lock()
	t.onLost = hook
	t.peersMu.Unlock()
}

// AddPeer inserts a newly discovered peer. Unattested peers start at zero trust.
func (t *Table) AddPeer(info common.PeerInfo) error {
	if info.NodeID == "" || info.NodeID == t.nodeID {
		return common.NewMeshError(common.ErrCodeInvalidPeerID, "invalid peer id").
			WithContext("peer_id", info.NodeID)
	}

	t.peersMu.Lock()
	defer t.peersMu.Unlock()

	if _, exists := t.peers[info.NodeID]; exists {
		return common.NewMeshError(common.ErrCodeDuplicatePeer, "peer already known").
			WithContext("peer_id", info.NodeID)
	}
	if len(t.peers) >= t.config.MaxPeers {
		return common.NewMeshError(common.ErrCodeCapacityExceeded, "peer table full").
			WithContext("max_peers", t.config.MaxPeers)
	}

	peer := info.Clone()
	if !peer.AttestationVerified {
		peer.TrustScore = 0.0
		peer.AttestationLevel = common.AttestationNone
	} else if peer.TrustScore <= 0 {
		peer.TrustScore = peer.AttestationLevel.Trust()
	}
	peer.TrustScore = clamp(peer.TrustScore)
	if peer.LastSeen.IsZero() {
		peer.LastSeen = t.now()
	}
	peer.Ghost = false
	peer.State = common.ClassifyTrust(peer.TrustScore, peer.AttestationVerified)
	t.peers[peer.NodeID] = &peer

	t.logger.Info("peer added",
		"peer_id", shortID(peer.NodeID),
		"trust", peer.TrustScore,
		"attested", peer.AttestationVerified,
		"state", peer.State.String())
	return nil
}

// Remove drops a peer without a revocation.
func (t *Table) Remove(nodeID string) bool {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()

	if _, ok := t.peers[nodeID]; !ok {
		return false
	}
	delete(t.peers, nodeID)
	return true
}

// UpdateTrust applies an additive delta clamped to [0,1]. A decrease that lands
// below the eviction floor revokes the peer.
func (t *Table) UpdateTrust(nodeID string, delta float64) (common.PeerInfo, error) {
	return t.mutateTrust(nodeID, func(score float64) float64 { return score + delta }, "trust adjustment")
}

// RecordVerification applies the signature verification policy: +reward capped
// at 1.0 on success, multiplicative decay on failure.
func (t *Table) RecordVerification(nodeID string, verified bool) (common.PeerInfo, error) {
	if verified {
		return t.mutateTrust(nodeID, func(score float64) float64 {
			return math.Min(1.0, score+t.config.VerifyReward)
		}, "signature verified")
	}
	return t.mutateTrust(nodeID, func(score float64) float64 {
		return score * t.config.FailureDecay
	}, "signature verification failed")
}

func (t *Table) mutateTrust(nodeID string, apply func(float64) float64, reason string) (common.PeerInfo, error) {
	t.peersMu.Lock()

	peer, ok := t.peers[nodeID]
	if !ok {
		t.peersMu.Unlock()
		return common.PeerInfo{}, common.ErrPeerMissing(nodeID)
	}

	before := peer.TrustScore
	peer.TrustScore = clamp(apply(before))
	peer.State = common.ClassifyTrust(peer.TrustScore, peer.AttestationVerified)

	var revocation *common.RevocationEvent
	if peer.TrustScore < before && peer.TrustScore < t.config.EvictionFloor {
		peer.State = common.TrustRevoked
		delete(t.peers, nodeID)
		revocation = &common.RevocationEvent{
			NodeID:     nodeID,
			RevokedBy:  t.nodeID,
			TrustScore: peer.TrustScore,
			Reason:     reason,
			At:         t.now(),
		}
	}
	snapshot := peer.Clone()
	hook := t.onRevoke
	lostHook := t.onLost
	t.peersMu.Unlock()

	if revocation != nil {
		t.logger.Warn("peer revoked",
			"peer_id", shortID(nodeID),
			"trust", snapshot.TrustScore,
			"reason", reason)
		if hook != nil {
			hook(*revocation)
		}
	} else if before >= t.config.EligibleTrust && snapshot.TrustScore < t.config.EligibleTrust {
		t.logger.Info("peer lost routing eligibility", "peer_id", shortID(nodeID), "trust", snapshot.TrustScore)
		if lostHook != nil && !snapshot.Ghost {
			lostHook(nodeID)
		}
	}

	return snapshot, nil
}

// RecordHeartbeat refreshes liveness and latency.
func (t *Table) RecordHeartbeat(nodeID string, latency time.Duration) error {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()

	peer, ok := t.peers[nodeID]
	if !ok {
		return common.ErrPeerMissing(nodeID)
	}
	peer.LastSeen = t.now()
	if latency > 0 {
		peer.Latency = latency
	}
	return nil
}

// MarkGhost flags a peer that failed to follow the hop schedule.
func (t *Table) MarkGhost(nodeID string, ghost bool) error {
	t.peersMu.Lock()
	peer, ok := t.peers[nodeID]
	if !ok {
		t.peersMu.Unlock()
		return common.ErrPeerMissing(nodeID)
	}
	lost := ghost && !peer.Ghost && peer.TrustScore >= t.config.EligibleTrust
	if peer.Ghost != ghost {
		t.logger.Info("peer ghost state changed", "peer_id", shortID(nodeID), "ghost", ghost)
	}
	peer.Ghost = ghost
	hook := t.onLost
	t.peersMu.Unlock()

	if lost && hook != nil {
		hook(nodeID)
	}
	return nil
}

// EvictStale removes peers not heard from within the staleness window.
func (t *Table) EvictStale() []string {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()

	cutoff := t.now().Add(-t.config.StaleAfter)
	var evicted []string
	for id, peer := range t.peers {
		if peer.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)

	if len(evicted) > 0 {
		t.logger.Info("evicted stale peers", "count", len(evicted))
	}
	return evicted
}

// Get returns a copy of one peer.
func (t *Table) Get(nodeID string) (common.PeerInfo, bool) {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()

	peer, ok := t.peers[nodeID]
	if !ok {
		return common.PeerInfo{}, false
	}
	return peer.Clone(), true
}

// Snapshot returns copies of all peers ordered by node ID.
func (t *Table) Snapshot() []common.PeerInfo {
	t.peersMu.RLock()
	out := make([]common.PeerInfo, 0, len(t.peers))
	for _, peer := range t.peers {
		out = append(out, peer.Clone())
	}
	t.peersMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// RoutingPeers returns eligible peers seen within maxAge. A zero maxAge skips
// the freshness check.
func (t *Table) RoutingPeers(maxAge time.Duration) []common.PeerInfo {
	now := t.now()
	var out []common.PeerInfo
	for _, peer := range t.Snapshot() {
		if peer.TrustScore < t.config.EligibleTrust || peer.Ghost {
			continue
		}
		if maxAge > 0 && now.Sub(peer.LastSeen) > maxAge {
			continue
		}
		out = append(out, peer)
	}
	return out
}

// TopPeers returns the n most trusted peers.
func (t *Table) TopPeers(n int) []common.PeerInfo {
	peers := t.Snapshot()
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].TrustScore > peers[j].TrustScore
	})
	if n < len(peers) {
		peers = peers[:n]
	}
	return peers
}

// Len returns the number of known peers.
func (t *Table) Len() int {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return len(t.peers)
}

// BunkerMode is true when no peers are known.
func (t *Table) BunkerMode() bool {
	return len(t.Snapshot()) == 0
}

// clamp bounds a score to [0,1] and rounds to 1e-9 so repeated rewards land
// exactly on the thresholds.
func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v*1e9) / 1e9
	return math.Max(0, math.Min(1, v))
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
