package common

import (
	"context"
	"encoding/hex"
	"time"
)

// Transport topics.
const (
	TopicGossip      = "gossip"
	TopicBranchSync  = "gossip.branch_sync"
	TopicRouteAdvert = "route.advert"
	TopicRevocation  = "peer.revocation"
	TopicChannelHop  = "spectral.hop"
)

// Trust thresholds.
const (
	// TrustEligible is the minimum score for routing and gossip fanout.
	TrustEligible = 0.5
	// TrustEvictionFloor evicts a peer whose score drops below it.
	TrustEvictionFloor = 0.1
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string { return h.String()[:8] }

// HashFromBytes copies b into a Hash. Inputs shorter than 32 bytes are zero padded.
func HashFromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

// AttestationLevel is the strength of a node's hardware identity proof.
type AttestationLevel int

const (
	AttestationNone AttestationLevel = iota
	AttestationSoftware
	AttestationTPM
)

func (l AttestationLevel) String() string {
	switch l {
	case AttestationTPM:
		return "tpm"
	case AttestationSoftware:
		return "software"
	default:
		return "none"
	}
}

// Trust is the baseline trust a level grants.
func (l AttestationLevel) Trust() float64 {
	switch l {
	case AttestationTPM:
		return 1.0
	case AttestationSoftware:
		return 0.7
	default:
		return 0.0
	}
}

// AttestationResult is returned by SecurityBoundary.Attest.
type AttestationResult struct {
	NodeID   string           `json:"node_id"`
	Level    AttestationLevel `json:"level"`
	Verified bool             `json:"verified"`
}

// SecurityBoundary is the signing capability the mesh calls out to. The mesh
// never holds private key material itself.
type SecurityBoundary interface {
	Sign(payload []byte) ([]byte, error)
	Verify(payload, signature, publicKey []byte) bool
	Attest(nodeID string) AttestationResult
	PublicKey() []byte
}

// TrustState is the discrete trust classification of a peer.
type TrustState int

const (
	TrustUnverified TrustState = iota
	TrustTrusted
	TrustSuspect
	TrustRevoked
)

func (s TrustState) String() string {
	switch s {
	case TrustTrusted:
		return "trusted"
	case TrustSuspect:
		return "suspect"
	case TrustRevoked:
		return "revoked"
	default:
		return "unverified"
	}
}

// ClassifyTrust derives the trust state of a live peer. TrustRevoked is only
// assigned on eviction.
func ClassifyTrust(score float64, attested bool) TrustState {
	switch {
	case !attested && score < TrustEligible:
		return TrustUnverified
	case score < TrustEligible:
		return TrustSuspect
	default:
		return TrustTrusted
	}
}

// PeerInfo describes a known peer. Values handed out by the peer table are
// copies.
type PeerInfo struct {
	NodeID              string           `json:"node_id"`
	TrustScore          float64          `json:"trust_score"`
	Latency             time.Duration    `json:"latency_ms"`
	LastSeen            time.Time        `json:"last_seen"`
	Address             string           `json:"address"`
	PublicKey           []byte           `json:"public_key"`
	AttestationVerified bool             `json:"attestation_verified"`
	AttestationLevel    AttestationLevel `json:"attestation_level"`
	Ghost               bool             `json:"ghost"`
	State               TrustState       `json:"state"`
}

// RoutingEligible reports whether the peer may carry traffic or gossip.
func (p PeerInfo) RoutingEligible() bool {
	return p.TrustScore >= TrustEligible && !p.Ghost
}

// Clone returns a deep copy.
func (p PeerInfo) Clone() PeerInfo {
	out := p
	if p.PublicKey != nil {
		out.PublicKey = append([]byte(nil), p.PublicKey...)
	}
	return out
}

// LinkSample is a per-peer link quality measurement pushed by the radio layer.
type LinkSample struct {
	PeerID  string        `json:"peer_id"`
	SNRdB   float64       `json:"snr_db"`
	PER     float64       `json:"per"`
	Latency time.Duration `json:"latency_ms"`
	At      time.Time     `json:"at"`
}

// GossipMessage announces a state root. It is immutable once signed, apart
// from HopCount which relays increment.
type GossipMessage struct {
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Height         uint64    `json:"height"`
	MerkleRoot     Hash      `json:"merkle_root"`
	AttestedBlocks uint64    `json:"attested_blocks"`
	Timestamp      time.Time `json:"timestamp"`
	HopCount       uint32    `json:"hop_count"`
	MaxHops        uint32    `json:"max_hops"`
	Signature      []byte    `json:"signature"`
}

// BranchSyncRequest asks a peer for its chain at a contested height.
type BranchSyncRequest struct {
	Height uint64 `json:"height"`
	Root   Hash   `json:"root"`
}

// RouteEntry is a computed route to a destination.
type RouteEntry struct {
	Destination string    `json:"destination"`
	NextHop     string    `json:"next_hop"`
	Cost        float64   `json:"cost"`
	Hops        []string  `json:"hops"`
	MinTrust    float64   `json:"min_trust"`
	LastUpdated time.Time `json:"last_updated"`
}

// RouteAdvert is a neighbor's claim that it reaches Destination at Cost.
type RouteAdvert struct {
	Destination string  `json:"destination"`
	Cost        float64 `json:"cost"`
}

// ChannelAnnouncement is broadcast on the control channel after a hop.
type ChannelAnnouncement struct {
	NodeID    string    `json:"node_id"`
	Epoch     uint64    `json:"epoch"`
	Channel   uint32    `json:"channel"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Signature []byte    `json:"signature"`
}

// SecurityEventKind classifies security-relevant incidents.
type SecurityEventKind string

const (
	SecurityInvalidSignature SecurityEventKind = "invalid_signature"
	SecurityReplayDetected   SecurityEventKind = "replay_detected"
	SecurityForkDetected     SecurityEventKind = "fork_detected"
	SecurityUnverifiedRange  SecurityEventKind = "unverified_range"
	SecurityChainBroken      SecurityEventKind = "chain_broken"
	SecuritySyncUnauthorized SecurityEventKind = "sync_unauthorized"
	SecurityJamming          SecurityEventKind = "jamming_detected"
	SecurityRemoteRevocation SecurityEventKind = "remote_revocation"
	SecurityBufferWarning    SecurityEventKind = "buffer_warning"
	SecurityBufferExhausted  SecurityEventKind = "buffer_exhausted"
)

// SecurityEvent is pushed to the external dashboard or log sink.
type SecurityEvent struct {
	Kind   SecurityEventKind `json:"kind"`
	PeerID string            `json:"peer_id,omitempty"`
	Detail string            `json:"detail"`
	At     time.Time         `json:"at"`
}

// RevocationEvent announces that a peer was evicted for low trust.
type RevocationEvent struct {
	NodeID     string    `json:"node_id"`
	RevokedBy  string    `json:"revoked_by"`
	TrustScore float64   `json:"trust_score"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// GapInfo summarizes the offline store backlog.
type GapInfo struct {
	Count       int     `json:"count"`
	Total       int     `json:"total"`
	Capacity    int     `json:"capacity"`
	ChainIntact bool    `json:"chain_intact"`
	Utilization float64 `json:"utilization"`
	Warning     bool    `json:"warning"`
	State       string  `json:"state"`
}

// HeightRange is an inclusive range of chain heights.
type HeightRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// GossipSummary is the gossip part of MeshStatus.
type GossipSummary struct {
	SeenMessages     int           `json:"seen_messages"`
	Accepted         uint64        `json:"accepted"`
	Duplicates       uint64        `json:"duplicates"`
	Rejected         uint64        `json:"rejected"`
	ForkDetected     bool          `json:"fork_detected"`
	UnverifiedRanges []HeightRange `json:"unverified_ranges,omitempty"`
}

// Consensus is the best-supported chain head the node has heard of.
type Consensus struct {
	Height     uint64 `json:"height"`
	Root       string `json:"root"`
	Supporters int    `json:"supporters"`
}

// MeshStatus is the aggregated read model exposed to callers.
type MeshStatus struct {
	NodeID          string        `json:"node_id"`
	BunkerMode      bool          `json:"bunker_mode"`
	JammingDetected bool          `json:"jamming_detected"`
	HopperState     string        `json:"hopper_state"`
	CurrentChannel  uint32        `json:"current_channel"`
	Epoch           uint64        `json:"epoch"`
	PeerCount       int           `json:"peer_count"`
	EligiblePeers   int           `json:"eligible_peers"`
	GhostPeers      int           `json:"ghost_peers"`
	RouteCount      int           `json:"route_count"`
	LocalHeight     uint64        `json:"local_height"`
	LocalRoot       string        `json:"local_root"`
	Consensus       *Consensus    `json:"consensus,omitempty"`
	TopPeers        []string      `json:"top_peers,omitempty"`
	Gossip          GossipSummary `json:"gossip"`
	Offline         GapInfo       `json:"offline"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// MessageHandler receives a payload delivered on a topic.
type MessageHandler func(ctx context.Context, from string, payload []byte)

// Transport delivers opaque payloads to peers by node ID.
type Transport interface {
	Send(ctx context.Context, peerID, topic string, payload []byte) error
	RegisterHandler(topic string, handler MessageHandler)
	Close() error
}

// EventSink receives status snapshots and security notifications.
type EventSink interface {
	PublishStatus(status MeshStatus)
	PublishSecurityEvent(event SecurityEvent)
	PublishRevocation(event RevocationEvent)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) PublishStatus(MeshStatus) {}

func (NopSink) PublishSecurityEvent(SecurityEvent) {}

func (NopSink) PublishRevocation(RevocationEvent) {}

// Clock returns the current time. Components take one so tests can pin time.
type Clock func() time.Time
