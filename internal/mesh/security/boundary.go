// Package security implements the signing boundary the mesh consumes: Ed25519
// signatures over BLAKE3 digests, a provisioned attestation registry, and
// operator approval checks for privileged offline-store operations.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"lukechampine.com/blake3"
)

// Digest hashes the concatenation of parts with BLAKE3-256.
func Digest(parts ...[]byte) common.Hash {
	h := blake3.New(32, nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Boundary signs with a locally held Ed25519 key. Callers only see the
// common.SecurityBoundary surface.
type Boundary struct {
	nodeID   string
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	registry *Registry
	logger   *slog.Logger
}

var _ common.SecurityBoundary = (*Boundary)(nil)

// NewBoundary wraps an Ed25519 private key. A nil registry attests nothing.
func NewBoundary(nodeID string, priv ed25519.PrivateKey, registry *Registry, logger *slog.Logger) (*Boundary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(priv))
	}
	if registry == nil {
		registry = NewRegistry()
	}

	return &Boundary{
		nodeID:   nodeID,
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
		registry: registry,
		logger:   logger.With("component", "security"),
	}, nil
}

// GenerateBoundary creates a boundary around a fresh key.
func GenerateBoundary(nodeID string, registry *Registry, logger *slog.Logger) (*Boundary, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}
	return NewBoundary(nodeID, priv, registry, logger)
}

// Sign signs the BLAKE3 digest of payload.
func (b *Boundary) Sign(payload []byte) ([]byte, error) {
	if b.priv == nil {
		return nil, errors.New("signing key not initialized")
	}
	digest := Digest(payload)
	return ed25519.Sign(b.priv, digest[:]), nil
}

// Verify checks a signature produced by Sign.
func (b *Boundary) Verify(payload, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	digest := Digest(payload)
	return ed25519.Verify(ed25519.PublicKey(publicKey), digest[:], signature)
}

// Attest looks the node up in the provisioned registry.
func (b *Boundary) Attest(nodeID string) common.AttestationResult {
	level := b.registry.Level(nodeID)
	result := common.AttestationResult{
		NodeID:   nodeID,
		Level:    level,
		Verified: level != common.AttestationNone,
	}
	b.logger.Debug("attestation", "node_id", nodeID, "level", level.String())
	return result
}

// PublicKey returns the local verification key.
func (b *Boundary) PublicKey() []byte {
	return append([]byte(nil), b.pub...)
}

// NodeID returns the identity this boundary signs for.
func (b *Boundary) NodeID() string {
	return b.nodeID
}

// CalculateTrustScore blends attestation trust with routing behavior and
// penalizes signature failures.
func CalculateTrustScore(level common.AttestationLevel, signatureFailures, successfulRoutes, failedRoutes uint32) float64 {
	routeSuccess := 0.5 // neutral for new peers
	if total := successfulRoutes + failedRoutes; total > 0 {
		routeSuccess = float64(successfulRoutes) / float64(total)
	}
	penalty := math.Min(float64(signatureFailures)*0.1, 0.5)
	trust := level.Trust()*0.6 + routeSuccess*0.4 - penalty
	return math.Max(0, math.Min(1, trust))
}
