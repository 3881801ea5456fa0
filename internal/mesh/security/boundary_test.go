package security_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBoundary_SignVerify validates signatures over the BLAKE3 digest
func TestBoundary_SignVerify(t *testing.T) {
	b, err := security.GenerateBoundary("node-a", nil, nil)
	require.NoError(t, err)

	payload := []byte("state root 100")
	sig, err := b.Sign(payload)
	require.NoError(t, err)

	assert.True(t, b.Verify(payload, sig, b.PublicKey()))
	assert.False(t, b.Verify([]byte("state root 101"), sig, b.PublicKey()))

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0xff
	assert.False(t, b.Verify(payload, tampered, b.PublicKey()))

	other, err := security.GenerateBoundary("node-b", nil, nil)
	require.NoError(t, err)
	assert.False(t, b.Verify(payload, sig, other.PublicKey()))
	assert.False(t, b.Verify(payload, sig[:10], b.PublicKey()))
}

// TestDigest_Deterministic validates that digests depend only on content
func TestDigest_Deterministic(t *testing.T) {
	a := security.Digest([]byte("seed"), []byte{0, 0, 0, 1})
	b := security.Digest([]byte("seed"), []byte{0, 0, 0, 1})
	c := security.Digest([]byte("seed"), []byte{0, 0, 0, 2})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
}

// TestBoundary_Attest validates registry-backed attestation
func TestBoundary_Attest(t *testing.T) {
	reg := security.NewRegistry()
	reg.Register("tpm-node", common.AttestationTPM)
	reg.Register("sw-node", common.AttestationSoftware)

	b, err := security.GenerateBoundary("self", reg, nil)
	require.NoError(t, err)

	tpm := b.Attest("tpm-node")
	assert.True(t, tpm.Verified)
	assert.Equal(t, 1.0, tpm.Level.Trust())

	sw := b.Attest("sw-node")
	assert.True(t, sw.Verified)
	assert.Equal(t, 0.7, sw.Level.Trust())

	unknown := b.Attest("stranger")
	assert.False(t, unknown.Verified)
	assert.Equal(t, common.AttestationNone, unknown.Level)
}

// TestLoadRegistry validates the YAML provisioning format
func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attestation.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  alpha: tpm\n  bravo: software\n"), 0o600))

	reg, err := security.LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, common.AttestationTPM, reg.Level("alpha"))
	assert.Equal(t, common.AttestationSoftware, reg.Level("bravo"))

	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  alpha: quantum\n"), 0o600))
	_, err = security.LoadRegistry(path)
	assert.Error(t, err)
}

// TestApprovalVerifier validates operator approval over a challenge
func TestApprovalVerifier(t *testing.T) {
	node, err := security.GenerateBoundary("node", nil, nil)
	require.NoError(t, err)
	operator, err := security.GenerateBoundary("operator", nil, nil)
	require.NoError(t, err)

	verifier, err := security.NewApprovalVerifier(node, operator.PublicKey())
	require.NoError(t, err)

	challenge := []byte("sync challenge")
	approval, err := operator.Sign(challenge)
	require.NoError(t, err)
	forged, err := node.Sign(challenge)
	require.NoError(t, err)

	assert.True(t, verifier.Authorize(challenge, approval))
	assert.False(t, verifier.Authorize(challenge, forged))
	assert.False(t, verifier.Authorize([]byte("other"), approval))

	_, err = security.NewApprovalVerifier(node, []byte{1, 2, 3})
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}

// TestCalculateTrustScore validates the blended trust formula
func TestCalculateTrustScore(t *testing.T) {
	assert.InDelta(t, 0.8, security.CalculateTrustScore(common.AttestationTPM, 0, 0, 0), 1e-9)
	assert.InDelta(t, 1.0, security.CalculateTrustScore(common.AttestationTPM, 0, 10, 0), 1e-9)
	assert.InDelta(t, 0.42, security.CalculateTrustScore(common.AttestationSoftware, 2, 0, 0), 1e-9)
	assert.Equal(t, 0.0, security.CalculateTrustScore(common.AttestationNone, 9, 0, 5))
}
