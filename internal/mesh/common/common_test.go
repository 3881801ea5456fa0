package common_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMeshError_IsMatchesByCode validates sentinel matching through wrapping
func TestMeshError_IsMatchesByCode(t *testing.T) {
	err := common.ErrBufferFull(10000)
	wrapped := fmt.Errorf("append: %w", err)

	assert.True(t, errors.Is(wrapped, common.ErrBufferExhausted))
	assert.False(t, errors.Is(wrapped, common.ErrChainBroken))
	assert.Equal(t, common.ErrCodeBufferExhausted, common.CodeOf(wrapped))
	assert.Equal(t, 10000, err.Context["capacity"])
	assert.Contains(t, err.Error(), "BUFFER_EXHAUSTED")
}

// TestMeshError_Unwrap validates cause propagation
func TestMeshError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := common.WrapError(common.ErrCodeStorageFailed, "write record", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, common.ErrStorageFailed)
	assert.Equal(t, "[STORAGE_FAILED] write record: disk full", err.Error())
}

// TestClassifyTrust validates the discrete trust states
func TestClassifyTrust(t *testing.T) {
	testCases := []struct {
		name     string
		score    float64
		attested bool
		expected common.TrustState
	}{
		{"UnattestedZero", 0.0, false, common.TrustUnverified},
		{"UnattestedEarned", 0.55, false, common.TrustTrusted},
		{"AttestedHigh", 0.95, true, common.TrustTrusted},
		{"AttestedBoundary", 0.5, true, common.TrustTrusted},
		{"AttestedLow", 0.45, true, common.TrustSuspect},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, common.ClassifyTrust(tc.score, tc.attested))
		})
	}
}

// TestAttestationLevel_Trust validates baseline trust per attestation level
func TestAttestationLevel_Trust(t *testing.T) {
	assert.Equal(t, 1.0, common.AttestationTPM.Trust())
	assert.Equal(t, 0.7, common.AttestationSoftware.Trust())
	assert.Equal(t, 0.0, common.AttestationNone.Trust())
}

// TestGossipWire_HopCountOutsideSignature validates that relays can bump hop count
// without invalidating the signed bytes
func TestGossipWire_HopCountOutsideSignature(t *testing.T) {
	msg := &common.GossipMessage{
		MessageID:      "6f1c9b1e-6a0b-4b55-9d43-0c7a3d4a2f10",
		SenderID:       "node-a",
		Height:         100,
		MerkleRoot:     common.HashFromBytes([]byte("root-a")),
		AttestedBlocks: 42,
		Timestamp:      time.Unix(1700000000, 123),
		MaxHops:        10,
		Signature:      []byte{1, 2, 3},
	}
	signed := common.GossipSigningBytes(msg)

	decoded, err := common.UnmarshalGossip(common.MarshalGossip(msg))
	require.NoError(t, err)
	assert.Equal(t, msg.MessageID, decoded.MessageID)
	assert.Equal(t, msg.MerkleRoot, decoded.MerkleRoot)
	assert.True(t, msg.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, msg.Signature, decoded.Signature)

	decoded.HopCount = 4
	assert.Equal(t, signed, common.GossipSigningBytes(decoded))

	decoded.Height = 101
	assert.NotEqual(t, signed, common.GossipSigningBytes(decoded))
}

// TestGossipWire_RejectsMalformed validates frame validation
func TestGossipWire_RejectsMalformed(t *testing.T) {
	_, err := common.UnmarshalGossip([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, common.ErrMalformedFrame)

	_, err = common.UnmarshalGossip(common.MarshalGossip(&common.GossipMessage{Height: 3}))
	assert.ErrorIs(t, err, common.ErrMalformedFrame)
}

// TestAdvertWire_RejectsNegativeCost validates advert sanity checks
func TestAdvertWire_RejectsNegativeCost(t *testing.T) {
	good := common.MarshalAdverts([]common.RouteAdvert{{Destination: "d1", Cost: 3.5}, {Destination: "d2", Cost: 7}})
	adverts, err := common.UnmarshalAdverts(good)
	require.NoError(t, err)
	require.Len(t, adverts, 2)
	assert.Equal(t, 3.5, adverts[0].Cost)

	_, err = common.UnmarshalAdverts(common.MarshalAdverts([]common.RouteAdvert{{Destination: "d1", Cost: -1}}))
	assert.ErrorIs(t, err, common.ErrMalformedFrame)
}
