package network_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	crypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/network"
)

func loopbackConfig() network.Config {
	cfg := network.DefaultConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.EnableMDNS = false
	cfg.StreamTimeout = 2 * time.Second
	return cfg
}

func newTestHost(t *testing.T) *network.Host {
	t.Helper()
	priv, err := network.LoadOrCreateIdentity(t.TempDir())
	require.NoError(t, err)
	h, err := network.NewHost(context.Background(), priv, loopbackConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

type delivery struct {
	from    string
	payload []byte
}

// TestIdentity_Persistence validates that the node key survives restarts
func TestIdentity_Persistence(t *testing.T) {
	dir := t.TempDir()

	first, err := network.LoadOrCreateIdentity(dir)
	require.NoError(t, err)
	second, err := network.LoadOrCreateIdentity(dir)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))

	id, err := network.NodeID(first)
	require.NoError(t, err)
	stored, err := network.LoadIdentity(dir)
	require.NoError(t, err)
	assert.Equal(t, id, stored.PeerID)

	signing, err := network.SigningKey(first)
	require.NoError(t, err)
	pub, err := network.PublicKeyOf(id)
	require.NoError(t, err)
	assert.Equal(t, []byte(signing.Public().(ed25519.PublicKey)), pub)

	sig := ed25519.Sign(signing, []byte("payload"))
	assert.True(t, ed25519.Verify(pub, []byte("payload"), sig))
}

// TestSigningKey_RejectsNonEd25519 validates the key type restriction
func TestSigningKey_RejectsNonEd25519(t *testing.T) {
	priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)
	_, err = network.SigningKey(priv)
	assert.Error(t, err)
}

// TestFrame_Codec validates frame decoding and rejection of malformed input
func TestFrame_Codec(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    network.Frame
		wantErr bool
	}{
		{
			name: "topic and payload",
			data: network.MarshalFrame(network.Frame{Topic: common.TopicGossip, Payload: []byte{1, 2, 3}}),
			want: network.Frame{Topic: common.TopicGossip, Payload: []byte{1, 2, 3}},
		},
		{
			name: "empty payload",
			data: network.MarshalFrame(network.Frame{Topic: common.TopicRevocation}),
			want: network.Frame{Topic: common.TopicRevocation, Payload: []byte{}},
		},
		{
			name:    "missing topic",
			data:    network.MarshalFrame(network.Frame{Payload: []byte{9}}),
			wantErr: true,
		},
		{
			name:    "truncated",
			data:    []byte{0x0a, 0x10, 'g'},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := network.UnmarshalFrame(tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestHost_SendAndDiscover validates seed dialing, peer callbacks, and frame delivery
func TestHost_SendAndDiscover(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)

	found := make(chan common.PeerInfo, 4)
	b.OnPeerFound(func(info common.PeerInfo) { found <- info })
	lost := make(chan string, 4)
	b.OnPeerLost(func(id string) { lost <- id })

	received := make(chan delivery, 4)
	b.RegisterHandler(common.TopicGossip, func(ctx context.Context, from string, payload []byte) {
		received <- delivery{from: from, payload: payload}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NotEmpty(t, b.Addrs())
	require.NoError(t, a.DialSeed(ctx, b.Addrs()[0]))

	select {
	case info := <-found:
		assert.Equal(t, a.ID(), info.NodeID)
		pub, err := network.PublicKeyOf(a.ID())
		require.NoError(t, err)
		assert.Equal(t, pub, info.PublicKey)
		assert.NotEmpty(t, info.Address)
	case <-ctx.Done():
		t.Fatal("peer callback not fired")
	}

	require.NoError(t, a.Send(ctx, b.ID(), common.TopicGossip, []byte("root announcement")))
	select {
	case d := <-received:
		assert.Equal(t, a.ID(), d.from)
		assert.Equal(t, []byte("root announcement"), d.payload)
	case <-ctx.Done():
		t.Fatal("frame not delivered")
	}

	require.NoError(t, a.Close())
	select {
	case id := <-lost:
		assert.Equal(t, a.ID(), id)
	case <-ctx.Done():
		t.Fatal("disconnect not observed")
	}

	err := a.Send(ctx, b.ID(), common.TopicGossip, nil)
	assert.ErrorIs(t, err, common.ErrTransportFailed)
}

// TestHost_SendErrors validates typed failures for bad targets
func TestHost_SendErrors(t *testing.T) {
	a := newTestHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := a.Send(ctx, "not-a-peer-id", common.TopicGossip, nil)
	assert.Equal(t, common.ErrCodeInvalidPeerID, common.CodeOf(err))

	big := make([]byte, loopbackConfig().MaxFrameBytes+1)
	err = a.Send(ctx, a.ID(), common.TopicGossip, big)
	assert.ErrorIs(t, err, common.ErrCapacityExceeded)

	err = a.DialSeed(ctx, "not a multiaddr")
	assert.ErrorIs(t, err, common.ErrInvalidConfig)
}

// TestHost_UnknownTopicIgnored validates that frames without a handler are dropped
func TestHost_UnknownTopicIgnored(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)

	var mu sync.Mutex
	calls := 0
	b.RegisterHandler(common.TopicGossip, func(ctx context.Context, from string, payload []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.DialSeed(ctx, b.Addrs()[0]))
	require.NoError(t, a.Send(ctx, b.ID(), "unknown.topic", []byte("x")))
	require.NoError(t, a.Send(ctx, b.ID(), common.TopicGossip, []byte("y")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 3*time.Second, 10*time.Millisecond)
}
