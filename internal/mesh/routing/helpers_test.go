package routing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/peers"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/routing"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/security"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentFrame struct {
	PeerID  string
	Topic   string
	Payload []byte
}

// MockTransport records sends
type MockTransport struct {
	mu       sync.Mutex
	sent     []sentFrame
	handlers map[string]common.MessageHandler
	failing  map[string]bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		handlers: make(map[string]common.MessageHandler),
		failing:  make(map[string]bool),
	}
}

func (m *MockTransport) Send(ctx context.Context, peerID, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[peerID] {
		return errors.New("link down")
	}
	m.sent = append(m.sent, sentFrame{PeerID: peerID, Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *MockTransport) RegisterHandler(topic string, handler common.MessageHandler) {
	m.mu.Lock()
	m.handlers[topic] = handler
	m.mu.Unlock()
}

func (m *MockTransport) Close() error { return nil }

func (m *MockTransport) Fail(peerID string) {
	m.mu.Lock()
	m.failing[peerID] = true
	m.mu.Unlock()
}

func (m *MockTransport) Sent(topic string) []sentFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentFrame
	for _, f := range m.sent {
		if f.Topic == topic {
			out = append(out, f)
		}
	}
	return out
}

func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

type recordingSink struct {
	mu          sync.Mutex
	events      []common.SecurityEvent
	revocations []common.RevocationEvent
	statuses    []common.MeshStatus
}

func (s *recordingSink) PublishStatus(st common.MeshStatus) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st)
	s.mu.Unlock()
}

func (s *recordingSink) PublishSecurityEvent(ev common.SecurityEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) PublishRevocation(ev common.RevocationEvent) {
	s.mu.Lock()
	s.revocations = append(s.revocations, ev)
	s.mu.Unlock()
}

func (s *recordingSink) Kinds() []common.SecurityEventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]common.SecurityEventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type gossipFixture struct {
	engine    *routing.GossipEngine
	table     *peers.Table
	transport *MockTransport
	sink      *recordingSink
	clock     *fakeClock
	nodes     map[string]*security.Boundary
}

// newGossipFixture builds an engine for "self" with attested peers at trust 0.9.
func newGossipFixture(t *testing.T, peerIDs ...string) *gossipFixture {
	t.Helper()

	registry := security.NewRegistry()
	registry.Register("self", common.AttestationTPM)

	self, err := security.GenerateBoundary("self", registry, nil)
	require.NoError(t, err)

	clock := newFakeClock()
	table := peers.NewTable("self", peers.DefaultConfig(), nil)
	table.SetClock(clock.Now)

	f := &gossipFixture{
		table:     table,
		transport: NewMockTransport(),
		sink:      &recordingSink{},
		clock:     clock,
		nodes:     make(map[string]*security.Boundary),
	}

	for _, id := range peerIDs {
		registry.Register(id, common.AttestationTPM)
		b, err := security.GenerateBoundary(id, registry, nil)
		require.NoError(t, err)
		f.nodes[id] = b
		require.NoError(t, table.AddPeer(common.PeerInfo{
			NodeID:              id,
			TrustScore:          0.9,
			PublicKey:           b.PublicKey(),
			AttestationVerified: true,
			AttestationLevel:    common.AttestationTPM,
		}))
	}

	engine, err := routing.NewGossipEngine("self", table, self, f.transport, routing.DefaultGossipConfig(), nil)
	require.NoError(t, err)
	engine.SetClock(clock.Now)
	engine.SetSink(f.sink)
	f.engine = engine
	return f
}

// addUnattested registers a peer that has no attestation.
func (f *gossipFixture) addUnattested(t *testing.T, id string) {
	t.Helper()
	b, err := security.GenerateBoundary(id, nil, nil)
	require.NoError(t, err)
	f.nodes[id] = b
	require.NoError(t, f.table.AddPeer(common.PeerInfo{NodeID: id, PublicKey: b.PublicKey()}))
}

func (f *gossipFixture) signed(t *testing.T, sender, id string, height uint64, root common.Hash, blocks uint64) *common.GossipMessage {
	t.Helper()
	b, ok := f.nodes[sender]
	require.True(t, ok, "unknown sender %s", sender)

	msg := &common.GossipMessage{
		MessageID:      id,
		SenderID:       sender,
		Height:         height,
		MerkleRoot:     root,
		AttestedBlocks: blocks,
		Timestamp:      f.clock.Now(),
		MaxHops:        10,
	}
	sig, err := b.Sign(common.GossipSigningBytes(msg))
	require.NoError(t, err)
	msg.Signature = sig
	return msg
}

func rootOf(s string) common.Hash {
	return security.Digest([]byte(s))
}
