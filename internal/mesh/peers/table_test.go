package peers_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/peers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTable(t *testing.T) (*peers.Table, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	table := peers.NewTable("self", peers.DefaultConfig(), nil)
	table.SetClock(clock.Now)
	return table, clock
}

func attested(id string, trust float64) common.PeerInfo {
	return common.PeerInfo{
		NodeID:              id,
		TrustScore:          trust,
		AttestationVerified: true,
		AttestationLevel:    common.AttestationTPM,
	}
}

// TestTable_AddPeer validates insertion rules
func TestTable_AddPeer(t *testing.T) {
	table, _ := newTable(t)

	require.NoError(t, table.AddPeer(attested("alpha", 0.9)))
	require.NoError(t, table.AddPeer(common.PeerInfo{NodeID: "bravo", TrustScore: 0.9}))
	require.NoError(t, table.AddPeer(common.PeerInfo{NodeID: "charlie", AttestationVerified: true, AttestationLevel: common.AttestationSoftware}))

	err := table.AddPeer(attested("alpha", 0.3))
	assert.ErrorIs(t, err, common.ErrDuplicatePeer)

	assert.ErrorIs(t, table.AddPeer(attested("self", 1)), &common.MeshError{Code: common.ErrCodeInvalidPeerID})

	alpha, ok := table.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, 0.9, alpha.TrustScore)
	assert.Equal(t, common.TrustTrusted, alpha.State)

	bravo, _ := table.Get("bravo")
	assert.Equal(t, 0.0, bravo.TrustScore, "unattested peers start untrusted")
	assert.Equal(t, common.TrustUnverified, bravo.State)

	charlie, _ := table.Get("charlie")
	assert.Equal(t, 0.7, charlie.TrustScore, "attestation level seeds trust")
}

// TestTable_Capacity validates the peer limit
func TestTable_Capacity(t *testing.T) {
	cfg := peers.DefaultConfig()
	cfg.MaxPeers = 2
	table := peers.NewTable("self", cfg, nil)

	require.NoError(t, table.AddPeer(attested("a", 1)))
	require.NoError(t, table.AddPeer(attested("b", 1)))
	assert.ErrorIs(t, table.AddPeer(attested("c", 1)), common.ErrCapacityExceeded)
}

// TestTable_TrustPolicy validates reward and decay steps
func TestTable_TrustPolicy(t *testing.T) {
	table, _ := newTable(t)
	require.NoError(t, table.AddPeer(attested("alpha", 0.98)))

	p, err := table.RecordVerification("alpha", true)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.TrustScore, "reward is capped at 1.0")

	p, err = table.RecordVerification("alpha", false)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.TrustScore)

	p, err = table.RecordVerification("alpha", false)
	require.NoError(t, err)
	assert.Equal(t, 0.25, p.TrustScore)
	assert.Equal(t, common.TrustSuspect, p.State)
	assert.Empty(t, table.RoutingPeers(0), "trust below 0.5 is not routable")

	_, err = table.RecordVerification("ghost", true)
	assert.ErrorIs(t, err, common.ErrPeerNotFound)
}

// TestTable_TrustMonotonic validates that verified events never lower trust and
// failures never raise it
func TestTable_TrustMonotonic(t *testing.T) {
	table, _ := newTable(t)
	require.NoError(t, table.AddPeer(attested("alpha", 0.6)))

	pattern := []bool{true, false, true, true, false, false, true, false, true, true}
	prev := 0.6
	for i, ok := range pattern {
		p, err := table.RecordVerification("alpha", ok)
		require.NoError(t, err, "step %d", i)
		if ok {
			assert.GreaterOrEqual(t, p.TrustScore, prev, "step %d", i)
		} else {
			assert.LessOrEqual(t, p.TrustScore, prev, "step %d", i)
		}
		prev = p.TrustScore
	}
}

// TestTable_RevocationBelowFloor validates eviction and the revocation hook
func TestTable_RevocationBelowFloor(t *testing.T) {
	table, _ := newTable(t)
	require.NoError(t, table.AddPeer(attested("alpha", 0.15)))

	var events []common.RevocationEvent
	table.OnRevoke(func(ev common.RevocationEvent) { events = append(events, ev) })

	p, err := table.RecordVerification("alpha", false)
	require.NoError(t, err)
	assert.Equal(t, common.TrustRevoked, p.State)

	_, ok := table.Get("alpha")
	assert.False(t, ok, "revoked peer is evicted")
	require.Len(t, events, 1)
	assert.Equal(t, "alpha", events[0].NodeID)
	assert.Equal(t, "self", events[0].RevokedBy)
	assert.InDelta(t, 0.075, events[0].TrustScore, 1e-9)
}

// TestTable_UnattestedEarnsEligibility validates that verified traffic lifts an
// unattested peer into routing
func TestTable_UnattestedEarnsEligibility(t *testing.T) {
	table, _ := newTable(t)
	require.NoError(t, table.AddPeer(common.PeerInfo{NodeID: "bravo"}))

	for i := 0; i < 9; i++ {
		_, err := table.RecordVerification("bravo", true)
		require.NoError(t, err)
	}
	assert.Empty(t, table.RoutingPeers(0))

	p, err := table.RecordVerification("bravo", true)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p.TrustScore, 1e-9)
	assert.Len(t, table.RoutingPeers(0), 1)
}

// TestTable_EvictStale validates the staleness window
func TestTable_EvictStale(t *testing.T) {
	table, clock := newTable(t)
	require.NoError(t, table.AddPeer(attested("old", 0.9)))
	clock.Advance(90 * time.Second)
	require.NoError(t, table.AddPeer(attested("fresh", 0.9)))
	clock.Advance(45 * time.Second)

	evicted := table.EvictStale()
	assert.Equal(t, []string{"old"}, evicted)
	assert.Equal(t, 1, table.Len())

	require.NoError(t, table.RecordHeartbeat("fresh", 12*time.Millisecond))
	clock.Advance(100 * time.Second)
	assert.Empty(t, table.EvictStale())

	fresh, _ := table.Get("fresh")
	assert.Equal(t, 12*time.Millisecond, fresh.Latency)
}

// TestTable_BunkerMode validates that bunker mode tracks the empty table
func TestTable_BunkerMode(t *testing.T) {
	table, _ := newTable(t)
	assert.True(t, table.BunkerMode())

	require.NoError(t, table.AddPeer(attested("alpha", 0.9)))
	assert.False(t, table.BunkerMode())

	table.Remove("alpha")
	assert.True(t, table.BunkerMode())
}

// TestTable_GhostExcludedFromRouting validates ghost bookkeeping
func TestTable_GhostExcludedFromRouting(t *testing.T) {
	table, _ := newTable(t)
	require.NoError(t, table.AddPeer(attested("alpha", 0.9)))
	require.NoError(t, table.MarkGhost("alpha", true))
	assert.Empty(t, table.RoutingPeers(0))

	require.NoError(t, table.MarkGhost("alpha", false))
	assert.Len(t, table.RoutingPeers(0), 1)
}

// TestTable_SnapshotIsCopy validates copy-on-read
func TestTable_SnapshotIsCopy(t *testing.T) {
	table, _ := newTable(t)
	info := attested("alpha", 0.9)
	info.PublicKey = []byte{1, 2, 3}
	require.NoError(t, table.AddPeer(info))

	snap := table.Snapshot()
	snap[0].TrustScore = 0
	snap[0].PublicKey[0] = 9

	alpha, _ := table.Get("alpha")
	assert.Equal(t, 0.9, alpha.TrustScore)
	assert.Equal(t, byte(1), alpha.PublicKey[0])
}

// TestTable_ConcurrentAccess validates locking under parallel writers and readers
func TestTable_ConcurrentAccess(t *testing.T) {
	table, _ := newTable(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, table.AddPeer(attested(fmt.Sprintf("peer-%02d", i), 0.8)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		id := fmt.Sprintf("peer-%02d", i)
		go func() {
			defer wg.Done()
			_, _ = table.RecordVerification(id, true)
			_ = table.RecordHeartbeat(id, time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			_ = table.Snapshot()
			_ = table.RoutingPeers(time.Minute)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, table.Len())
	assert.Len(t, table.TopPeers(5), 5)
}

// TestTable_UpdateTrust validates additive trust deltas
func TestTable_UpdateTrust(t *testing.T) {
	tests := []struct {
		name      string
		start     float64
		delta     float64
		want      float64
		revoked   bool
		lostRoute bool
	}{
		{name: "raise", start: 0.6, delta: 0.2, want: 0.8},
		{name: "clamped at one", start: 0.9, delta: 0.5, want: 1.0},
		{name: "drop below eligibility", start: 0.6, delta: -0.3, want: 0.3, lostRoute: true},
		{name: "above floor stays", start: 0.6, delta: -0.45, want: 0.15, lostRoute: true},
		{name: "below floor revokes", start: 0.5, delta: -0.45, want: 0.05, revoked: true},
		{name: "clamped at zero revokes", start: 0.3, delta: -2, want: 0, revoked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, _ := newTable(t)
			require.NoError(t, table.AddPeer(attested("alpha", tt.start)))

			var revoked []common.RevocationEvent
			var lost []string
			table.OnRevoke(func(ev common.RevocationEvent) { revoked = append(revoked, ev) })
			table.OnEligibilityLost(func(id string) { lost = append(lost, id) })

			p, err := table.UpdateTrust("alpha", tt.delta)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, p.TrustScore, 1e-9)

			_, present := table.Get("alpha")
			if tt.revoked {
				assert.False(t, present)
				assert.Equal(t, common.TrustRevoked, p.State)
				require.Len(t, revoked, 1)
				assert.Equal(t, "alpha", revoked[0].NodeID)
				assert.Equal(t, "trust adjustment", revoked[0].Reason)
				assert.Empty(t, lost)
				return
			}
			assert.True(t, present)
			assert.Empty(t, revoked)
			if tt.lostRoute {
				assert.Equal(t, []string{"alpha"}, lost)
			} else {
				assert.Empty(t, lost)
			}
		})
	}

	table, _ := newTable(t)
	_, err := table.UpdateTrust("nobody", 0.1)
	assert.ErrorIs(t, err, common.ErrPeerNotFound)
}

// TestTable_GhostLosesEligibility validates the eligibility hook on ghost marking
func TestTable_GhostLosesEligibility(t *testing.T) {
	table, _ := newTable(t)
	require.NoError(t, table.AddPeer(attested("alpha", 0.9)))
	require.NoError(t, table.AddPeer(attested("weak", 0.3)))

	var lost []string
	table.OnEligibilityLost(func(id string) { lost = append(lost, id) })

	require.NoError(t, table.MarkGhost("alpha", true))
	require.NoError(t, table.MarkGhost("alpha", true))
	require.NoError(t, table.MarkGhost("weak", true))
	assert.Equal(t, []string{"alpha"}, lost, "only a routable peer turning ghost counts, once")
}
