package spectral_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/peers"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/security"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/spectral"
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

type recordingAnnouncer struct {
	mu   sync.Mutex
	sent []common.ChannelAnnouncement
}

func (r *recordingAnnouncer) Announce(ctx context.Context, ann common.ChannelAnnouncement) error {
	r.mu.Lock()
	r.sent = append(r.sent, ann)
	r.mu.Unlock()
	return nil
}

func (r *recordingAnnouncer) All() []common.ChannelAnnouncement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]common.ChannelAnnouncement(nil), r.sent...)
}

func testConfig() spectral.Config {
	cfg := spectral.DefaultConfig()
	cfg.SharedSeed = "squad-7-seed"
	cfg.Dwell = time.Second
	return cfg
}

func newHopper(t *testing.T, nodeID string, table *peers.Table) (*spectral.Hopper, *fakeClock) {
	t.Helper()
	// aligned to an epoch boundary
	clock := &fakeClock{now: time.UnixMilli(1700000000000)}
	h, err := spectral.NewHopper(nodeID, testConfig(), nil, table, nil)
	require.NoError(t, err)
	h.SetClock(clock.Now)
	return h, clock
}

// TestPattern_Deterministic validates that equal seeds agree on every epoch
func TestPattern_Deterministic(t *testing.T) {
	cfg := testConfig()
	a, err := spectral.NewPattern([]byte(cfg.SharedSeed), cfg.Channels, cfg.Dwell)
	require.NoError(t, err)
	b, err := spectral.NewPattern([]byte(cfg.SharedSeed), cfg.Channels, cfg.Dwell)
	require.NoError(t, err)
	other, err := spectral.NewPattern([]byte("another-seed"), cfg.Channels, cfg.Dwell)
	require.NoError(t, err)

	differs := 0
	used := map[uint32]bool{}
	for epoch := uint64(0); epoch < 200; epoch++ {
		assert.Equal(t, a.ChannelFor(epoch), b.ChannelFor(epoch))
		assert.Contains(t, cfg.Channels, a.ChannelFor(epoch))
		used[a.ChannelFor(epoch)] = true
		if a.ChannelFor(epoch) != other.ChannelFor(epoch) {
			differs++
		}
	}
	assert.Greater(t, differs, 100, "a different seed gives a different schedule")
	assert.Greater(t, len(used), 8, "the schedule spreads across the set")

	at := time.UnixMilli(1700000000500)
	assert.Equal(t, uint64(1700000000), a.EpochAt(at))
	assert.Equal(t, time.UnixMilli(1700000000000), a.EpochStart(1700000000))

	_, err = spectral.NewPattern(nil, cfg.Channels, cfg.Dwell)
	assert.Error(t, err)
	_, err = spectral.NewPattern([]byte("x"), nil, cfg.Dwell)
	assert.Error(t, err)
}

// TestHopper_JammingTriggersHop validates the reactive hop after three breaches
func TestHopper_JammingTriggersHop(t *testing.T) {
	h, clock := newHopper(t, "node-a", nil)
	pattern := h.Pattern()
	now := clock.Now()
	start := h.CurrentChannel()
	assert.Equal(t, pattern.ChannelFor(pattern.EpochAt(now)), start)

	res, err := h.ObservePER(0.25, now)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, spectral.StateJammingDetected, h.State())
	assert.True(t, h.JammingDetected())

	res, err = h.ObservePER(0.3, now)
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = h.ObservePER(0.4, now)
	require.NoError(t, err)
	require.NotNil(t, res)

	wantEpoch, wantChannel, err := pattern.NextDistinct(pattern.EpochAt(now), start, 256)
	require.NoError(t, err)
	assert.Equal(t, spectral.ReasonJammingDetected, res.Reason)
	assert.Equal(t, start, res.Previous)
	assert.Equal(t, wantChannel, res.Channel)
	assert.Equal(t, wantEpoch, res.Epoch)
	assert.NotEqual(t, start, res.Channel)
	assert.Less(t, res.Took, 100*time.Millisecond)

	assert.Equal(t, spectral.StateNormal, h.State())
	assert.Equal(t, wantChannel, h.CurrentChannel())
}

// TestHopper_RecoveryResetsBreaches validates that breaches must be consecutive
func TestHopper_RecoveryResetsBreaches(t *testing.T) {
	h, clock := newHopper(t, "node-a", nil)
	now := clock.Now()

	for _, per := range []float64{0.2, 0.2, 0.05, 0.2, 0.2} {
		res, err := h.ObservePER(per, now)
		require.NoError(t, err)
		assert.Nil(t, res)
	}
	assert.Equal(t, uint64(0), h.Hops())

	_, _ = h.ObservePER(0.01, now)
	assert.Equal(t, spectral.StateNormal, h.State())
	assert.False(t, h.JammingDetected())
}

// TestHopper_NodesConverge validates that jammed nodes land on one channel
func TestHopper_NodesConverge(t *testing.T) {
	a, clock := newHopper(t, "node-a", nil)
	b, _ := newHopper(t, "node-b", nil)
	b.SetClock(clock.Now)
	now := clock.Now()

	require.Equal(t, a.CurrentChannel(), b.CurrentChannel())

	var ra, rb *spectral.HopResult
	for i := 0; i < 3; i++ {
		ra, _ = a.ObservePER(0.5, now)
		rb, _ = b.ObservePER(0.5, now)
	}
	require.NotNil(t, ra)
	require.NotNil(t, rb)
	assert.Equal(t, ra.Channel, rb.Channel)
	assert.Equal(t, ra.Epoch, rb.Epoch)
}

// TestHopper_ScheduledAndEpochSync validates schedule following
func TestHopper_ScheduledAndEpochSync(t *testing.T) {
	h, clock := newHopper(t, "node-a", nil)
	pattern := h.Pattern()

	assert.Nil(t, h.Tick(clock.Now()), "same epoch, no hop")

	// find an epoch boundary where the scheduled channel changes
	for i := 0; i < 64; i++ {
		clock.Advance(time.Second)
		e := pattern.EpochAt(clock.Now())
		res := h.Tick(clock.Now())
		if res != nil {
			assert.Equal(t, spectral.ReasonScheduledHop, res.Reason)
			assert.Equal(t, pattern.ChannelFor(e), res.Channel)
			break
		}
		assert.Equal(t, pattern.ChannelFor(e), h.CurrentChannel())
	}
	require.Greater(t, h.Hops(), uint64(0))

	for i := 0; i < 3; i++ {
		_, err := h.ObservePER(0.9, clock.Now())
		require.NoError(t, err)
	}
	ahead := h.Epoch()
	require.Greater(t, ahead, pattern.EpochAt(clock.Now()), "reactive hop jumps ahead of the schedule")

	for pattern.EpochAt(clock.Now()) < ahead {
		assert.Nil(t, h.Tick(clock.Now()), "ahead of schedule, wait")
		clock.Advance(time.Second)
	}
	res := h.Tick(clock.Now())
	require.NotNil(t, res)
	assert.Equal(t, spectral.ReasonEpochSync, res.Reason)
	assert.Equal(t, pattern.ChannelFor(pattern.EpochAt(clock.Now())), h.CurrentChannel())

	clock.Advance(time.Second)
	if res := h.Tick(clock.Now()); res != nil {
		assert.Equal(t, spectral.ReasonScheduledHop, res.Reason)
	}
}

// TestHopper_Announcements validates signed best-effort broadcasts
func TestHopper_Announcements(t *testing.T) {
	boundary, err := security.GenerateBoundary("node-a", nil, nil)
	require.NoError(t, err)

	clock := &fakeClock{now: time.UnixMilli(1700000000000)}
	h, err := spectral.NewHopper("node-a", testConfig(), boundary, nil, nil)
	require.NoError(t, err)
	h.SetClock(clock.Now)
	announcer := &recordingAnnouncer{}
	h.SetAnnouncer(announcer)

	var res *spectral.HopResult
	for i := 0; i < 3; i++ {
		res, err = h.ObservePER(0.5, clock.Now())
		require.NoError(t, err)
	}
	require.NotNil(t, res)
	h.WaitForAnnouncements()

	sent := announcer.All()
	require.Len(t, sent, 1)
	assert.Equal(t, "node-a", sent[0].NodeID)
	assert.Equal(t, res.Channel, sent[0].Channel)
	assert.Equal(t, "jamming_detected", sent[0].Reason)
	assert.True(t, boundary.Verify(common.AnnouncementSigningBytes(&sent[0]), sent[0].Signature, boundary.PublicKey()))
}

// TestHopper_GhostDetection validates ghost marking after one dwell of mismatch
func TestHopper_GhostDetection(t *testing.T) {
	table := peers.NewTable("node-a", peers.DefaultConfig(), nil)
	for _, id := range []string{"follower", "laggard"} {
		require.NoError(t, table.AddPeer(common.PeerInfo{
			NodeID:              id,
			TrustScore:          0.9,
			AttestationVerified: true,
			AttestationLevel:    common.AttestationTPM,
		}))
	}
	h, clock := newHopper(t, "node-a", table)
	current := h.CurrentChannel()
	stale := current + 100

	h.ObservePeerChannel("follower", current, clock.Now())
	h.ObservePeerChannel("laggard", stale, clock.Now())

	clock.Advance(500 * time.Millisecond)
	assert.Empty(t, h.EvaluateGhosts(clock.Now()), "within one dwell")

	clock.Advance(600 * time.Millisecond)
	assert.Equal(t, []string{"laggard"}, h.EvaluateGhosts(clock.Now()))
	laggard, _ := table.Get("laggard")
	assert.True(t, laggard.Ghost)
	assert.Len(t, table.RoutingPeers(0), 1)

	h.ObservePeerChannel("laggard", h.CurrentChannel(), clock.Now())
	laggard, _ = table.Get("laggard")
	assert.False(t, laggard.Ghost, "resynchronized peers rejoin routing")
}
