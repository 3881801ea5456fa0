package spectral

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/peers"
)

// maxEpochSearch bounds the look-ahead for a channel that differs from a
// jammed one.
const maxEpochSearch = 256

// State is the hopper state machine position.
type State int

const (
	StateNormal State = iota
	StateJammingDetected
	StateHopping
)

func (s State) String() string {
	switch s {
	case StateJammingDetected:
		return "jamming_detected"
	case StateHopping:
		return "hopping"
	default:
		return "normal"
	}
}

// HopReason explains why a hop happened.
type HopReason int

const (
	ReasonScheduledHop HopReason = iota
	ReasonJammingDetected
	ReasonEpochSync
)

func (r HopReason) String() string {
	switch r {
	case ReasonJammingDetected:
		return "jamming_detected"
	case ReasonEpochSync:
		return "epoch_sync"
	default:
		return "scheduled_hop"
	}
}

// HopResult describes one executed hop.
type HopResult struct {
	Previous uint32
	Channel  uint32
	Epoch    uint64
	Reason   HopReason
	At       time.Time
	Took     time.Duration
}

// Announcer broadcasts channel announcements on the control channel.
type Announcer interface {
	Announce(ctx context.Context, ann common.ChannelAnnouncement) error
}

// Config tunes the hopper.
type Config struct {
	SharedSeed      string        `mapstructure:"shared_seed" yaml:"shared_seed" validate:"required"`
	Channels        []uint32      `mapstructure:"channels" yaml:"channels" validate:"min=1"`
	Dwell           time.Duration `mapstructure:"dwell" yaml:"dwell" validate:"gte=1ms"`
	PERThreshold    float64       `mapstructure:"per_threshold" yaml:"per_threshold" validate:"gt=0,lt=1"`
	JamSamples      int           `mapstructure:"jam_samples" yaml:"jam_samples" validate:"gte=1"`
	AnnounceTimeout time.Duration `mapstructure:"announce_timeout" yaml:"announce_timeout" validate:"gt=0"`
}

// DefaultConfig returns defaults for a 16-channel set. SharedSeed must still be
// provisioned.
func DefaultConfig() Config {
	channels := make([]uint32, 16)
	for i := range channels {
		channels[i] = uint32(i + 1)
	}
	return Config{
		Channels:        channels,
		Dwell:           2 * time.Second,
		PERThreshold:    0.10,
		JamSamples:      3,
		AnnounceTimeout: 50 * time.Millisecond,
	}
}

type peerObservation struct {
	channel       uint32
	at            time.Time
	mismatchSince time.Time
	ghost         bool
}

// Hopper runs the Normal -> JammingDetected -> Hopping -> Normal machine.
type Hopper struct {
	nodeID   string
	pattern  Pattern
	boundary common.SecurityBoundary
	table    *peers.Table

	announcer  Announcer
	announceWG sync.WaitGroup

	mu          sync.Mutex
	state       State
	current     uint32
	epoch       uint64
	offSchedule bool
	breaches    int
	lastPER     float64
	hops        uint64
	observed    map[string]*peerObservation

	config Config
	now    common.Clock
	logger *slog.Logger
}

// NewHopper starts on the channel of the current epoch. boundary signs
// announcements; table receives ghost marks. Either may be nil.
func NewHopper(nodeID string, config Config, boundary common.SecurityBoundary, table *peers.Table, logger *slog.Logger) (*Hopper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pattern, err := NewPattern([]byte(config.SharedSeed), config.Channels, config.Dwell)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInvalidConfig, "hopping pattern", err)
	}

	h := &Hopper{
		nodeID:   nodeID,
		pattern:  pattern,
		boundary: boundary,
		table:    table,
		observed: make(map[string]*peerObservation),
		config:   config,
		now:      time.Now,
		logger:   logger.With("component", "spectral"),
	}
	h.resync(h.now())
	return h, nil
}

// SetClock overrides the time source and resynchronizes to it.
func (h *Hopper) SetClock(clock common.Clock) {
	h.mu.Lock()
	h.now = clock
	h.mu.Unlock()
	h.resync(clock())
}

// SetAnnouncer installs the control channel broadcaster.
func (h *Hopper) SetAnnouncer(a Announcer) {
	h.mu.Lock()
	h.announcer = a
	h.mu.Unlock()
}

func (h *Hopper) resync(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epoch = h.pattern.EpochAt(now)
	h.current = h.pattern.ChannelFor(h.epoch)
	h.offSchedule = false
	h.state = StateNormal
}

// Pattern exposes the shared hopping pattern.
func (h *Hopper) Pattern() Pattern { return h.pattern }

// ObservePER feeds a packet error rate sample for the current channel.
// JamSamples consecutive samples above the threshold trigger a reactive hop.
func (h *Hopper) ObservePER(per float64, now time.Time) (*HopResult, error) {
	h.mu.Lock()

	h.lastPER = per
	if per <= h.config.PERThreshold {
		h.breaches = 0
		if h.state == StateJammingDetected {
			h.state = StateNormal
		}
		h.mu.Unlock()
		return nil, nil
	}

	h.breaches++
	if h.state == StateNormal {
		h.state = StateJammingDetected
		h.logger.Warn("jamming suspected", "channel", h.current, "per", per)
	}
	if h.breaches < h.config.JamSamples {
		h.mu.Unlock()
		return nil, nil
	}

	start := time.Now()
	h.state = StateHopping
	from := h.pattern.EpochAt(now)
	if h.epoch > from {
		from = h.epoch
	}
	epoch, channel, err := h.pattern.NextDistinct(from, h.current, maxEpochSearch)
	if err != nil {
		h.state = StateJammingDetected
		h.mu.Unlock()
		return nil, common.WrapError(common.ErrCodeInvalidState, "reactive hop", err)
	}

	result := h.applyLocked(epoch, channel, ReasonJammingDetected, now, start)
	h.offSchedule = epoch != h.pattern.EpochAt(now)
	h.breaches = 0
	h.mu.Unlock()

	h.logger.Warn("reactive hop",
		"from", result.Previous,
		"to", result.Channel,
		"epoch", result.Epoch,
		"took", result.Took)
	h.announce(result)
	return result, nil
}

// Tick follows the schedule: a new epoch moves to its channel, and a node
// that hopped ahead reactively rejoins the schedule with EpochSync.
func (h *Hopper) Tick(now time.Time) *HopResult {
	start := time.Now()
	epoch := h.pattern.EpochAt(now)

	h.mu.Lock()
	if epoch < h.epoch || (epoch == h.epoch && !h.offSchedule) {
		h.mu.Unlock()
		return nil
	}

	reason := ReasonScheduledHop
	if h.offSchedule {
		reason = ReasonEpochSync
		h.offSchedule = false
	}
	channel := h.pattern.ChannelFor(epoch)
	if channel == h.current && reason == ReasonScheduledHop {
		h.epoch = epoch
		h.mu.Unlock()
		return nil
	}
	h.state = StateHopping
	result := h.applyLocked(epoch, channel, reason, now, start)
	h.mu.Unlock()

	h.logger.Debug("hop", "reason", reason.String(), "to", channel, "epoch", epoch)
	h.announce(result)
	return result
}

func (h *Hopper) applyLocked(epoch uint64, channel uint32, reason HopReason, now, start time.Time) *HopResult {
	result := &HopResult{
		Previous: h.current,
		Channel:  channel,
		Epoch:    epoch,
		Reason:   reason,
		At:       now,
	}
	h.current = channel
	h.epoch = epoch
	h.hops++
	h.state = StateNormal
	result.Took = time.Since(start)

	for _, obs := range h.observed {
		if obs.channel == channel {
			obs.mismatchSince = time.Time{}
		} else if obs.mismatchSince.IsZero() {
			obs.mismatchSince = now
		}
	}
	return result
}

// announce broadcasts the hop best-effort. Hop correctness never depends on it.
func (h *Hopper) announce(result *HopResult) {
	h.mu.Lock()
	announcer := h.announcer
	h.mu.Unlock()
	if announcer == nil {
		return
	}

	ann := common.ChannelAnnouncement{
		NodeID:    h.nodeID,
		Epoch:     result.Epoch,
		Channel:   result.Channel,
		Reason:    result.Reason.String(),
		Timestamp: result.At,
	}
	if h.boundary != nil {
		sig, err := h.boundary.Sign(common.AnnouncementSigningBytes(&ann))
		if err != nil {
			h.logger.Warn("announcement signing failed", "error", err)
			return
		}
		ann.Signature = sig
	}

	h.announceWG.Add(1)
	go func() {
		defer h.announceWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.config.AnnounceTimeout)
		defer cancel()
		if err := announcer.Announce(ctx, ann); err != nil {
			h.logger.Debug("channel announcement failed", "channel", ann.Channel, "error", err)
		}
	}()
}

// WaitForAnnouncements blocks until pending broadcasts complete.
func (h *Hopper) WaitForAnnouncements() {
	h.announceWG.Wait()
}

// ObservePeerChannel records the channel a peer reported. A match clears any
// ghost mark immediately.
func (h *Hopper) ObservePeerChannel(peerID string, channel uint32, now time.Time) {
	h.mu.Lock()
	obs, ok := h.observed[peerID]
	if !ok {
		obs = &peerObservation{}
		h.observed[peerID] = obs
	}
	obs.channel = channel
	obs.at = now

	clearGhost := false
	if channel == h.current {
		obs.mismatchSince = time.Time{}
		clearGhost = obs.ghost
		obs.ghost = false
	} else if obs.mismatchSince.IsZero() {
		obs.mismatchSince = now
	}
	h.mu.Unlock()

	if clearGhost {
		h.markGhost(peerID, false)
	}
}

// ForgetPeer drops channel bookkeeping for a removed peer.
func (h *Hopper) ForgetPeer(peerID string) {
	h.mu.Lock()
	delete(h.observed, peerID)
	h.mu.Unlock()
}

// EvaluateGhosts marks peers whose channel mismatch outlasted one dwell and
// returns the newly marked IDs.
func (h *Hopper) EvaluateGhosts(now time.Time) []string {
	h.mu.Lock()
	var ghosts []string
	for id, obs := range h.observed {
		if obs.ghost || obs.mismatchSince.IsZero() {
			continue
		}
		if now.Sub(obs.mismatchSince) > h.pattern.Dwell() {
			obs.ghost = true
			ghosts = append(ghosts, id)
		}
	}
	h.mu.Unlock()

	sort.Strings(ghosts)
	for _, id := range ghosts {
		h.markGhost(id, true)
	}
	return ghosts
}

func (h *Hopper) markGhost(peerID string, ghost bool) {
	if h.table == nil {
		return
	}
	if err := h.table.MarkGhost(peerID, ghost); err != nil {
		h.logger.Debug("ghost mark skipped", "peer_id", peerID, "error", err)
	}
}

// State returns the state machine position.
func (h *Hopper) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// CurrentChannel returns the active channel.
func (h *Hopper) CurrentChannel() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Epoch returns the epoch the active channel belongs to.
func (h *Hopper) Epoch() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epoch
}

// JammingDetected reports whether the latest sample breached the threshold.
func (h *Hopper) JammingDetected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPER > h.config.PERThreshold
}

// Hops returns the number of executed hops.
func (h *Hopper) Hops() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hops
}

func (h *Hopper) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("hopper{state=%s channel=%d epoch=%d}", h.state, h.current, h.epoch)
}
