// Package spectral implements coordinated frequency hopping. Every node holds
// the same shared seed, so channel selection for an epoch needs no signaling.
package spectral

import (
	"encoding/binary"
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

// Pattern maps epochs onto a channel set.
type Pattern struct {
	seed     []byte
	channels []uint32
	dwell    time.Duration
}

// NewPattern validates and copies the pattern inputs.
func NewPattern(seed []byte, channels []uint32, dwell time.Duration) (Pattern, error) {
	if len(seed) == 0 {
		return Pattern{}, fmt.Errorf("hopping seed is empty")
	}
	if len(channels) == 0 {
		return Pattern{}, fmt.Errorf("channel set is empty")
	}
	if dwell < time.Millisecond {
		return Pattern{}, fmt.Errorf("dwell %s below 1ms", dwell)
	}
	return Pattern{
		seed:     append([]byte(nil), seed...),
		channels: append([]uint32(nil), channels...),
		dwell:    dwell,
	}, nil
}

// Dwell is the time spent on one channel.
func (p Pattern) Dwell() time.Duration { return p.dwell }

// Channels returns a copy of the channel set.
func (p Pattern) Channels() []uint32 {
	return append([]uint32(nil), p.channels...)
}

// EpochAt is floor(unix_ms / dwell_ms).
func (p Pattern) EpochAt(now time.Time) uint64 {
	return uint64(now.UnixMilli()) / uint64(p.dwell.Milliseconds())
}

// EpochStart is the wall time an epoch begins.
func (p Pattern) EpochStart(epoch uint64) time.Time {
	return time.UnixMilli(int64(epoch * uint64(p.dwell.Milliseconds())))
}

// Seed is BLAKE3(shared_seed || epoch as big-endian u64).
func (p Pattern) Seed(epoch uint64) [32]byte {
	buf := make([]byte, len(p.seed)+8)
	copy(buf, p.seed)
	binary.BigEndian.PutUint64(buf[len(p.seed):], epoch)
	return blake3.Sum256(buf)
}

// ChannelFor selects the channel for an epoch from the first eight bytes of
// the epoch seed.
func (p Pattern) ChannelFor(epoch uint64) uint32 {
	s := p.Seed(epoch)
	idx := binary.BigEndian.Uint64(s[:8]) % uint64(len(p.channels))
	return p.channels[idx]
}

// NextDistinct returns the first epoch at or after from whose channel differs
// from avoid. It fails when the set offers no alternative within limit epochs.
func (p Pattern) NextDistinct(from uint64, avoid uint32, limit int) (uint64, uint32, error) {
	for i := 0; i < limit; i++ {
		epoch := from + uint64(i)
		if ch := p.ChannelFor(epoch); ch != avoid {
			return epoch, ch, nil
		}
	}
	return 0, 0, fmt.Errorf("no channel other than %d within %d epochs", avoid, limit)
}
