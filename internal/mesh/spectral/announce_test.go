package spectral_test

import (
	"context"
	"testing"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/spectral"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMulticastAnnouncer_Loopback validates a round trip over the control group
func TestMulticastAnnouncer_Loopback(t *testing.T) {
	a, err := spectral.NewMulticastAnnouncer("239.77.0.9:17946", "", nil)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan *common.ChannelAnnouncement, 1)
	go func() {
		_ = a.Listen(ctx, func(ann *common.ChannelAnnouncement) {
			select {
			case got <- ann:
			default:
			}
		})
	}()

	sent := common.ChannelAnnouncement{
		NodeID:    "node-a",
		Epoch:     42,
		Channel:   7,
		Reason:    "scheduled_hop",
		Timestamp: time.UnixMilli(1700000000000),
	}

	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		sendCtx, sendCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		err := a.Announce(sendCtx, sent)
		sendCancel()
		if err != nil {
			t.Skipf("multicast send unavailable: %v", err)
		}

		select {
		case ann := <-got:
			assert.Equal(t, sent.NodeID, ann.NodeID)
			assert.Equal(t, sent.Channel, ann.Channel)
			assert.Equal(t, sent.Epoch, ann.Epoch)
			return
		case <-deadline:
			t.Skip("multicast loopback not delivered on this host")
		case <-ticker.C:
		}
	}
}

// TestMulticastAnnouncer_RejectsUnicast validates group validation
func TestMulticastAnnouncer_RejectsUnicast(t *testing.T) {
	_, err := spectral.NewMulticastAnnouncer("127.0.0.1:17946", "", nil)
	require.Error(t, err)
}
