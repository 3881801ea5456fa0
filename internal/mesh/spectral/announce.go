package spectral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"golang.org/x/net/ipv4"
)

// DefaultControlGroup is the multicast group for hop announcements.
const DefaultControlGroup = "239.77.0.1:7946"

const maxAnnouncementSize = 1024

// MulticastAnnouncer sends and receives channel announcements on an IPv4
// multicast group, scoped to the local link.
type MulticastAnnouncer struct {
	conn   *ipv4.PacketConn
	group  *net.UDPAddr
	logger *slog.Logger

	closeOnce sync.Once
}

var _ Announcer = (*MulticastAnnouncer)(nil)

// NewMulticastAnnouncer joins group on the named interface, or on the system
// default when ifaceName is empty.
func NewMulticastAnnouncer(group, ifaceName string, logger *slog.Logger) (*MulticastAnnouncer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve control group: %w", err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("control group %s is not multicast", addr.IP)
	}

	var ifi *net.Interface
	if ifaceName != "" {
		ifi, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("control interface: %w", err)
		}
	}

	c, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", addr.Port))
	if err != nil {
		return nil, fmt.Errorf("listen control channel: %w", err)
	}

	p := ipv4.NewPacketConn(c)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: addr.IP}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("join %s: %w", addr.IP, err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	if err := p.SetMulticastTTL(1); err != nil {
		logger.Debug("multicast ttl not set", "error", err)
	}
	if err := p.SetMulticastLoopback(true); err != nil {
		logger.Debug("multicast loopback not set", "error", err)
	}

	return &MulticastAnnouncer{
		conn:   p,
		group:  addr,
		logger: logger.With("component", "control_channel", "group", addr.String()),
	}, nil
}

// Announce writes one announcement to the group.
func (a *MulticastAnnouncer) Announce(ctx context.Context, ann common.ChannelAnnouncement) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = a.conn.SetWriteDeadline(deadline)
	}
	if _, err := a.conn.WriteTo(common.MarshalAnnouncement(&ann), nil, a.group); err != nil {
		return common.WrapError(common.ErrCodeTransportFailed, "multicast announce", err)
	}
	return nil
}

// Listen delivers decoded announcements until ctx ends or the announcer is
// closed. Malformed datagrams are dropped.
func (a *MulticastAnnouncer) Listen(ctx context.Context, handler func(*common.ChannelAnnouncement)) error {
	buf := make([]byte, maxAnnouncementSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		_ = a.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

		n, _, src, err := a.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return common.WrapError(common.ErrCodeTransportFailed, "control channel read", err)
		}

		ann, err := common.UnmarshalAnnouncement(buf[:n])
		if err != nil {
			a.logger.Debug("dropped malformed announcement", "src", src, "error", err)
			continue
		}
		handler(ann)
	}
}

// Close leaves the group.
func (a *MulticastAnnouncer) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.conn.Close()
	})
	return err
}
