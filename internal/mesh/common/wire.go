package common

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire frames are hand-encoded protobuf. Field numbers are stable; unknown
// fields are skipped so newer peers can add fields.

const (
	gossipSigningDomain       = "tacmesh/gossip/v1"
	announcementSigningDomain = "tacmesh/hop/v1"
)

type wireField struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
	u64 uint64
}

func walkFields(b []byte, fn func(f wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return WrapError(ErrCodeMalformedFrame, "bad tag", protowire.ParseError(n))
		}
		b = b[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return WrapError(ErrCodeMalformedFrame, "bad bytes field", protowire.ParseError(m))
			}
			f.raw, n = v, m
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return WrapError(ErrCodeMalformedFrame, "bad varint field", protowire.ParseError(m))
			}
			f.u64, n = v, m
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return WrapError(ErrCodeMalformedFrame, "bad fixed64 field", protowire.ParseError(m))
			}
			f.u64, n = v, m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return WrapError(ErrCodeMalformedFrame, "bad field", protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed64(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendFixed64(b, num, uint64(t.UnixNano()))
}

func timeFromWire(v uint64) time.Time {
	return time.Unix(0, int64(v))
}

func gossipBody(b []byte, msg *GossipMessage) []byte {
	b = appendString(b, 1, msg.MessageID)
	b = appendString(b, 2, msg.SenderID)
	b = appendVarint(b, 3, msg.Height)
	b = appendBytes(b, 4, msg.MerkleRoot[:])
	b = appendVarint(b, 5, msg.AttestedBlocks)
	b = appendTime(b, 6, msg.Timestamp)
	b = appendVarint(b, 8, uint64(msg.MaxHops))
	return b
}

// GossipSigningBytes is the canonical byte string covered by a gossip
// signature. HopCount and Signature are excluded.
func GossipSigningBytes(msg *GossipMessage) []byte {
	b := appendString(nil, 100, gossipSigningDomain)
	return gossipBody(b, msg)
}

// MarshalGossip encodes a gossip message for the wire.
func MarshalGossip(msg *GossipMessage) []byte {
	b := gossipBody(nil, msg)
	b = appendVarint(b, 7, uint64(msg.HopCount))
	b = appendBytes(b, 15, msg.Signature)
	return b
}

// UnmarshalGossip decodes a gossip message.
func UnmarshalGossip(data []byte) (*GossipMessage, error) {
	msg := &GossipMessage{}
	err := walkFields(data, func(f wireField) error {
		switch f.num {
		case 1:
			msg.MessageID = string(f.raw)
		case 2:
			msg.SenderID = string(f.raw)
		case 3:
			msg.Height = f.u64
		case 4:
			if len(f.raw) != len(msg.MerkleRoot) {
				return NewMeshError(ErrCodeMalformedFrame, "merkle root length").
					WithContext("length", len(f.raw))
			}
			copy(msg.MerkleRoot[:], f.raw)
		case 5:
			msg.AttestedBlocks = f.u64
		case 6:
			msg.Timestamp = timeFromWire(f.u64)
		case 7:
			msg.HopCount = uint32(f.u64)
		case 8:
			msg.MaxHops = uint32(f.u64)
		case 15:
			msg.Signature = append([]byte(nil), f.raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if msg.MessageID == "" || msg.SenderID == "" {
		return nil, NewMeshError(ErrCodeMalformedFrame, "gossip message missing id or sender")
	}
	return msg, nil
}

// MarshalBranchSync encodes a branch sync request.
func MarshalBranchSync(req BranchSyncRequest) []byte {
	b := appendVarint(nil, 1, req.Height)
	return appendBytes(b, 2, req.Root[:])
}

// UnmarshalBranchSync decodes a branch sync request.
func UnmarshalBranchSync(data []byte) (BranchSyncRequest, error) {
	var req BranchSyncRequest
	err := walkFields(data, func(f wireField) error {
		switch f.num {
		case 1:
			req.Height = f.u64
		case 2:
			req.Root = HashFromBytes(f.raw)
		}
		return nil
	})
	return req, err
}

// MarshalAdverts encodes a route advertisement batch.
func MarshalAdverts(adverts []RouteAdvert) []byte {
	var b []byte
	for _, a := range adverts {
		var inner []byte
		inner = appendString(inner, 1, a.Destination)
		inner = appendFixed64(inner, 2, math.Float64bits(a.Cost))
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

// UnmarshalAdverts decodes a route advertisement batch.
func UnmarshalAdverts(data []byte) ([]RouteAdvert, error) {
	var out []RouteAdvert
	err := walkFields(data, func(f wireField) error {
		if f.num != 1 || f.typ != protowire.BytesType {
			return nil
		}
		var a RouteAdvert
		if err := walkFields(f.raw, func(inner wireField) error {
			switch inner.num {
			case 1:
				a.Destination = string(inner.raw)
			case 2:
				a.Cost = math.Float64frombits(inner.u64)
			}
			return nil
		}); err != nil {
			return err
		}
		if a.Destination == "" || math.IsNaN(a.Cost) || a.Cost < 0 {
			return NewMeshError(ErrCodeMalformedFrame, "invalid route advert").
				WithContext("destination", a.Destination)
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

func announcementBody(b []byte, ann *ChannelAnnouncement) []byte {
	b = appendString(b, 1, ann.NodeID)
	b = appendVarint(b, 2, ann.Epoch)
	b = appendVarint(b, 3, uint64(ann.Channel))
	b = appendString(b, 4, ann.Reason)
	b = appendTime(b, 5, ann.Timestamp)
	return b
}

// AnnouncementSigningBytes is the canonical byte string covered by a hop
// announcement signature.
func AnnouncementSigningBytes(ann *ChannelAnnouncement) []byte {
	b := appendString(nil, 100, announcementSigningDomain)
	return announcementBody(b, ann)
}

// MarshalAnnouncement encodes a channel announcement.
func MarshalAnnouncement(ann *ChannelAnnouncement) []byte {
	b := announcementBody(nil, ann)
	return appendBytes(b, 15, ann.Signature)
}

// UnmarshalAnnouncement decodes a channel announcement.
func UnmarshalAnnouncement(data []byte) (*ChannelAnnouncement, error) {
	ann := &ChannelAnnouncement{}
	err := walkFields(data, func(f wireField) error {
		switch f.num {
		case 1:
			ann.NodeID = string(f.raw)
		case 2:
			ann.Epoch = f.u64
		case 3:
			if f.u64 > math.MaxUint32 {
				return NewMeshError(ErrCodeMalformedFrame, "channel out of range")
			}
			ann.Channel = uint32(f.u64)
		case 4:
			ann.Reason = string(f.raw)
		case 5:
			ann.Timestamp = timeFromWire(f.u64)
		case 15:
			ann.Signature = append([]byte(nil), f.raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ann.NodeID == "" {
		return nil, NewMeshError(ErrCodeMalformedFrame, "announcement missing node id")
	}
	return ann, nil
}

// MarshalRevocation encodes a revocation notice.
func MarshalRevocation(ev RevocationEvent) []byte {
	b := appendString(nil, 1, ev.NodeID)
	b = appendString(b, 2, ev.RevokedBy)
	b = appendFixed64(b, 3, math.Float64bits(ev.TrustScore))
	b = appendString(b, 4, ev.Reason)
	return appendTime(b, 5, ev.At)
}

// UnmarshalRevocation decodes a revocation notice.
func UnmarshalRevocation(data []byte) (RevocationEvent, error) {
	var ev RevocationEvent
	err := walkFields(data, func(f wireField) error {
		switch f.num {
		case 1:
			ev.NodeID = string(f.raw)
		case 2:
			ev.RevokedBy = string(f.raw)
		case 3:
			ev.TrustScore = math.Float64frombits(f.u64)
		case 4:
			ev.Reason = string(f.raw)
		case 5:
			ev.At = timeFromWire(f.u64)
		}
		return nil
	})
	if err == nil && ev.NodeID == "" {
		err = fmt.Errorf("revocation missing node id: %w", ErrMalformedFrame)
	}
	return ev, err
}
