package network

import (
	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"google.golang.org/protobuf/encoding/protowire"
)

// Frame is one message on the /tacmesh stream protocol: a topic and an
// opaque payload, protobuf-encoded as fields 1 and 2.
type Frame struct {
	Topic   string
	Payload []byte
}

func MarshalFrame(f Frame) []byte {
	b := make([]byte, 0, len(f.Topic)+len(f.Payload)+8)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, f.Topic)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload)
	return b
}

func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Frame{}, common.WrapError(common.ErrCodeMalformedFrame, "bad frame tag", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return Frame{}, common.WrapError(common.ErrCodeMalformedFrame, "bad frame field", protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}

		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return Frame{}, common.WrapError(common.ErrCodeMalformedFrame, "bad frame field", protowire.ParseError(m))
		}
		data = data[m:]
		switch num {
		case 1:
			f.Topic = string(v)
		case 2:
			f.Payload = append([]byte(nil), v...)
		}
	}
	if f.Topic == "" {
		return Frame{}, common.NewMeshError(common.ErrCodeMalformedFrame, "frame has no topic")
	}
	if f.Payload == nil {
		f.Payload = []byte{}
	}
	return f, nil
}
