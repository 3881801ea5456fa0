package bunker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
	"github.com/andybalholm/brotli"
	"github.com/ugorji/go/codec"
)

// Kind separates chain blocks from telemetry and C2 events.
type Kind uint8

const (
	KindEvent Kind = iota
	KindBlock
)

func (k Kind) String() string {
	if k == KindBlock {
		return "block"
	}
	return "event"
}

// Record is one entry of the offline chain. Only Synced ever changes after
// the record is written.
type Record struct {
	SequenceNo     uint64
	Kind           Kind
	Height         uint64
	Payload        []byte
	RecordHash     common.Hash
	PrevRecordHash common.Hash
	Signature      []byte
	Synced         bool
	CreatedAt      time.Time
}

// SigningBytes is seq (big-endian) || record_hash || prev_record_hash.
func (r *Record) SigningBytes() []byte {
	b := make([]byte, 8, 8+2*len(r.RecordHash))
	binary.BigEndian.PutUint64(b, r.SequenceNo)
	b = append(b, r.RecordHash[:]...)
	return append(b, r.PrevRecordHash[:]...)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Payload = append([]byte(nil), r.Payload...)
	out.Signature = append([]byte(nil), r.Signature...)
	return out
}

const (
	compressionNone   = "none"
	compressionBrotli = "brotli"
)

// diskRecord is the persisted layout.
type diskRecord struct {
	Seq            uint64 `codec:"seq"`
	Kind           uint8  `codec:"kind"`
	Height         uint64 `codec:"height"`
	Payload        []byte `codec:"payload"`
	Compression    string `codec:"compression"`
	RawSize        int    `codec:"raw_size"`
	RecordHash     []byte `codec:"record_hash"`
	PrevRecordHash []byte `codec:"prev_record_hash"`
	Signature      []byte `codec:"signature"`
	Synced         bool   `codec:"synced"`
	CreatedAt      int64  `codec:"created_at"`
}

// anchor is the verified position a chain check starts from: the zero hash
// for a fresh store, the last purged record, or the head at an operator clear.
type anchor struct {
	Seq  uint64 `codec:"seq"`
	Hash []byte `codec:"hash"`
}

var msgpackHandle = func() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.WriteExt = true
	return h
}()

func encode(v interface{}) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

func decode(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

// MarshalRecord encodes a record with msgpack. Payloads of at least
// compressMin bytes are brotli-compressed when that makes them smaller.
func MarshalRecord(r Record, compressMin int) ([]byte, error) {
	d := diskRecord{
		Seq:            r.SequenceNo,
		Kind:           uint8(r.Kind),
		Height:         r.Height,
		Payload:        r.Payload,
		Compression:    compressionNone,
		RawSize:        len(r.Payload),
		RecordHash:     r.RecordHash[:],
		PrevRecordHash: r.PrevRecordHash[:],
		Signature:      r.Signature,
		Synced:         r.Synced,
		CreatedAt:      r.CreatedAt.UnixNano(),
	}

	if compressMin > 0 && len(r.Payload) >= compressMin {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(r.Payload); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		if buf.Len() < len(r.Payload) {
			d.Payload = buf.Bytes()
			d.Compression = compressionBrotli
		}
	}

	return encode(&d)
}

// UnmarshalRecord decodes a record written by MarshalRecord.
func UnmarshalRecord(data []byte) (Record, error) {
	var d diskRecord
	if err := decode(data, &d); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}

	payload := d.Payload
	switch d.Compression {
	case compressionBrotli:
		raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(d.Payload)))
		if err != nil {
			return Record{}, fmt.Errorf("decompress record %d: %w", d.Seq, err)
		}
		payload = raw
	case compressionNone, "":
	default:
		return Record{}, fmt.Errorf("record %d: unknown compression %q", d.Seq, d.Compression)
	}
	if len(payload) != d.RawSize {
		return Record{}, fmt.Errorf("record %d: payload size %d, want %d", d.Seq, len(payload), d.RawSize)
	}

	r := Record{
		SequenceNo:     d.Seq,
		Kind:           Kind(d.Kind),
		Height:         d.Height,
		Payload:        payload,
		RecordHash:     common.HashFromBytes(d.RecordHash),
		PrevRecordHash: common.HashFromBytes(d.PrevRecordHash),
		Signature:      d.Signature,
		Synced:         d.Synced,
		CreatedAt:      time.Unix(0, d.CreatedAt),
	}
	if r.Payload == nil {
		r.Payload = []byte{}
	}
	return r, nil
}
