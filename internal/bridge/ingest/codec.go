package ingest

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

// Decoder turns one transport datagram into a RawSample.
type Decoder interface {
	Decode(b []byte) (*RawSample, error)
}

// Encoder is the inverse of Decoder. Used by the synthetic sensor and tools.
type Encoder interface {
	Encode(s *RawSample) ([]byte, error)
}

// Codec is a named Decoder/Encoder pair.
type Codec interface {
	Decoder
	Encoder
	Name() string
}

// CodecByName returns the codec registered under name ("proto" or "cbor").
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "proto", "protobuf":
		return ProtoCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	}
	return nil, fmt.Errorf("unknown sample codec %q (want proto or cbor)", name)
}

// Field numbers of cloudbridge.v1.PointCloudSample.
const (
	fieldSourceID     protowire.Number = 1
	fieldSequence     protowire.Number = 2
	fieldCaptureNanos protowire.Number = 3
	fieldAttributes   protowire.Number = 4
	fieldPointCount   protowire.Number = 5
	fieldPayload      protowire.Number = 6
	fieldPose         protowire.Number = 7 // packed repeated double, 16 values
)

var errWireType = errors.New("unexpected wire type")

// ProtoCodec reads and writes the protobuf encoding of
// api/cloudbridge/v1/sample.proto without generated code.
type ProtoCodec struct{}

// Name implements Codec.
func (ProtoCodec) Name() string { return "proto" }

// Encode implements Encoder.
func (ProtoCodec) Encode(s *RawSample) ([]byte, error) {
	b := make([]byte, 0, len(s.Payload)+64)
	b = protowire.AppendTag(b, fieldSourceID, protowire.BytesType)
	b = protowire.AppendString(b, s.SourceID)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Sequence)
	b = protowire.AppendTag(b, fieldCaptureNanos, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.CaptureNanos))
	if s.Attributes != 0 {
		b = protowire.AppendTag(b, fieldAttributes, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.Attributes))
	}
	b = protowire.AppendTag(b, fieldPointCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.PointCount))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Payload)
	if s.Pose != nil {
		packed := make([]byte, 0, 16*8)
		for _, v := range s.Pose {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, fieldPose, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b, nil
}

// Decode implements Decoder. Unknown fields are skipped.
func (ProtoCodec) Decode(b []byte) (*RawSample, error) {
	s := &RawSample{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldSourceID, fieldPayload, fieldPose:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("field %d: %w %v", num, errWireType, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldSourceID:
				s.SourceID = string(v)
			case fieldPayload:
				s.Payload = append([]byte(nil), v...)
			case fieldPose:
				pose, err := decodePackedPose(v)
				if err != nil {
					return nil, err
				}
				s.Pose = pose
			}
		case fieldSequence, fieldCaptureNanos, fieldAttributes, fieldPointCount:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("field %d: %w %v", num, errWireType, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldSequence:
				s.Sequence = v
			case fieldCaptureNanos:
				s.CaptureNanos = int64(v)
			case fieldAttributes:
				if v > math.MaxUint8 {
					return nil, fmt.Errorf("attributes %d out of range", v)
				}
				s.Attributes = frame.AttributeMask(v)
			case fieldPointCount:
				if v > math.MaxUint32 {
					return nil, fmt.Errorf("point_count %d out of range", v)
				}
				s.PointCount = uint32(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return s, nil
}

func decodePackedPose(b []byte) (*[16]float64, error) {
	if len(b) != 16*8 {
		return nil, fmt.Errorf("pose: want 16 doubles, got %d bytes", len(b))
	}
	var pose [16]float64
	for i := range pose {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, fmt.Errorf("pose[%d]: %w", i, protowire.ParseError(n))
		}
		pose[i] = math.Float64frombits(v)
		b = b[n:]
	}
	return &pose, nil
}

// CBORCodec reads and writes samples as CBOR maps keyed by the protobuf
// field numbers.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a codec with strict decoding limits.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  8,
		MaxArrayElements: 1024,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

// Name implements Codec.
func (*CBORCodec) Name() string { return "cbor" }

// Encode implements Encoder.
func (c *CBORCodec) Encode(s *RawSample) ([]byte, error) {
	return c.enc.Marshal(s)
}

// Decode implements Decoder.
func (c *CBORCodec) Decode(b []byte) (*RawSample, error) {
	var s RawSample
	if err := c.dec.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("cbor decode: %w", err)
	}
	return &s, nil
}
