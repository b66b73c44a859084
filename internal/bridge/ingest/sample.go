package ingest

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/golang/geo/r3"
)

// RawSample is a deserialised middleware sample before validation.
//
// Payload holds PointCount packed little-endian records of float32 x, y, z,
// followed by float32 intensity when Attributes has AttrIntensity and a uint32
// 0x00RRGGBB colour when Attributes has AttrColor.
type RawSample struct {
	SourceID     string              `cbor:"1,keyasint"`
	Sequence     uint64              `cbor:"2,keyasint"`
	CaptureNanos int64               `cbor:"3,keyasint"`
	Attributes   frame.AttributeMask `cbor:"4,keyasint"`
	PointCount   uint32              `cbor:"5,keyasint"`
	Payload      []byte              `cbor:"6,keyasint"`
	Pose         *[16]float64        `cbor:"7,keyasint,omitempty"`
}

// Stride returns the size in bytes of one point record for mask.
func Stride(mask frame.AttributeMask) int {
	n := 12
	if mask.Has(frame.AttrIntensity) {
		n += 4
	}
	if mask.Has(frame.AttrColor) {
		n += 4
	}
	return n
}

// EncodePoints packs pts into the payload layout selected by mask.
func EncodePoints(pts []frame.Point, mask frame.AttributeMask) []byte {
	stride := Stride(mask)
	buf := make([]byte, len(pts)*stride)
	for i, p := range pts {
		off := i * stride
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(buf[off+8:], math.Float32bits(float32(p.Z)))
		off += 12
		if mask.Has(frame.AttrIntensity) {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(p.Intensity))
			off += 4
		}
		if mask.Has(frame.AttrColor) {
			rgb := uint32(p.RGB[0])<<16 | uint32(p.RGB[1])<<8 | uint32(p.RGB[2])
			binary.LittleEndian.PutUint32(buf[off:], rgb)
		}
	}
	return buf
}

// validateShape checks the payload against the declared count and layout.
func validateShape(raw *RawSample) *IngestError {
	if raw.SourceID == "" {
		return malformed(raw, "empty source id")
	}
	if raw.Attributes&^(frame.AttrIntensity|frame.AttrColor) != 0 {
		return malformed(raw, "unknown attribute bits %#x", uint8(raw.Attributes))
	}
	stride := Stride(raw.Attributes)
	if len(raw.Payload)%stride != 0 {
		return malformed(raw, "payload size %d is not a multiple of stride %d", len(raw.Payload), stride)
	}
	if got := len(raw.Payload) / stride; got != int(raw.PointCount) {
		return malformed(raw, "payload holds %d points, header declares %d", got, raw.PointCount)
	}
	if raw.Pose != nil && !frame.RigidTransform(*raw.Pose).IsValid() {
		return malformed(raw, "sensor pose is not a rigid transform")
	}
	return nil
}

// decodePoints unpacks a validated payload. Points with non-finite
// coordinates are dropped; order is preserved.
func decodePoints(raw *RawSample) (pts []frame.Point, dropped int) {
	stride := Stride(raw.Attributes)
	pts = make([]frame.Point, 0, raw.PointCount)
	for off := 0; off+stride <= len(raw.Payload); off += stride {
		rec := raw.Payload[off : off+stride]
		x := math.Float32frombits(binary.LittleEndian.Uint32(rec[0:]))
		y := math.Float32frombits(binary.LittleEndian.Uint32(rec[4:]))
		z := math.Float32frombits(binary.LittleEndian.Uint32(rec[8:]))
		if !finite32(x) || !finite32(y) || !finite32(z) {
			dropped++
			continue
		}
		p := frame.Point{Vector: r3.Vector{X: float64(x), Y: float64(y), Z: float64(z)}}
		i := 12
		if raw.Attributes.Has(frame.AttrIntensity) {
			p.Intensity = math.Float32frombits(binary.LittleEndian.Uint32(rec[i:]))
			i += 4
		}
		if raw.Attributes.Has(frame.AttrColor) {
			rgb := binary.LittleEndian.Uint32(rec[i:])
			p.RGB = [3]uint8{uint8(rgb >> 16), uint8(rgb >> 8), uint8(rgb)}
		}
		pts = append(pts, p)
	}
	return pts, dropped
}

// toFrame builds the Frame for a validated sample.
func toFrame(raw *RawSample, arrival time.Time) (*frame.Frame, int) {
	pts, dropped := decodePoints(raw)
	f := &frame.Frame{
		SourceID:    raw.SourceID,
		Sequence:    raw.Sequence,
		CaptureTime: time.Unix(0, raw.CaptureNanos),
		ArrivalTime: arrival,
		Attributes:  raw.Attributes,
		Points:      pts,
	}
	if raw.Pose != nil {
		pose := frame.RigidTransform(*raw.Pose)
		f.SensorPose = &pose
	}
	return f, dropped
}

func finite32(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
