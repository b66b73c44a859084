// Package frame defines the data model shared by the ingest bridge, the
// processing pipeline and render consumers: raw point-cloud frames, their
// processed form and the registration reference.
package frame

import (
	"fmt"
	"time"

	"github.com/golang/geo/r3"
)

// AttributeMask declares which optional per-point attributes carry data.
type AttributeMask uint8

const (
	AttrIntensity AttributeMask = 1 << iota
	AttrColor
)

// Has reports whether all bits of a are set in m.
func (m AttributeMask) Has(a AttributeMask) bool { return m&a == a }

func (m AttributeMask) String() string {
	switch m {
	case 0:
		return "xyz"
	case AttrIntensity:
		return "xyzi"
	case AttrColor:
		return "xyzrgb"
	case AttrIntensity | AttrColor:
		return "xyzirgb"
	}
	return fmt.Sprintf("mask(%d)", uint8(m))
}

// Point is a single 3-D sample in metres. Intensity and RGB are only
// meaningful when the owning frame's AttributeMask says so.
type Point struct {
	r3.Vector
	Intensity float32
	RGB       [3]uint8
}

// Frame is one ingested point-cloud sample. Points keep sensor delivery order.
type Frame struct {
	SourceID    string
	Sequence    uint64
	CaptureTime time.Time // sensor clock
	ArrivalTime time.Time // local clock
	Attributes  AttributeMask
	Points      []Point

	// SensorPose, when set, maps sensor coordinates into the world frame.
	SensorPose *RigidTransform
}

// FrameRef identifies a frame without holding on to its point buffer.
type FrameRef struct {
	SourceID    string
	Sequence    uint64
	CaptureTime time.Time
	ArrivalTime time.Time
}

// Ref returns the non-owning identity of f.
func (f *Frame) Ref() FrameRef {
	return FrameRef{
		SourceID:    f.SourceID,
		Sequence:    f.Sequence,
		CaptureTime: f.CaptureTime,
		ArrivalTime: f.ArrivalTime,
	}
}

func (r FrameRef) String() string {
	return fmt.Sprintf("%s#%d", r.SourceID, r.Sequence)
}

// Vectors returns the spatial part of pts as a new slice.
func Vectors(pts []Point) []r3.Vector {
	out := make([]r3.Vector, len(pts))
	for i := range pts {
		out[i] = pts[i].Vector
	}
	return out
}

// Bounds returns the axis-aligned extents of pts. ok is false for an empty set.
func Bounds(pts []Point) (lo, hi r3.Vector, ok bool) {
	if len(pts) == 0 {
		return lo, hi, false
	}
	lo, hi = pts[0].Vector, pts[0].Vector
	for _, p := range pts[1:] {
		lo.X, hi.X = min(lo.X, p.X), max(hi.X, p.X)
		lo.Y, hi.Y = min(lo.Y, p.Y), max(hi.Y, p.Y)
		lo.Z, hi.Z = min(lo.Z, p.Z), max(hi.Z, p.Z)
	}
	return lo, hi, true
}
