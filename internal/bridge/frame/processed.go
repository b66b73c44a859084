package frame

import (
	"time"

	"github.com/golang/geo/r3"
)

// FeatureKind classifies an extracted feature.
type FeatureKind uint8

const (
	FeaturePlane FeatureKind = iota + 1
	FeatureCluster
	FeatureKeypoint
)

func (k FeatureKind) String() string {
	switch k {
	case FeaturePlane:
		return "plane"
	case FeatureCluster:
		return "cluster"
	case FeatureKeypoint:
		return "keypoint"
	}
	return "unknown"
}

// Feature is a geometric descriptor extracted from a filtered cloud.
type Feature struct {
	Kind       FeatureKind
	Centroid   r3.Vector
	Normal     r3.Vector // planes only, unit length
	Min, Max   r3.Vector // axis-aligned extents of the supporting points
	PointCount int
	Confidence float64 // [0,1]
}

// RegistrationStatus records what happened in the registration stage.
type RegistrationStatus uint8

const (
	RegistrationSkipped RegistrationStatus = iota
	RegistrationBootstrapped
	RegistrationSucceeded
	RegistrationFailed
	RegistrationTimedOut
)

func (s RegistrationStatus) String() string {
	switch s {
	case RegistrationSkipped:
		return "skipped"
	case RegistrationBootstrapped:
		return "bootstrapped"
	case RegistrationSucceeded:
		return "succeeded"
	case RegistrationFailed:
		return "failed"
	case RegistrationTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Registration is the outcome of a successful alignment against a reference.
type Registration struct {
	// Delta maps the frame's points onto the reference cloud.
	Delta RigidTransform
	// Pose is Delta composed with the reference's accumulated pose.
	Pose             RigidTransform
	Fitness          float64 // inlier fraction in [0,1]
	RMSE             float64 // metres, over inliers
	Iterations       int
	ReferenceVersion uint64
}

// Cell is an occupied cell of the ground-plane projection.
type Cell struct {
	X, Y     int32
	Inflated bool // set for cells only occupied through inflation
}

// ProcessingStats summarises the work done on one frame.
type ProcessingStats struct {
	InputPoints    int
	FilteredPoints int
	VoxelLeaf      float64 // leaf size actually used after budget enforcement
	Latency        time.Duration
}

// ProcessedFrame is the immutable result of running a frame through the
// pipeline. It holds the source identity by value, never the Frame itself.
type ProcessedFrame struct {
	Source             FrameRef
	Attributes         AttributeMask
	Points             []Point
	Features           []Feature
	Registration       *Registration // nil unless RegistrationStatus is RegistrationSucceeded
	RegistrationStatus RegistrationStatus
	RegistrationErr    string
	Occupancy          []Cell
	OccupancyCellSize  float64
	Stats              ProcessingStats
	ProcessedAt        time.Time
}

// SourceKey implements the render slot ordering contract.
func (p *ProcessedFrame) SourceKey() string { return p.Source.SourceID }

// SequenceNumber implements the render slot ordering contract.
func (p *ProcessedFrame) SequenceNumber() uint64 { return p.Source.Sequence }

// PromotionReason explains why a reference frame was installed.
type PromotionReason string

const (
	PromotionBootstrap PromotionReason = "bootstrap"
	PromotionInterval  PromotionReason = "interval"
	PromotionReset     PromotionReason = "reset"
	PromotionSeed      PromotionReason = "seed"
)

// ReferenceFrame is the geometric baseline used for registration. It is
// replaced as a whole and never edited after construction.
type ReferenceFrame struct {
	Version    uint64
	Source     FrameRef
	Points     []Point
	Pose       RigidTransform // world pose of the reference cloud
	PromotedAt time.Time
	Reason     PromotionReason
}

// Detection is a labelled 2-D box reported by an external detector.
type Detection struct {
	DroneID    int
	Label      string
	Box        [4]float64 // x0, y0, x1, y1 in image pixels
	Confidence float64
}

// DetectionBatch is one datagram's worth of detections.
type DetectionBatch struct {
	Source     string
	Sequence   uint64
	ReceivedAt time.Time
	Detections []Detection
}

// SourceKey implements the render slot ordering contract.
func (b *DetectionBatch) SourceKey() string { return b.Source }

// SequenceNumber implements the render slot ordering contract.
func (b *DetectionBatch) SequenceNumber() uint64 { return b.Sequence }
