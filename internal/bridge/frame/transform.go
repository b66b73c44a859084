package frame

import (
	"math"

	"github.com/golang/geo/r3"
)

// MatrixValidationTolerance bounds the determinant and orthonormality error
// accepted by IsValid.
const MatrixValidationTolerance = 0.01

// RigidTransform is a row-major homogeneous 4x4 matrix.
type RigidTransform [16]float64

// Identity returns the identity transform.
func Identity() RigidTransform {
	return RigidTransform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// FromRotationTranslation assembles a transform from a row-major 3x3 rotation
// and a translation.
func FromRotationTranslation(r [9]float64, t r3.Vector) RigidTransform {
	return RigidTransform{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	}
}

// Translation returns the translation column.
func (t RigidTransform) Translation() r3.Vector {
	return r3.Vector{X: t[3], Y: t[7], Z: t[11]}
}

// Rotation returns the upper-left 3x3 block in row-major order.
func (t RigidTransform) Rotation() [9]float64 {
	return [9]float64{t[0], t[1], t[2], t[4], t[5], t[6], t[8], t[9], t[10]}
}

// Apply maps v through t.
func (t RigidTransform) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0]*v.X + t[1]*v.Y + t[2]*v.Z + t[3],
		Y: t[4]*v.X + t[5]*v.Y + t[6]*v.Z + t[7],
		Z: t[8]*v.X + t[9]*v.Y + t[10]*v.Z + t[11],
	}
}

// Rotate applies only the rotation part of t, for directions such as normals.
func (t RigidTransform) Rotate(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0]*v.X + t[1]*v.Y + t[2]*v.Z,
		Y: t[4]*v.X + t[5]*v.Y + t[6]*v.Z,
		Z: t[8]*v.X + t[9]*v.Y + t[10]*v.Z,
	}
}

// Compose returns t·u, the transform that applies u first and then t.
func (t RigidTransform) Compose(u RigidTransform) RigidTransform {
	var out RigidTransform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += t[r*4+k] * u[k*4+c]
			}
			out[r*4+c] = s
		}
	}
	return out
}

// Inverse returns the inverse of a rigid transform: [Rᵀ | -Rᵀt].
func (t RigidTransform) Inverse() RigidTransform {
	tr := t.Translation()
	out := RigidTransform{
		t[0], t[4], t[8], 0,
		t[1], t[5], t[9], 0,
		t[2], t[6], t[10], 0,
		0, 0, 0, 1,
	}
	out[3] = -(out[0]*tr.X + out[1]*tr.Y + out[2]*tr.Z)
	out[7] = -(out[4]*tr.X + out[5]*tr.Y + out[6]*tr.Z)
	out[11] = -(out[8]*tr.X + out[9]*tr.Y + out[10]*tr.Z)
	return out
}

// IsValid reports whether t is a proper rigid transform: orthonormal rotation
// with determinant 1, finite translation and a last row of [0 0 0 1].
func (t RigidTransform) IsValid() bool {
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	r00, r01, r02 := t[0], t[1], t[2]
	r10, r11, r12 := t[4], t[5], t[6]
	r20, r21, r22 := t[8], t[9], t[10]

	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.Abs(det-1.0) > MatrixValidationTolerance {
		return false
	}
	// Rows must be unit length and mutually orthogonal.
	rows := [3]r3.Vector{{X: r00, Y: r01, Z: r02}, {X: r10, Y: r11, Z: r12}, {X: r20, Y: r21, Z: r22}}
	for i := 0; i < 3; i++ {
		if math.Abs(rows[i].Norm()-1) > MatrixValidationTolerance {
			return false
		}
		for j := i + 1; j < 3; j++ {
			if math.Abs(rows[i].Dot(rows[j])) > MatrixValidationTolerance {
				return false
			}
		}
	}
	if t[12] != 0 || t[13] != 0 || t[14] != 0 || math.Abs(t[15]-1.0) > 0.001 {
		return false
	}
	return true
}

// RotationAngle returns the magnitude of the rotation in radians.
func (t RigidTransform) RotationAngle() float64 {
	c := (t[0] + t[5] + t[10] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// TransformPoints returns a copy of pts mapped through t. Attributes are kept.
func TransformPoints(pts []Point, t RigidTransform) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		p.Vector = t.Apply(p.Vector)
		out[i] = p
	}
	return out
}

// PoseQuality grades a registration by its RMSE.
type PoseQuality string

const (
	PoseQualityExcellent PoseQuality = "excellent"
	PoseQualityGood      PoseQuality = "good"
	PoseQualityFair      PoseQuality = "fair"
	PoseQualityPoor      PoseQuality = "poor"
)

// RMSE thresholds (metres)
const (
	RMSEThresholdExcellent = 0.05
	RMSEThresholdGood      = 0.15
	RMSEThresholdFair      = 0.30
)

// QualityFromRMSE maps an alignment RMSE onto a PoseQuality.
func QualityFromRMSE(rmse float64) PoseQuality {
	switch {
	case rmse < RMSEThresholdExcellent:
		return PoseQualityExcellent
	case rmse < RMSEThresholdGood:
		return PoseQualityGood
	case rmse < RMSEThresholdFair:
		return PoseQualityFair
	default:
		return PoseQualityPoor
	}
}
