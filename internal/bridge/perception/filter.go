// Package perception holds the per-frame point-cloud algorithms run by the
// pipeline workers: filtering, segmentation and occupancy projection. Every
// function here is a pure function of its inputs.
package perception

import (
	"math"
	"sort"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"
)

// FilterConfig controls Filter.
type FilterConfig struct {
	VoxelSize float64 // metres; 0 disables voxel downsampling
	MaxPoints int     // 0 disables the point budget

	HeightBand     bool
	FloorHeight    float64
	CeilingHeight  float64
	OutlierRemoval bool
	OutlierK       int
	OutlierStdMul  float64
}

// FilterStats describes what Filter did.
type FilterStats struct {
	Input         int
	AfterBand     int
	AfterOutliers int
	AfterVoxel    int
	Output        int
	LeafUsed      float64
	Decimated     bool
}

// maxLeafGrowth bounds how often the voxel leaf is grown to meet MaxPoints
// before falling back to stride decimation.
const maxLeafGrowth = 6

// Filter runs height band, statistical outlier removal, voxel downsampling
// and the point budget, in that order. The input slice is not modified.
func Filter(pts []frame.Point, cfg FilterConfig) ([]frame.Point, FilterStats) {
	st := FilterStats{Input: len(pts), LeafUsed: cfg.VoxelSize}
	out := pts
	copied := false

	if cfg.HeightBand {
		out, copied = HeightBand(out, cfg.FloorHeight, cfg.CeilingHeight), true
	}
	st.AfterBand = len(out)

	if cfg.OutlierRemoval && cfg.OutlierK > 0 {
		out, copied = RemoveStatisticalOutliers(out, cfg.OutlierK, cfg.OutlierStdMul), true
	}
	st.AfterOutliers = len(out)

	if cfg.VoxelSize > 0 {
		out, copied = VoxelDownsample(out, cfg.VoxelSize), true
	}
	st.AfterVoxel = len(out)

	if cfg.MaxPoints > 0 && len(out) > cfg.MaxPoints {
		leaf := cfg.VoxelSize
		if leaf <= 0 {
			leaf = 0.05
		}
		for i := 0; i < maxLeafGrowth && len(out) > cfg.MaxPoints; i++ {
			leaf *= 1.5
			out, copied = VoxelDownsample(out, leaf), true
			st.LeafUsed = leaf
		}
		if len(out) > cfg.MaxPoints {
			out, copied = Decimate(out, cfg.MaxPoints), true
			st.Decimated = true
		}
	}
	if !copied {
		out = append([]frame.Point(nil), pts...)
	}
	st.Output = len(out)
	return out, st
}

// HeightBand keeps points whose Z lies in [floor, ceiling].
func HeightBand(pts []frame.Point, floor, ceiling float64) []frame.Point {
	out := make([]frame.Point, 0, len(pts))
	for _, p := range pts {
		if p.Z < floor || p.Z > ceiling {
			continue
		}
		out = append(out, p)
	}
	return out
}

type voxelKey struct{ x, y, z int64 }

type voxelAcc struct {
	sum       r3.Vector
	intensity float64
	rgb       [3]uint32
	n         int
}

// VoxelDownsample replaces the points in each cubic cell of side leaf by
// their centroid. Attributes are averaged. Output is ordered by cell key so
// the result does not depend on map iteration order.
func VoxelDownsample(pts []frame.Point, leaf float64) []frame.Point {
	if leaf <= 0 || len(pts) == 0 {
		return append([]frame.Point(nil), pts...)
	}
	inv := 1 / leaf
	cells := make(map[voxelKey]*voxelAcc, len(pts)/4+1)
	for _, p := range pts {
		k := voxelKey{
			x: int64(math.Floor(p.X * inv)),
			y: int64(math.Floor(p.Y * inv)),
			z: int64(math.Floor(p.Z * inv)),
		}
		acc := cells[k]
		if acc == nil {
			acc = &voxelAcc{}
			cells[k] = acc
		}
		acc.sum = acc.sum.Add(p.Vector)
		acc.intensity += float64(p.Intensity)
		for c := 0; c < 3; c++ {
			acc.rgb[c] += uint32(p.RGB[c])
		}
		acc.n++
	}

	keys := make([]voxelKey, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.x != b.x {
			return a.x < b.x
		}
		if a.y != b.y {
			return a.y < b.y
		}
		return a.z < b.z
	})

	out := make([]frame.Point, 0, len(keys))
	for _, k := range keys {
		acc := cells[k]
		n := float64(acc.n)
		p := frame.Point{
			Vector:    acc.sum.Mul(1 / n),
			Intensity: float32(acc.intensity / n),
		}
		for c := 0; c < 3; c++ {
			p.RGB[c] = uint8((acc.rgb[c] + uint32(acc.n)/2) / uint32(acc.n))
		}
		out = append(out, p)
	}
	return out
}

// Decimate keeps at most n points, sampled at a uniform stride.
func Decimate(pts []frame.Point, n int) []frame.Point {
	if n <= 0 {
		return nil
	}
	if len(pts) <= n {
		return append([]frame.Point(nil), pts...)
	}
	out := make([]frame.Point, n)
	step := float64(len(pts)) / float64(n)
	for i := range out {
		out[i] = pts[int(float64(i)*step)]
	}
	return out
}

// RemoveStatisticalOutliers drops points whose mean distance to their k
// nearest neighbours exceeds the cloud-wide mean by more than stdMul
// standard deviations.
func RemoveStatisticalOutliers(pts []frame.Point, k int, stdMul float64) []frame.Point {
	if len(pts) <= k || k <= 0 {
		return append([]frame.Point(nil), pts...)
	}
	idx := NewIndex(frame.Vectors(pts))

	meanDist := make([]float64, len(pts))
	for i, p := range pts {
		// k+1 because the point itself is its own nearest neighbour.
		nn := idx.KNearest(p.Vector, k+1)
		var sum float64
		var cnt int
		for _, n := range nn {
			if n.Index == i {
				continue
			}
			sum += math.Sqrt(n.DistSq)
			cnt++
		}
		if cnt > 0 {
			meanDist[i] = sum / float64(cnt)
		}
	}

	mean, std := stat.MeanStdDev(meanDist, nil)
	limit := mean + stdMul*std

	out := make([]frame.Point, 0, len(pts))
	for i, p := range pts {
		if meanDist[i] <= limit {
			out = append(out, p)
		}
	}
	return out
}
