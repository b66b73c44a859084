package perception

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// SegmentConfig controls Segment.
type SegmentConfig struct {
	// DBSCAN clustering
	Eps       float64
	MinPoints int

	// RANSAC plane extraction
	PlaneIterations int
	PlaneDistance   float64
	PlaneMinInliers int
	MaxPlanes       int

	MaxFeatures int
	Seed        uint64
}

// DefaultSegmentConfig returns the defaults of the bridge tuning file.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		Eps:             0.5,
		MinPoints:       5,
		PlaneIterations: 100,
		PlaneDistance:   0.05,
		PlaneMinInliers: 50,
		MaxPlanes:       3,
		MaxFeatures:     32,
		Seed:            1,
	}
}

// Segment extracts dominant planes with RANSAC, clusters the remaining
// points with DBSCAN and returns at most MaxFeatures features ordered by
// confidence. The result depends only on pts and cfg.
func Segment(pts []frame.Point, cfg SegmentConfig) []frame.Feature {
	if len(pts) == 0 {
		return nil
	}
	vecs := frame.Vectors(pts)

	var features []frame.Feature
	remaining := make([]int, len(vecs))
	for i := range remaining {
		remaining[i] = i
	}

	if cfg.MaxPlanes > 0 && cfg.PlaneIterations > 0 {
		rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
		for p := 0; p < cfg.MaxPlanes; p++ {
			inliers, ok := ransacPlane(vecs, remaining, cfg, rng)
			if !ok {
				break
			}
			if f, ok := planeFeature(vecs, inliers, len(vecs)); ok {
				features = append(features, f)
			}
			remaining = without(remaining, inliers)
		}
	}

	if cfg.Eps > 0 && cfg.MinPoints > 0 && len(remaining) > 0 {
		sub := make([]r3.Vector, len(remaining))
		for i, idx := range remaining {
			sub[i] = vecs[idx]
		}
		for _, members := range DBSCAN(sub, cfg.Eps, cfg.MinPoints) {
			features = append(features, clusterFeature(sub, members, cfg.MinPoints))
		}
	}

	sortFeatures(features)
	if cfg.MaxFeatures > 0 && len(features) > cfg.MaxFeatures {
		features = features[:cfg.MaxFeatures]
	}
	return features
}

// ransacPlane returns the inliers (indices into vecs) of the best plane
// found among candidates.
func ransacPlane(vecs []r3.Vector, candidates []int, cfg SegmentConfig, rng *rand.Rand) ([]int, bool) {
	minInliers := max(cfg.PlaneMinInliers, 3)
	if len(candidates) < minInliers {
		return nil, false
	}

	var bestN r3.Vector
	var bestD float64
	bestCount := 0
	for it := 0; it < cfg.PlaneIterations; it++ {
		i := candidates[rng.IntN(len(candidates))]
		j := candidates[rng.IntN(len(candidates))]
		k := candidates[rng.IntN(len(candidates))]
		if i == j || j == k || i == k {
			continue
		}
		a, b, c := vecs[i], vecs[j], vecs[k]
		n := b.Sub(a).Cross(c.Sub(a))
		norm := n.Norm()
		if norm < 1e-9 {
			continue
		}
		n = n.Mul(1 / norm)
		d := -n.Dot(a)

		count := 0
		for _, idx := range candidates {
			if math.Abs(n.Dot(vecs[idx])+d) <= cfg.PlaneDistance {
				count++
			}
		}
		if count > bestCount {
			bestCount, bestN, bestD = count, n, d
		}
	}
	if bestCount < minInliers {
		return nil, false
	}

	inliers := make([]int, 0, bestCount)
	for _, idx := range candidates {
		if math.Abs(bestN.Dot(vecs[idx])+bestD) <= cfg.PlaneDistance {
			inliers = append(inliers, idx)
		}
	}
	return inliers, true
}

// planeFeature refines a plane by principal component analysis of its
// inliers: the normal is the eigenvector of the smallest eigenvalue of the
// covariance matrix.
func planeFeature(vecs []r3.Vector, inliers []int, total int) (frame.Feature, bool) {
	data := make([]float64, 0, 3*len(inliers))
	sub := make([]r3.Vector, len(inliers))
	for i, idx := range inliers {
		v := vecs[idx]
		sub[i] = v
		data = append(data, v.X, v.Y, v.Z)
	}
	x := mat.NewDense(len(inliers), 3, data)

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, x, nil)

	var eig mat.EigenSym
	if !eig.Factorize(&cov, true) {
		return frame.Feature{}, false
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	normal := r3.Vector{X: vectors.At(0, 0), Y: vectors.At(1, 0), Z: vectors.At(2, 0)}.Normalize()
	normal = canonicalNormal(normal)

	lo, hi := bounds(sub)
	return frame.Feature{
		Kind:       frame.FeaturePlane,
		Centroid:   centroid(sub),
		Normal:     normal,
		Min:        lo,
		Max:        hi,
		PointCount: len(inliers),
		Confidence: float64(len(inliers)) / float64(total),
	}, true
}

// canonicalNormal flips n so that its first non-zero component along Z, Y,
// X is positive.
func canonicalNormal(n r3.Vector) r3.Vector {
	const eps = 1e-12
	switch {
	case math.Abs(n.Z) > eps:
		if n.Z < 0 {
			return n.Mul(-1)
		}
	case math.Abs(n.Y) > eps:
		if n.Y < 0 {
			return n.Mul(-1)
		}
	case n.X < 0:
		return n.Mul(-1)
	}
	return n
}

func clusterFeature(vecs []r3.Vector, members []int, minPts int) frame.Feature {
	sub := make([]r3.Vector, len(members))
	for i, idx := range members {
		sub[i] = vecs[idx]
	}
	lo, hi := bounds(sub)
	return frame.Feature{
		Kind:       frame.FeatureCluster,
		Centroid:   centroid(sub),
		Min:        lo,
		Max:        hi,
		PointCount: len(members),
		Confidence: 1 - math.Exp(-float64(len(members))/float64(4*max(minPts, 1))),
	}
}

func sortFeatures(fs []frame.Feature) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Centroid.X != b.Centroid.X {
			return a.Centroid.X < b.Centroid.X
		}
		if a.Centroid.Y != b.Centroid.Y {
			return a.Centroid.Y < b.Centroid.Y
		}
		return a.Centroid.Z < b.Centroid.Z
	})
}

// without returns the elements of all not present in drop. Both slices are
// sorted ascending.
func without(all, drop []int) []int {
	out := make([]int, 0, len(all)-len(drop))
	j := 0
	for _, v := range all {
		for j < len(drop) && drop[j] < v {
			j++
		}
		if j < len(drop) && drop[j] == v {
			continue
		}
		out = append(out, v)
	}
	return out
}

func centroid(vs []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, v := range vs {
		sum = sum.Add(v)
	}
	return sum.Mul(1 / float64(len(vs)))
}

func bounds(vs []r3.Vector) (lo, hi r3.Vector) {
	lo, hi = vs[0], vs[0]
	for _, v := range vs[1:] {
		lo.X, hi.X = math.Min(lo.X, v.X), math.Max(hi.X, v.X)
		lo.Y, hi.Y = math.Min(lo.Y, v.Y), math.Max(hi.Y, v.Y)
		lo.Z, hi.Z = math.Min(lo.Z, v.Z), math.Max(hi.Z, v.Z)
	}
	return lo, hi
}
