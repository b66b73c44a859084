package perception

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// indexed is a kd-tree element that remembers its position in the source
// slice.
type indexed struct {
	v [3]float64
	i int
}

func (p indexed) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.v[d] - c.(indexed).v[d]
}

func (p indexed) Dims() int { return 3 }

// Distance returns the squared Euclidean distance.
func (p indexed) Distance(c kdtree.Comparable) float64 {
	q := c.(indexed)
	dx, dy, dz := p.v[0]-q.v[0], p.v[1]-q.v[1], p.v[2]-q.v[2]
	return dx*dx + dy*dy + dz*dz
}

type indexedPoints []indexed

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// Pivot partitions around the median of up to pivotSamples random elements,
// as kdtree.Points does.
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	pl := plane{pts: p, dim: d}
	return kdtree.Partition(pl, kdtree.MedianOfRandoms(pl, pivotSamples))
}

const pivotSamples = 100

type plane struct {
	pts indexedPoints
	dim kdtree.Dim
}

func (p plane) Len() int           { return len(p.pts) }
func (p plane) Less(i, j int) bool { return p.pts[i].v[p.dim] < p.pts[j].v[p.dim] }
func (p plane) Swap(i, j int)      { p.pts[i], p.pts[j] = p.pts[j], p.pts[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{pts: p.pts[start:end], dim: p.dim}
}

// Index is a static kd-tree over a point set. It is safe for concurrent
// queries once built.
type Index struct {
	tree *kdtree.Tree
	pts  []r3.Vector
}

// Neighbor is a query result.
type Neighbor struct {
	Index  int
	DistSq float64
}

// NewIndex builds an index over pts. The slice is copied.
func NewIndex(pts []r3.Vector) *Index {
	own := make([]r3.Vector, len(pts))
	copy(own, pts)
	items := make(indexedPoints, len(own))
	for i, v := range own {
		items[i] = indexed{v: [3]float64{v.X, v.Y, v.Z}, i: i}
	}
	idx := &Index{pts: own}
	if len(items) > 0 {
		idx.tree = kdtree.New(items, false)
	}
	return idx
}

// Len returns the number of indexed points.
func (x *Index) Len() int { return len(x.pts) }

// Point returns the i-th indexed point.
func (x *Index) Point(i int) r3.Vector { return x.pts[i] }

// Points returns the indexed points. The slice must not be modified.
func (x *Index) Points() []r3.Vector { return x.pts }

// Nearest returns the closest indexed point to q. ok is false for an empty
// index.
func (x *Index) Nearest(q r3.Vector) (Neighbor, bool) {
	if x.tree == nil {
		return Neighbor{}, false
	}
	c, d := x.tree.Nearest(indexed{v: [3]float64{q.X, q.Y, q.Z}, i: -1})
	if c == nil {
		return Neighbor{}, false
	}
	return Neighbor{Index: c.(indexed).i, DistSq: d}, true
}

// KNearest returns up to k nearest indexed points to q, closest first.
func (x *Index) KNearest(q r3.Vector, k int) []Neighbor {
	if x.tree == nil || k <= 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(k)
	x.tree.NearestSet(keep, indexed{v: [3]float64{q.X, q.Y, q.Z}, i: -1})

	out := make([]Neighbor, 0, k)
	for _, cd := range keep.Heap {
		if cd.Comparable == nil || math.IsInf(cd.Dist, 1) {
			continue
		}
		out = append(out, Neighbor{Index: cd.Comparable.(indexed).i, DistSq: cd.Dist})
	}
	sortNeighbors(out)
	return out
}

func sortNeighbors(n []Neighbor) {
	// Insertion sort; k is small.
	for i := 1; i < len(n); i++ {
		for j := i; j > 0 && less(n[j], n[j-1]); j-- {
			n[j], n[j-1] = n[j-1], n[j]
		}
	}
}

func less(a, b Neighbor) bool {
	if a.DistSq != b.DistSq {
		return a.DistSq < b.DistSq
	}
	return a.Index < b.Index
}
