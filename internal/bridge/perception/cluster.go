package perception

import (
	"math"

	"github.com/golang/geo/r3"
)

// EstimatedPointsPerCell sizes the spatial hash on construction.
const EstimatedPointsPerCell = 4

type cellKey struct{ x, y, z int64 }

// SpatialHash buckets points into cubic cells of side CellSize. Cell size
// should match the DBSCAN eps so a region query only visits the 27
// surrounding cells.
type SpatialHash struct {
	CellSize float64
	grid     map[cellKey][]int
}

// NewSpatialHash buckets pts into cells of side cellSize.
func NewSpatialHash(pts []r3.Vector, cellSize float64) *SpatialHash {
	h := &SpatialHash{
		CellSize: cellSize,
		grid:     make(map[cellKey][]int, len(pts)/EstimatedPointsPerCell+1),
	}
	for i, p := range pts {
		k := h.key(p)
		h.grid[k] = append(h.grid[k], i)
	}
	return h
}

func (h *SpatialHash) key(p r3.Vector) cellKey {
	return cellKey{
		x: int64(math.Floor(p.X / h.CellSize)),
		y: int64(math.Floor(p.Y / h.CellSize)),
		z: int64(math.Floor(p.Z / h.CellSize)),
	}
}

// RegionQuery returns the indices of all points within eps of pts[idx],
// including idx itself.
func (h *SpatialHash) RegionQuery(pts []r3.Vector, idx int, eps float64) []int {
	p := pts[idx]
	base := h.key(p)
	eps2 := eps * eps

	var out []int
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for dz := int64(-1); dz <= 1; dz++ {
				k := cellKey{base.x + dx, base.y + dy, base.z + dz}
				for _, c := range h.grid[k] {
					if pts[c].Sub(p).Norm2() <= eps2 {
						out = append(out, c)
					}
				}
			}
		}
	}
	return out
}

// DBSCAN groups pts into density-connected clusters and returns the member
// indices of each cluster in discovery order. Noise points are omitted.
func DBSCAN(pts []r3.Vector, eps float64, minPts int) [][]int {
	if len(pts) == 0 || eps <= 0 {
		return nil
	}
	labels := make([]int, len(pts)) // 0=unvisited, -1=noise, >0=cluster
	hash := NewSpatialHash(pts, eps)
	clusterID := 0

	for i := range pts {
		if labels[i] != 0 {
			continue
		}
		neighbors := hash.RegionQuery(pts, i, eps)
		if len(neighbors) < minPts {
			labels[i] = -1
			continue
		}
		clusterID++
		expandCluster(pts, hash, labels, i, neighbors, clusterID, eps, minPts)
	}

	clusters := make([][]int, clusterID)
	for i, l := range labels {
		if l > 0 {
			clusters[l-1] = append(clusters[l-1], i)
		}
	}
	return clusters
}

func expandCluster(pts []r3.Vector, hash *SpatialHash, labels []int,
	seed int, queue []int, clusterID int, eps float64, minPts int) {

	labels[seed] = clusterID
	for j := 0; j < len(queue); j++ {
		idx := queue[j]
		if labels[idx] == -1 {
			labels[idx] = clusterID // border point
		}
		if labels[idx] != 0 {
			continue
		}
		labels[idx] = clusterID
		if next := hash.RegionQuery(pts, idx, eps); len(next) >= minPts {
			queue = append(queue, next...)
		}
	}
}
