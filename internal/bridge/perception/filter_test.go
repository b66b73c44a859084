package perception

import (
	"math"
	"testing"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pt(x, y, z float64) frame.Point {
	return frame.Point{Vector: r3.Vector{X: x, Y: y, Z: z}}
}

// gridCloud returns an nx×ny grid at height z with the given spacing.
func gridCloud(nx, ny int, spacing, z float64) []frame.Point {
	out := make([]frame.Point, 0, nx*ny)
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			out = append(out, pt(float64(i)*spacing, float64(j)*spacing, z))
		}
	}
	return out
}

func TestHeightBand(t *testing.T) {
	pts := []frame.Point{pt(0, 0, -1), pt(0, 0, 0), pt(0, 0, 1), pt(0, 0, 2.5)}
	got := HeightBand(pts, 0, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 0.0, got[0].Z)
	assert.Equal(t, 1.0, got[1].Z)
}

func TestVoxelDownsample_AveragesCell(t *testing.T) {
	pts := []frame.Point{
		{Vector: r3.Vector{X: 0.01, Y: 0.01, Z: 0.01}, Intensity: 10, RGB: [3]uint8{0, 100, 200}},
		{Vector: r3.Vector{X: 0.03, Y: 0.03, Z: 0.03}, Intensity: 30, RGB: [3]uint8{10, 110, 210}},
		{Vector: r3.Vector{X: 1.5, Y: 0, Z: 0}, Intensity: 5},
	}
	got := VoxelDownsample(pts, 0.1)
	require.Len(t, got, 2)

	assert.InDelta(t, 0.02, got[0].X, 1e-9)
	assert.InDelta(t, 0.02, got[0].Z, 1e-9)
	assert.InDelta(t, 20, float64(got[0].Intensity), 1e-6)
	assert.Equal(t, [3]uint8{5, 105, 205}, got[0].RGB)
	assert.InDelta(t, 1.5, got[1].X, 1e-9)
}

func TestVoxelDownsample_OrderIndependent(t *testing.T) {
	pts := gridCloud(10, 10, 0.07, 0)
	rev := make([]frame.Point, len(pts))
	for i, p := range pts {
		rev[len(pts)-1-i] = p
	}
	a := VoxelDownsample(pts, 0.2)
	b := VoxelDownsample(rev, 0.2)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.InDelta(t, a[i].X, b[i].X, 1e-9)
		assert.InDelta(t, a[i].Y, b[i].Y, 1e-9)
	}
}

func TestDecimate(t *testing.T) {
	pts := make([]frame.Point, 10)
	for i := range pts {
		pts[i] = pt(float64(i), 0, 0)
	}
	got := Decimate(pts, 5)
	require.Len(t, got, 5)
	for i, p := range got {
		assert.Equal(t, float64(2*i), p.X)
	}
	assert.Len(t, Decimate(pts, 20), 10)
	assert.Nil(t, Decimate(pts, 0))
}

func TestRemoveStatisticalOutliers(t *testing.T) {
	pts := make([]frame.Point, 0, 51)
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			for k := 0; k < 2; k++ {
				pts = append(pts, pt(float64(i)*0.1, float64(j)*0.1, float64(k)*0.1))
			}
		}
	}
	pts = append(pts, pt(100, 100, 100))

	got := RemoveStatisticalOutliers(pts, 8, 2.0)
	assert.Len(t, got, 50)
	for _, p := range got {
		assert.Less(t, p.X, 1.0)
	}
}

func TestFilter_DoesNotAliasInput(t *testing.T) {
	pts := []frame.Point{pt(1, 2, 3), pt(4, 5, 6)}
	out, st := Filter(pts, FilterConfig{})
	require.Len(t, out, 2)
	out[0].X = 99
	assert.Equal(t, 1.0, pts[0].X)
	assert.Equal(t, 2, st.Input)
	assert.Equal(t, 2, st.Output)
}

func TestFilter_EnforcesPointBudget(t *testing.T) {
	pts := gridCloud(100, 100, 0.01, 0)
	out, st := Filter(pts, FilterConfig{VoxelSize: 0.01, MaxPoints: 100})
	assert.LessOrEqual(t, len(out), 100)
	assert.Equal(t, len(out), st.Output)
	assert.Greater(t, st.LeafUsed, 0.01)
}

func TestFilter_DecimatesWhenLeafGrowthIsNotEnough(t *testing.T) {
	// Points spread along a line 1 km long: growing a 1 mm leaf six times
	// cannot merge them.
	pts := make([]frame.Point, 2000)
	for i := range pts {
		pts[i] = pt(float64(i)*0.5, 0, 0)
	}
	out, st := Filter(pts, FilterConfig{VoxelSize: 0.001, MaxPoints: 100})
	assert.Len(t, out, 100)
	assert.True(t, st.Decimated)
	assert.InDelta(t, 0.001*math.Pow(1.5, maxLeafGrowth), st.LeafUsed, 1e-12)
}

func TestFilter_StageOrder(t *testing.T) {
	pts := append(gridCloud(4, 4, 0.1, 1), pt(0, 0, 10))
	_, st := Filter(pts, FilterConfig{HeightBand: true, FloorHeight: 0, CeilingHeight: 5, VoxelSize: 1})
	assert.Equal(t, 17, st.Input)
	assert.Equal(t, 16, st.AfterBand)
	assert.Equal(t, 16, st.AfterOutliers)
	assert.Equal(t, 1, st.AfterVoxel)
	assert.Equal(t, 1, st.Output)
}

func TestIndex_KNearest(t *testing.T) {
	idx := NewIndex([]r3.Vector{{X: 0}, {X: 3}, {X: 1}, {X: 2}})
	nn := idx.KNearest(r3.Vector{X: 0.1}, 3)
	require.Len(t, nn, 3)
	assert.Equal(t, []int{0, 2, 3}, []int{nn[0].Index, nn[1].Index, nn[2].Index})
	assert.InDelta(t, 0.01, nn[0].DistSq, 1e-12)

	n, ok := idx.Nearest(r3.Vector{X: 2.9})
	require.True(t, ok)
	assert.Equal(t, 1, n.Index)
	assert.Equal(t, r3.Vector{X: 3}, idx.Point(n.Index))

	_, ok = NewIndex(nil).Nearest(r3.Vector{})
	assert.False(t, ok)
	assert.Nil(t, NewIndex(nil).KNearest(r3.Vector{}, 3))
}
