package perception

import (
	"testing"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blob returns a 5×2×2 block of points spaced 0.1 m around c.
func blob(c r3.Vector) []frame.Point {
	var out []frame.Point
	for i := 0; i < 5; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 2; k++ {
				out = append(out, pt(c.X+float64(i)*0.1, c.Y+float64(j)*0.1, c.Z+float64(k)*0.1))
			}
		}
	}
	return out
}

func TestDBSCAN(t *testing.T) {
	var pts []r3.Vector
	pts = append(pts, frame.Vectors(blob(r3.Vector{}))...)
	pts = append(pts, frame.Vectors(blob(r3.Vector{X: 10}))...)
	pts = append(pts, r3.Vector{X: 50, Y: 50})

	clusters := DBSCAN(pts, 0.3, 4)
	require.Len(t, clusters, 2)
	assert.Len(t, clusters[0], 20)
	assert.Len(t, clusters[1], 20)
	for _, idx := range clusters[1] {
		assert.GreaterOrEqual(t, idx, 20)
		assert.NotEqual(t, len(pts)-1, idx)
	}

	assert.Nil(t, DBSCAN(nil, 0.3, 4))
}

func TestSegment_PlaneAndCluster(t *testing.T) {
	pts := gridCloud(20, 20, 0.1, 0)
	pts = append(pts, blob(r3.Vector{X: 5, Y: 5, Z: 1})...)

	features := Segment(pts, DefaultSegmentConfig())
	require.Len(t, features, 2)

	plane := features[0]
	assert.Equal(t, frame.FeaturePlane, plane.Kind)
	assert.Equal(t, 400, plane.PointCount)
	assert.InDelta(t, 1.0, plane.Normal.Z, 1e-6)
	assert.InDelta(t, 0.0, plane.Centroid.Z, 1e-9)
	assert.InDelta(t, 400.0/420.0, plane.Confidence, 1e-9)

	cluster := features[1]
	assert.Equal(t, frame.FeatureCluster, cluster.Kind)
	assert.Equal(t, 20, cluster.PointCount)
	assert.InDelta(t, 5.2, cluster.Centroid.X, 1e-9)
	assert.InDelta(t, 1.05, cluster.Centroid.Z, 1e-9)
	assert.Equal(t, r3.Vector{X: 5, Y: 5, Z: 1}, cluster.Min)
}

func TestSegment_Deterministic(t *testing.T) {
	pts := gridCloud(15, 15, 0.1, 0)
	pts = append(pts, blob(r3.Vector{X: 3, Y: -2, Z: 0.5})...)
	cfg := DefaultSegmentConfig()

	a := Segment(pts, cfg)
	b := Segment(pts, cfg)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Segment not deterministic (-first +second):\n%s", diff)
	}
}

func TestSegment_MaxFeatures(t *testing.T) {
	var pts []frame.Point
	pts = append(pts, blob(r3.Vector{})...)
	pts = append(pts, blob(r3.Vector{X: 10})...)
	pts = append(pts, blob(r3.Vector{X: 10, Y: 0.5})...)

	cfg := DefaultSegmentConfig()
	cfg.MaxPlanes = 0
	cfg.MaxFeatures = 1

	features := Segment(pts, cfg)
	require.Len(t, features, 1)
	assert.Equal(t, 40, features[0].PointCount)
}

func TestSegment_Empty(t *testing.T) {
	assert.Nil(t, Segment(nil, DefaultSegmentConfig()))
}

func TestCanonicalNormal(t *testing.T) {
	assert.Equal(t, r3.Vector{Z: 1}, canonicalNormal(r3.Vector{Z: -1}))
	assert.Equal(t, r3.Vector{Y: 1}, canonicalNormal(r3.Vector{Y: -1}))
	assert.Equal(t, r3.Vector{X: 1}, canonicalNormal(r3.Vector{X: -1}))
}

func TestOccupancy(t *testing.T) {
	pts := []frame.Point{pt(0.1, 0.1, 0), pt(0.2, 0.3, 1), pt(-0.1, -0.1, 0)}

	cells := Occupancy(pts, 0.5, 0)
	assert.Equal(t, []frame.Cell{{X: -1, Y: -1}, {X: 0, Y: 0}}, cells)

	inflated := Occupancy(pts[:1], 0.5, 0.5)
	assert.Equal(t, []frame.Cell{
		{X: -1, Y: 0, Inflated: true},
		{X: 0, Y: -1, Inflated: true},
		{X: 0, Y: 0},
		{X: 0, Y: 1, Inflated: true},
		{X: 1, Y: 0, Inflated: true},
	}, inflated)

	assert.Nil(t, Occupancy(pts, 0, 1))
}
