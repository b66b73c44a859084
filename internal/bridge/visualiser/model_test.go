package visualiser

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/render"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func processed(source string, seq uint64, n int) *frame.ProcessedFrame {
	pts := make([]frame.Point, n)
	for i := range pts {
		pts[i] = frame.Point{
			Vector:    r3.Vector{X: float64(i), Y: float64(i) / 2, Z: 1},
			Intensity: float32(i),
			RGB:       [3]uint8{uint8(i), 0, 255},
		}
	}
	return &frame.ProcessedFrame{
		Source:     frame.FrameRef{SourceID: source, Sequence: seq, CaptureTime: epoch, ArrivalTime: epoch},
		Attributes: frame.AttrIntensity | frame.AttrColor,
		Points:     pts,
	}
}

func TestBuildBundle(t *testing.T) {
	pf := processed("lidar-0", 7, 10)
	pf.Features = []frame.Feature{{
		Kind:       frame.FeaturePlane,
		Centroid:   r3.Vector{X: 1, Y: 2, Z: 3},
		Normal:     r3.Vector{Z: 1},
		PointCount: 8,
		Confidence: 0.8,
	}}
	pf.Occupancy = []frame.Cell{{X: 0, Y: 0}, {X: 1, Y: 0, Inflated: true}}
	pf.OccupancyCellSize = 0.5
	pf.RegistrationStatus = frame.RegistrationSucceeded
	pf.Registration = &frame.Registration{Pose: frame.Identity(), Fitness: 0.9, RMSE: 0.02, Iterations: 4, ReferenceVersion: 3}

	s := &render.Snapshot{
		Frame:      pf,
		Pose:       frame.Identity(),
		PoseSource: render.PoseRegistered,
		PoseFresh:  true,
		Age:        1500 * time.Microsecond,
		Version:    12,
		Detections: &frame.DetectionBatch{Detections: []frame.Detection{{DroneID: 2, Label: "tank", Box: [4]float64{1, 2, 3, 4}}}},
	}
	b := BuildBundle(s, 5, 0)

	assert.Equal(t, uint64(5), b.FrameID)
	assert.Equal(t, uint64(12), b.Version)
	assert.Equal(t, "lidar-0", b.SourceID)
	assert.Equal(t, uint64(7), b.Sequence)
	assert.Equal(t, epoch.UnixNano(), b.CaptureNanos)
	assert.InDelta(t, 1.5, b.AgeMillis, 1e-9)
	assert.Equal(t, "registered", b.PoseSource)
	assert.Equal(t, [16]float64(frame.Identity()), b.Pose)

	require.NotNil(t, b.Points)
	assert.Equal(t, 10, b.Points.Len())
	assert.Equal(t, 10, b.Points.Total)
	assert.Len(t, b.Points.Intensity, 10)
	assert.Len(t, b.Points.RGB, 30)
	assert.Equal(t, []byte{3, 0, 255}, b.Points.RGB[9:12])

	require.Len(t, b.Features, 1)
	assert.Equal(t, "plane", b.Features[0].Kind)
	assert.Equal(t, [3]float32{1, 2, 3}, b.Features[0].Centroid)

	require.NotNil(t, b.Occupancy)
	assert.Equal(t, []int32{0, 0}, b.Occupancy.Cells)
	assert.Equal(t, []int32{1, 0}, b.Occupancy.Inflated)

	require.NotNil(t, b.Registration)
	assert.Equal(t, "succeeded", b.Registration.Status)
	assert.Equal(t, uint64(3), b.Registration.ReferenceVersion)
	assert.Equal(t, string(frame.QualityFromRMSE(0.02)), b.Registration.Quality)

	require.Len(t, b.Detections, 1)
	assert.Equal(t, "tank", b.Detections[0].Label)
}

func TestBuildBundle_Decimates(t *testing.T) {
	s := &render.Snapshot{Frame: processed("lidar-0", 1, 100)}
	b := BuildBundle(s, 1, 25)
	assert.Equal(t, 25, b.Points.Len())
	assert.Equal(t, 100, b.Points.Total)
	assert.Nil(t, b.Registration, "skipped registration is omitted")
	assert.Nil(t, b.Occupancy)
}

func TestForRequest(t *testing.T) {
	pf := processed("lidar-0", 1, 40)
	pf.Features = []frame.Feature{{Kind: frame.FeatureCluster}}
	pf.Occupancy = []frame.Cell{{X: 1, Y: 1}}
	b := BuildBundle(&render.Snapshot{Frame: pf}, 1, 0)

	lean := b.ForRequest(&StreamRequest{})
	assert.Nil(t, lean.Points)
	assert.Nil(t, lean.Features)
	assert.Nil(t, lean.Occupancy)
	assert.Equal(t, b.Sequence, lean.Sequence)

	small := b.ForRequest(&StreamRequest{IncludePoints: true, MaxPoints: 10})
	assert.Equal(t, 10, small.Points.Len())
	assert.Len(t, small.Points.RGB, 30)
	assert.Equal(t, 40, small.Points.Total)

	// The shared bundle is untouched.
	assert.Equal(t, 40, b.Points.Len())
	assert.NotNil(t, b.Features)
}

func TestStreamRequestMatches(t *testing.T) {
	b := &FrameBundle{SourceID: "lidar-0"}
	assert.True(t, (&StreamRequest{}).Matches(b))
	assert.True(t, (&StreamRequest{SourceID: "lidar-0"}).Matches(b))
	assert.False(t, (&StreamRequest{SourceID: "lidar-1"}).Matches(b))
}

func TestCodecRoundTrip(t *testing.T) {
	pf := processed("lidar-0", 3, 5)
	pf.Features = []frame.Feature{{Kind: frame.FeaturePlane, Normal: r3.Vector{Z: 1}, Confidence: 0.5}}
	want := BuildBundle(&render.Snapshot{Frame: pf, Pose: frame.Identity(), Version: 4}, 9, 0)

	data, err := Codec.Marshal(want)
	require.NoError(t, err)
	got := new(FrameBundle)
	require.NoError(t, Codec.Unmarshal(data, got))

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, CodecName, Codec.Name())
}
