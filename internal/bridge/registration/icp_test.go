package registration

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomCloud(n int, seed uint64) []r3.Vector {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]r3.Vector, n)
	for i := range out {
		out[i] = r3.Vector{X: rng.Float64() * 4, Y: rng.Float64() * 4, Z: rng.Float64() * 2}
	}
	return out
}

func yaw(rad float64, t r3.Vector) frame.RigidTransform {
	c, s := math.Cos(rad), math.Sin(rad)
	return frame.FromRotationTranslation([9]float64{c, -s, 0, s, c, 0, 0, 0, 1}, t)
}

func transformAll(pts []r3.Vector, t frame.RigidTransform) []r3.Vector {
	out := make([]r3.Vector, len(pts))
	for i, p := range pts {
		out[i] = t.Apply(p)
	}
	return out
}

func assertTransformNear(t *testing.T, want, got frame.RigidTransform, tol float64) {
	t.Helper()
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol, "element %d", i)
	}
}

func TestKabsch_ExactCorrespondences(t *testing.T) {
	src := randomCloud(50, 7)
	want := yaw(0.3, r3.Vector{X: 1, Y: -2, Z: 0.5})
	dst := transformAll(src, want)

	got, ok := Kabsch(src, dst)
	require.True(t, ok)
	assertTransformNear(t, want, got, 1e-9)
	assert.True(t, got.IsValid())
}

func TestKabsch_RejectsMismatchedInput(t *testing.T) {
	_, ok := Kabsch([]r3.Vector{{X: 1}}, nil)
	assert.False(t, ok)
}

func TestAlign_RecoversSmallMotion(t *testing.T) {
	ref := randomCloud(600, 1)
	target := NewTarget(ref)

	// The frame was captured after the sensor moved: its points are the
	// reference seen through the inverse motion.
	motion := yaw(0.02, r3.Vector{X: 0.05, Y: -0.03, Z: 0.01})
	src := transformAll(ref, motion.Inverse())

	res, err := Align(context.Background(), src, target, frame.Identity(), DefaultConfig())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Fitness, 1e-9)
	assert.Less(t, res.RMSE, 1e-3)
	assert.True(t, res.Converged)
	assertTransformNear(t, motion, res.Delta, 1e-3)
}

func TestAlign_FailsWithoutOverlap(t *testing.T) {
	ref := randomCloud(200, 2)
	src := transformAll(ref, yaw(0, r3.Vector{X: 50}))

	res, err := Align(context.Background(), src, NewTarget(ref), frame.Identity(), DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRegistrationFailed))
	assert.Equal(t, 0.0, res.Fitness)
}

func TestAlign_FitThreshold(t *testing.T) {
	ref := randomCloud(300, 3)
	// Half of the frame overlaps the reference, the rest is far away.
	src := append([]r3.Vector(nil), ref[:150]...)
	src = append(src, transformAll(ref[150:], yaw(0, r3.Vector{Z: 100}))...)

	cfg := DefaultConfig()
	cfg.FitThreshold = 0.9
	res, err := Align(context.Background(), src, NewTarget(ref), frame.Identity(), cfg)
	require.ErrorIs(t, err, ErrRegistrationFailed)
	assert.InDelta(t, 0.5, res.Fitness, 1e-9)

	cfg.FitThreshold = 0.4
	_, err = Align(context.Background(), src, NewTarget(ref), frame.Identity(), cfg)
	assert.NoError(t, err)
}

func TestAlign_Timeout(t *testing.T) {
	ref := randomCloud(100, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Align(ctx, ref, NewTarget(ref), frame.Identity(), DefaultConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrRegistrationFailed)
}

func TestAlign_EmptyInput(t *testing.T) {
	_, err := Align(context.Background(), nil, NewTarget(randomCloud(10, 5)), frame.Identity(), DefaultConfig())
	assert.ErrorIs(t, err, ErrRegistrationFailed)

	_, err = Align(context.Background(), randomCloud(10, 5), NewTarget(nil), frame.Identity(), DefaultConfig())
	assert.ErrorIs(t, err, ErrRegistrationFailed)
}
