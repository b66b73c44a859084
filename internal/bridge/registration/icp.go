// Package registration aligns a point cloud to a reference cloud with
// point-to-point ICP.
package registration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/perception"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrRegistrationFailed is returned when the alignment fitness is below
	// the configured threshold or no correspondences were found.
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrTimeout is returned when the context deadline passes before ICP
	// finishes.
	ErrTimeout = errors.New("registration timed out")
)

// minCorrespondences is the smallest inlier set a rigid step is solved for.
const minCorrespondences = 3

// ctxCheckEvery is how many nearest-neighbour queries run between context
// checks.
const ctxCheckEvery = 1024

// Config controls Align.
type Config struct {
	MaxIterations             int
	MaxCorrespondenceDistance float64 // metres
	ConvergenceEpsilon        float64 // change in RMSE that ends iteration
	FitThreshold              float64 // minimum inlier fraction
}

// DefaultConfig returns the defaults of the bridge tuning file.
func DefaultConfig() Config {
	return Config{
		MaxIterations:             30,
		MaxCorrespondenceDistance: 1.0,
		ConvergenceEpsilon:        1e-5,
		FitThreshold:              0.6,
	}
}

// Target is a reference cloud prepared for nearest-neighbour queries. It is
// built once per reference and shared by all workers.
type Target struct {
	index *perception.Index
}

// NewTarget indexes pts. The slice is copied.
func NewTarget(pts []r3.Vector) *Target {
	return &Target{index: perception.NewIndex(pts)}
}

// Len returns the number of target points.
func (t *Target) Len() int { return t.index.Len() }

// Result describes an alignment. It is filled in on ErrRegistrationFailed
// too, so callers can report the fitness that was reached.
type Result struct {
	// Delta maps source points onto the target.
	Delta      frame.RigidTransform
	Fitness    float64
	RMSE       float64
	Iterations int
	Converged  bool
}

// Align estimates the rigid transform that maps src onto target, starting
// from initial. It checks ctx between iterations and while matching, and
// returns an error wrapping ErrTimeout once ctx is done.
func Align(ctx context.Context, src []r3.Vector, target *Target, initial frame.RigidTransform, cfg Config) (Result, error) {
	res := Result{Delta: initial}
	if len(src) == 0 || target == nil || target.Len() == 0 {
		return res, fmt.Errorf("%w: empty cloud", ErrRegistrationFailed)
	}
	maxDist2 := cfg.MaxCorrespondenceDistance * cfg.MaxCorrespondenceDistance
	if maxDist2 <= 0 {
		maxDist2 = math.Inf(1)
	}

	moved := make([]r3.Vector, len(src))
	var srcPairs, dstPairs []r3.Vector
	prevRMSE := math.Inf(1)

	for res.Iterations < max(cfg.MaxIterations, 1) {
		if err := ctx.Err(); err != nil {
			return res, timeoutError(err, res.Iterations)
		}
		res.Iterations++

		for i, p := range src {
			moved[i] = res.Delta.Apply(p)
		}
		var err error
		srcPairs, dstPairs, res.RMSE, err = correspond(ctx, moved, target, maxDist2, srcPairs[:0], dstPairs[:0])
		if err != nil {
			return res, timeoutError(err, res.Iterations)
		}
		res.Fitness = float64(len(srcPairs)) / float64(len(src))
		if len(srcPairs) < minCorrespondences {
			return res, fmt.Errorf("%w: %d correspondences", ErrRegistrationFailed, len(srcPairs))
		}

		step, ok := Kabsch(srcPairs, dstPairs)
		if !ok {
			return res, fmt.Errorf("%w: degenerate correspondence set", ErrRegistrationFailed)
		}
		res.Delta = step.Compose(res.Delta)

		if math.Abs(prevRMSE-res.RMSE) < cfg.ConvergenceEpsilon {
			res.Converged = true
			break
		}
		prevRMSE = res.RMSE
	}

	// Score the final transform.
	for i, p := range src {
		moved[i] = res.Delta.Apply(p)
	}
	var err error
	srcPairs, _, res.RMSE, err = correspond(ctx, moved, target, maxDist2, srcPairs[:0], dstPairs[:0])
	if err != nil {
		return res, timeoutError(err, res.Iterations)
	}
	res.Fitness = float64(len(srcPairs)) / float64(len(src))
	if res.Fitness < cfg.FitThreshold {
		return res, fmt.Errorf("%w: fitness %.3f below %.3f", ErrRegistrationFailed, res.Fitness, cfg.FitThreshold)
	}
	return res, nil
}

func timeoutError(cause error, iterations int) error {
	return fmt.Errorf("%w after %d iterations: %v", ErrTimeout, iterations, cause)
}

// correspond pairs every point of moved with its nearest target point
// within sqrt(maxDist2) and returns the pairs and their RMSE.
func correspond(ctx context.Context, moved []r3.Vector, target *Target, maxDist2 float64,
	srcPairs, dstPairs []r3.Vector) ([]r3.Vector, []r3.Vector, float64, error) {

	var sum float64
	for i, p := range moved {
		if i%ctxCheckEvery == ctxCheckEvery-1 {
			if err := ctx.Err(); err != nil {
				return srcPairs, dstPairs, 0, err
			}
		}
		n, ok := target.index.Nearest(p)
		if !ok || n.DistSq > maxDist2 {
			continue
		}
		srcPairs = append(srcPairs, p)
		dstPairs = append(dstPairs, target.index.Point(n.Index))
		sum += n.DistSq
	}
	if len(srcPairs) == 0 {
		return srcPairs, dstPairs, 0, nil
	}
	return srcPairs, dstPairs, math.Sqrt(sum / float64(len(srcPairs))), nil
}

// Kabsch returns the rigid transform minimising the squared distance between
// the paired points src[i] and dst[i]. ok is false when the cross-covariance
// cannot be factorised.
func Kabsch(src, dst []r3.Vector) (frame.RigidTransform, bool) {
	if len(src) != len(dst) || len(src) == 0 {
		return frame.Identity(), false
	}
	n := float64(len(src))
	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	cs = cs.Mul(1 / n)
	cd = cd.Mul(1 / n)

	// H = Σ (s - cs)(d - cd)ᵀ
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(cs)
		d := dst[i].Sub(cd)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*dv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return frame.Identity(), false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		// Reflection: flip the axis of least variance.
		for r := 0; r < 3; r++ {
			v.Set(r, 2, -v.At(r, 2))
		}
		rot.Mul(&v, u.T())
	}

	var r [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[3*i+j] = rot.At(i, j)
		}
	}
	rc := frame.FromRotationTranslation(r, r3.Vector{}).Apply(cs)
	return frame.FromRotationTranslation(r, cd.Sub(rc)), true
}
