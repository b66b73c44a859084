package pipeline

import (
	"context"
	"errors"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/perception"
	"github.com/banshee-data/cloudbridge/internal/bridge/registration"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
)

// Reference pairs an installed ReferenceFrame with its nearest-neighbour
// index. Both are immutable once built.
type Reference struct {
	Frame  *frame.ReferenceFrame
	target *registration.Target
}

// NewReference indexes rf for registration.
func NewReference(rf *frame.ReferenceFrame) *Reference {
	return &Reference{Frame: rf, target: registration.NewTarget(frame.Vectors(rf.Points))}
}

// Version returns the reference version, or zero for a nil reference.
func (r *Reference) Version() uint64 {
	if r == nil {
		return 0
	}
	return r.Frame.Version
}

// Processor runs the per-frame stages. It holds no mutable state and is
// safe for concurrent use.
type Processor struct {
	cfg   Config
	clock timeutil.Clock
}

// NewProcessor returns a Processor for cfg.
func NewProcessor(cfg Config) *Processor {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Processor{cfg: cfg, clock: clock}
}

// Process runs filtering, segmentation, registration against ref and
// occupancy projection on f. A nil ref marks the result as bootstrapping
// the reference.
//
// The result is nil only for ErrEmptyInput. Registration failures and
// timeouts return both the result, without a transform, and a
// *ProcessingError describing the failure.
func (p *Processor) Process(ctx context.Context, f *frame.Frame, ref *Reference) (*frame.ProcessedFrame, error) {
	start := p.clock.Now()
	src := f.Ref()

	pts := f.Points
	if f.SensorPose != nil {
		pts = frame.TransformPoints(pts, *f.SensorPose)
	}

	stats := frame.ProcessingStats{InputPoints: len(f.Points)}
	if p.cfg.EnableFilter {
		var fs perception.FilterStats
		pts, fs = perception.Filter(pts, p.cfg.Filter)
		stats.VoxelLeaf = fs.LeafUsed
	} else if f.SensorPose == nil {
		pts = append([]frame.Point(nil), pts...)
	}
	stats.FilteredPoints = len(pts)
	if len(pts) == 0 {
		return nil, &ProcessingError{Kind: ErrEmptyInput, Ref: src}
	}

	out := &frame.ProcessedFrame{
		Source:     src,
		Attributes: f.Attributes,
		Points:     pts,
	}
	if p.cfg.EnableSegmentation {
		out.Features = perception.Segment(pts, p.cfg.Segment)
	}
	if p.cfg.EnableOccupancy {
		out.Occupancy = perception.Occupancy(pts, p.cfg.OccupancyCellSize, p.cfg.OccupancyInflationRadius)
		out.OccupancyCellSize = p.cfg.OccupancyCellSize
	}

	var regErr error
	if p.cfg.EnableRegistration {
		regErr = p.register(ctx, out, ref)
	}

	out.ProcessedAt = p.clock.Now()
	stats.Latency = out.ProcessedAt.Sub(start)
	out.Stats = stats
	return out, regErr
}

// register fills in the registration fields of out.
func (p *Processor) register(ctx context.Context, out *frame.ProcessedFrame, ref *Reference) error {
	if ref == nil {
		out.RegistrationStatus = frame.RegistrationBootstrapped
		return nil
	}

	if p.cfg.RegistrationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RegistrationTimeout)
		defer cancel()
	}

	res, err := registration.Align(ctx, frame.Vectors(out.Points), ref.target, frame.Identity(), p.cfg.Registration)
	if err != nil {
		out.RegistrationStatus = frame.RegistrationFailed
		kind := ErrRegistrationFailed
		if errors.Is(err, registration.ErrTimeout) {
			out.RegistrationStatus = frame.RegistrationTimedOut
			kind = ErrTimeout
		}
		out.RegistrationErr = err.Error()
		return &ProcessingError{Kind: kind, Ref: out.Source, Err: err}
	}

	out.RegistrationStatus = frame.RegistrationSucceeded
	out.Registration = &frame.Registration{
		Delta:            res.Delta,
		Pose:             ref.Frame.Pose.Compose(res.Delta),
		Fitness:          res.Fitness,
		RMSE:             res.RMSE,
		Iterations:       res.Iterations,
		ReferenceVersion: ref.Frame.Version,
	}
	return nil
}
