// Package synthetic produces ray-cast point clouds of a simple scene for
// demos and end-to-end tests.
package synthetic

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/ingest"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
)

// Box is an axis-aligned obstacle.
type Box struct {
	Min, Max r3.Vector
	RGB      [3]uint8
}

// Scene is a flat ground plane with boxes standing on it.
type Scene struct {
	GroundZ     float64
	GroundColor [3]uint8
	Boxes       []Box
}

// DefaultScene returns a ring of eight crates around the origin.
func DefaultScene() Scene {
	s := Scene{GroundColor: [3]uint8{90, 90, 90}}
	for i := 0; i < 8; i++ {
		a := float64(i) * math.Pi / 4
		c := r3.Vector{X: 12 * math.Cos(a), Y: 12 * math.Sin(a)}
		h := 1.0 + float64(i%3)
		s.Boxes = append(s.Boxes, Box{
			Min: r3.Vector{X: c.X - 1, Y: c.Y - 1, Z: 0},
			Max: r3.Vector{X: c.X + 1, Y: c.Y + 1, Z: h},
			RGB: [3]uint8{uint8(40 * i), 160, uint8(255 - 30*i)},
		})
	}
	return s
}

// Config describes the scanner and the path it drives.
type Config struct {
	SourceID string

	ScanLines     int
	PointsPerLine int
	VerticalFOV   float64 // degrees
	HorizontalFOV float64 // degrees
	MinRange      float64 // metres
	MaxRange      float64 // metres

	SensorHeight float64
	PathRadius   float64
	// YawStep is how far round the path the sensor moves per frame, radians.
	YawStep float64

	// RangeNoise is the standard deviation of noise added along each ray.
	RangeNoise float64
	Seed       uint64

	Attributes frame.AttributeMask
	// IncludePose attaches the sensor's world pose to every sample.
	IncludePose bool
}

// DefaultConfig returns a 16 line, 360 degree scanner.
func DefaultConfig() Config {
	return Config{
		SourceID:      "synthetic-0",
		ScanLines:     16,
		PointsPerLine: 360,
		VerticalFOV:   30,
		HorizontalFOV: 360,
		MinRange:      0.8,
		MaxRange:      40,
		SensorHeight:  1.5,
		PathRadius:    3,
		YawStep:       0.01,
		RangeNoise:    0.01,
		Seed:          1,
		Attributes:    frame.AttrIntensity | frame.AttrColor,
		IncludePose:   true,
	}
}

// Scanner generates successive scans. It is not safe for concurrent use.
type Scanner struct {
	cfg   Config
	scene Scene
	rng   *rand.Rand
	seq   uint64
	dirs  []r3.Vector
}

// NewScanner returns a Scanner over scene.
func NewScanner(cfg Config, scene Scene) *Scanner {
	return &Scanner{
		cfg:   cfg,
		scene: scene,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d)),
		dirs:  rayDirections(cfg),
	}
}

// rayDirections fans ScanLines × PointsPerLine unit rays over the field of
// view in the sensor frame, X forward and Z up.
func rayDirections(cfg Config) []r3.Vector {
	lines, per := max(cfg.ScanLines, 1), max(cfg.PointsPerLine, 1)
	vStep, hStep := 0.0, 0.0
	if lines > 1 {
		vStep = cfg.VerticalFOV / float64(lines-1)
	}
	if per > 1 {
		span := cfg.HorizontalFOV
		if span >= 360 {
			// A full turn would sample the seam twice.
			hStep = span / float64(per)
		} else {
			hStep = span / float64(per-1)
		}
	}
	vStart, hStart := -cfg.VerticalFOV/2, -cfg.HorizontalFOV/2
	dirs := make([]r3.Vector, 0, lines*per)
	for l := 0; l < lines; l++ {
		el := deg(vStart + float64(l)*vStep)
		for p := 0; p < per; p++ {
			az := deg(hStart + float64(p)*hStep)
			dirs = append(dirs, r3.Vector{
				X: math.Cos(el) * math.Cos(az),
				Y: math.Cos(el) * math.Sin(az),
				Z: math.Sin(el),
			})
		}
	}
	return dirs
}

func deg(d float64) float64 { return d * math.Pi / 180 }

// Pose returns the sensor's world pose for sequence seq.
func (s *Scanner) Pose(seq uint64) frame.RigidTransform {
	theta := float64(seq) * s.cfg.YawStep
	yaw := theta + math.Pi/2
	c, sn := math.Cos(yaw), math.Sin(yaw)
	return frame.FromRotationTranslation(
		[9]float64{c, -sn, 0, sn, c, 0, 0, 0, 1},
		r3.Vector{
			X: s.cfg.PathRadius * math.Cos(theta),
			Y: s.cfg.PathRadius * math.Sin(theta),
			Z: s.cfg.SensorHeight,
		},
	)
}

// Scan casts every ray from pose and returns the hits in the sensor frame.
func (s *Scanner) Scan(pose frame.RigidTransform) []frame.Point {
	origin := pose.Translation()
	pts := make([]frame.Point, 0, len(s.dirs)/2)
	for _, d := range s.dirs {
		wd := pose.Rotate(d)
		t, rgb, ok := s.cast(origin, wd)
		if !ok {
			continue
		}
		if s.cfg.RangeNoise > 0 {
			t += s.rng.NormFloat64() * s.cfg.RangeNoise
		}
		pts = append(pts, frame.Point{
			Vector:    d.Mul(t),
			Intensity: float32(1 / (1 + t/10)),
			RGB:       rgb,
		})
	}
	return pts
}

// cast returns the nearest hit distance along a unit ray.
func (s *Scanner) cast(o, d r3.Vector) (float64, [3]uint8, bool) {
	best := math.Inf(1)
	var rgb [3]uint8
	if d.Z < 0 {
		if t := (s.scene.GroundZ - o.Z) / d.Z; t >= s.cfg.MinRange && t < best {
			best, rgb = t, s.scene.GroundColor
		}
	}
	for _, b := range s.scene.Boxes {
		if t, ok := intersectBox(o, d, b); ok && t >= s.cfg.MinRange && t < best {
			best, rgb = t, b.RGB
		}
	}
	if math.IsInf(best, 1) || best > s.cfg.MaxRange {
		return 0, rgb, false
	}
	return best, rgb, true
}

// intersectBox is the slab test. It returns the entry distance.
func intersectBox(o, d r3.Vector, b Box) (float64, bool) {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	for _, ax := range [3][4]float64{
		{o.X, d.X, b.Min.X, b.Max.X},
		{o.Y, d.Y, b.Min.Y, b.Max.Y},
		{o.Z, d.Z, b.Min.Z, b.Max.Z},
	} {
		orig, dir, lo, hi := ax[0], ax[1], ax[2], ax[3]
		if dir == 0 {
			if orig < lo || orig > hi {
				return 0, false
			}
			continue
		}
		t1, t2 := (lo-orig)/dir, (hi-orig)/dir
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin, tmax = math.Max(tmin, t1), math.Min(tmax, t2)
		if tmin > tmax {
			return 0, false
		}
	}
	if tmax < 0 {
		return 0, false
	}
	if tmin < 0 {
		// Origin inside the box.
		return tmax, true
	}
	return tmin, true
}

// Next scans the next pose and packages it as a sample.
func (s *Scanner) Next(now time.Time) *ingest.RawSample {
	s.seq++
	pose := s.Pose(s.seq)
	pts := s.Scan(pose)
	raw := &ingest.RawSample{
		SourceID:     s.cfg.SourceID,
		Sequence:     s.seq,
		CaptureNanos: now.UnixNano(),
		Attributes:   s.cfg.Attributes,
		PointCount:   uint32(len(pts)),
		Payload:      ingest.EncodePoints(pts, s.cfg.Attributes),
	}
	if s.cfg.IncludePose {
		p := [16]float64(pose)
		raw.Pose = &p
	}
	return raw
}

// Sequence returns the last sequence produced.
func (s *Scanner) Sequence() uint64 { return s.seq }

// Sink receives generated samples, typically ingest.Bridge.OnSampleReceived.
type Sink func(*ingest.RawSample) error

// Run emits one sample per interval until ctx is done or the sink reports
// that the bridge is shutting down. Other sink errors are counted by the
// bridge and ignored here.
func Run(ctx context.Context, s *Scanner, interval time.Duration, clock timeutil.Clock, sink Sink) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			if err := sink(s.Next(now)); errors.Is(err, ingest.ErrShuttingDown) {
				return err
			}
		}
	}
}
