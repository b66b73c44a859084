package visualiser

import (
	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/perception"
	"github.com/banshee-data/cloudbridge/internal/bridge/render"
)

// FrameBundle is one render tick as sent to remote viewers.
type FrameBundle struct {
	FrameID      uint64  `cbor:"1,keyasint" json:"frame_id"`
	Version      uint64  `cbor:"2,keyasint" json:"version"`
	SourceID     string  `cbor:"3,keyasint" json:"source_id"`
	Sequence     uint64  `cbor:"4,keyasint" json:"sequence"`
	CaptureNanos int64   `cbor:"5,keyasint" json:"capture_ns"`
	AgeMillis    float64 `cbor:"6,keyasint" json:"age_ms"`
	Stale        bool    `cbor:"7,keyasint" json:"stale"`

	Pose       [16]float64 `cbor:"8,keyasint" json:"pose"`
	PoseSource string      `cbor:"9,keyasint" json:"pose_source"`
	PoseFresh  bool        `cbor:"10,keyasint" json:"pose_fresh"`

	Points       *PointCloud       `cbor:"11,keyasint,omitempty" json:"points,omitempty"`
	Features     []Feature         `cbor:"12,keyasint,omitempty" json:"features,omitempty"`
	Occupancy    *OccupancyGrid    `cbor:"13,keyasint,omitempty" json:"occupancy,omitempty"`
	Registration *RegistrationInfo `cbor:"14,keyasint,omitempty" json:"registration,omitempty"`
	Detections   []Detection       `cbor:"15,keyasint,omitempty" json:"detections,omitempty"`
}

// PointCloud holds points as parallel arrays. X, Y and Z are always set;
// Intensity and RGB follow the attribute mask.
type PointCloud struct {
	Attributes uint8     `cbor:"1,keyasint" json:"attributes"`
	X          []float32 `cbor:"2,keyasint" json:"x"`
	Y          []float32 `cbor:"3,keyasint" json:"y"`
	Z          []float32 `cbor:"4,keyasint" json:"z"`
	Intensity  []float32 `cbor:"5,keyasint,omitempty" json:"intensity,omitempty"`
	RGB        []byte    `cbor:"6,keyasint,omitempty" json:"rgb,omitempty"`
	// Total is the point count before decimation for this client.
	Total int `cbor:"7,keyasint" json:"total"`
}

// Len returns the number of points carried.
func (pc *PointCloud) Len() int { return len(pc.X) }

// Feature mirrors frame.Feature with float32 geometry.
type Feature struct {
	Kind       string     `cbor:"1,keyasint" json:"kind"`
	Centroid   [3]float32 `cbor:"2,keyasint" json:"centroid"`
	Normal     [3]float32 `cbor:"3,keyasint" json:"normal"`
	Min        [3]float32 `cbor:"4,keyasint" json:"min"`
	Max        [3]float32 `cbor:"5,keyasint" json:"max"`
	PointCount int        `cbor:"6,keyasint" json:"point_count"`
	Confidence float32    `cbor:"7,keyasint" json:"confidence"`
}

// OccupancyGrid is the sparse ground projection.
type OccupancyGrid struct {
	CellSize float32 `cbor:"1,keyasint" json:"cell_size"`
	// Cells holds x,y pairs of occupied cells.
	Cells []int32 `cbor:"2,keyasint" json:"cells"`
	// Inflated holds x,y pairs of cells only occupied through inflation.
	Inflated []int32 `cbor:"3,keyasint,omitempty" json:"inflated,omitempty"`
}

// RegistrationInfo summarises the frame's registration stage.
type RegistrationInfo struct {
	Status           string  `cbor:"1,keyasint" json:"status"`
	Fitness          float32 `cbor:"2,keyasint" json:"fitness"`
	RMSE             float32 `cbor:"3,keyasint" json:"rmse"`
	Quality          string  `cbor:"4,keyasint" json:"quality,omitempty"`
	Iterations       int     `cbor:"5,keyasint" json:"iterations"`
	ReferenceVersion uint64  `cbor:"6,keyasint" json:"reference_version"`
	Error            string  `cbor:"7,keyasint,omitempty" json:"error,omitempty"`
}

// Detection mirrors frame.Detection.
type Detection struct {
	DroneID    int        `cbor:"1,keyasint" json:"drone_id"`
	Label      string     `cbor:"2,keyasint" json:"label"`
	Box        [4]float32 `cbor:"3,keyasint" json:"box"`
	Confidence float32    `cbor:"4,keyasint,omitempty" json:"confidence,omitempty"`
}

// StreamRequest selects what a client receives.
type StreamRequest struct {
	// SourceID limits the stream to one source. Empty means all.
	SourceID         string `cbor:"1,keyasint" json:"source_id,omitempty"`
	IncludePoints    bool   `cbor:"2,keyasint" json:"include_points"`
	IncludeFeatures  bool   `cbor:"3,keyasint" json:"include_features"`
	IncludeOccupancy bool   `cbor:"4,keyasint" json:"include_occupancy"`
	// MaxPoints decimates the cloud for this client. Zero keeps all points.
	MaxPoints int `cbor:"5,keyasint" json:"max_points,omitempty"`
	// SkipUnchanged suppresses bundles whose version was already sent.
	SkipUnchanged bool `cbor:"6,keyasint" json:"skip_unchanged"`
}

// FullRequest asks for everything.
func FullRequest() *StreamRequest {
	return &StreamRequest{IncludePoints: true, IncludeFeatures: true, IncludeOccupancy: true, SkipUnchanged: true}
}

// BuildBundle converts a render snapshot to the wire model, keeping at
// most maxPoints points (zero keeps all).
func BuildBundle(s *render.Snapshot, frameID uint64, maxPoints int) *FrameBundle {
	pf := s.Frame
	b := &FrameBundle{
		FrameID:    frameID,
		Version:    s.Version,
		SourceID:   pf.Source.SourceID,
		Sequence:   pf.Source.Sequence,
		AgeMillis:  float64(s.Age.Microseconds()) / 1000,
		Stale:      s.Stale,
		Pose:       s.Pose,
		PoseSource: s.PoseSource.String(),
		PoseFresh:  s.PoseFresh,
	}
	if !pf.Source.CaptureTime.IsZero() {
		b.CaptureNanos = pf.Source.CaptureTime.UnixNano()
	}

	b.Points = buildPointCloud(pf.Points, pf.Attributes, maxPoints)

	for _, f := range pf.Features {
		b.Features = append(b.Features, Feature{
			Kind:       f.Kind.String(),
			Centroid:   vec32(f.Centroid.X, f.Centroid.Y, f.Centroid.Z),
			Normal:     vec32(f.Normal.X, f.Normal.Y, f.Normal.Z),
			Min:        vec32(f.Min.X, f.Min.Y, f.Min.Z),
			Max:        vec32(f.Max.X, f.Max.Y, f.Max.Z),
			PointCount: f.PointCount,
			Confidence: float32(f.Confidence),
		})
	}

	if len(pf.Occupancy) > 0 {
		grid := &OccupancyGrid{CellSize: float32(pf.OccupancyCellSize)}
		for _, c := range pf.Occupancy {
			if c.Inflated {
				grid.Inflated = append(grid.Inflated, c.X, c.Y)
			} else {
				grid.Cells = append(grid.Cells, c.X, c.Y)
			}
		}
		b.Occupancy = grid
	}

	if pf.RegistrationStatus != frame.RegistrationSkipped {
		info := &RegistrationInfo{Status: pf.RegistrationStatus.String(), Error: pf.RegistrationErr}
		if r := pf.Registration; r != nil {
			info.Fitness = float32(r.Fitness)
			info.RMSE = float32(r.RMSE)
			info.Quality = string(frame.QualityFromRMSE(r.RMSE))
			info.Iterations = r.Iterations
			info.ReferenceVersion = r.ReferenceVersion
		}
		b.Registration = info
	}

	if s.Detections != nil {
		for _, d := range s.Detections.Detections {
			b.Detections = append(b.Detections, Detection{
				DroneID:    d.DroneID,
				Label:      d.Label,
				Box:        [4]float32{float32(d.Box[0]), float32(d.Box[1]), float32(d.Box[2]), float32(d.Box[3])},
				Confidence: float32(d.Confidence),
			})
		}
	}
	return b
}

func buildPointCloud(pts []frame.Point, mask frame.AttributeMask, maxPoints int) *PointCloud {
	total := len(pts)
	if maxPoints > 0 && len(pts) > maxPoints {
		pts = perception.Decimate(pts, maxPoints)
	}
	pc := &PointCloud{
		Attributes: uint8(mask),
		X:          make([]float32, len(pts)),
		Y:          make([]float32, len(pts)),
		Z:          make([]float32, len(pts)),
		Total:      total,
	}
	if mask.Has(frame.AttrIntensity) {
		pc.Intensity = make([]float32, len(pts))
	}
	if mask.Has(frame.AttrColor) {
		pc.RGB = make([]byte, 0, 3*len(pts))
	}
	for i, p := range pts {
		pc.X[i], pc.Y[i], pc.Z[i] = float32(p.X), float32(p.Y), float32(p.Z)
		if pc.Intensity != nil {
			pc.Intensity[i] = p.Intensity
		}
		if pc.RGB != nil {
			pc.RGB = append(pc.RGB, p.RGB[0], p.RGB[1], p.RGB[2])
		}
	}
	return pc
}

// ForRequest returns the view of b that req asks for. b is not modified;
// unchanged parts are shared.
func (b *FrameBundle) ForRequest(req *StreamRequest) *FrameBundle {
	out := *b
	if !req.IncludePoints {
		out.Points = nil
	} else if req.MaxPoints > 0 && b.Points != nil && b.Points.Len() > req.MaxPoints {
		out.Points = b.Points.decimate(req.MaxPoints)
	}
	if !req.IncludeFeatures {
		out.Features = nil
	}
	if !req.IncludeOccupancy {
		out.Occupancy = nil
	}
	return &out
}

// Matches reports whether b belongs to the source req asks for.
func (req *StreamRequest) Matches(b *FrameBundle) bool {
	return req.SourceID == "" || req.SourceID == b.SourceID
}

func (pc *PointCloud) decimate(n int) *PointCloud {
	step := float64(pc.Len()) / float64(n)
	out := &PointCloud{
		Attributes: pc.Attributes,
		X:          make([]float32, n),
		Y:          make([]float32, n),
		Z:          make([]float32, n),
		Total:      pc.Total,
	}
	if pc.Intensity != nil {
		out.Intensity = make([]float32, n)
	}
	if pc.RGB != nil {
		out.RGB = make([]byte, 3*n)
	}
	for i := 0; i < n; i++ {
		j := int(float64(i) * step)
		out.X[i], out.Y[i], out.Z[i] = pc.X[j], pc.Y[j], pc.Z[j]
		if out.Intensity != nil {
			out.Intensity[i] = pc.Intensity[j]
		}
		if out.RGB != nil {
			copy(out.RGB[3*i:3*i+3], pc.RGB[3*j:3*j+3])
		}
	}
	return out
}

func vec32(x, y, z float64) [3]float32 {
	return [3]float32{float32(x), float32(y), float32(z)}
}
