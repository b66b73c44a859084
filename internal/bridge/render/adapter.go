// Package render is the non-blocking read boundary between the processing
// core and a single-threaded renderer.
package render

import (
	"time"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/handoff"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
)

// PoseSource tells where Snapshot.Pose came from.
type PoseSource uint8

const (
	// PoseIdentity means no pose was ever known.
	PoseIdentity PoseSource = iota
	// PoseLastGood is the last registered pose this adapter saw.
	PoseLastGood
	// PoseRegistered is the pose of the snapshot's own frame.
	PoseRegistered
)

func (s PoseSource) String() string {
	switch s {
	case PoseRegistered:
		return "registered"
	case PoseLastGood:
		return "last_good"
	}
	return "identity"
}

// Snapshot is what the renderer draws on one tick. Frame is shared and must
// be treated as read-only.
type Snapshot struct {
	Frame *frame.ProcessedFrame

	Pose       frame.RigidTransform
	PoseSource PoseSource
	// PoseFresh is true when Pose came from Frame's own registration.
	PoseFresh bool

	// Age is the time since the source frame arrived.
	Age   time.Duration
	Stale bool

	// Version increases whenever a new result is published. Changed is
	// false when the renderer already saw this version.
	Version uint64
	Changed bool

	// Detections is the latest detection batch, when a detection slot is
	// attached.
	Detections *frame.DetectionBatch

	TakenAt time.Time
}

// Options configures an Adapter.
type Options struct {
	// StalenessThreshold marks snapshots older than this as stale. Zero
	// disables staleness.
	StalenessThreshold time.Duration
	// Detections is an optional side channel of detector output.
	Detections *handoff.LatestSlot[*frame.DetectionBatch]
	// Clock defaults to the real clock.
	Clock timeutil.Clock
}

// Adapter reads the render slot for one render goroutine. It is not safe
// for concurrent use: each render consumer owns its own Adapter.
type Adapter struct {
	slot       *handoff.LatestSlot[*frame.ProcessedFrame]
	detections *handoff.LatestSlot[*frame.DetectionBatch]
	clock      timeutil.Clock
	staleAfter time.Duration

	lastGood    frame.RigidTransform
	hasLastGood bool
	seenVersion uint64
	taken       uint64
}

// NewAdapter returns an Adapter over slot.
func NewAdapter(slot *handoff.LatestSlot[*frame.ProcessedFrame], opts Options) *Adapter {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Adapter{
		slot:       slot,
		detections: opts.Detections,
		clock:      clock,
		staleAfter: opts.StalenessThreshold,
	}
}

// Snapshot returns the current render state. ok is false until the first
// result is published; that is the normal start-up state, not an error.
// Snapshot never blocks.
func (a *Adapter) Snapshot() (*Snapshot, bool) {
	e := a.slot.Load()
	if e == nil {
		return nil, false
	}
	now := a.clock.Now()
	pf := e.Item

	s := &Snapshot{
		Frame:   pf,
		Version: e.Version,
		Changed: e.Version != a.seenVersion,
		TakenAt: now,
	}
	a.seenVersion = e.Version
	a.taken++

	switch {
	case pf.Registration != nil:
		s.Pose, s.PoseSource, s.PoseFresh = pf.Registration.Pose, PoseRegistered, true
		a.lastGood, a.hasLastGood = pf.Registration.Pose, true
	case a.hasLastGood:
		s.Pose, s.PoseSource = a.lastGood, PoseLastGood
	default:
		s.Pose, s.PoseSource = frame.Identity(), PoseIdentity
	}

	if arrived := pf.Source.ArrivalTime; !arrived.IsZero() {
		s.Age = now.Sub(arrived)
	}
	s.Stale = a.staleAfter > 0 && s.Age > a.staleAfter

	if a.detections != nil {
		if b, ok := a.detections.Latest(); ok {
			s.Detections = b
		}
	}
	return s, true
}

// Taken returns the number of snapshots handed out.
func (a *Adapter) Taken() uint64 { return a.taken }
