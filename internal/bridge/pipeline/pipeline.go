// Package pipeline runs ingested frames through the perception and
// registration stages on a fixed worker pool, maintains the registration
// reference and publishes results to the render slot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/handoff"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
)

// SeedSourceID is the source id of references installed by SeedReference.
const SeedSourceID = "seed"

type processFunc func(ctx context.Context, f *frame.Frame, ref *Reference) (*frame.ProcessedFrame, error)

// Pipeline owns the worker pool and the registration reference.
type Pipeline struct {
	cfg     Config
	workers int
	clock   timeutil.Clock
	in      *handoff.Queue[*frame.Frame]
	out     *handoff.LatestSlot[*frame.ProcessedFrame]
	process processFunc

	// OnResult is called by the worker after each frame, with the
	// published result (nil on ErrEmptyInput or panic) and the per-frame
	// error. It must not block.
	OnResult func(*frame.ProcessedFrame, error)
	// OnPromote is called after a new reference is installed. It must not
	// block.
	OnPromote func(*frame.ReferenceFrame)

	ref atomic.Pointer[Reference]

	// mu serialises reference promotion and guards the fields below.
	mu            sync.Mutex
	nextVersion   uint64
	streak        int
	failStreak    int
	lastProcessed *frame.ProcessedFrame
	lastPose      frame.RigidTransform

	processed    atomic.Uint64
	emptyInput   atomic.Uint64
	panics       atomic.Uint64
	discarded    atomic.Uint64
	regOK        atomic.Uint64
	regFailed    atomic.Uint64
	regTimeouts  atomic.Uint64
	superseded   atomic.Uint64
	staleResults atomic.Uint64
	promotions   atomic.Uint64
	lastLatency  atomic.Int64
	latencies    latencyRing

	startOnce sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New validates cfg and builds a pipeline reading from in and publishing
// to out. Workers are not started until Start.
func New(cfg Config, in *handoff.Queue[*frame.Frame], out *handoff.LatestSlot[*frame.ProcessedFrame]) (*Pipeline, error) {
	if in == nil || out == nil {
		return nil, errors.New("pipeline needs an input queue and an output slot")
	}
	workers, err := cfg.ResolveWorkers()
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	p := &Pipeline{
		cfg:      cfg,
		workers:  workers,
		clock:    cfg.Clock,
		in:       in,
		out:      out,
		lastPose: frame.Identity(),
	}
	p.process = NewProcessor(cfg).Process
	return p, nil
}

// Workers returns the pool size.
func (p *Pipeline) Workers() int { return p.workers }

// Start launches the worker pool. Cancelling ctx stops the workers without
// draining; use Shutdown for an orderly stop.
func (p *Pipeline) Start(ctx context.Context) error {
	err := errors.New("pipeline already started")
	p.startOnce.Do(func() {
		err = nil
		ctx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
		diagf("started %d workers", p.workers)
	})
	return err
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		f, err := p.in.Pop(ctx)
		if err != nil {
			if errors.Is(err, handoff.ErrClosed) {
				diagf("worker %d: input drained", id)
			}
			return
		}
		_, _ = p.Handle(ctx, f)
	}
}

// Shutdown closes the input queue and waits for the workers to drain it.
// If ctx expires first the workers are cancelled, unfinished results are
// discarded and ctx.Err() is returned. The last published result stays in
// the render slot.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.in.Close()
	if !p.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		diagf("shutdown complete; %d frames processed", p.processed.Load())
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		opsf("shutdown deadline passed; %d in-flight results discarded, %d frames left queued",
			p.discarded.Load(), p.in.Len())
		return ctx.Err()
	}
}

// Handle processes one frame against the current reference, updates the
// promotion state and publishes the result. Workers call it for every
// dequeued frame. A result whose ctx is done when processing returns is
// discarded and never published.
func (p *Pipeline) Handle(ctx context.Context, f *frame.Frame) (*frame.ProcessedFrame, error) {
	ref := p.ref.Load()
	pf, err := p.safeProcess(ctx, f, ref)
	if ctx.Err() != nil {
		p.discarded.Add(1)
		return nil, fmt.Errorf("%s discarded: %w", f.Ref(), ctx.Err())
	}

	p.processed.Add(1)
	p.account(f.Ref(), err)
	if pf != nil {
		p.lastLatency.Store(int64(pf.Stats.Latency))
		p.latencies.add(pf.Stats.Latency)
		if !p.afterProcess(pf, ref.Version()) {
			p.staleResults.Add(1)
			tracef("%s superseded in render slot", pf.Source)
		} else {
			tracef("%s published: %d points, %d features, registration %s",
				pf.Source, len(pf.Points), len(pf.Features), pf.RegistrationStatus)
		}
	}
	if p.OnResult != nil {
		p.OnResult(pf, err)
	}
	return pf, err
}

func (p *Pipeline) safeProcess(ctx context.Context, f *frame.Frame, ref *Reference) (pf *frame.ProcessedFrame, err error) {
	defer func() {
		if r := recover(); r != nil {
			pf = nil
			err = &ProcessingError{Kind: ErrStagePanic, Ref: f.Ref(), Err: fmt.Errorf("%v", r)}
		}
	}()
	return p.process(ctx, f, ref)
}

func (p *Pipeline) account(ref frame.FrameRef, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrEmptyInput):
		p.emptyInput.Add(1)
		diagf("%v", err)
	case errors.Is(err, ErrStagePanic):
		p.panics.Add(1)
		opsf("%v", err)
	case errors.Is(err, ErrTimeout):
		p.regTimeouts.Add(1)
		diagf("%v", err)
	case errors.Is(err, ErrRegistrationFailed):
		p.regFailed.Add(1)
		diagf("%v", err)
	default:
		opsf("%s: unexpected error: %v", ref, err)
	}
}

// afterProcess offers a finished frame to the render slot and applies the
// reference promotion rules to it. refVersion is the version the frame was
// processed against. It reports whether the frame was published.
func (p *Pipeline) afterProcess(pf *frame.ProcessedFrame, refVersion uint64) (published bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Offer under p.mu so lastProcessed always names the rendered frame.
	if published = p.out.Offer(pf); published {
		p.lastProcessed = pf
	}
	cur := p.ref.Load()

	switch pf.RegistrationStatus {
	case frame.RegistrationBootstrapped:
		if cur == nil {
			p.installLocked(pf.Source, pf.Points, frame.Identity(), frame.PromotionBootstrap)
		}
	case frame.RegistrationSucceeded:
		p.regOK.Add(1)
		p.failStreak = 0
		p.lastPose = pf.Registration.Pose
		if pf.Registration.ReferenceVersion != cur.Version() {
			p.superseded.Add(1)
			return published
		}
		p.streak++
		if p.cfg.PromotionInterval > 0 && p.streak >= p.cfg.PromotionInterval {
			p.installLocked(pf.Source, pf.Points, pf.Registration.Pose, frame.PromotionInterval)
		}
	case frame.RegistrationFailed, frame.RegistrationTimedOut:
		p.failStreak++
		if refVersion == cur.Version() {
			p.streak = 0
		}
	}
	return published
}

// installLocked swaps in a new reference. p.mu must be held.
func (p *Pipeline) installLocked(src frame.FrameRef, pts []frame.Point, pose frame.RigidTransform, reason frame.PromotionReason) *frame.ReferenceFrame {
	p.nextVersion++
	rf := &frame.ReferenceFrame{
		Version:    p.nextVersion,
		Source:     src,
		Points:     pts,
		Pose:       pose,
		PromotedAt: p.clock.Now(),
		Reason:     reason,
	}
	p.ref.Store(NewReference(rf))
	p.streak = 0
	p.promotions.Add(1)
	diagf("reference v%d installed from %s (%s, %d points)", rf.Version, src, reason, len(pts))
	if p.OnPromote != nil {
		p.OnPromote(rf)
	}
	return rf
}

// ResetReference promotes the most recently published frame to be the
// reference. Its pose is the frame's registered pose, or the last known
// good pose when it was not registered.
func (p *Pipeline) ResetReference() (*frame.ReferenceFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pf := p.lastProcessed
	if pf == nil {
		return nil, ErrNoFrame
	}
	pose := p.lastPose
	if pf.Registration != nil {
		pose = pf.Registration.Pose
	}
	return p.installLocked(pf.Source, pf.Points, pose, frame.PromotionReset), nil
}

// SeedReference installs pts, at the given world pose, as the reference.
// The slice is copied.
func (p *Pipeline) SeedReference(pts []frame.Point, pose frame.RigidTransform) *frame.ReferenceFrame {
	own := append([]frame.Point(nil), pts...)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installLocked(frame.FrameRef{SourceID: SeedSourceID}, own, pose, frame.PromotionSeed)
}

// RetireSource forgets the render slot's high-water mark for a retired
// source so that results from its restarted sequence are published again.
// Call it together with ingest.Bridge.RetireSource.
func (p *Pipeline) RetireSource(id string) {
	p.out.Forget(id)
	diagf("retired source %q from the render slot", id)
}

// Reference returns the current reference, or nil before the first frame.
func (p *Pipeline) Reference() *frame.ReferenceFrame {
	if r := p.ref.Load(); r != nil {
		return r.Frame
	}
	return nil
}

// RecentLatencies returns the recent per-frame latencies, oldest first.
func (p *Pipeline) RecentLatencies() []time.Duration {
	return p.latencies.snapshot()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	streak, failStreak := p.streak, p.failStreak
	p.mu.Unlock()

	st := Stats{
		Workers:               p.workers,
		QueueLen:              p.in.Len(),
		Processed:             p.processed.Load(),
		EmptyInput:            p.emptyInput.Load(),
		Panics:                p.panics.Load(),
		Discarded:             p.discarded.Load(),
		RegistrationSucceeded: p.regOK.Load(),
		RegistrationFailed:    p.regFailed.Load(),
		RegistrationTimeouts:  p.regTimeouts.Load(),
		SupersededResults:     p.superseded.Load(),
		StaleResults:          p.staleResults.Load(),
		SuccessStreak:         streak,
		FailureStreak:         failStreak,
		Promotions:            p.promotions.Load(),
		LastLatency:           time.Duration(p.lastLatency.Load()),
		Latency:               summarise(p.latencies.snapshot()),
	}
	if rf := p.Reference(); rf != nil {
		st.ReferenceVersion = rf.Version
		st.ReferenceSource = rf.Source.String()
	}
	return st
}
