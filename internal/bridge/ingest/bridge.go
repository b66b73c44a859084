// Package ingest validates samples delivered by transport goroutines, turns
// them into frames and pushes them onto the bounded ingest queue without ever
// blocking the caller.
package ingest

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/handoff"
	"github.com/banshee-data/cloudbridge/internal/config"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
)

// Config controls the ingest bridge.
type Config struct {
	// Sources lists the source ids known up front. Their state is created
	// eagerly.
	Sources []string
	// AcceptUnknownSources registers unseen sources on their first sample.
	// When false, samples from sources outside Sources are malformed.
	AcceptUnknownSources bool

	QueueCapacity int
	DropPolicy    handoff.DropPolicy

	// Decoder is used by OnDatagram. Defaults to ProtoCodec.
	Decoder Decoder
	// Clock stamps arrival times. Defaults to the real clock.
	Clock timeutil.Clock
}

// DefaultConfig returns the configuration used when no tuning file is given.
func DefaultConfig() Config {
	return Config{
		AcceptUnknownSources: true,
		QueueCapacity:        4,
		DropPolicy:           handoff.DropOldest,
	}
}

// ConfigFromTuning builds a Config from the bridge tuning file.
func ConfigFromTuning(cfg *config.BridgeConfig) (Config, error) {
	policy, err := handoff.ParseDropPolicy(cfg.GetDropPolicy())
	if err != nil {
		return Config{}, err
	}
	return Config{
		Sources:              append([]string(nil), cfg.Sources...),
		AcceptUnknownSources: cfg.GetAcceptUnknownSources(),
		QueueCapacity:        cfg.GetIngestQueueCapacity(),
		DropPolicy:           policy,
	}, nil
}

// sourceState is the per-source bookkeeping. next holds the last accepted
// sequence plus one, so zero means nothing accepted yet.
type sourceState struct {
	id        string
	firstSeen time.Time

	next         atomic.Uint64
	lastAccepted atomic.Int64 // arrival time, unix nanos

	received      atomic.Uint64
	accepted      atomic.Uint64
	dropped       atomic.Uint64
	malformed     atomic.Uint64
	stale         atomic.Uint64
	droppedPoints atomic.Uint64
}

// Bridge is the ingest boundary. All methods are safe for concurrent use.
type Bridge struct {
	cfg   Config
	clock timeutil.Clock
	queue *handoff.Queue[*frame.Frame]

	mu      sync.RWMutex
	sources map[string]*sourceState

	closed atomic.Bool

	unattributedMalformed atomic.Uint64
}

// New creates a bridge and its ingest queue.
func New(cfg Config) (*Bridge, error) {
	if cfg.Decoder == nil {
		cfg.Decoder = ProtoCodec{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	q, err := handoff.NewQueue[*frame.Frame](cfg.QueueCapacity, cfg.DropPolicy)
	if err != nil {
		return nil, fmt.Errorf("ingest queue: %w", err)
	}

	b := &Bridge{
		cfg:     cfg,
		clock:   cfg.Clock,
		queue:   q,
		sources: make(map[string]*sourceState, len(cfg.Sources)),
	}
	now := cfg.Clock.Now()
	for _, id := range cfg.Sources {
		if id == "" {
			return nil, fmt.Errorf("empty source id in source list")
		}
		b.sources[id] = &sourceState{id: id, firstSeen: now}
	}
	q.OnDrop = b.onQueueDrop
	return b, nil
}

// Queue returns the ingest queue consumed by the processing pipeline.
func (b *Bridge) Queue() *handoff.Queue[*frame.Frame] { return b.queue }

// OnSampleReceived validates raw and enqueues the resulting frame. It never
// blocks. The returned error, if any, is an *IngestError whose kind is one of
// ErrShuttingDown, ErrMalformed, ErrStale or ErrQueueFull.
func (b *Bridge) OnSampleReceived(raw *RawSample) error {
	if b.closed.Load() {
		e := &IngestError{Kind: ErrShuttingDown}
		if raw != nil {
			e.SourceID, e.Sequence = raw.SourceID, raw.Sequence
		}
		return e
	}
	if raw == nil {
		b.unattributedMalformed.Add(1)
		return malformed(nil, "nil sample")
	}

	st, ierr := b.source(raw.SourceID)
	if ierr != nil {
		b.unattributedMalformed.Add(1)
		opsf("rejecting sample from %q: %v", raw.SourceID, ierr.Reason)
		return ierr
	}
	st.received.Add(1)

	if ierr := validateShape(raw); ierr != nil {
		st.malformed.Add(1)
		tracef("%s#%d malformed: %s", raw.SourceID, raw.Sequence, ierr.Reason)
		return ierr
	}
	if raw.Sequence == math.MaxUint64 {
		st.malformed.Add(1)
		return malformed(raw, "sequence overflow")
	}

	// Claim the sequence. The middleware delivers each source in order on
	// one goroutine, but a CAS keeps this correct if it does not.
	for {
		next := st.next.Load()
		if raw.Sequence+1 <= next {
			st.stale.Add(1)
			tracef("%s#%d stale (last accepted %d)", raw.SourceID, raw.Sequence, next-1)
			return &IngestError{
				Kind:     ErrStale,
				SourceID: raw.SourceID,
				Sequence: raw.Sequence,
				Reason:   fmt.Sprintf("last accepted %d", next-1),
			}
		}
		if st.next.CompareAndSwap(next, raw.Sequence+1) {
			break
		}
	}

	arrival := b.clock.Now()
	f, droppedPts := toFrame(raw, arrival)
	if droppedPts > 0 {
		st.droppedPoints.Add(uint64(droppedPts))
	}

	if !b.queue.Push(f) {
		if b.closed.Load() || b.queue.Closed() {
			return &IngestError{Kind: ErrShuttingDown, SourceID: raw.SourceID, Sequence: raw.Sequence}
		}
		// onQueueDrop already counted the rejection against this source.
		return &IngestError{Kind: ErrQueueFull, SourceID: raw.SourceID, Sequence: raw.Sequence}
	}
	st.accepted.Add(1)
	st.lastAccepted.Store(arrival.UnixNano())
	tracef("%s#%d accepted: %d points", raw.SourceID, raw.Sequence, len(f.Points))
	return nil
}

// OnDatagram decodes b with the configured decoder and forwards the sample.
// Undecodable datagrams are malformed and cannot be attributed to a source.
func (b *Bridge) OnDatagram(data []byte) error {
	if b.closed.Load() {
		return &IngestError{Kind: ErrShuttingDown}
	}
	raw, err := b.cfg.Decoder.Decode(data)
	if err != nil {
		b.unattributedMalformed.Add(1)
		tracef("undecodable datagram (%d bytes): %v", len(data), err)
		return &IngestError{Kind: ErrMalformed, Reason: err.Error()}
	}
	return b.OnSampleReceived(raw)
}

// RetireSource forgets a source's ingest state so that a restarted sensor
// may begin a new sequence. It reports whether the source was known. The
// render slot keeps its own high-water mark; see Pipeline.RetireSource.
func (b *Bridge) RetireSource(id string) bool {
	b.mu.Lock()
	_, ok := b.sources[id]
	delete(b.sources, id)
	b.mu.Unlock()
	if ok {
		diagf("retired source %q", id)
	}
	return ok
}

// Close makes every subsequent call return ErrShuttingDown and closes the
// ingest queue. Frames already queued stay available to the pipeline.
func (b *Bridge) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.queue.Close()
	diagf("closed; %d frames left in queue", b.queue.Len())
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool { return b.closed.Load() }

func (b *Bridge) source(id string) (*sourceState, *IngestError) {
	if id == "" {
		return nil, &IngestError{Kind: ErrMalformed, Reason: "empty source id"}
	}
	b.mu.RLock()
	st, ok := b.sources[id]
	b.mu.RUnlock()
	if ok {
		return st, nil
	}
	if !b.cfg.AcceptUnknownSources {
		return nil, &IngestError{Kind: ErrMalformed, SourceID: id, Reason: "unknown source"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.sources[id]; ok {
		return st, nil
	}
	st = &sourceState{id: id, firstSeen: b.clock.Now()}
	b.sources[id] = st
	diagf("discovered source %q", id)
	return st, nil
}

func (b *Bridge) onQueueDrop(f *frame.Frame) {
	b.mu.RLock()
	st := b.sources[f.SourceID]
	b.mu.RUnlock()
	if st != nil {
		st.dropped.Add(1)
	}
	opsf("dropped %s under %s (queue capacity %d)", f.Ref(), b.queue.Policy(), b.queue.Cap())
}

// SourceStats is a point-in-time copy of one source's counters. Accepted
// counts frames that entered the queue.
type SourceStats struct {
	SourceID      string    `json:"source_id"`
	LastSequence  uint64    `json:"last_sequence"`
	HasSequence   bool      `json:"has_sequence"`
	Received      uint64    `json:"received"`
	Accepted      uint64    `json:"accepted"`
	Dropped       uint64    `json:"dropped"`
	Malformed     uint64    `json:"malformed"`
	Stale         uint64    `json:"stale"`
	DroppedPoints uint64    `json:"dropped_points"`
	FirstSeen     time.Time `json:"first_seen"`
	LastAccepted  time.Time `json:"last_accepted,omitempty"`
}

// Stats summarises the bridge.
type Stats struct {
	Sources               []SourceStats `json:"sources"`
	UnattributedMalformed uint64        `json:"unattributed_malformed"`
	QueueLen              int           `json:"queue_len"`
	QueueCap              int           `json:"queue_cap"`
	QueueDropped          uint64        `json:"queue_dropped"`
	DropPolicy            string        `json:"drop_policy"`
	ShuttingDown          bool          `json:"shutting_down"`
}

// Stats returns a snapshot of all counters, sources sorted by id.
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	out := Stats{Sources: make([]SourceStats, 0, len(b.sources))}
	for _, st := range b.sources {
		out.Sources = append(out.Sources, st.snapshot())
	}
	b.mu.RUnlock()

	sort.Slice(out.Sources, func(i, j int) bool { return out.Sources[i].SourceID < out.Sources[j].SourceID })
	out.UnattributedMalformed = b.unattributedMalformed.Load()
	out.QueueLen = b.queue.Len()
	out.QueueCap = b.queue.Cap()
	out.QueueDropped = b.queue.Dropped()
	out.DropPolicy = b.queue.Policy().String()
	out.ShuttingDown = b.closed.Load()
	return out
}

// Source returns the counters of one source.
func (b *Bridge) Source(id string) (SourceStats, bool) {
	b.mu.RLock()
	st, ok := b.sources[id]
	b.mu.RUnlock()
	if !ok {
		return SourceStats{}, false
	}
	return st.snapshot(), true
}

func (st *sourceState) snapshot() SourceStats {
	s := SourceStats{
		SourceID:      st.id,
		Received:      st.received.Load(),
		Accepted:      st.accepted.Load(),
		Dropped:       st.dropped.Load(),
		Malformed:     st.malformed.Load(),
		Stale:         st.stale.Load(),
		DroppedPoints: st.droppedPoints.Load(),
		FirstSeen:     st.firstSeen,
	}
	if next := st.next.Load(); next > 0 {
		s.LastSequence, s.HasSequence = next-1, true
	}
	if ns := st.lastAccepted.Load(); ns != 0 {
		s.LastAccepted = time.Unix(0, ns)
	}
	return s
}
