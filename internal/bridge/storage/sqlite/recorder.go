package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/ingest"
	"github.com/banshee-data/cloudbridge/internal/bridge/pipeline"
	"github.com/banshee-data/cloudbridge/internal/config"
	"github.com/banshee-data/cloudbridge/internal/monitoring"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
)

var logf = monitoring.Prefixed("[Recorder] ")

// ErrRecorderClosed is returned by operations on a closed Recorder.
var ErrRecorderClosed = errors.New("recorder closed")

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Label is a free-form run description stored with the run.
	Label string
	// ConfigJSON is the effective tuning, stored verbatim.
	ConfigJSON string
	// BufferSize bounds the pending entry channel. Entries offered while
	// it is full are dropped and counted.
	BufferSize int
	// FlushInterval is the longest an entry waits before being written.
	FlushInterval time.Duration
	// BatchSize forces a flush once this many entries are pending.
	BatchSize int
	Clock     timeutil.Clock
}

// DefaultRecorderConfig returns the recorder defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		BufferSize:    256,
		FlushInterval: time.Second,
		BatchSize:     128,
	}
}

// RecorderConfigFromTuning reads the recorder options from cfg.
func RecorderConfigFromTuning(cfg *config.BridgeConfig) RecorderConfig {
	rc := DefaultRecorderConfig()
	rc.BufferSize = cfg.GetRecorderBufferSize()
	rc.FlushInterval = cfg.GetRecorderFlushInterval()
	return rc
}

// FrameEntry is the logged summary of one processed frame.
type FrameEntry struct {
	SourceID           string
	Sequence           uint64
	CaptureTime        time.Time
	ProcessedAt        time.Time
	InputPoints        int
	OutputPoints       int
	Features           int
	OccupiedCells      int
	RegistrationStatus string
	Fitness            *float64
	RMSE               *float64
	ReferenceVersion   *uint64
	Latency            time.Duration
	Error              string
}

// PromotionEntry is the logged summary of a reference promotion.
type PromotionEntry struct {
	Version    uint64
	SourceID   string
	Sequence   uint64
	Reason     string
	Points     int
	Tx, Ty, Tz float64
	PromotedAt time.Time
}

// entry is one pending write: exactly one field is set.
type entry struct {
	frame     *FrameEntry
	promotion *PromotionEntry
}

// RecorderStats reports recorder activity.
type RecorderStats struct {
	RunID     string `json:"run_id"`
	Pending   int    `json:"pending"`
	Written   uint64 `json:"written"`
	Dropped   uint64 `json:"dropped"`
	Flushes   uint64 `json:"flushes"`
	Errors    uint64 `json:"errors"`
	Snapshots uint64 `json:"counter_snapshots"`
}

// Recorder writes run-log entries in batched transactions from a single
// goroutine. Offering an entry never blocks.
type Recorder struct {
	db    *DB
	cfg   RecorderConfig
	clock timeutil.Clock
	runID string

	entries chan entry
	flushCh chan chan error

	written   atomic.Uint64
	dropped   atomic.Uint64
	flushes   atomic.Uint64
	errs      atomic.Uint64
	snapshots atomic.Uint64

	mu      sync.RWMutex
	closed  bool
	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool
}

// NewRecorder creates a run row and returns a recorder for it. Call Start
// to begin writing.
func NewRecorder(db *DB, cfg RecorderConfig) (*Recorder, error) {
	def := DefaultRecorderConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ConfigJSON == "" {
		cfg.ConfigJSON = "{}"
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	r := &Recorder{
		db:      db,
		cfg:     cfg,
		clock:   cfg.Clock,
		runID:   uuid.NewString(),
		entries: make(chan entry, cfg.BufferSize),
		flushCh: make(chan chan error),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	_, err := db.Exec(
		`INSERT INTO runs (run_id, started_unix_ns, label, config_json) VALUES (?, ?, ?, ?)`,
		r.runID, r.clock.Now().UnixNano(), cfg.Label, cfg.ConfigJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return r, nil
}

// RunID returns the id of the run being recorded.
func (r *Recorder) RunID() string { return r.runID }

// Start launches the writer goroutine. Extra calls are no-ops.
func (r *Recorder) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.loop()
}

// RecordResult logs one pipeline result. Its signature matches
// pipeline.Pipeline.OnResult. Frames discarded before publication carry no
// result and no ref, and are ignored.
func (r *Recorder) RecordResult(pf *frame.ProcessedFrame, err error) {
	if pf == nil {
		var pe *pipeline.ProcessingError
		if !errors.As(err, &pe) {
			return
		}
		r.offer(entry{frame: &FrameEntry{
			SourceID:           pe.Ref.SourceID,
			Sequence:           pe.Ref.Sequence,
			CaptureTime:        pe.Ref.CaptureTime,
			ProcessedAt:        r.clock.Now(),
			RegistrationStatus: frame.RegistrationSkipped.String(),
			Error:              err.Error(),
		}})
		return
	}
	r.offer(entry{frame: FrameEntryFrom(pf, err)})
}

// FrameEntryFrom summarises a processed frame.
func FrameEntryFrom(pf *frame.ProcessedFrame, err error) *FrameEntry {
	e := &FrameEntry{
		SourceID:           pf.Source.SourceID,
		Sequence:           pf.Source.Sequence,
		CaptureTime:        pf.Source.CaptureTime,
		ProcessedAt:        pf.ProcessedAt,
		InputPoints:        pf.Stats.InputPoints,
		OutputPoints:       len(pf.Points),
		Features:           len(pf.Features),
		OccupiedCells:      len(pf.Occupancy),
		RegistrationStatus: pf.RegistrationStatus.String(),
		Latency:            pf.Stats.Latency,
		Error:              pf.RegistrationErr,
	}
	if reg := pf.Registration; reg != nil {
		fit, rmse, ver := reg.Fitness, reg.RMSE, reg.ReferenceVersion
		e.Fitness, e.RMSE, e.ReferenceVersion = &fit, &rmse, &ver
	}
	if err != nil && e.Error == "" {
		e.Error = err.Error()
	}
	return e
}

// RecordPromotion logs a reference promotion. Its signature matches
// pipeline.Pipeline.OnPromote.
func (r *Recorder) RecordPromotion(rf *frame.ReferenceFrame) {
	t := rf.Pose.Translation()
	r.offer(entry{promotion: &PromotionEntry{
		Version:    rf.Version,
		SourceID:   rf.Source.SourceID,
		Sequence:   rf.Source.Sequence,
		Reason:     string(rf.Reason),
		Points:     len(rf.Points),
		Tx:         t.X,
		Ty:         t.Y,
		Tz:         t.Z,
		PromotedAt: rf.PromotedAt,
	}})
}

func (r *Recorder) offer(e entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.entries <- e:
	default:
		if r.dropped.Add(1)%100 == 1 {
			logf("buffer full (%d), dropping run log entries", cap(r.entries))
		}
	}
}

// Flush writes everything pending and waits for the transaction to commit.
func (r *Recorder) Flush(ctx context.Context) error {
	if !r.started.Load() {
		return errors.New("recorder not started")
	}
	reply := make(chan error, 1)
	select {
	case r.flushCh <- reply:
	case <-r.done:
		return ErrRecorderClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	ticker := r.clock.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]entry, 0, r.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.writeBatch(batch)
		batch = batch[:0]
		return err
	}
	for {
		select {
		case e := <-r.entries:
			batch = append(batch, e)
			if len(batch) >= r.cfg.BatchSize {
				_ = flush()
			}
		case <-ticker.C():
			_ = flush()
		case reply := <-r.flushCh:
			batch = r.drain(batch)
			reply <- flush()
		case <-r.stopCh:
			batch = r.drain(batch)
			_ = flush()
			return
		}
	}
}

// drain moves everything currently buffered into batch.
func (r *Recorder) drain(batch []entry) []entry {
	for {
		select {
		case e := <-r.entries:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

func (r *Recorder) writeBatch(batch []entry) error {
	err := r.inTx(func(tx *sql.Tx) error {
		frameStmt, err := tx.Prepare(`INSERT INTO frame_log (
			run_id, source_id, sequence, capture_unix_ns, processed_unix_ns,
			input_points, output_points, features, occupied_cells,
			registration_status, fitness, rmse, reference_version, latency_us, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer frameStmt.Close()
		promoStmt, err := tx.Prepare(`INSERT OR REPLACE INTO reference_log (
			run_id, version, source_id, sequence, reason, points, tx, ty, tz, promoted_unix_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer promoStmt.Close()

		frames := 0
		for _, e := range batch {
			switch {
			case e.frame != nil:
				f := e.frame
				var refVersion any
				if f.ReferenceVersion != nil {
					refVersion = int64(*f.ReferenceVersion)
				}
				if _, err := frameStmt.Exec(
					r.runID, f.SourceID, int64(f.Sequence), unixNanos(f.CaptureTime), unixNanos(f.ProcessedAt),
					f.InputPoints, f.OutputPoints, f.Features, f.OccupiedCells,
					f.RegistrationStatus, f.Fitness, f.RMSE, refVersion, f.Latency.Microseconds(), f.Error,
				); err != nil {
					return fmt.Errorf("insert frame %s#%d: %w", f.SourceID, f.Sequence, err)
				}
				frames++
			case e.promotion != nil:
				p := e.promotion
				if _, err := promoStmt.Exec(
					r.runID, int64(p.Version), p.SourceID, int64(p.Sequence), p.Reason, p.Points,
					p.Tx, p.Ty, p.Tz, p.PromotedAt.UnixNano(),
				); err != nil {
					return fmt.Errorf("insert reference v%d: %w", p.Version, err)
				}
			}
		}
		_, err = tx.Exec(`UPDATE runs SET frames_logged = frames_logged + ?, frames_dropped = ? WHERE run_id = ?`,
			frames, int64(r.dropped.Load()), r.runID)
		return err
	})
	if err != nil {
		r.errs.Add(1)
		logf("failed to write %d entries: %v", len(batch), err)
		return err
	}
	r.written.Add(uint64(len(batch)))
	r.flushes.Add(1)
	return nil
}

func (r *Recorder) inTx(fn func(*sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logf("warning: failed to rollback transaction: %v", err)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// SnapshotCounters stores the per-source ingest counters as of now.
func (r *Recorder) SnapshotCounters(ctx context.Context, st ingest.Stats) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrRecorderClosed
	}
	now := r.clock.Now().UnixNano()
	err := r.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO source_counters (
			run_id, source_id, snapshot_unix_ns, last_sequence,
			received, accepted, dropped, malformed, stale, dropped_points
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, s := range st.Sources {
			if _, err := stmt.ExecContext(ctx,
				r.runID, s.SourceID, now, int64(s.LastSequence),
				int64(s.Received), int64(s.Accepted), int64(s.Dropped),
				int64(s.Malformed), int64(s.Stale), int64(s.DroppedPoints),
			); err != nil {
				return fmt.Errorf("snapshot %s: %w", s.SourceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to snapshot counters: %w", err)
	}
	r.snapshots.Add(1)
	return nil
}

// SnapshotLoop calls SnapshotCounters with stats() every interval until ctx
// is done.
func (r *Recorder) SnapshotLoop(ctx context.Context, interval time.Duration, stats func() ingest.Stats) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := r.SnapshotCounters(ctx, stats()); err != nil && !errors.Is(err, ErrRecorderClosed) && ctx.Err() == nil {
				logf("%v", err)
			}
		}
	}
}

// Close stops the writer, writes what is pending and marks the run ended.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.started.Load() {
		close(r.stopCh)
		<-r.done
	} else {
		batch := r.drain(nil)
		if len(batch) > 0 {
			_ = r.writeBatch(batch)
		}
	}
	_, err := r.db.Exec(`UPDATE runs SET ended_unix_ns = ?, frames_dropped = ? WHERE run_id = ?`,
		r.clock.Now().UnixNano(), int64(r.dropped.Load()), r.runID)
	if err != nil {
		return fmt.Errorf("failed to close run %s: %w", r.runID, err)
	}
	return nil
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		RunID:     r.runID,
		Pending:   len(r.entries),
		Written:   r.written.Load(),
		Dropped:   r.dropped.Load(),
		Flushes:   r.flushes.Load(),
		Errors:    r.errs.Load(),
		Snapshots: r.snapshots.Load(),
	}
}

func unixNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}
