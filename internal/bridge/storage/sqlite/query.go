package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run is a row of the runs table.
type Run struct {
	RunID         string     `json:"run_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Label         string     `json:"label"`
	FramesLogged  int64      `json:"frames_logged"`
	FramesDropped int64      `json:"frames_dropped"`
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, started_unix_ns, ended_unix_ns, label, frames_logged, frames_dropped
		FROM runs ORDER BY started_unix_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&r.RunID, &started, &ended, &r.Label, &r.FramesLogged, &r.FramesDropped); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FrameLog returns the logged frames of a run in insertion order. A zero
// limit returns all of them.
func (db *DB) FrameLog(ctx context.Context, runID string, limit int) ([]FrameEntry, error) {
	q := `
		SELECT source_id, sequence, capture_unix_ns, processed_unix_ns,
		       input_points, output_points, features, occupied_cells,
		       registration_status, fitness, rmse, reference_version, latency_us, error
		FROM frame_log WHERE run_id = ? ORDER BY id`
	args := []any{runID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame log: %w", err)
	}
	defer rows.Close()

	var out []FrameEntry
	for rows.Next() {
		var e FrameEntry
		var seq, latencyUS int64
		var capture, processed, refVersion sql.NullInt64
		var fitness, rmse sql.NullFloat64
		if err := rows.Scan(&e.SourceID, &seq, &capture, &processed,
			&e.InputPoints, &e.OutputPoints, &e.Features, &e.OccupiedCells,
			&e.RegistrationStatus, &fitness, &rmse, &refVersion, &latencyUS, &e.Error); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.Latency = time.Duration(latencyUS) * time.Microsecond
		if capture.Valid {
			e.CaptureTime = time.Unix(0, capture.Int64)
		}
		if processed.Valid {
			e.ProcessedAt = time.Unix(0, processed.Int64)
		}
		if fitness.Valid {
			e.Fitness = &fitness.Float64
		}
		if rmse.Valid {
			e.RMSE = &rmse.Float64
		}
		if refVersion.Valid {
			v := uint64(refVersion.Int64)
			e.ReferenceVersion = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Promotions returns the reference promotions of a run ordered by version.
func (db *DB) Promotions(ctx context.Context, runID string) ([]PromotionEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT version, source_id, sequence, reason, points, tx, ty, tz, promoted_unix_ns
		FROM reference_log WHERE run_id = ? ORDER BY version`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query promotions: %w", err)
	}
	defer rows.Close()

	var out []PromotionEntry
	for rows.Next() {
		var p PromotionEntry
		var version, seq, promoted int64
		if err := rows.Scan(&version, &p.SourceID, &seq, &p.Reason, &p.Points, &p.Tx, &p.Ty, &p.Tz, &promoted); err != nil {
			return nil, err
		}
		p.Version, p.Sequence = uint64(version), uint64(seq)
		p.PromotedAt = time.Unix(0, promoted)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CounterSnapshot is a row of source_counters.
type CounterSnapshot struct {
	SourceID     string
	TakenAt      time.Time
	LastSequence uint64
	Received     uint64
	Accepted     uint64
	Dropped      uint64
	Malformed    uint64
	Stale        uint64
}

// LatestCounters returns the newest counter snapshot of each source in a run.
func (db *DB) LatestCounters(ctx context.Context, runID string) ([]CounterSnapshot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.source_id, c.snapshot_unix_ns, c.last_sequence, c.received, c.accepted,
		       c.dropped, c.malformed, c.stale
		FROM source_counters c
		JOIN (
			SELECT source_id, MAX(snapshot_unix_ns) AS latest
			FROM source_counters WHERE run_id = ? GROUP BY source_id
		) m ON m.source_id = c.source_id AND m.latest = c.snapshot_unix_ns
		WHERE c.run_id = ?
		ORDER BY c.source_id`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	var out []CounterSnapshot
	for rows.Next() {
		var s CounterSnapshot
		var taken, last, recv, acc, drop, mal, stale int64
		if err := rows.Scan(&s.SourceID, &taken, &last, &recv, &acc, &drop, &mal, &stale); err != nil {
			return nil, err
		}
		s.TakenAt = time.Unix(0, taken)
		s.LastSequence, s.Received, s.Accepted = uint64(last), uint64(recv), uint64(acc)
		s.Dropped, s.Malformed, s.Stale = uint64(drop), uint64(mal), uint64(stale)
		out = append(out, s)
	}
	return out, rows.Err()
}
