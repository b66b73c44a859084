package pipeline

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// latencyRingSize is the number of recent per-frame latencies kept.
const latencyRingSize = 256

// latencyRing keeps the most recent processing latencies.
type latencyRing struct {
	mu   sync.Mutex
	buf  [latencyRingSize]time.Duration
	next int
	full bool
}

func (r *latencyRing) add(d time.Duration) {
	r.mu.Lock()
	r.buf[r.next] = d
	r.next = (r.next + 1) % latencyRingSize
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// snapshot returns the recorded latencies, oldest first.
func (r *latencyRing) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]time.Duration(nil), r.buf[:r.next]...)
	}
	out := make([]time.Duration, 0, latencyRingSize)
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// LatencySummary describes the recent latency distribution.
type LatencySummary struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean_ns"`
	P50   time.Duration `json:"p50_ns"`
	P95   time.Duration `json:"p95_ns"`
	Max   time.Duration `json:"max_ns"`
}

// summarise computes a LatencySummary over ds.
func summarise(ds []time.Duration) LatencySummary {
	if len(ds) == 0 {
		return LatencySummary{}
	}
	xs := make([]float64, len(ds))
	for i, d := range ds {
		xs[i] = float64(d)
	}
	sort.Float64s(xs)
	return LatencySummary{
		Count: len(xs),
		Mean:  time.Duration(stat.Mean(xs, nil)),
		P50:   time.Duration(stat.Quantile(0.5, stat.Empirical, xs, nil)),
		P95:   time.Duration(stat.Quantile(0.95, stat.Empirical, xs, nil)),
		Max:   time.Duration(xs[len(xs)-1]),
	}
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	Workers  int `json:"workers"`
	QueueLen int `json:"queue_len"`

	Processed  uint64 `json:"processed"`
	EmptyInput uint64 `json:"empty_input"`
	Panics     uint64 `json:"panics"`
	Discarded  uint64 `json:"discarded"`

	RegistrationSucceeded uint64 `json:"registration_succeeded"`
	RegistrationFailed    uint64 `json:"registration_failed"`
	RegistrationTimeouts  uint64 `json:"registration_timeouts"`
	// SupersededResults counts successful registrations against a reference
	// that had already been replaced. They do not advance the streak.
	SupersededResults uint64 `json:"superseded_results"`
	// StaleResults counts results the render slot rejected because a newer
	// result from the same source was already published.
	StaleResults uint64 `json:"stale_results"`

	SuccessStreak int `json:"success_streak"`
	FailureStreak int `json:"failure_streak"`

	Promotions       uint64 `json:"promotions"`
	ReferenceVersion uint64 `json:"reference_version"`
	ReferenceSource  string `json:"reference_source,omitempty"`

	LastLatency time.Duration  `json:"last_latency_ns"`
	Latency     LatencySummary `json:"latency"`
}
