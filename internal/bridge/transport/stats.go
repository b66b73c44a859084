// Package transport delivers encoded samples to the ingest bridge from UDP,
// capture files, serial links and ZeroMQ.
package transport

import (
	"fmt"
	"sync"
	"time"
)

// PacketStats tracks datagram counters. Interval counters are reset by
// LogStats; totals are not.
type PacketStats struct {
	mu        sync.Mutex
	name      string
	packets   int64
	bytes     int64
	rejected  int64
	lastReset time.Time

	totalPackets  int64
	totalBytes    int64
	totalRejected int64
}

// NewPacketStats creates a PacketStats labelled name in log lines.
func NewPacketStats(name string) *PacketStats {
	return &PacketStats{name: name, lastReset: time.Now()}
}

// AddPacket counts one datagram of n bytes.
func (ps *PacketStats) AddPacket(n int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.bytes += int64(n)
	ps.totalPackets++
	ps.totalBytes += int64(n)
}

// AddRejected counts a datagram the sink did not accept.
func (ps *PacketStats) AddRejected() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.rejected++
	ps.totalRejected++
}

// GetAndReset returns the interval counters and starts a new interval.
func (ps *PacketStats) GetAndReset() (packets, bytes, rejected int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := time.Now()
	duration = now.Sub(ps.lastReset)
	packets, bytes, rejected = ps.packets, ps.bytes, ps.rejected
	ps.packets, ps.bytes, ps.rejected = 0, 0, 0
	ps.lastReset = now
	return
}

// PacketTotals are lifetime counters.
type PacketTotals struct {
	Packets  int64 `json:"packets"`
	Bytes    int64 `json:"bytes"`
	Rejected int64 `json:"rejected"`
}

// Totals returns lifetime counters.
func (ps *PacketStats) Totals() PacketTotals {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return PacketTotals{Packets: ps.totalPackets, Bytes: ps.totalBytes, Rejected: ps.totalRejected}
}

// LogStats logs per-second rates for the interval since the last call.
func (ps *PacketStats) LogStats() {
	packets, bytes, rejected, duration := ps.GetAndReset()
	if packets == 0 && rejected == 0 {
		return
	}
	secs := duration.Seconds()
	msg := fmt.Sprintf("%s stats (/sec): %.2f MB, %.1f packets", ps.name,
		float64(bytes)/secs/(1024*1024), float64(packets)/secs)
	if rejected > 0 {
		msg += fmt.Sprintf(", %s rejected", FormatWithCommas(rejected))
	}
	diagf("%s", msg)
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := str[0] == '-'
	if neg {
		str = str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}
	out := make([]byte, 0, len(str)+len(str)/3+1)
	if neg {
		out = append(out, '-')
	}
	for i := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, str[i])
	}
	return string(out)
}
