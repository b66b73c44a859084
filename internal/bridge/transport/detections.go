package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/handoff"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
)

// ErrBadDetections is returned by ParseDetections for unusable datagrams.
var ErrBadDetections = errors.New("bad detection datagram")

type wireDetection struct {
	DroneID    *int      `json:"drone_id"`
	Label      string    `json:"label"`
	Box        []float64 `json:"box"`
	Confidence float64   `json:"confidence"`
}

// ParseDetections decodes a detector datagram: a JSON array of
// {"drone_id", "label", "box": [x0, y0, x1, y1]} objects. Anything after
// the array is ignored. Entries without a drone_id or without a four
// element box are skipped.
func ParseDetections(data []byte) ([]frame.Detection, int, error) {
	var items []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&items); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadDetections, err)
	}
	out := make([]frame.Detection, 0, len(items))
	skipped := 0
	for _, raw := range items {
		var w wireDetection
		if err := json.Unmarshal(raw, &w); err != nil || w.DroneID == nil || len(w.Box) != 4 {
			skipped++
			continue
		}
		out = append(out, frame.Detection{
			DroneID:    *w.DroneID,
			Label:      w.Label,
			Box:        [4]float64{w.Box[0], w.Box[1], w.Box[2], w.Box[3]},
			Confidence: w.Confidence,
		})
	}
	return out, skipped, nil
}

// DetectionReceiverConfig configures a DetectionReceiver.
type DetectionReceiverConfig struct {
	Address string
	// Source names the batches. Defaults to "detector".
	Source        string
	SocketFactory UDPSocketFactory
	Clock         timeutil.Clock
}

// DetectionReceiver listens for detector datagrams and publishes each one
// as a batch into a most-recent-wins slot.
type DetectionReceiver struct {
	cfg   DetectionReceiverConfig
	slot  *handoff.LatestSlot[*frame.DetectionBatch]
	seq   uint64
	stats *PacketStats
}

// NewDetectionReceiver returns a receiver publishing into slot.
func NewDetectionReceiver(cfg DetectionReceiverConfig, slot *handoff.LatestSlot[*frame.DetectionBatch]) *DetectionReceiver {
	if cfg.Source == "" {
		cfg.Source = "detector"
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = RealUDPSocketFactory{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &DetectionReceiver{cfg: cfg, slot: slot, stats: NewPacketStats("Detections " + cfg.Address)}
}

// Stats returns the receiver's counters.
func (r *DetectionReceiver) Stats() *PacketStats { return r.stats }

// Handle parses one datagram and publishes it.
func (r *DetectionReceiver) Handle(data []byte) error {
	r.stats.AddPacket(len(data))
	dets, skipped, err := ParseDetections(data)
	if err != nil {
		r.stats.AddRejected()
		return err
	}
	if skipped > 0 {
		tracef("detection datagram: skipped %d incomplete entries", skipped)
	}
	r.seq++
	r.slot.Offer(&frame.DetectionBatch{
		Source:     r.cfg.Source,
		Sequence:   r.seq,
		ReceivedAt: r.cfg.Clock.Now(),
		Detections: dets,
	})
	return nil
}

// Run reads datagrams until ctx is done.
func (r *DetectionReceiver) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", r.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := r.cfg.SocketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()
	opsf("Detection receiver listening on %s", conn.LocalAddr())

	buffer := make([]byte, DefaultMaxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			opsf("Detection read error: %v", err)
			continue
		}
		if err := r.Handle(buffer[:n]); err != nil {
			diagf("Detection datagram from %v dropped: %v", from, err)
		}
	}
}
