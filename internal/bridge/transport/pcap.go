package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/cloudbridge/internal/bridge/ingest"
)

// ReplayConfig controls ReplayPCAP.
type ReplayConfig struct {
	// Port keeps only UDP datagrams to this destination port. Zero keeps
	// every UDP datagram.
	Port uint16
	// Speed paces replay by capture timestamps (1.0 = real time, 2.0 = twice
	// as fast). Zero or negative replays as fast as possible.
	Speed float64
	Stats *PacketStats
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets   int           // capture records read
	Delivered int           // UDP payloads handed to the sink
	Rejected  int           // payloads the sink rejected
	Skipped   int           // non-UDP or filtered records
	Span      time.Duration // capture time covered
}

// ReplayPCAP reads a classic pcap stream and feeds matching UDP payloads to
// sink. It returns at end of file, when ctx is done, or when the sink
// reports that the bridge is shutting down.
func ReplayPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig, sink DatagramSink) (ReplayStats, error) {
	var st ReplayStats
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("failed to open capture: %w", err)
	}
	if cfg.Port != 0 {
		diagf("PCAP replay: udp dst port %d (speed: %.1fx)", cfg.Port, cfg.Speed)
	}

	var first, last time.Time
	replayStart := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			diagf("PCAP replay complete: %d packets, %d delivered in %v", st.Packets, st.Delivered, time.Since(replayStart))
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("read capture record %d: %w", st.Packets+1, err)
		}
		st.Packets++

		if first.IsZero() {
			first = ci.Timestamp
		} else if cfg.Speed > 0 {
			if wait := time.Duration(float64(ci.Timestamp.Sub(last)) / cfg.Speed); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return st, ctx.Err()
				case <-timer.C:
				}
			}
		}
		last = ci.Timestamp
		st.Span = last.Sub(first)

		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 || (cfg.Port != 0 && uint16(udp.DstPort) != cfg.Port) {
			st.Skipped++
			continue
		}

		if cfg.Stats != nil {
			cfg.Stats.AddPacket(len(udp.Payload))
		}
		st.Delivered++
		if err := sink.OnDatagram(udp.Payload); err != nil {
			if errors.Is(err, ingest.ErrShuttingDown) {
				return st, err
			}
			st.Rejected++
			if cfg.Stats != nil {
				cfg.Stats.AddRejected()
			}
			tracef("PCAP record %d rejected: %v", st.Packets, err)
		}
		if st.Packets%10000 == 0 {
			diagf("PCAP progress: %d packets in %v", st.Packets, time.Since(replayStart))
		}
	}
}
