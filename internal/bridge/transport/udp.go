package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/cloudbridge/internal/bridge/ingest"
)

// DatagramSink consumes one encoded sample. The slice is only valid for the
// duration of the call. ingest.Bridge implements it.
type DatagramSink interface {
	OnDatagram(data []byte) error
}

// DefaultMaxDatagram is the largest UDP payload.
const DefaultMaxDatagram = 65507

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	// MaxDatagram sizes the read buffer. Defaults to DefaultMaxDatagram.
	MaxDatagram int
	Stats       *PacketStats
	// SocketFactory defaults to RealUDPSocketFactory.
	SocketFactory UDPSocketFactory
}

// UDPListener reads datagrams and hands each one to a sink.
type UDPListener struct {
	cfg   UDPListenerConfig
	sink  DatagramSink
	stats *PacketStats
	conn  UDPSocket
	ready chan struct{}
}

// NewUDPListener returns a listener delivering to sink.
func NewUDPListener(cfg UDPListenerConfig, sink DatagramSink) *UDPListener {
	if cfg.LogInterval == 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = DefaultMaxDatagram
	}
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = RealUDPSocketFactory{}
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewPacketStats("UDP " + cfg.Address)
	}
	return &UDPListener{cfg: cfg, sink: sink, stats: stats, ready: make(chan struct{})}
}

// Stats returns the listener's counters.
func (l *UDPListener) Stats() *PacketStats { return l.stats }

// Ready is closed once the socket is bound.
func (l *UDPListener) Ready() <-chan struct{} { return l.ready }

// Addr returns the bound address, or nil before Ready.
func (l *UDPListener) Addr() net.Addr {
	select {
	case <-l.ready:
		return l.conn.LocalAddr()
	default:
		return nil
	}
}

// Start binds the socket and reads until ctx is done or the sink reports
// that the bridge is shutting down, which ends the loop with a nil error.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := l.cfg.SocketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()
	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			opsf("Warning: Failed to set UDP receive buffer size to %d: %v", l.cfg.RcvBuf, err)
		}
	}
	l.conn = conn
	close(l.ready)
	opsf("UDP listener started on %s", conn.LocalAddr())

	go l.logStats(ctx)

	buffer := make([]byte, l.cfg.MaxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			diagf("UDP listener stopping: %v", err)
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
			opsf("UDP read error: %v", err)
			continue
		}
		l.stats.AddPacket(n)
		if err := l.sink.OnDatagram(buffer[:n]); err != nil {
			if errors.Is(err, ingest.ErrShuttingDown) {
				diagf("UDP listener on %s stopping: bridge shutting down", conn.LocalAddr())
				return nil
			}
			l.stats.AddRejected()
			tracef("datagram from %v rejected: %v", from, err)
		}
	}
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}
