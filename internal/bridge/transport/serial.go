package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/cloudbridge/internal/bridge/ingest"
)

// ErrFrameTooLarge is returned when a length prefix exceeds the limit.
var ErrFrameTooLarge = errors.New("framed sample too large")

// DefaultMaxFrame bounds a single length-prefixed sample.
const DefaultMaxFrame = 16 * 1024 * 1024

// ReadFramed reads 4-byte big-endian length-prefixed samples from r and
// passes each to sink. It returns nil at a clean end of stream.
func ReadFramed(ctx context.Context, r io.Reader, maxFrame int, sink DatagramSink, stats *PacketStats) error {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	cr := ctxReader{ctx: ctx, r: r}
	var header [4]byte
	buf := make([]byte, 0, 64*1024)
	for {
		if _, err := io.ReadFull(cr, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		n := int(binary.BigEndian.Uint32(header[:]))
		if n > maxFrame {
			return fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, maxFrame)
		}
		if cap(buf) < n {
			buf = make([]byte, n)
		}
		buf = buf[:n]
		if _, err := io.ReadFull(cr, buf); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read %d byte frame: %w", n, err)
		}
		if stats != nil {
			stats.AddPacket(n)
		}
		if err := sink.OnDatagram(buf); err != nil {
			if errors.Is(err, ingest.ErrShuttingDown) {
				return err
			}
			if stats != nil {
				stats.AddRejected()
			}
			tracef("framed sample rejected: %v", err)
		}
	}
}

// WriteFramed writes one length-prefixed sample.
func WriteFramed(w io.Writer, data []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ctxReader fails reads once ctx is done. Serial reads return after the
// port's read timeout, so cancellation is noticed promptly.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// SerialConfig configures a SerialSource.
type SerialConfig struct {
	Port     string
	BaudRate int
	// ReadTimeout bounds each read so cancellation is observed.
	ReadTimeout time.Duration
	MaxFrame    int
}

// SerialSource reads framed samples from a serial port.
type SerialSource struct {
	cfg   SerialConfig
	open  func(string, *serial.Mode) (serial.Port, error)
	stats *PacketStats
}

// NewSerialSource returns a source for cfg.Port.
func NewSerialSource(cfg SerialConfig) *SerialSource {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	return &SerialSource{cfg: cfg, open: serial.Open, stats: NewPacketStats("Serial " + cfg.Port)}
}

// Stats returns the source's counters.
func (s *SerialSource) Stats() *PacketStats { return s.stats }

// Run opens the port and reads until ctx is done or the stream ends.
func (s *SerialSource) Run(ctx context.Context, sink DatagramSink) error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := s.open(s.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", s.cfg.Port, err)
	}
	defer port.Close()
	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		return fmt.Errorf("set read timeout on %s: %w", s.cfg.Port, err)
	}
	opsf("Serial source reading %s at %d baud", s.cfg.Port, s.cfg.BaudRate)
	err = ReadFramed(ctx, port, s.cfg.MaxFrame, sink, s.stats)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
